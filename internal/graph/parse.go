// Package graph parses graph strings and compiles them, together with the
// runtime namespaces, into immutable task definitions with prerequisite
// templates.
package graph

import (
	"fmt"
	"strings"
)

// Op is the operator of an expression node.
type Op int

const (
	OpRef Op = iota
	OpAnd
	OpOr
)

// ref is one task reference as written, e.g. foo[-P1D]:fail?.
type ref struct {
	name      string
	offset    string
	hasOffset bool
	qualifier string
	optional  bool
}

func (r ref) String() string {
	var b strings.Builder
	b.WriteString(r.name)
	if r.hasOffset {
		b.WriteString("[" + r.offset + "]")
	}
	if r.qualifier != "" {
		b.WriteString(":" + r.qualifier)
	}
	if r.optional {
		b.WriteByte('?')
	}
	return b.String()
}

// node is the parsed, not yet resolved, form of a trigger expression.
type node struct {
	op   Op
	ref  ref
	args []*node
}

func (n *node) refs(out []ref) []ref {
	if n.op == OpRef {
		return append(out, n.ref)
	}
	for _, a := range n.args {
		out = a.refs(out)
	}
	return out
}

// edge is "lhs => rhs" from one graph line. lhs is nil for a line that only
// declares tasks.
type edge struct {
	line string
	lhs  *node
	rhs  []ref
}

type tokKind int

const (
	tokRef tokKind = iota
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokArrow
)

type token struct {
	kind tokKind
	ref  ref
}

func isNameChar(c byte) bool {
	return c == '_' || c == '-' || c == '+' || c == '%' || c == '@' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func lex(line string) ([]token, error) {
	var toks []token
	for i := 0; i < len(line); {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case strings.HasPrefix(line[i:], "=>"):
			toks = append(toks, token{kind: tokArrow})
			i += 2
		case c == '&':
			toks = append(toks, token{kind: tokAnd})
			i++
		case c == '|':
			toks = append(toks, token{kind: tokOr})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen})
			i++
		case isNameChar(c) && c != '+' && c != '-':
			j := i
			for j < len(line) && isNameChar(line[j]) {
				j++
			}
			r := ref{name: line[i:j]}
			if j < len(line) && line[j] == '[' {
				end := strings.IndexByte(line[j:], ']')
				if end < 0 {
					return nil, fmt.Errorf("unterminated cycle point offset after %q", r.name)
				}
				r.offset = strings.TrimSpace(line[j+1 : j+end])
				r.hasOffset = true
				if r.offset == "" {
					return nil, fmt.Errorf("empty cycle point offset on %q", r.name)
				}
				j += end + 1
			}
			if j < len(line) && line[j] == ':' {
				k := j + 1
				for k < len(line) && isNameChar(line[k]) {
					k++
				}
				if k == j+1 {
					return nil, fmt.Errorf("missing output name after %q:", r.name)
				}
				r.qualifier = line[j+1 : k]
				j = k
			}
			if j < len(line) && line[j] == '?' {
				r.optional = true
				j++
			}
			toks = append(toks, token{kind: tokRef, ref: r})
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return toks, nil
}

// parser is a recursive descent parser over one "=>" segment. & binds
// tighter than |.
type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() (token, bool) {
	if p.pos < len(p.toks) {
		return p.toks[p.pos], true
	}
	return token{}, false
}

func (p *parser) expr() (*node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	args := []*node{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return &node{op: OpOr, args: args}, nil
}

func (p *parser) term() (*node, error) {
	left, err := p.factor()
	if err != nil {
		return nil, err
	}
	args := []*node{left}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			break
		}
		p.pos++
		right, err := p.factor()
		if err != nil {
			return nil, err
		}
		args = append(args, right)
	}
	if len(args) == 1 {
		return left, nil
	}
	return &node{op: OpAnd, args: args}, nil
}

func (p *parser) factor() (*node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("expression ends early")
	}
	switch t.kind {
	case tokRef:
		p.pos++
		return &node{op: OpRef, ref: t.ref}, nil
	case tokLParen:
		p.pos++
		n, err := p.expr()
		if err != nil {
			return nil, err
		}
		if t, ok := p.peek(); !ok || t.kind != tokRParen {
			return nil, fmt.Errorf("missing )")
		}
		p.pos++
		return n, nil
	}
	return nil, fmt.Errorf("expected a task name")
}

func parseExpr(toks []token) (*node, error) {
	p := &parser{toks: toks}
	n, err := p.expr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(toks) {
		return nil, fmt.Errorf("unexpected token after expression")
	}
	return n, nil
}

// parseTargets parses the right-hand side of "=>": task names joined by &.
func parseTargets(toks []token) ([]ref, error) {
	var out []ref
	for i, t := range toks {
		if i%2 == 1 {
			switch t.kind {
			case tokAnd:
				continue
			case tokOr:
				return nil, fmt.Errorf("| is not allowed on the right of =>")
			}
			return nil, fmt.Errorf("expected & between targets")
		}
		if t.kind != tokRef {
			return nil, fmt.Errorf("the right of => must be task names joined by &")
		}
		if t.ref.hasOffset {
			return nil, fmt.Errorf("cycle point offset on %q is not allowed on the right of =>", t.ref.name)
		}
		out = append(out, t.ref)
	}
	if len(toks)%2 == 0 {
		return nil, fmt.Errorf("dangling & on the right of =>")
	}
	return out, nil
}

// parseLine parses one logical graph line into edges.
func parseLine(line string) ([]edge, error) {
	toks, err := lex(line)
	if err != nil {
		return nil, err
	}
	var segs [][]token
	start := 0
	for i, t := range toks {
		if t.kind == tokArrow {
			segs = append(segs, toks[start:i])
			start = i + 1
		}
	}
	segs = append(segs, toks[start:])
	for _, s := range segs {
		if len(s) == 0 {
			return nil, fmt.Errorf("empty expression around =>")
		}
	}

	if len(segs) == 1 {
		n, err := parseExpr(segs[0])
		if err != nil {
			return nil, err
		}
		return []edge{{line: line, rhs: n.refs(nil)}}, nil
	}
	var out []edge
	for i := 0; i+1 < len(segs); i++ {
		lhs, err := parseExpr(segs[i])
		if err != nil {
			return nil, err
		}
		rhs, err := parseTargets(segs[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, edge{line: line, lhs: lhs, rhs: rhs})
	}
	return out, nil
}

// splitLines joins continuation lines (a line ending, or the next starting,
// with =>, & or |) and strips comments and blank lines.
func splitLines(text string) []string {
	var out []string
	var cur string
	continues := func(s string) bool {
		return strings.HasSuffix(s, "=>") || strings.HasSuffix(s, "&") || strings.HasSuffix(s, "|")
	}
	leads := func(s string) bool {
		return strings.HasPrefix(s, "=>") || strings.HasPrefix(s, "&") || strings.HasPrefix(s, "|")
	}
	for _, raw := range strings.Split(text, "\n") {
		line := raw
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if cur != "" && (continues(cur) || leads(line)) {
			cur += " " + line
			continue
		}
		if cur != "" {
			out = append(out, cur)
		}
		cur = line
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}
