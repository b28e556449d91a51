package cycling

import (
	"strconv"
	"strings"

	"github.com/me/cycleflow/pkg/model"
)

// Context carries the workflow bounds that recurrence expressions resolve
// against: ^ is the initial point and $ the final point.
type Context struct {
	Mode    Mode
	Initial Point
	Final   Point // zero when the workflow is unbounded
}

// Sequence is a recurrence producing ascending cycle points. The k-th point is
// always computed as start + k*step, never by repeated offsetting, so long
// enumerations do not drift.
type Sequence struct {
	raw   string
	start Point
	step  Interval // zero for a single-point sequence
	count int64    // 0 means unbounded
	lower Point    // points before this are not in the sequence
	upper Point    // zero means no upper bound
}

// NewSequence builds a sequence directly. count <= 0 means unbounded.
func NewSequence(start Point, step Interval, count int64) *Sequence {
	if count < 0 {
		count = 0
	}
	return &Sequence{raw: start.String() + "/" + step.String(), start: start, step: step, count: count, lower: start}
}

// String returns the expression the sequence was parsed from.
func (s *Sequence) String() string { return s.raw }

// Start returns the anchor point.
func (s *Sequence) Start() Point { return s.start }

// Step returns the recurrence interval (zero for single-point sequences).
func (s *Sequence) Step() Interval { return s.step }

// Bounded returns a copy of s with an upper bound.
func (s *Sequence) Bounded(upper Point) *Sequence {
	c := *s
	if !upper.IsZero() && (c.upper.IsZero() || upper.Before(c.upper)) {
		c.upper = upper
	}
	return &c
}

func (s *Sequence) nth(k int64) Point {
	if k == 0 {
		return s.start
	}
	return s.start.Add(s.step.Scale(k))
}

func (s *Sequence) inRange(k int64, p Point) bool {
	if s.count > 0 && k >= s.count {
		return false
	}
	if !s.upper.IsZero() && p.After(s.upper) {
		return false
	}
	return true
}

// ceil returns the first sequence point >= p (or > p when strict).
func (s *Sequence) ceil(p Point, strict bool) (Point, bool) {
	if !s.lower.IsZero() && s.lower.After(p) {
		p, strict = s.lower, false
	}
	ok := func(q Point) bool {
		if strict {
			return q.After(p)
		}
		return !q.Before(p)
	}
	if s.step.IsZero() {
		if ok(s.start) && s.inRange(0, s.start) {
			return s.start, true
		}
		return Point{}, false
	}

	var k int64
	if !ok(s.start) {
		k = s.estimate(p)
		for k > 0 && ok(s.nth(k-1)) {
			k--
		}
		for !ok(s.nth(k)) {
			k++
		}
	}
	q := s.nth(k)
	if !s.inRange(k, q) {
		return Point{}, false
	}
	return q, true
}

func (s *Sequence) estimate(p Point) int64 {
	var k int64
	if s.step.mode == Integer {
		k = (p.v - s.start.v) / s.step.n
	} else if secs := s.step.approxSeconds(); secs > 0 {
		k = int64(float64(p.v-s.start.v) / secs)
	}
	if k < 0 {
		return 0
	}
	return k
}

// First returns the first point of the sequence.
func (s *Sequence) First() (Point, bool) {
	return s.ceil(s.start, false)
}

// Next returns the smallest point strictly greater than after, or false when
// the sequence is exhausted.
func (s *Sequence) Next(after Point) (Point, bool) {
	return s.ceil(after, true)
}

// Contains reports whether p is a point of the sequence.
func (s *Sequence) Contains(p Point) bool {
	q, ok := s.ceil(p, false)
	return ok && q == p
}

// Shift returns the sequence offset by d: every point p becomes p+d.
func (s *Sequence) Shift(d Interval) *Sequence {
	c := *s
	c.raw = s.raw + "(" + d.String() + ")"
	c.start = s.start.Add(d)
	if !s.lower.IsZero() {
		c.lower = s.lower.Add(d)
	}
	if !s.upper.IsZero() {
		c.upper = s.upper.Add(d)
	}
	return &c
}

// AtOrAfter returns a copy of s without points before p.
func (s *Sequence) AtOrAfter(p Point) *Sequence {
	c := *s
	if c.lower.IsZero() || c.lower.Before(p) {
		c.lower = p
	}
	return &c
}

// maxCoincideSteps bounds the search in Coincides for recurrences whose
// common period cannot be computed exactly (mixed nominal and exact steps).
const maxCoincideSteps = 100000

// Coincides reports whether s and o share at least one point.
func (s *Sequence) Coincides(o *Sequence) bool {
	p, okP := s.First()
	q, okQ := o.First()
	limit := coincideWindow(s.step, o.step)
	for i := int64(0); okP && okQ && i < limit; i++ {
		switch p.Compare(q) {
		case 0:
			return true
		case -1:
			p, okP = s.ceil(q, false)
		default:
			q, okQ = o.ceil(p, false)
		}
	}
	return false
}

// coincideWindow returns the number of leapfrog steps that covers one common
// period of both steps once both sequences are running.
func coincideWindow(a, b Interval) int64 {
	if a.IsZero() || b.IsZero() {
		return 4
	}
	var x, y int64
	switch {
	case a.mode == Integer:
		x, y = a.n, b.n
	case !a.IsNominal() && !b.IsNominal():
		x, y = a.days*86400+a.secs, b.days*86400+b.secs
	case a.days == 0 && a.secs == 0 && b.days == 0 && b.secs == 0:
		x, y = a.years*12+a.months, b.years*12+b.months
	default:
		return maxCoincideSteps
	}
	l := lcm(x, y)
	n := l/x + l/y + 2
	if n <= 0 || n > maxCoincideSteps {
		return maxCoincideSteps
	}
	return n
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

func lcm(a, b int64) int64 {
	g := gcd(a, b)
	if g == 0 {
		return 0
	}
	return a / g * b
}

// ParseSequence parses a recurrence expression such as R1, R1/^, R1/$,
// PT6H, +P1D/P1D, 20200101T00Z/P1M, R/^/P2D or R3/+P1/P2.
func ParseSequence(raw string, ctx Context) (*Sequence, error) {
	expr := strings.TrimSpace(raw)
	bad := func(reason string) error {
		return &model.MalformedCyclePointError{Value: raw, Reason: reason}
	}
	if expr == "" {
		return nil, bad("empty recurrence")
	}

	s := &Sequence{raw: expr, lower: ctx.Initial, upper: ctx.Final}
	parts := strings.Split(expr, "/")

	if strings.HasPrefix(parts[0], "R") {
		rep := parts[0][1:]
		if rep != "" {
			n, err := strconv.ParseInt(rep, 10, 64)
			if err != nil || n < 1 {
				return nil, bad("bad repetition count")
			}
			s.count = n
		}
		parts = parts[1:]
		switch len(parts) {
		case 0:
			if s.count != 1 {
				return nil, bad("repetition without interval")
			}
			s.start = ctx.Initial
			return s, nil
		case 1:
			if s.count == 1 {
				start, err := resolveAnchor(parts[0], ctx)
				if err != nil {
					return nil, err
				}
				s.start = start
				return s, nil
			}
			step, err := parseStep(parts[0], ctx.Mode)
			if err != nil {
				return nil, err
			}
			s.start, s.step = ctx.Initial, step
			return s, nil
		case 2:
			start, err := resolveAnchor(parts[0], ctx)
			if err != nil {
				return nil, err
			}
			step, err := parseStep(parts[1], ctx.Mode)
			if err != nil {
				return nil, err
			}
			s.start, s.step = start, step
			return s, nil
		}
		return nil, bad("too many fields")
	}

	switch len(parts) {
	case 1:
		step, err := parseStep(parts[0], ctx.Mode)
		if err != nil {
			return nil, err
		}
		s.start, s.step = ctx.Initial, step
	case 2:
		start, err := resolveAnchor(parts[0], ctx)
		if err != nil {
			return nil, err
		}
		step, err := parseStep(parts[1], ctx.Mode)
		if err != nil {
			return nil, err
		}
		s.start, s.step = start, step
	default:
		return nil, bad("too many fields")
	}
	return s, nil
}

func parseStep(s string, mode Mode) (Interval, error) {
	d, err := ParseInterval(mode, s)
	if err != nil {
		return Interval{}, err
	}
	if d.IsZero() || d.IsNegative() {
		return Interval{}, &model.MalformedCyclePointError{Value: s, Reason: "recurrence interval must be positive"}
	}
	return d, nil
}

// ResolvePoint resolves an anchor expression: ^, $, ^+P1D, $-PT6H, +P1D
// (relative to the initial point) or an explicit point.
func ResolvePoint(s string, ctx Context) (Point, error) {
	return resolveAnchor(s, ctx)
}

func resolveAnchor(s string, ctx Context) (Point, error) {
	s = strings.TrimSpace(s)
	base := ctx.Initial
	switch {
	case strings.HasPrefix(s, "^"):
		s = s[1:]
	case strings.HasPrefix(s, "$"):
		if ctx.Final.IsZero() {
			return Point{}, &model.MalformedCyclePointError{Value: s, Reason: "$ used without a final cycle point"}
		}
		base = ctx.Final
		s = s[1:]
	case (strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-")) && strings.Contains(s, "P"):
	default:
		return ParsePoint(ctx.Mode, s)
	}
	if s == "" {
		return base, nil
	}
	d, err := ParseInterval(ctx.Mode, s)
	if err != nil {
		return Point{}, err
	}
	return base.Add(d), nil
}
