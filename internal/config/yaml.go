package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// decodeStrict decodes YAML rejecting keys that do not map to a struct field.
func decodeStrict(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// StringList accepts either a YAML sequence or a comma-separated scalar.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = splitList(node.Value)
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	return fmt.Errorf("line %d: expected a list or a comma-separated string", node.Line)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Namespaces is the runtime section: an ordered mapping from namespace name to
// raw settings. Order of first appearance is the declaration order used to
// break submission ties within a cycle point. A key may list several
// comma-separated names sharing one settings block.
type Namespaces struct {
	order []string
	trees map[string]map[string]any
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Namespaces) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: runtime must be a mapping", node.Line)
	}
	n.trees = make(map[string]map[string]any)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		tree := map[string]any{}
		if val.Kind != yaml.ScalarNode || val.Value != "" {
			if err := val.Decode(&tree); err != nil {
				return fmt.Errorf("runtime %q: %w", key.Value, err)
			}
		}
		for _, name := range splitList(key.Value) {
			if existing, ok := n.trees[name]; ok {
				Overlay(existing, tree)
				continue
			}
			n.order = append(n.order, name)
			n.trees[name] = cloneTree(tree)
		}
	}
	return nil
}

// Names returns namespace names in declaration order.
func (n *Namespaces) Names() []string { return n.order }

// Has reports whether name is declared.
func (n *Namespaces) Has(name string) bool {
	_, ok := n.trees[name]
	return ok
}

// Tree returns the raw settings of a namespace.
func (n *Namespaces) Tree(name string) map[string]any {
	return n.trees[name]
}

// Add declares a namespace programmatically (implicit tasks, tests).
func (n *Namespaces) Add(name string, tree map[string]any) {
	if n.trees == nil {
		n.trees = make(map[string]map[string]any)
	}
	if _, ok := n.trees[name]; !ok {
		n.order = append(n.order, name)
	}
	n.trees[name] = tree
}

// GraphSection is the ordered mapping from recurrence expression to graph text.
type GraphSection struct {
	Recurrences []string
	Text        map[string]string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (g *GraphSection) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: graph must map recurrences to graph strings", node.Line)
	}
	g.Text = make(map[string]string)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i], node.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: graph for %q must be a string", val.Line, key.Value)
		}
		if prev, ok := g.Text[key.Value]; ok {
			g.Text[key.Value] = prev + "\n" + val.Value
			continue
		}
		g.Recurrences = append(g.Recurrences, key.Value)
		g.Text[key.Value] = val.Value
	}
	return nil
}
