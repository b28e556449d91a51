// Package broadcast manages runtime setting overrides applied to tasks at
// submission time.
package broadcast

import (
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/pkg/model"
)

// AllPoints is the point pattern matching every cycle point.
const AllPoints = "*"

// Setting is one dotted runtime setting path and its value.
type Setting struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type entryKey struct {
	point     string
	namespace string
	key       string
}

type entry struct {
	value string
	seq   int64
}

// Manager holds the active broadcasts. Broadcasts are resolved fresh for
// every submission; nothing is copied into task proxies at spawn time.
type Manager struct {
	wf      *graph.Workflow
	logger  *slog.Logger
	entries map[entryKey]entry
	seq     int64
	changes []model.BroadcastChange
	now     func() time.Time
}

// New creates an empty broadcast table.
func New(wf *graph.Workflow, logger *slog.Logger, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		wf:      wf,
		logger:  logger.With("component", "broadcast"),
		entries: make(map[entryKey]entry),
		now:     now,
	}
}

// canonicalPoint validates a point pattern and returns its canonical form.
func (m *Manager) canonicalPoint(p string) (string, error) {
	if p == "" || p == AllPoints {
		return AllPoints, nil
	}
	pt, err := cycling.ParsePoint(m.wf.Context.Mode, p)
	if err != nil {
		return "", err
	}
	return pt.String(), nil
}

// knownNamespace reports whether a namespace pattern matches any runtime
// namespace or task.
func (m *Manager) knownNamespace(pattern string) bool {
	if _, err := path.Match(pattern, ""); err != nil {
		return false
	}
	for _, ns := range m.wf.Namespaces() {
		if ok, _ := path.Match(pattern, ns); ok {
			return true
		}
	}
	for _, name := range m.wf.Order {
		if ok, _ := path.Match(pattern, name); ok {
			return true
		}
	}
	return pattern == config.RootNamespace
}

// Set broadcasts settings to the given points and namespaces. Every point,
// namespace and setting is validated before anything is applied; a bad one
// rejects the whole request. Setting an identical value again only refreshes
// its recency.
func (m *Manager) Set(points, namespaces []string, settings []Setting) ([]model.BroadcastRecord, error) {
	if len(points) == 0 {
		points = []string{AllPoints}
	}
	if len(namespaces) == 0 {
		namespaces = []string{config.RootNamespace}
	}
	if len(settings) == 0 {
		return nil, &model.BroadcastConflictError{Reason: "no settings given"}
	}
	var canon []string
	for _, p := range points {
		c, err := m.canonicalPoint(p)
		if err != nil {
			return nil, &model.BroadcastConflictError{Point: p, Reason: err.Error()}
		}
		canon = append(canon, c)
	}
	for _, ns := range namespaces {
		if !m.knownNamespace(ns) {
			return nil, &model.BroadcastConflictError{Namespace: ns, Reason: "no such namespace"}
		}
	}
	for _, s := range settings {
		if err := config.CheckSetting(s.Key, s.Value); err != nil {
			return nil, &model.BroadcastConflictError{Key: s.Key, Reason: err.Error()}
		}
	}

	var out []model.BroadcastRecord
	now := m.now()
	for _, p := range canon {
		for _, ns := range namespaces {
			for _, s := range settings {
				m.seq++
				k := entryKey{point: p, namespace: ns, key: s.Key}
				m.entries[k] = entry{value: s.Value, seq: m.seq}
				m.changes = append(m.changes, model.BroadcastChange{
					Time: now, Change: "+", Point: p, Namespace: ns, Key: s.Key, Value: s.Value,
				})
				out = append(out, model.BroadcastRecord{Point: p, Namespace: ns, Key: s.Key, Value: s.Value, Seq: m.seq})
				m.logger.Info("broadcast set", "point", p, "namespace", ns, "key", s.Key, "value", s.Value)
			}
		}
	}
	return out, nil
}

// Clear cancels broadcasts. Empty points or namespaces match all; a key
// clears itself and every setting beneath it.
func (m *Manager) Clear(points, namespaces, keys []string) ([]model.BroadcastRecord, error) {
	pointSet := make(map[string]bool)
	for _, p := range points {
		c, err := m.canonicalPoint(p)
		if err != nil {
			return nil, &model.BroadcastConflictError{Point: p, Reason: err.Error()}
		}
		pointSet[c] = true
	}
	nsSet := make(map[string]bool)
	for _, ns := range namespaces {
		nsSet[ns] = true
	}
	var cleared []model.BroadcastRecord
	for _, k := range m.sortedKeys() {
		if len(pointSet) > 0 && !pointSet[k.point] {
			continue
		}
		if len(nsSet) > 0 && !nsSet[k.namespace] {
			continue
		}
		if len(keys) > 0 && !matchesKey(keys, k.key) {
			continue
		}
		cleared = append(cleared, m.drop(k, "cleared"))
	}
	if len(cleared) == 0 {
		return nil, &model.CommandRejectedError{Command: "broadcast clear", Reason: "no matching broadcast"}
	}
	return cleared, nil
}

func matchesKey(keys []string, k string) bool {
	for _, want := range keys {
		if k == want || strings.HasPrefix(k, want+".") {
			return true
		}
	}
	return false
}

func (m *Manager) drop(k entryKey, why string) model.BroadcastRecord {
	e := m.entries[k]
	delete(m.entries, k)
	m.changes = append(m.changes, model.BroadcastChange{
		Time: m.now(), Change: "-", Point: k.point, Namespace: k.namespace, Key: k.key, Value: e.value,
	})
	m.logger.Info("broadcast "+why, "point", k.point, "namespace", k.namespace, "key", k.key)
	return model.BroadcastRecord{Point: k.point, Namespace: k.namespace, Key: k.key, Value: e.value, Seq: e.seq}
}

// Expire drops point-specific broadcasts for points before oldest, which no
// task can use any more.
func (m *Manager) Expire(oldest cycling.Point) int {
	n := 0
	for _, k := range m.sortedKeys() {
		if k.point == AllPoints {
			continue
		}
		pt, err := cycling.ParsePoint(m.wf.Context.Mode, k.point)
		if err != nil || pt.Before(oldest) {
			m.drop(k, "expired")
			n++
		}
	}
	return n
}

// Resolve returns the effective runtime of a task at a point: the static
// inherited settings with every matching broadcast applied. On conflict a
// point-specific broadcast beats an all-points one, then a broadcast to a
// more specific namespace in the task's inheritance chain wins, then the
// most recent.
func (m *Manager) Resolve(def *graph.TaskDef, pt cycling.Point) (*config.Runtime, error) {
	tree := map[string]any{}
	config.Overlay(tree, def.Runtime)
	delete(tree, "inherit")

	type match struct {
		k        entryKey
		e        entry
		specific int
		rank     int
	}
	var matches []match
	p := pt.String()
	for k, e := range m.entries {
		if k.point != AllPoints && k.point != p {
			continue
		}
		rank := -1
		for i, ns := range def.Namespaces {
			if ok, _ := path.Match(k.namespace, ns); ok {
				rank = len(def.Namespaces) - i
				break
			}
		}
		if rank < 0 {
			continue
		}
		specific := 0
		if k.point != AllPoints {
			specific = 1
		}
		matches = append(matches, match{k: k, e: e, specific: specific, rank: rank})
	}
	// Apply lowest precedence first so the winner is written last.
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.specific != b.specific {
			return a.specific < b.specific
		}
		if a.rank != b.rank {
			return a.rank < b.rank
		}
		return a.e.seq < b.e.seq
	})
	for _, mt := range matches {
		if err := config.SetPath(tree, mt.k.key, mt.e.value); err != nil {
			return nil, err
		}
	}
	rt, err := config.DecodeRuntime(tree)
	if err != nil {
		return nil, err
	}
	if err := rt.Validate(); err != nil {
		return nil, err
	}
	return rt, nil
}

func (m *Manager) sortedKeys() []entryKey {
	keys := make([]entryKey, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.point != b.point {
			return a.point < b.point
		}
		if a.namespace != b.namespace {
			return a.namespace < b.namespace
		}
		return a.key < b.key
	})
	return keys
}

// Entries returns the active broadcasts ordered by point, namespace and key.
func (m *Manager) Entries() []model.BroadcastRecord {
	var out []model.BroadcastRecord
	for _, k := range m.sortedKeys() {
		e := m.entries[k]
		out = append(out, model.BroadcastRecord{Point: k.point, Namespace: k.namespace, Key: k.key, Value: e.value, Seq: e.seq})
	}
	return out
}

// Seq returns the latest write sequence number.
func (m *Manager) Seq() int64 { return m.seq }

// Load replaces the table with persisted entries.
func (m *Manager) Load(records []model.BroadcastRecord, seq int64) {
	clear(m.entries)
	m.seq = seq
	for _, r := range records {
		m.entries[entryKey{point: r.Point, namespace: r.Namespace, key: r.Key}] = entry{value: r.Value, seq: r.Seq}
		if r.Seq > m.seq {
			m.seq = r.Seq
		}
	}
}

// DrainChanges returns the change log entries recorded since the last call.
func (m *Manager) DrainChanges() []model.BroadcastChange {
	out := m.changes
	m.changes = nil
	return out
}
