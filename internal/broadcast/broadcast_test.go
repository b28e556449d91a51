package broadcast

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/cycleflow/internal/config"
	"github.com/me/cycleflow/internal/cycling"
	"github.com/me/cycleflow/internal/graph"
	"github.com/me/cycleflow/pkg/model"
)

const workflowSrc = `
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  graph:
    P1: foo => bar
runtime:
  root:
    script: "true"
  FAM:
    script: echo fam
  foo:
    inherit: FAM
  bar:
    inherit: FAM
`

var fixed = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*Manager, *graph.Workflow) {
	t.Helper()
	cfg, err := config.ParseWorkflow([]byte(workflowSrc))
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	wf, err := graph.Compile(cfg)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return New(wf, logger, func() time.Time { return fixed }), wf
}

func resolve(t *testing.T, m *Manager, wf *graph.Workflow, name string, point int64) *config.Runtime {
	t.Helper()
	rt, err := m.Resolve(wf.Tasks[name], cycling.IntegerPoint(point))
	if err != nil {
		t.Fatalf("Resolve %s: %v", name, err)
	}
	return rt
}

func TestResolveWithoutBroadcasts(t *testing.T) {
	m, wf := setup(t)
	if got := resolve(t, m, wf, "foo", 1).Script; got != "echo fam" {
		t.Errorf("script = %q, want inherited from FAM", got)
	}
	if got := resolve(t, m, wf, "foo", 1).RunMode; got != model.RunModeLive {
		t.Errorf("run_mode = %q", got)
	}
}

func TestSkipModeBroadcast(t *testing.T) {
	m, wf := setup(t)
	if _, err := m.Set([]string{"*"}, []string{"foo"}, []Setting{{Key: "run_mode", Value: "skip"}}); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, m, wf, "foo", 3).RunMode; got != model.RunModeSkip {
		t.Errorf("foo run_mode = %q, want skip", got)
	}
	if got := resolve(t, m, wf, "bar", 3).RunMode; got != model.RunModeLive {
		t.Errorf("bar run_mode = %q, want live", got)
	}
}

func TestSetIsIdempotent(t *testing.T) {
	m, wf := setup(t)
	set := []Setting{{Key: "environment.MODE", Value: "fast"}}
	if _, err := m.Set([]string{"2"}, []string{"root"}, set); err != nil {
		t.Fatal(err)
	}
	first := resolve(t, m, wf, "foo", 2)
	if _, err := m.Set([]string{"2"}, []string{"root"}, set); err != nil {
		t.Fatal(err)
	}
	second := resolve(t, m, wf, "foo", 2)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeat broadcast changed the runtime (-first +second):\n%s", diff)
	}
	if n := len(m.Entries()); n != 1 {
		t.Errorf("entries = %d, want 1", n)
	}
	if changes := m.DrainChanges(); len(changes) != 2 {
		t.Errorf("change log = %d entries, want 2", len(changes))
	}
	if changes := m.DrainChanges(); len(changes) != 0 {
		t.Errorf("drained twice: %v", changes)
	}
}

func TestPrecedence(t *testing.T) {
	m, wf := setup(t)
	set := func(point, ns, value string) {
		t.Helper()
		if _, err := m.Set([]string{point}, []string{ns}, []Setting{{Key: "script", Value: value}}); err != nil {
			t.Fatal(err)
		}
	}

	// A later broadcast to a less specific namespace loses.
	set("*", "foo", "echo task")
	set("*", "FAM", "echo family")
	set("*", "root", "echo root")
	if got := resolve(t, m, wf, "foo", 1).Script; got != "echo task" {
		t.Errorf("namespace precedence: script = %q", got)
	}
	if got := resolve(t, m, wf, "bar", 1).Script; got != "echo family" {
		t.Errorf("bar script = %q", got)
	}

	// A point-specific broadcast beats any all-points one.
	set("1", "root", "echo point")
	if got := resolve(t, m, wf, "foo", 1).Script; got != "echo point" {
		t.Errorf("point precedence: script = %q", got)
	}
	if got := resolve(t, m, wf, "foo", 2).Script; got != "echo task" {
		t.Errorf("other point: script = %q", got)
	}

	// Same point and namespace: most recent wins.
	set("*", "foo", "echo again")
	if got := resolve(t, m, wf, "foo", 2).Script; got != "echo again" {
		t.Errorf("recency: script = %q", got)
	}
}

func TestSetRejectsWholeRequest(t *testing.T) {
	m, _ := setup(t)
	tests := []struct {
		name     string
		points   []string
		ns       []string
		settings []Setting
	}{
		{"unknown key", nil, []string{"foo"}, []Setting{{Key: "script", Value: "x"}, {Key: "no_such_thing", Value: "1"}}},
		{"unknown namespace", nil, []string{"nope"}, []Setting{{Key: "script", Value: "x"}}},
		{"bad point", []string{"soon"}, []string{"foo"}, []Setting{{Key: "script", Value: "x"}}},
		{"bad value", nil, []string{"foo"}, []Setting{{Key: "execution_retry_delays", Value: "often"}}},
		{"inherit", nil, []string{"foo"}, []Setting{{Key: "inherit", Value: "root"}}},
		{"workflow mode", nil, []string{"foo"}, []Setting{{Key: "run_mode", Value: "dummy"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Set(tt.points, tt.ns, tt.settings)
			var conflict *model.BroadcastConflictError
			if !errors.As(err, &conflict) {
				t.Fatalf("err = %v, want BroadcastConflictError", err)
			}
			if n := len(m.Entries()); n != 0 {
				t.Errorf("%d entries applied after a rejected broadcast", n)
			}
		})
	}
}

func TestNamespaceGlob(t *testing.T) {
	m, wf := setup(t)
	if _, err := m.Set(nil, []string{"b*"}, []Setting{{Key: "environment.X", Value: "1"}}); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, m, wf, "bar", 1).Environment["X"]; got != "1" {
		t.Errorf("bar X = %q", got)
	}
	if got := resolve(t, m, wf, "foo", 1).Environment["X"]; got != "" {
		t.Errorf("foo X = %q, want unset", got)
	}
}

func TestClear(t *testing.T) {
	m, wf := setup(t)
	if _, err := m.Set([]string{"1", "2"}, []string{"foo"}, []Setting{
		{Key: "environment.A", Value: "a"},
		{Key: "script", Value: "echo b"},
	}); err != nil {
		t.Fatal(err)
	}
	cleared, err := m.Clear([]string{"1"}, nil, []string{"environment"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cleared) != 1 || cleared[0].Key != "environment.A" {
		t.Errorf("cleared = %+v", cleared)
	}
	if got := resolve(t, m, wf, "foo", 1).Environment["A"]; got != "" {
		t.Errorf("A still set at 1: %q", got)
	}
	if got := resolve(t, m, wf, "foo", 2).Environment["A"]; got != "a" {
		t.Errorf("A cleared at 2: %q", got)
	}

	_, err = m.Clear([]string{"7"}, nil, nil)
	var rejected *model.CommandRejectedError
	if !errors.As(err, &rejected) {
		t.Errorf("clear of nothing: err = %v, want CommandRejectedError", err)
	}
}

func TestExpire(t *testing.T) {
	m, _ := setup(t)
	if _, err := m.Set([]string{"1", "2", "3", "*"}, nil, []Setting{{Key: "script", Value: "echo"}}); err != nil {
		t.Fatal(err)
	}
	if n := m.Expire(cycling.IntegerPoint(3)); n != 2 {
		t.Errorf("expired %d, want 2", n)
	}
	var points []string
	for _, e := range m.Entries() {
		points = append(points, e.Point)
	}
	if diff := cmp.Diff([]string{"*", "3"}, points); diff != "" {
		t.Errorf("remaining points (-want +got):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	m, wf := setup(t)
	m.Load([]model.BroadcastRecord{
		{Point: "*", Namespace: "FAM", Key: "script", Value: "echo old", Seq: 4},
		{Point: "*", Namespace: "FAM", Key: "platform", Value: "hpc", Seq: 9},
	}, 2)
	if m.Seq() != 9 {
		t.Errorf("seq = %d, want 9", m.Seq())
	}
	rt := resolve(t, m, wf, "bar", 5)
	if rt.Script != "echo old" || rt.Platform != "hpc" {
		t.Errorf("runtime after load = %q on %q", rt.Script, rt.Platform)
	}
	if _, err := m.Set(nil, []string{"FAM"}, []Setting{{Key: "script", Value: "echo new"}}); err != nil {
		t.Fatal(err)
	}
	if got := resolve(t, m, wf, "bar", 5).Script; got != "echo new" {
		t.Errorf("script = %q", got)
	}
}
