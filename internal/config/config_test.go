package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/me/cycleflow/pkg/model"
)

const sampleWorkflow = `
name: demo
scheduler:
  allow_implicit_tasks: false
  events:
    inactivity_timeout: PT1H
    abort_on_inactivity_timeout: true
    expected_task_failures: [1/flaky]
scheduling:
  cycling_mode: integer
  initial_cycle_point: "1"
  final_cycle_point: "3"
  runahead_limit: P2
  queues:
    big:
      limit: 1
      members: [HEAVY]
  graph:
    R1: prep => a
    P1: a[-P1] => a => b
runtime:
  root:
    script: "true"
    environment:
      GREETING: hello
  HEAVY:
    execution_retry_delays: PT1M, PT2M
  a:
    inherit: HEAVY
    outputs:
      file1: "file one ready"
  b, prep:
    script: echo hi
`

func TestParseWorkflow(t *testing.T) {
	wf, err := ParseWorkflow([]byte(sampleWorkflow))
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	if diff := cmp.Diff([]string{"root", "HEAVY", "a", "b", "prep"}, wf.Runtime.Names()); diff != "" {
		t.Errorf("namespace order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"R1", "P1"}, wf.Scheduling.Graph.Recurrences); diff != "" {
		t.Errorf("recurrence order (-want +got):\n%s", diff)
	}
	if !wf.IsExpectedFailure(model.TaskID{Point: "1", Name: "flaky"}) {
		t.Error("1/flaky not an expected failure")
	}
	if wf.IsExpectedFailure(model.TaskID{Point: "2", Name: "flaky"}) {
		t.Error("2/flaky is an expected failure")
	}
	ctx, err := wf.CyclingContext()
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Initial.Int() != 1 || ctx.Final.Int() != 3 {
		t.Errorf("bounds = %s..%s", ctx.Initial, ctx.Final)
	}
}

func TestRuntimeInheritance(t *testing.T) {
	wf, err := ParseWorkflow([]byte(sampleWorkflow))
	if err != nil {
		t.Fatal(err)
	}
	chain, err := wf.Linearize("a")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "HEAVY", "root"}, chain); diff != "" {
		t.Errorf("Linearize (-want +got):\n%s", diff)
	}

	tree, err := wf.RuntimeTree("a")
	if err != nil {
		t.Fatal(err)
	}
	rt, err := DecodeRuntime(tree)
	if err != nil {
		t.Fatal(err)
	}
	if rt.Script != "true" || rt.Environment["GREETING"] != "hello" {
		t.Errorf("root settings not inherited: %+v", rt)
	}
	exec, submit := rt.RetryDelays()
	if diff := cmp.Diff([]time.Duration{time.Minute, 2 * time.Minute}, exec); diff != "" {
		t.Errorf("exec delays (-want +got):\n%s", diff)
	}
	if len(submit) != 0 {
		t.Errorf("submit delays = %v", submit)
	}
	if rt.Outputs["file1"] != "file one ready" {
		t.Errorf("outputs = %v", rt.Outputs)
	}

	btree, _ := wf.RuntimeTree("b")
	brt, _ := DecodeRuntime(btree)
	if brt.Script != "echo hi" {
		t.Errorf("b script = %q", brt.Script)
	}
	if !brt.Simulation.FailTry1Only || brt.Simulation.DefaultRunLength != "PT10S" {
		t.Errorf("simulation defaults lost: %+v", brt.Simulation)
	}
}

func TestParseWorkflow_RejectsUnknownKeys(t *testing.T) {
	bad := strings.Replace(sampleWorkflow, "runahead_limit: P2", "runahead_limmit: P2", 1)
	if _, err := ParseWorkflow([]byte(bad)); err == nil {
		t.Fatal("unknown scheduling key accepted")
	}
	bad = strings.Replace(sampleWorkflow, "script: echo hi", "scrpit: echo hi", 1)
	_, err := ParseWorkflow([]byte(bad))
	if err == nil || !strings.Contains(err.Error(), "scrpit") {
		t.Fatalf("unknown runtime key: err = %v", err)
	}
}

func TestParseWorkflow_AggregatesErrors(t *testing.T) {
	bad := strings.NewReplacer(
		"inactivity_timeout: PT1H", "inactivity_timeout: soon",
		"PT1M, PT2M", "PT1M, later",
	).Replace(sampleWorkflow)
	_, err := ParseWorkflow([]byte(bad))
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{"inactivity_timeout", "execution_retry_delays"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestLinearize_Cycle(t *testing.T) {
	wf := &Workflow{}
	wf.Runtime.Add("x", map[string]any{"inherit": "y"})
	wf.Runtime.Add("y", map[string]any{"inherit": "x"})
	if _, err := wf.Linearize("x"); err == nil {
		t.Fatal("inheritance cycle accepted")
	}
}

func TestCheckSetting(t *testing.T) {
	tests := []struct {
		path, value string
		ok          bool
	}{
		{"run_mode", "skip", true},
		{"run_mode", "sometimes", false},
		{"environment.FOO", "bar", true},
		{"environment.N", "42", true},
		{"simulation.speedup_factor", "2", true},
		{"simulation.speedup_factr", "2", false},
		{"execution_retry_delays", "PT1M, PT5M", true},
		{"execution_time_limit", "an hour", false},
		{"inherit", "x", false},
		{"script.", "x", false},
	}
	for _, tt := range tests {
		err := CheckSetting(tt.path, tt.value)
		if (err == nil) != tt.ok {
			t.Errorf("CheckSetting(%s=%s) err = %v, want ok=%v", tt.path, tt.value, err, tt.ok)
		}
	}
}

func TestSkipOutputsConflict(t *testing.T) {
	rt := defaultRuntime()
	rt.Skip.Outputs = StringList{"succeeded", "failed"}
	if err := rt.Validate(); err == nil {
		t.Fatal("skip outputs succeeded+failed accepted")
	}
}

func TestLoadServerConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cycleflow.toml")
	data := "addr = \":9090\"\nlog_level = \"debug\"\ntick_interval = \"250ms\"\nmax_submissions = 2\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.Addr != ":9090" || cfg.LogLevel != "debug" || cfg.TickInterval != 250*time.Millisecond || cfg.MaxSubmissions != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.CheckpointRetention != DefaultServerConfig().CheckpointRetention {
		t.Errorf("default retention overwritten: %d", cfg.CheckpointRetention)
	}

	if err := os.WriteFile(path, []byte("nope = 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadServerConfig(path); err == nil {
		t.Error("unknown key accepted")
	}

	if cfg, err := LoadServerConfig(filepath.Join(dir, "missing.toml")); err != nil || cfg.Addr != DefaultServerConfig().Addr {
		t.Errorf("missing file: %+v, %v", cfg, err)
	}
}
