package model

import "testing"

func TestTaskState_IsFinal(t *testing.T) {
	tests := []struct {
		state TaskState
		final bool
	}{
		{TaskStateWaiting, false},
		{TaskStatePreparing, false},
		{TaskStateSubmitted, false},
		{TaskStateRunning, false},
		{TaskStateSucceeded, true},
		{TaskStateFailed, true},
		{TaskStateSubmitFailed, true},
		{TaskStateExpired, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsFinal(); got != tt.final {
			t.Errorf("TaskState(%q).IsFinal() = %v, want %v", tt.state, got, tt.final)
		}
	}
}

func TestTaskState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  TaskState
		to    TaskState
		valid bool
	}{
		// Valid transitions
		{TaskStateWaiting, TaskStatePreparing, true},
		{TaskStateWaiting, TaskStateExpired, true},
		{TaskStatePreparing, TaskStateSubmitted, true},
		{TaskStatePreparing, TaskStateSubmitFailed, true},
		{TaskStateSubmitted, TaskStateRunning, true},
		{TaskStateRunning, TaskStateSucceeded, true},
		{TaskStateRunning, TaskStateFailed, true},
		{TaskStateRunning, TaskStateWaiting, true},

		// Invalid transitions
		{TaskStateWaiting, TaskStateRunning, false},
		{TaskStateWaiting, TaskStateSubmitted, false},
		{TaskStateSucceeded, TaskStateFailed, false},
		{TaskStateExpired, TaskStateSubmitted, false},
		{TaskStateRunning, TaskStatePreparing, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("%s.CanTransitionTo(%s) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestRunMode_IsGhost(t *testing.T) {
	for mode, want := range map[RunMode]bool{
		RunModeLive:       false,
		RunModeDummy:      false,
		RunModeSimulation: true,
		RunModeSkip:       true,
	} {
		if got := mode.IsGhost(); got != want {
			t.Errorf("%s.IsGhost() = %v, want %v", mode, got, want)
		}
	}
}

func TestParseTaskID(t *testing.T) {
	id, err := ParseTaskID("20200101T0000Z/foo")
	if err != nil {
		t.Fatalf("ParseTaskID: %v", err)
	}
	if id.Point != "20200101T0000Z" || id.Name != "foo" {
		t.Errorf("got %+v", id)
	}
	if id.String() != "20200101T0000Z/foo" {
		t.Errorf("String() = %q", id.String())
	}
	for _, bad := range []string{"foo", "/foo", "1/", "1/a/b"} {
		if _, err := ParseTaskID(bad); err == nil {
			t.Errorf("ParseTaskID(%q) should fail", bad)
		}
	}
}
