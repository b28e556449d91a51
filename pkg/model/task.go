package model

import (
	"fmt"
	"strings"
)

// TaskID identifies a task instance by cycle point and task name.
// Its string form is "point/name".
type TaskID struct {
	Point string `json:"point"`
	Name  string `json:"name"`
}

// String returns "point/name".
func (id TaskID) String() string {
	return id.Point + "/" + id.Name
}

// ParseTaskID parses "point/name". Either part may be a glob pattern when the
// id is used as a selector.
func ParseTaskID(s string) (TaskID, error) {
	point, name, ok := strings.Cut(s, "/")
	if !ok || point == "" || name == "" || strings.Contains(name, "/") {
		return TaskID{}, fmt.Errorf("invalid task id %q: want point/name", s)
	}
	return TaskID{Point: point, Name: name}, nil
}

// TaskSummary is the externally visible view of a task instance used by
// dump and the command API.
type TaskSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Point      string    `json:"point"`
	Flows      []int     `json:"flows"`
	State      TaskState `json:"state"`
	Held       bool      `json:"held"`
	SubmitNum  int       `json:"submit_num"`
	TryNum     int       `json:"try_num"`
	RunMode    RunMode   `json:"run_mode,omitempty"`
	Outputs    []string  `json:"outputs"`
	Waiting    []string  `json:"unsatisfied,omitempty"`
	Incomplete bool      `json:"incomplete,omitempty"`
}
