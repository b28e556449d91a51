package task

import (
	"encoding/json"
	"fmt"
	"sort"
)

// FlowSet is a sorted set of flow numbers. An empty set is flow "none": the
// task runs but its outputs spawn nothing downstream.
type FlowSet []int

// NewFlowSet returns a normalised flow set.
func NewFlowSet(nums ...int) FlowSet {
	seen := make(map[int]bool, len(nums))
	out := make(FlowSet, 0, len(nums))
	for _, n := range nums {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// Merge returns the union of f and o.
func (f FlowSet) Merge(o FlowSet) FlowSet {
	return NewFlowSet(append(append([]int{}, f...), o...)...)
}

// Intersects reports whether f and o share a flow.
func (f FlowSet) Intersects(o FlowSet) bool {
	for _, a := range f {
		for _, b := range o {
			if a == b {
				return true
			}
		}
	}
	return false
}

// Contains reports whether every flow of o is in f.
func (f FlowSet) Contains(o FlowSet) bool {
	for _, b := range o {
		found := false
		for _, a := range f {
			if a == b {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// IsNone reports whether f is the empty flow set.
func (f FlowSet) IsNone() bool { return len(f) == 0 }

// String returns the JSON form used as the persisted flow key, e.g. [1,2].
func (f FlowSet) String() string {
	if f == nil {
		f = FlowSet{}
	}
	b, _ := json.Marshal([]int(f))
	return string(b)
}

// ParseFlowSet parses the persisted flow key.
func ParseFlowSet(s string) (FlowSet, error) {
	var nums []int
	if err := json.Unmarshal([]byte(s), &nums); err != nil {
		return nil, fmt.Errorf("parse flow numbers %q: %w", s, err)
	}
	return NewFlowSet(nums...), nil
}
