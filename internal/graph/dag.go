package graph

import (
	"sort"

	"github.com/me/cycleflow/pkg/model"
)

// checkSamePointCycles looks for dependency cycles between tasks at one cycle
// point. Only zero-offset relative triggers create edges; offset triggers
// always point at another cycle and cannot deadlock.
//
// It uses Kahn's algorithm: tasks left with a non-zero in-degree once the
// queue drains are part of (or downstream of) a cycle.
func checkSamePointCycles(defs map[string]*TaskDef) error {
	// forward[A] = [B, C] means A must run before B and C.
	forward := make(map[string][]string, len(defs))
	inDegree := make(map[string]int, len(defs))
	for name := range defs {
		inDegree[name] = 0
	}

	for name, d := range defs {
		seen := make(map[string]bool)
		for _, dep := range d.Deps {
			for _, t := range dep.Triggers {
				if t.Absolute || !t.Offset.IsZero() || seen[t.Task] {
					continue
				}
				seen[t.Task] = true
				forward[t.Task] = append(forward[t.Task], name)
				inDegree[name]++
			}
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++

		successors := forward[n]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if visited == len(defs) {
		return nil
	}
	var cycle []string
	for name, deg := range inDegree {
		if deg > 0 {
			cycle = append(cycle, name)
		}
	}
	sort.Strings(cycle)
	return &model.PrerequisiteDeadlockError{Tasks: cycle}
}
