// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import "sort"

// structure is an immutable snapshot of the DAG's topology, taken once
// per validation or execution so readiness checks never touch d.mu.
type structure struct {
	ids      []string            // registration order
	incoming map[string][]Edge   // per target, insertion order
	succs    map[string][]string // distinct targets per source
	preds    map[string][]string // distinct sources per target
}

// snapshot captures the current topology.
func (d *DAG) snapshot() *structure {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := &structure{
		ids:      make([]string, len(d.order)),
		incoming: make(map[string][]Edge, len(d.nodes)),
		succs:    make(map[string][]string, len(d.nodes)),
		preds:    make(map[string][]string, len(d.nodes)),
	}
	copy(s.ids, d.order)

	// Parallel edges between the same pair are legal (distinct mappings);
	// preds/succs hold each neighbor once.
	linked := make(map[[2]string]bool, len(d.edges))
	for _, e := range d.edges {
		s.incoming[e.Target] = append(s.incoming[e.Target], e)
		key := [2]string{e.Source, e.Target}
		if !linked[key] {
			linked[key] = true
			s.succs[e.Source] = append(s.succs[e.Source], e.Target)
			s.preds[e.Target] = append(s.preds[e.Target], e.Source)
		}
	}
	return s
}

// Validate checks the graph for dependency cycles.
//
// Description:
//
//	Runs a coloring DFS over the full node/edge set and returns a
//	CycleError naming the cycle if one exists. Disconnected nodes are
//	valid; they are independent roots. Every path AddEdge accepts keeps
//	the graph acyclic, so Validate only fails for graphs assembled
//	through unsupported means, but Execute still runs it before any
//	dispatch.
//
// Outputs:
//
//	error - Non-nil if a cycle exists.
func (d *DAG) Validate() error {
	s := d.snapshot()

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	path := make([]string, 0)

	var dfs func(id string) error
	dfs = func(id string) error {
		visited[id] = true
		recStack[id] = true
		path = append(path, id)

		for _, next := range s.succs[id] {
			if !visited[next] {
				if err := dfs(next); err != nil {
					return err
				}
			} else if recStack[next] {
				// Found cycle - name it from where it starts
				cycleStart := 0
				for i, n := range path {
					if n == next {
						cycleStart = i
						break
					}
				}
				return NewCycleError(append(append([]string{}, path[cycleStart:]...), next))
			}
		}

		path = path[:len(path)-1]
		recStack[id] = false
		return nil
	}

	for _, id := range s.ids {
		if !visited[id] {
			if err := dfs(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Levels partitions nodes into parallelism waves.
//
// Description:
//
//	Level 0 contains nodes with no incoming edges; level k contains
//	nodes whose every incoming-edge source lies in a level below k. The
//	partition describes the parallelism available in the graph; the
//	executor's dispatch is event-driven and does not run wave-by-wave.
//	IDs within a level are sorted for determinism.
//
// Outputs:
//
//	[][]string - Node IDs grouped by level.
//	error - Non-nil if the graph contains a cycle.
func (d *DAG) Levels() ([][]string, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	s := d.snapshot()

	remaining := make(map[string]int, len(s.ids))
	for _, id := range s.ids {
		remaining[id] = len(s.preds[id])
	}

	var levels [][]string
	current := make([]string, 0)
	for _, id := range s.ids {
		if remaining[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)

		next := make([]string, 0)
		for _, id := range current {
			for _, succ := range s.succs[id] {
				remaining[succ]--
				if remaining[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		current = next
	}

	return levels, nil
}
