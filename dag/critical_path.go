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

import (
	"slices"
	"time"
)

// CriticalPath finds the dependency-respecting path whose nodes' own
// durations sum to the maximum.
//
// Description:
//
//	Node durations sum (not wall clock): nodes on a dependency path run
//	sequentially relative to each other, so the path bounds how fast the
//	DAG can possibly finish. With a nil durations map every node weighs
//	the same, which yields the structurally longest dependency chain;
//	that form is used to analyze a DAG before it has run.
//
//	Ties are broken deterministically: more nodes first, then the
//	lexicographically smaller sequence of node IDs.
//
// Inputs:
//
//	d - The DAG. Must be acyclic; on a cyclic graph the path covers only
//	the acyclic portion.
//	durations - Per-node execution times, typically Result.Durations().
//	Nodes absent from the map weigh zero. Nil means unit weights.
//
// Outputs:
//
//	[]string - Node IDs along the critical path, in dependency order.
//	Empty for an empty DAG.
func CriticalPath(d *DAG, durations map[string]time.Duration) []string {
	s := d.snapshot()
	if len(s.ids) == 0 {
		return []string{}
	}

	weight := func(id string) int64 {
		if durations == nil {
			return 1
		}
		return int64(durations[id])
	}

	type chain struct {
		sum  int64
		path []string
	}

	// better reports whether a beats b under the tie-break rules.
	better := func(a, b chain) bool {
		if a.sum != b.sum {
			return a.sum > b.sum
		}
		if len(a.path) != len(b.path) {
			return len(a.path) > len(b.path)
		}
		return slices.Compare(a.path, b.path) < 0
	}

	// Dynamic programming over a topological order.
	remaining := make(map[string]int, len(s.ids))
	for _, id := range s.ids {
		remaining[id] = len(s.preds[id])
	}
	queue := make([]string, 0, len(s.ids))
	for _, id := range s.ids {
		if remaining[id] == 0 {
			queue = append(queue, id)
		}
	}

	bests := make(map[string]chain, len(s.ids))
	var overall chain
	haveOverall := false

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		var upstream chain
		haveUpstream := false
		for _, p := range s.preds[id] {
			if cand, ok := bests[p]; ok {
				if !haveUpstream || better(cand, upstream) {
					upstream = cand
					haveUpstream = true
				}
			}
		}

		c := chain{
			sum:  upstream.sum + weight(id),
			path: append(append([]string{}, upstream.path...), id),
		}
		bests[id] = c

		if !haveOverall || better(c, overall) {
			overall = c
			haveOverall = true
		}

		for _, succ := range s.succs[id] {
			remaining[succ]--
			if remaining[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	return overall.path
}
