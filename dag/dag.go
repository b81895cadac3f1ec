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
	"fmt"
	"sync"
	"sync/atomic"
)

// Edge connects a producer node to a consumer node.
//
// Mapping translates producer output keys to consumer input keys
// (source key -> target key). A nil or empty mapping makes the edge
// ordering-only: the target waits for the source but imports no data.
type Edge struct {
	Source  string
	Target  string
	Mapping map[string]string
}

// DAG is a directed acyclic graph of work nodes.
//
// Description:
//
//	Nodes are registered by unique ID; edges reference nodes by ID and
//	carry an optional field mapping. Edges are kept in insertion order,
//	which is load-bearing: when two edges map different values onto the
//	same consumer key, the edge added later wins.
//
// Thread Safety:
//
//	Safe for concurrent reads. Construction is single-writer; mutating
//	the structure while an execution is in flight fails with
//	ErrMutationDuringExecution.
type DAG struct {
	name string

	mu    sync.RWMutex
	nodes map[string]Node
	order []string
	edges []Edge

	// executing counts in-flight executions. Guarded separately from mu
	// so executors can hold it across a whole run.
	executing atomic.Int32
}

// New creates an empty DAG with the given name.
// The name is used in logging and tracing only.
func New(name string) *DAG {
	return &DAG{
		name:  name,
		nodes: make(map[string]Node),
		order: make([]string, 0),
		edges: make([]Edge, 0),
	}
}

// Name returns the DAG's name.
func (d *DAG) Name() string {
	return d.name
}

// AddNode registers a node by its unique ID.
//
// Outputs:
//
//	error - ErrInvalidNode for nil nodes or empty IDs, ErrDuplicateNode
//	on ID collision, ErrMutationDuringExecution while a run is active.
func (d *DAG) AddNode(node Node) error {
	if node == nil || node.ID() == "" {
		return ErrInvalidNode
	}
	if d.executing.Load() > 0 {
		return ErrMutationDuringExecution
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	id := node.ID()
	if _, exists := d.nodes[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateNode, id)
	}

	d.nodes[id] = node
	d.order = append(d.order, id)
	return nil
}

// AddEdge connects source to target with an optional field mapping.
//
// Description:
//
//	Both endpoints must already be registered. If the edge would create
//	a cycle (including a self-edge) it is rejected with a CycleError and
//	the DAG is left unchanged.
//
// Inputs:
//
//	source - Producer node ID.
//	target - Consumer node ID.
//	mapping - Producer output key -> consumer input key. May be nil for
//	an ordering-only edge.
func (d *DAG) AddEdge(source, target string, mapping map[string]string) error {
	if d.executing.Load() > 0 {
		return ErrMutationDuringExecution
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.nodes[source]; !exists {
		return fmt.Errorf("%w: edge source %q", ErrUnknownNode, source)
	}
	if _, exists := d.nodes[target]; !exists {
		return fmt.Errorf("%w: edge target %q", ErrUnknownNode, target)
	}

	if source == target {
		return NewCycleError([]string{source, source})
	}

	// The new edge closes a cycle iff source is already reachable from
	// target. Checked before mutating so rejection is atomic.
	if path := d.pathLocked(target, source); path != nil {
		return NewCycleError(append([]string{source}, path...))
	}

	var m map[string]string
	if len(mapping) > 0 {
		m = make(map[string]string, len(mapping))
		for k, v := range mapping {
			m[k] = v
		}
	}
	d.edges = append(d.edges, Edge{Source: source, Target: target, Mapping: m})
	return nil
}

// pathLocked returns a node-ID path from one node to another following
// existing edges, or nil if the destination is unreachable. Caller holds mu.
func (d *DAG) pathLocked(from, to string) []string {
	succs := make(map[string][]string, len(d.nodes))
	for _, e := range d.edges {
		succs[e.Source] = append(succs[e.Source], e.Target)
	}

	visited := make(map[string]bool)
	var dfs func(id string) []string
	dfs = func(id string) []string {
		if id == to {
			return []string{id}
		}
		visited[id] = true
		for _, next := range succs[id] {
			if visited[next] {
				continue
			}
			if rest := dfs(next); rest != nil {
				return append([]string{id}, rest...)
			}
		}
		return nil
	}
	return dfs(from)
}

// Node returns the node registered under id.
func (d *DAG) Node(id string) (Node, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs in registration order.
func (d *DAG) NodeIDs() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]string, len(d.order))
	copy(ids, d.order)
	return ids
}

// Nodes returns all nodes in registration order.
func (d *DAG) Nodes() []Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes := make([]Node, 0, len(d.order))
	for _, id := range d.order {
		nodes = append(nodes, d.nodes[id])
	}
	return nodes
}

// NodeCount returns the number of registered nodes.
func (d *DAG) NodeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.nodes)
}

// Edges returns a copy of all edges in insertion order.
func (d *DAG) Edges() []Edge {
	d.mu.RLock()
	defer d.mu.RUnlock()
	edges := make([]Edge, len(d.edges))
	copy(edges, d.edges)
	return edges
}

// beginExecution marks the structure read-only for the duration of a run.
func (d *DAG) beginExecution() {
	d.executing.Add(1)
}

// endExecution releases the structural read-only guard.
func (d *DAG) endExecution() {
	d.executing.Add(-1)
}
