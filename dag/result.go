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

import "time"

// NodeStatus is the lifecycle state of a node within one execution.
type NodeStatus string

const (
	// StatusPending means the node is waiting on at least one dependency.
	StatusPending NodeStatus = "PENDING"

	// StatusReady means every dependency is Done and the node is queued
	// for dispatch.
	StatusReady NodeStatus = "READY"

	// StatusRunning means the node's body is executing.
	StatusRunning NodeStatus = "RUNNING"

	// StatusDone means the node completed successfully.
	StatusDone NodeStatus = "DONE"

	// StatusFailed means the node's body returned an error.
	StatusFailed NodeStatus = "FAILED"

	// StatusSkipped means an upstream dependency failed; the node was
	// never invoked.
	StatusSkipped NodeStatus = "SKIPPED"

	// StatusCancelled means the execution was cancelled or halted before
	// the node could run to completion.
	StatusCancelled NodeStatus = "CANCELLED"
)

// Terminal reports whether the status is an end state.
func (s NodeStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// NodeResult is the per-node outcome of one execution.
type NodeResult struct {
	// Status is the node's terminal state (or last observed state if the
	// execution was cancelled mid-flight).
	Status NodeStatus

	// Output is the node's output bundle. Nil unless Status is Done.
	Output map[string]any

	// Start and End bound the node's invocation. Zero if never invoked.
	Start time.Time
	End   time.Time

	// Err is the node's failure, wrapped as a NodeError. Nil unless
	// Status is Failed or Cancelled.
	Err error
}

// Duration returns the node's own execution time, or zero if the node
// was never invoked.
func (r *NodeResult) Duration() time.Duration {
	if r.Start.IsZero() || r.End.IsZero() {
		return 0
	}
	return r.End.Sub(r.Start)
}

// Result is the outcome of one DAG execution.
//
// Each Execute call allocates a fresh Result; nothing is shared between
// concurrent executions of the same DAG.
type Result struct {
	// ExecutionID uniquely identifies this run in logs and traces.
	ExecutionID string

	// DAGName is the name of the executed DAG.
	DAGName string

	// Nodes maps node ID to its per-node result. Every registered node
	// has an entry.
	Nodes map[string]*NodeResult

	// CriticalPath is the dependency-respecting path whose node
	// durations sum to the maximum, in execution order.
	CriticalPath []string

	// TotalDuration is the wall-clock time of the whole execution.
	TotalDuration time.Duration
}

// Status returns the status of the given node, or StatusPending if the
// node is unknown to this execution.
func (r *Result) Status(id string) NodeStatus {
	if nr, ok := r.Nodes[id]; ok {
		return nr.Status
	}
	return StatusPending
}

// Output returns the output bundle of the given node, if it completed.
func (r *Result) Output(id string) (map[string]any, bool) {
	nr, ok := r.Nodes[id]
	if !ok || nr.Status != StatusDone {
		return nil, false
	}
	return nr.Output, true
}

// Outputs returns the output bundles of all completed nodes.
func (r *Result) Outputs() map[string]map[string]any {
	out := make(map[string]map[string]any)
	for id, nr := range r.Nodes {
		if nr.Status == StatusDone {
			out[id] = nr.Output
		}
	}
	return out
}

// Durations returns the execution time of every invoked node.
func (r *Result) Durations() map[string]time.Duration {
	d := make(map[string]time.Duration)
	for id, nr := range r.Nodes {
		if !nr.Start.IsZero() && !nr.End.IsZero() {
			d[id] = nr.Duration()
		}
	}
	return d
}

// CountByStatus returns how many nodes ended in each status.
func (r *Result) CountByStatus() map[NodeStatus]int {
	counts := make(map[NodeStatus]int)
	for _, nr := range r.Nodes {
		counts[nr.Status]++
	}
	return counts
}
