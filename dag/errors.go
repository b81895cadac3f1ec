// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dag provides a dependency-aware task orchestration engine.
//
// Callers describe a workflow as a directed acyclic graph of asynchronous
// work units (nodes) connected by data-flow edges. The executor runs the
// graph, dispatching every independent node concurrently while respecting
// dependency order, and reports per-node timing plus a computed critical
// path.
//
// # Ownership Model
//
// The DAG stores nodes by id and edges reference nodes by id, never by
// pointer:
//   - Nodes MUST NOT be mutated after being added via AddNode()
//   - A node belongs to the DAG that registered it; do not register the
//     same Node value in two graphs
//
// # Thread Safety
//
// DAG construction (AddNode, AddEdge) is designed for single-writer use.
// Once an execution is in flight the structure is read-only; a structural
// mutation attempted during an active execution fails with
// ErrMutationDuringExecution. Executions themselves are independent: the
// same DAG may be executed concurrently and each call owns its Result.
//
// # Lifecycle
//
// A typical DAG lifecycle:
//  1. Create with New(name)
//  2. Build with AddNode() and AddEdge() calls
//  3. Validate() (also run implicitly by Execute)
//  4. Execute with an Executor, inspect the Result
package dag

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph construction and execution.
var (
	// ErrDuplicateNode is returned when adding a node with an ID that
	// already exists in the graph.
	ErrDuplicateNode = errors.New("duplicate node ID")

	// ErrUnknownNode is returned when an edge references a node ID that
	// has not been registered.
	ErrUnknownNode = errors.New("unknown node")

	// ErrInvalidNode is returned when attempting to add a nil node or a
	// node with an empty ID.
	ErrInvalidNode = errors.New("invalid node")

	// ErrInvalidInput is returned for nil or malformed arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNilContext is returned when a nil context is passed to Execute.
	ErrNilContext = errors.New("context must not be nil")

	// ErrCycle is the sentinel wrapped by CycleError. Use errors.Is with
	// this value to detect cycle rejections.
	ErrCycle = errors.New("cycle detected")

	// ErrAllNodesFailed is returned by Execute when every node in the
	// graph ended in the Failed state. Partial failure is not an error;
	// total failure is.
	ErrAllNodesFailed = errors.New("all nodes failed")

	// ErrMutationDuringExecution is returned when AddNode or AddEdge is
	// called while an execution of the same DAG is in flight. Doing so is
	// a programming error in the caller.
	ErrMutationDuringExecution = errors.New("DAG mutated during active execution")
)

// CycleError reports a dependency cycle, naming the nodes on it.
type CycleError struct {
	// Path lists the node IDs forming the cycle. The first and last
	// entries are the same node.
	Path []string
}

// NewCycleError creates a CycleError for the given cycle path.
func NewCycleError(path []string) *CycleError {
	return &CycleError{Path: path}
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Unwrap makes CycleError match ErrCycle under errors.Is.
func (e *CycleError) Unwrap() error {
	return ErrCycle
}

// NodeError wraps a failure with the ID of the node it occurred on.
// Node execution failures are recorded in the Result as NodeError values.
type NodeError struct {
	NodeID string
	Err    error
}

// NewNodeError wraps err with the node's ID.
func NewNodeError(nodeID string, err error) *NodeError {
	return &NodeError{NodeID: nodeID, Err: err}
}

// Error implements the error interface.
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %q: %v", e.NodeID, e.Err)
}

// Unwrap returns the underlying error.
func (e *NodeError) Unwrap() error {
	return e.Err
}
