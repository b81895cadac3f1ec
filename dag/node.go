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
	"context"
	"fmt"
	"time"
)

// DefaultNodeTimeout is the default timeout for nodes that don't specify one.
const DefaultNodeTimeout = 30 * time.Second

// NodeKind identifies the capability class of a node.
//
// The kind is advisory metadata: the executor treats every node as an
// opaque asynchronous callable. Kinds exist so construction layers (such
// as the multiagent package) and reporting can distinguish tool calls,
// model calls, and memory accesses.
type NodeKind string

const (
	// KindTool marks a node whose body calls an external tool or API.
	KindTool NodeKind = "TOOL"

	// KindLLM marks a node whose body performs a language-model call.
	KindLLM NodeKind = "LLM"

	// KindMemory marks a node whose body reads or writes accumulated
	// conversation or workflow memory.
	KindMemory NodeKind = "MEMORY"
)

// String returns the kind as a string (e.g. "TOOL").
func (k NodeKind) String() string {
	return string(k)
}

// Node is a unit of asynchronous work registered in a DAG.
//
// Description:
//
//	A node has a unique ID, a capability kind, advisory input/output key
//	declarations, and an Execute body. Execute receives the node's
//	effective input bundle (initial inputs overlaid with values routed in
//	along incoming edges) and returns an output bundle keyed by string.
//
// Thread Safety:
//
//	Execute may be called from any goroutine. Implementations must be
//	safe for the concurrency they perform internally; the executor never
//	calls Execute twice for the same node within one execution.
type Node interface {
	// ID returns the node's unique identifier within its DAG.
	ID() string

	// Kind returns the node's capability class.
	Kind() NodeKind

	// Inputs returns the declared input keys. Advisory, not enforced.
	Inputs() []string

	// Outputs returns the declared output keys. Advisory, not enforced.
	Outputs() []string

	// Timeout returns the maximum execution time for this node.
	Timeout() time.Duration

	// Execute performs the node's work.
	Execute(ctx context.Context, inputs map[string]any) (map[string]any, error)
}

// BaseNode provides a partial implementation of the Node interface.
//
// Description:
//
//	BaseNode implements the common parts of Node (id, kind, declared
//	keys, timeout). Embed this in concrete node implementations and
//	override Execute.
//
// Example:
//
//	type SearchNode struct {
//	    dag.BaseNode
//	    // custom fields
//	}
//
//	func NewSearchNode() *SearchNode {
//	    return &SearchNode{
//	        BaseNode: dag.BaseNode{
//	            NodeID:      "search",
//	            NodeKind:    dag.KindTool,
//	            NodeOutputs: []string{"results"},
//	        },
//	    }
//	}
//
//	func (n *SearchNode) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
//	    // implementation
//	}
type BaseNode struct {
	NodeID      string
	NodeKind    NodeKind
	NodeInputs  []string
	NodeOutputs []string
	NodeTimeout time.Duration
}

// ID returns the node's unique identifier.
func (n *BaseNode) ID() string {
	return n.NodeID
}

// Kind returns the node's capability class. Defaults to KindTool.
func (n *BaseNode) Kind() NodeKind {
	if n.NodeKind == "" {
		return KindTool
	}
	return n.NodeKind
}

// Inputs returns the declared input keys.
func (n *BaseNode) Inputs() []string {
	if n.NodeInputs == nil {
		return []string{}
	}
	return n.NodeInputs
}

// Outputs returns the declared output keys.
func (n *BaseNode) Outputs() []string {
	if n.NodeOutputs == nil {
		return []string{}
	}
	return n.NodeOutputs
}

// Timeout returns the maximum execution time for this node.
func (n *BaseNode) Timeout() time.Duration {
	if n.NodeTimeout == 0 {
		return DefaultNodeTimeout
	}
	return n.NodeTimeout
}

// Execute returns an error if called directly.
// Concrete implementations must override this method.
func (n *BaseNode) Execute(_ context.Context, _ map[string]any) (map[string]any, error) {
	return nil, fmt.Errorf("%w: BaseNode.Execute must be overridden by concrete implementation", ErrInvalidInput)
}

// NodeFunc is the signature of a node body.
type NodeFunc func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// FuncNode wraps a function as a Node for simple cases.
//
// Example:
//
//	node := dag.NewToolNode("search", func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
//	    return map[string]any{"results": "..."}, nil
//	})
type FuncNode struct {
	BaseNode
	fn NodeFunc
}

// NewFuncNode creates a node of the given kind from a function.
func NewFuncNode(id string, kind NodeKind, fn NodeFunc) *FuncNode {
	return &FuncNode{
		BaseNode: BaseNode{
			NodeID:   id,
			NodeKind: kind,
		},
		fn: fn,
	}
}

// NewToolNode creates a Tool-kind node from a function.
func NewToolNode(id string, fn NodeFunc) *FuncNode {
	return NewFuncNode(id, KindTool, fn)
}

// NewLLMNode creates an LLM-kind node from a function.
func NewLLMNode(id string, fn NodeFunc) *FuncNode {
	return NewFuncNode(id, KindLLM, fn)
}

// NewMemoryNode creates a Memory-kind node from a function.
func NewMemoryNode(id string, fn NodeFunc) *FuncNode {
	return NewFuncNode(id, KindMemory, fn)
}

// Execute runs the wrapped function.
func (n *FuncNode) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if n.fn == nil {
		return nil, ErrInvalidInput
	}
	return n.fn(ctx, inputs)
}

// WithTimeout sets the timeout for a FuncNode.
func (n *FuncNode) WithTimeout(d time.Duration) *FuncNode {
	n.NodeTimeout = d
	return n
}

// WithKeys declares the advisory input and output keys for a FuncNode.
func (n *FuncNode) WithKeys(inputs, outputs []string) *FuncNode {
	n.NodeInputs = inputs
	n.NodeOutputs = outputs
	return n
}
