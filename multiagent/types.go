// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package multiagent builds multi-agent conversations on the dag engine.
//
// A Manager holds a roster of agent roles. For each query it assembles a
// fresh conversation DAG — one LLM node per agent, wired according to the
// optimization settings — and delegates execution to the dag package's
// adaptive executor. The manager is a DAG-construction convenience layer,
// not a separate execution mechanism.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Each ExecuteConversation call
// builds and runs an independent conversation DAG.
package multiagent

import (
	"context"
	"errors"
)

// Sentinel errors for agent registration and conversation construction.
var (
	// ErrDuplicateAgent is returned when registering an agent under an
	// ID that already exists.
	ErrDuplicateAgent = errors.New("duplicate agent ID")

	// ErrInvalidAgent is returned for an empty agent ID or a role that
	// fails validation.
	ErrInvalidAgent = errors.New("invalid agent")

	// ErrInvalidSettings is returned when optimization settings fail
	// validation.
	ErrInvalidSettings = errors.New("invalid optimization settings")

	// ErrNilInvoker is returned when a Manager is created without an
	// agent invoker.
	ErrNilInvoker = errors.New("invoker must not be nil")

	// ErrNoAgents is returned when building a conversation with an
	// empty roster.
	ErrNoAgents = errors.New("no agents registered")
)

// AgentRole is the static configuration of one agent.
// Immutable after registration.
type AgentRole struct {
	// Name is the agent's display name (e.g. "Researcher").
	Name string `validate:"required"`

	// Description summarizes what the agent specializes in.
	Description string

	// SystemPrompt is the system message framing every invocation of
	// this agent.
	SystemPrompt string
}

// OptimizationSettings control how a conversation DAG is wired.
type OptimizationSettings struct {
	// BatchMessages permits the invoker to coalesce agent invocations
	// into fewer backend calls. Passed through to the invoker's inputs;
	// opaque to the engine.
	BatchMessages bool

	// ParallelThinking makes every agent an independent root, eligible
	// for concurrent dispatch. When false, agents are chained in
	// registration order, each passing forward a growing transcript.
	ParallelThinking bool

	// SharedMemory gives every agent a snapshot of all prior agents'
	// outputs, regardless of explicit edges.
	SharedMemory bool

	// EarlyStopThreshold, when above zero, halts dispatch of remaining
	// agents once a completed output reports a confidence above it.
	// The confidence signal is read from the output's "confidence" key.
	EarlyStopThreshold float64 `validate:"gte=0,lte=1"`
}

// Invoker performs the actual agent call.
//
// Description:
//
//	The engine treats agent bodies as opaque: an Invoker receives the
//	role and the node's effective input bundle (query, accumulated
//	context, optional memory snapshot) and returns the agent's output
//	bundle. The output should carry the agent's reply under "response";
//	an optional "confidence" float64 feeds early stopping.
//
// Thread Safety:
//
//	Invoke is called concurrently when ParallelThinking is enabled.
type Invoker interface {
	Invoke(ctx context.Context, role AgentRole, inputs map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, role AgentRole, inputs map[string]any) (map[string]any, error)

// Invoke calls the wrapped function.
func (f InvokerFunc) Invoke(ctx context.Context, role AgentRole, inputs map[string]any) (map[string]any, error) {
	return f(ctx, role, inputs)
}
