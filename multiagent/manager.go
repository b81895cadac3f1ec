// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package multiagent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/taskflow/dag"
)

// AgentNodePrefix prefixes agent IDs to form conversation DAG node IDs.
const AgentNodePrefix = "agent_"

// SharedMemoryNodeID is the ID of the synthetic memory node added to a
// conversation DAG when SharedMemory is enabled.
const SharedMemoryNodeID = "shared_memory"

// Manager orchestrates conversations between registered agent roles.
//
// Description:
//
//	Agents are registered once with AddAgent. Each query then gets a
//	fresh conversation DAG built from the roster and the caller's
//	optimization settings, executed by the dag package's adaptive
//	executor, and discarded after use.
type Manager struct {
	invoker  Invoker
	logger   *slog.Logger
	validate *validator.Validate

	mu     sync.RWMutex
	agents map[string]AgentRole
	order  []string
}

// NewManager creates a manager that calls agents through the given invoker.
//
// Inputs:
//
//	invoker - Performs the actual agent calls. Must not be nil.
//	logger - Logger for conversation logs. If nil, uses slog.Default().
//
// Outputs:
//
//	*Manager - The configured manager.
//	error - Non-nil if invoker is nil.
func NewManager(invoker Invoker, logger *slog.Logger) (*Manager, error) {
	if invoker == nil {
		return nil, ErrNilInvoker
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		invoker:  invoker,
		logger:   logger,
		validate: validator.New(),
		agents:   make(map[string]AgentRole),
		order:    make([]string, 0),
	}, nil
}

// AddAgent registers a role under a unique agent ID.
//
// Outputs:
//
//	error - ErrInvalidAgent for an empty ID or invalid role,
//	ErrDuplicateAgent on ID collision.
func (m *Manager) AddAgent(id string, role AgentRole) error {
	if id == "" {
		return fmt.Errorf("%w: empty agent ID", ErrInvalidAgent)
	}
	if err := m.validate.Struct(role); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAgent, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[id]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateAgent, id)
	}

	m.agents[id] = role
	m.order = append(m.order, id)

	m.logger.Debug("agent registered",
		slog.String("agent_id", id),
		slog.String("role", role.Name),
	)
	return nil
}

// AgentIDs returns all registered agent IDs in registration order.
func (m *Manager) AgentIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}

// Role returns the role registered under the given agent ID.
func (m *Manager) Role(id string) (AgentRole, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.agents[id]
	return role, ok
}

// CreateConversationDAG builds a fresh conversation DAG for one query.
//
// Description:
//
//	One LLM-kind node per registered agent (node ID "agent_<id>"), in
//	registration order. With ParallelThinking the agent nodes have no
//	edges among them; otherwise they are chained in registration order,
//	each edge carrying the predecessor's response as the successor's
//	context plus the growing transcript. With SharedMemory a synthetic
//	memory node and a conversation-scoped store give every agent a view
//	of all prior outputs regardless of explicit edges.
//
// Inputs:
//
//	query - The user query; seeds every agent's "query" input.
//	settings - Conversation wiring flags. Validated.
//
// Outputs:
//
//	*dag.DAG - The conversation DAG, to execute once and discard.
//	error - Non-nil for an empty roster or invalid settings.
func (m *Manager) CreateConversationDAG(query string, settings OptimizationSettings) (*dag.DAG, error) {
	if err := m.validate.Struct(settings); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSettings, err)
	}

	m.mu.RLock()
	order := make([]string, len(m.order))
	copy(order, m.order)
	agents := make(map[string]AgentRole, len(m.agents))
	for id, role := range m.agents {
		agents[id] = role
	}
	m.mu.RUnlock()

	if len(order) == 0 {
		return nil, ErrNoAgents
	}

	d := dag.New("conversation")

	var mem *SharedMemory
	if settings.SharedMemory {
		mem = NewSharedMemory()
		memNode := dag.NewMemoryNode(SharedMemoryNodeID, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return map[string]any{"memory": mem.Snapshot()}, nil
		})
		if err := d.AddNode(memNode); err != nil {
			return nil, err
		}
	}

	for _, id := range order {
		node := dag.NewLLMNode(AgentNodePrefix+id, m.agentBody(id, agents[id], settings, mem))
		if err := d.AddNode(node); err != nil {
			return nil, err
		}
	}

	if !settings.ParallelThinking {
		for i := 1; i < len(order); i++ {
			prev := AgentNodePrefix + order[i-1]
			next := AgentNodePrefix + order[i]
			err := d.AddEdge(prev, next, map[string]string{
				"response":   "context",
				"transcript": "transcript",
			})
			if err != nil {
				return nil, err
			}
		}
	}

	m.logger.Debug("conversation DAG built",
		slog.Int("agents", len(order)),
		slog.Bool("parallel_thinking", settings.ParallelThinking),
		slog.Bool("shared_memory", settings.SharedMemory),
		slog.String("query", query),
	)
	return d, nil
}

// agentBody wraps one role invocation as a node body.
func (m *Manager) agentBody(id string, role AgentRole, settings OptimizationSettings, mem *SharedMemory) dag.NodeFunc {
	return func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
		callInputs := make(map[string]any, len(inputs)+2)
		for k, v := range inputs {
			callInputs[k] = v
		}
		callInputs["batch_messages"] = settings.BatchMessages
		if mem != nil {
			callInputs["memory"] = mem.Snapshot()
		}

		out, err := m.invoker.Invoke(ctx, role, callInputs)
		if err != nil {
			return nil, err
		}

		// Extend the transcript so chained successors see the full
		// exchange so far.
		result := make(map[string]any, len(out)+1)
		for k, v := range out {
			result[k] = v
		}
		response, _ := out["response"].(string)
		entry := role.Name + ": " + response
		if prior, _ := inputs["transcript"].(string); prior != "" {
			result["transcript"] = prior + "\n" + entry
		} else {
			result["transcript"] = entry
		}

		if mem != nil {
			mem.Write(id, result)
		}
		return result, nil
	}
}

// ExecuteConversation builds the conversation DAG for the query and runs it.
//
// Description:
//
//	Delegates to the dag package's adaptive executor. When
//	EarlyStopThreshold is above zero, a completion hook watches each
//	finished agent's "confidence" output; once one exceeds the
//	threshold, dispatch of the remaining agents halts and they end
//	Cancelled.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	query - The user query.
//	settings - Conversation wiring flags.
//
// Outputs:
//
//	map[string]map[string]any - Agent ID to its response bundle, for
//	every agent that completed.
//	error - Non-nil if construction fails, the run is cancelled, or
//	every agent fails.
func (m *Manager) ExecuteConversation(ctx context.Context, query string, settings OptimizationSettings) (map[string]map[string]any, error) {
	d, err := m.CreateConversationDAG(query, settings)
	if err != nil {
		return nil, err
	}

	var opts []dag.Option
	if settings.EarlyStopThreshold > 0 {
		threshold := settings.EarlyStopThreshold
		opts = append(opts, dag.WithOnNodeDone(func(id string, nr *dag.NodeResult) bool {
			if nr.Status != dag.StatusDone {
				return true
			}
			confidence, ok := nr.Output["confidence"].(float64)
			if !ok || confidence <= threshold {
				return true
			}
			m.logger.Info("early stop threshold reached",
				slog.String("node", id),
				slog.Float64("confidence", confidence),
				slog.Float64("threshold", threshold),
			)
			return false
		}))
	}

	exec, err := dag.NewExecutor(d, m.logger, opts...)
	if err != nil {
		return nil, err
	}

	result, execErr := exec.Execute(ctx, map[string]any{"query": query})
	if result == nil {
		return nil, execErr
	}

	responses := make(map[string]map[string]any)
	for _, id := range m.AgentIDs() {
		if out, ok := result.Output(AgentNodePrefix + id); ok {
			responses[id] = out
		}
	}
	return responses, execErr
}

// FindCriticalPath returns the conversation DAG's critical path.
//
// Before execution no timing data exists, so every node weighs the same
// and the result is the structurally longest dependency chain.
func (m *Manager) FindCriticalPath(d *dag.DAG) []string {
	return dag.CriticalPath(d, nil)
}
