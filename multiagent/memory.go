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

import "sync"

// SharedMemory accumulates agent outputs within one conversation.
//
// Description:
//
//	Backs the synthetic shared_memory node of a conversation DAG. Each
//	agent wrapper snapshots the store before invoking its role and
//	records the role's output afterwards, so every agent sees all prior
//	agents' outputs even when no explicit edge connects them.
//
// Thread Safety:
//
//	Safe for concurrent use; agents write concurrently under
//	ParallelThinking.
type SharedMemory struct {
	mu      sync.RWMutex
	entries map[string]map[string]any
}

// NewSharedMemory creates an empty store.
func NewSharedMemory() *SharedMemory {
	return &SharedMemory{
		entries: make(map[string]map[string]any),
	}
}

// Write records an agent's output bundle under its ID.
func (m *SharedMemory) Write(agentID string, output map[string]any) {
	if output == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(map[string]any, len(output))
	for k, v := range output {
		copied[k] = v
	}
	m.entries[agentID] = copied
}

// Snapshot returns a copy of everything recorded so far, keyed by agent ID.
func (m *SharedMemory) Snapshot() map[string]map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := make(map[string]map[string]any, len(m.entries))
	for id, output := range m.entries {
		copied := make(map[string]any, len(output))
		for k, v := range output {
			copied[k] = v
		}
		snap[id] = copied
	}
	return snap
}

// Len returns the number of agents that have written so far.
func (m *SharedMemory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
