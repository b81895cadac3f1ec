// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package nodes

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/taskflow/dag"
	"github.com/AleutianAI/taskflow/multiagent"
)

// fakeModel records the last call and replies with a canned string.
type fakeModel struct {
	system string
	user   string
	reply  string
	err    error
}

func (f *fakeModel) Chat(_ context.Context, systemPrompt, userPrompt string) (string, error) {
	f.system = systemPrompt
	f.user = userPrompt
	return f.reply, f.err
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		inputs   map[string]any
		want     string
	}{
		{
			name:     "single placeholder",
			template: "Analyze: {search_results}",
			inputs:   map[string]any{"search_results": "three hits"},
			want:     "Analyze: three hits",
		},
		{
			name:     "repeated and mixed placeholders",
			template: "{a} then {b} then {a}",
			inputs:   map[string]any{"a": "x", "b": 7},
			want:     "x then 7 then x",
		},
		{
			name:     "unmatched placeholder survives",
			template: "query: {query}, context: {context}",
			inputs:   map[string]any{"query": "why"},
			want:     "query: why, context: {context}",
		},
		{
			name:     "no placeholders",
			template: "plain text",
			inputs:   map[string]any{"unused": 1},
			want:     "plain text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.template, tt.inputs))
		})
	}
}

func TestLLMNode_Execute(t *testing.T) {
	model := &fakeModel{reply: "summary text"}
	node := NewLLMNode("summarize", model, "Summarize:\n{document}").
		WithSystemPrompt("You are a summarizer.")

	assert.Equal(t, dag.KindLLM, node.Kind())

	out, err := node.Execute(context.Background(), map[string]any{"document": "long report"})
	require.NoError(t, err)

	assert.Equal(t, "summary text", out["response"])
	assert.Equal(t, "You are a summarizer.", model.system)
	assert.Equal(t, "Summarize:\nlong report", model.user)
}

func TestLLMNode_Execute_NilModel(t *testing.T) {
	node := NewLLMNode("orphan", nil, "{query}")

	_, err := node.Execute(context.Background(), map[string]any{"query": "q"})
	assert.ErrorIs(t, err, ErrNilModel)
}

func TestLLMNode_Execute_ModelError(t *testing.T) {
	wantErr := errors.New("backend down")
	node := NewLLMNode("flaky", &fakeModel{err: wantErr}, "{query}")

	_, err := node.Execute(context.Background(), map[string]any{"query": "q"})
	assert.ErrorIs(t, err, wantErr)
}

func TestLLMNode_InDAG(t *testing.T) {
	model := &fakeModel{reply: "done"}

	d := dag.New("pipeline")
	fetch := dag.NewToolNode("fetch", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		return map[string]any{"document": "fetched body"}, nil
	})
	require.NoError(t, d.AddNode(fetch))
	require.NoError(t, d.AddNode(NewLLMNode("analyze", model, "Analyze: {document}")))
	require.NoError(t, d.AddEdge("fetch", "analyze", map[string]string{"document": "document"}))

	exec, err := dag.NewExecutor(d, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), nil)
	require.NoError(t, err)

	out, ok := result.Output("analyze")
	require.True(t, ok)
	assert.Equal(t, "done", out["response"])
	assert.Equal(t, "Analyze: fetched body", model.user)
}

func TestNewOpenAIModel(t *testing.T) {
	t.Run("empty key", func(t *testing.T) {
		_, err := NewOpenAIModel("", "gpt-4o")
		assert.ErrorIs(t, err, ErrNilModel)
	})

	t.Run("default model", func(t *testing.T) {
		m, err := NewOpenAIModel("sk-test", "")
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-mini", m.model)
	})
}

func TestModelInvoker(t *testing.T) {
	model := &fakeModel{reply: "agent reply"}
	invoker := ModelInvoker(model)

	role := multiagent.AgentRole{Name: "Critic", SystemPrompt: "Be critical."}
	out, err := invoker.Invoke(context.Background(), role, map[string]any{
		"query":      "Is this sound?",
		"context":    "prior answer",
		"transcript": "Researcher: prior answer",
	})
	require.NoError(t, err)

	assert.Equal(t, "agent reply", out["response"])
	assert.Equal(t, "Be critical.", model.system)
	assert.Contains(t, model.user, "Is this sound?")
	assert.Contains(t, model.user, "Previous agent's response:\nprior answer")
	assert.Contains(t, model.user, "Conversation so far:\nResearcher: prior answer")
}

func TestModelInvoker_NilModel(t *testing.T) {
	invoker := ModelInvoker(nil)
	_, err := invoker.Invoke(context.Background(), multiagent.AgentRole{Name: "X"}, nil)
	assert.ErrorIs(t, err, ErrNilModel)
}
