// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package nodes provides ready-made node bodies for common work kinds.
//
// The dag engine treats node bodies as opaque callables; this package
// supplies the bodies the engine deliberately does not own. LLMNode
// renders a prompt template from the node's input bundle and calls a
// caller-supplied ChatModel; OpenAIModel implements ChatModel over the
// OpenAI chat completions API.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/AleutianAI/taskflow/dag"
)

// Sentinel errors for node adapters.
var (
	// ErrNilModel is returned when a node is constructed without a model.
	ErrNilModel = errors.New("chat model must not be nil")

	// ErrEmptyResponse is returned when the backend returns no choices.
	ErrEmptyResponse = errors.New("model returned empty response")
)

// ChatModel is the minimal surface an LLM backend must provide.
//
// Implementations wrap a concrete client (OpenAI, a local server, a test
// fake) behind a single chat call.
type ChatModel interface {
	Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// placeholderPattern matches {key} placeholders in prompt templates.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {key} placeholders with values from inputs.
//
// Values are formatted with %v. Placeholders with no matching input key
// are left as-is, which keeps missing data visible in the prompt rather
// than silently vanishing.
func RenderTemplate(template string, inputs map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if v, ok := inputs[key]; ok {
			return fmt.Sprintf("%v", v)
		}
		return match
	})
}

// LLMNode is an LLM-kind node that prompts a ChatModel.
//
// Description:
//
//	The node's prompt template is rendered against its effective input
//	bundle at execution time ({key} placeholders), then sent to the
//	model. The reply is returned under the "response" output key.
//
// Example:
//
//	node := nodes.NewLLMNode("process", model,
//	    "Analyze the following information:\nSearch results: {search_results}")
type LLMNode struct {
	dag.BaseNode
	model        ChatModel
	systemPrompt string
	template     string
}

// NewLLMNode creates an LLM node from a model and a prompt template.
func NewLLMNode(id string, model ChatModel, template string) *LLMNode {
	return &LLMNode{
		BaseNode: dag.BaseNode{
			NodeID:      id,
			NodeKind:    dag.KindLLM,
			NodeOutputs: []string{"response"},
		},
		model:    model,
		template: template,
	}
}

// WithSystemPrompt sets the system message sent ahead of the rendered
// prompt.
func (n *LLMNode) WithSystemPrompt(prompt string) *LLMNode {
	n.systemPrompt = prompt
	return n
}

// Execute renders the template and calls the model.
func (n *LLMNode) Execute(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	if n.model == nil {
		return nil, ErrNilModel
	}

	prompt := RenderTemplate(n.template, inputs)
	reply, err := n.model.Chat(ctx, n.systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("chat call: %w", err)
	}

	return map[string]any{"response": reply}, nil
}
