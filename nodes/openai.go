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
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/taskflow/multiagent"
)

// OpenAIModel implements ChatModel over the OpenAI chat completions API.
type OpenAIModel struct {
	client *openai.Client
	model  string
}

// NewOpenAIModel creates a ChatModel backed by OpenAI.
//
// Inputs:
//
//	apiKey - The API key. Must not be empty.
//	model - The model name (e.g. "gpt-4o"). Empty defaults to gpt-4o-mini.
func NewOpenAIModel(apiKey, model string) (*OpenAIModel, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: empty API key", ErrNilModel)
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIModel{
		client: openai.NewClient(apiKey),
		model:  model,
	}, nil
}

// Chat implements the ChatModel interface.
func (o *OpenAIModel) Chat(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = "You are a helpful assistant."
	}

	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// ModelInvoker adapts a ChatModel into a multiagent.Invoker.
//
// Description:
//
//	The role's system prompt frames the call; the user message is built
//	from the conversation inputs: the query, then any accumulated
//	context and transcript from chained predecessors.
func ModelInvoker(model ChatModel) multiagent.Invoker {
	return multiagent.InvokerFunc(func(ctx context.Context, role multiagent.AgentRole, inputs map[string]any) (map[string]any, error) {
		if model == nil {
			return nil, ErrNilModel
		}

		var b strings.Builder
		if query, _ := inputs["query"].(string); query != "" {
			b.WriteString(query)
		}
		if context_, _ := inputs["context"].(string); context_ != "" {
			b.WriteString("\n\nPrevious agent's response:\n")
			b.WriteString(context_)
		}
		if transcript, _ := inputs["transcript"].(string); transcript != "" {
			b.WriteString("\n\nConversation so far:\n")
			b.WriteString(transcript)
		}

		reply, err := model.Chat(ctx, role.SystemPrompt, b.String())
		if err != nil {
			return nil, err
		}
		return map[string]any{"response": reply}, nil
	})
}
