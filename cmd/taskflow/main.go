// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command taskflow demonstrates the DAG execution engine.
//
// Usage:
//
//	# Run the customer-support workflow demo (no network needed)
//	go run ./cmd/taskflow
//
//	# Run a three-agent conversation against OpenAI
//	OPENAI_API_KEY=sk-... go run ./cmd/taskflow -demo conversation
//
//	# Same conversation with agents running in parallel
//	OPENAI_API_KEY=sk-... go run ./cmd/taskflow -demo conversation -parallel
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/AleutianAI/taskflow/dag"
	"github.com/AleutianAI/taskflow/multiagent"
	"github.com/AleutianAI/taskflow/nodes"
)

func main() {
	demo := flag.String("demo", "workflow", "Demo to run: workflow or conversation")
	parallel := flag.Bool("parallel", false, "Run conversation agents in parallel")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch *demo {
	case "workflow":
		err = runWorkflowDemo(ctx, logger)
	case "conversation":
		err = runConversationDemo(ctx, logger, *parallel)
	default:
		err = fmt.Errorf("unknown demo %q", *demo)
	}
	if err != nil {
		logger.Error("demo failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// runWorkflowDemo executes a customer-support triage workflow with
// simulated tool latencies and prints the per-node timings alongside the
// critical path, showing independent branches overlapping.
func runWorkflowDemo(ctx context.Context, logger *slog.Logger) error {
	d := dag.New("customer_support")

	addStep := func(id string, delay time.Duration, produce map[string]any) {
		node := dag.NewToolNode(id, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
			select {
			case <-time.After(delay):
				return produce, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if err := d.AddNode(node); err != nil {
			panic(err)
		}
	}

	addStep("analyze_query", 100*time.Millisecond, map[string]any{"intent": "billing_issue"})
	addStep("search_knowledge_base", 150*time.Millisecond, map[string]any{"articles": []string{"refund policy", "billing FAQ"}})
	addStep("fetch_customer_info", 120*time.Millisecond, map[string]any{"tier": "premium"})
	addStep("product_recommendations", 40*time.Millisecond, map[string]any{"products": []string{"annual plan"}})
	addStep("generate_response", 80*time.Millisecond, map[string]any{"response": "We have refunded your last invoice."})

	edges := []struct{ from, to string }{
		{"analyze_query", "search_knowledge_base"},
		{"analyze_query", "fetch_customer_info"},
		{"fetch_customer_info", "product_recommendations"},
		{"search_knowledge_base", "generate_response"},
		{"fetch_customer_info", "generate_response"},
		{"product_recommendations", "generate_response"},
	}
	for _, e := range edges {
		if err := d.AddEdge(e.from, e.to, nil); err != nil {
			return err
		}
	}

	exec, err := dag.NewExecutor(d, logger)
	if err != nil {
		return err
	}

	result, err := exec.Execute(ctx, map[string]any{"query": "I was double charged last month"})
	if err != nil {
		return err
	}

	fmt.Printf("workflow %s finished in %s\n", result.DAGName, result.TotalDuration)

	ids := d.NodeIDs()
	sort.Strings(ids)
	for _, id := range ids {
		nr := result.Nodes[id]
		fmt.Printf("  %-24s %-9s %s\n", id, nr.Status, nr.Duration())
	}
	fmt.Printf("critical path: %s\n", strings.Join(result.CriticalPath, " -> "))
	return nil
}

// runConversationDemo runs a three-role conversation through OpenAI.
func runConversationDemo(ctx context.Context, logger *slog.Logger, parallel bool) error {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is not set")
	}

	model, err := nodes.NewOpenAIModel(apiKey, os.Getenv("OPENAI_MODEL"))
	if err != nil {
		return err
	}

	mgr, err := multiagent.NewManager(nodes.ModelInvoker(model), logger)
	if err != nil {
		return err
	}

	roles := []struct {
		id   string
		role multiagent.AgentRole
	}{
		{"researcher", multiagent.AgentRole{
			Name:         "Researcher",
			Description:  "Finds and summarizes relevant facts",
			SystemPrompt: "You are a researcher. Summarize the key facts relevant to the question in a few sentences.",
		}},
		{"critic", multiagent.AgentRole{
			Name:         "Critic",
			Description:  "Challenges weak or unsupported claims",
			SystemPrompt: "You are a critic. Point out gaps or weak claims in the discussion so far.",
		}},
		{"synthesizer", multiagent.AgentRole{
			Name:         "Synthesizer",
			Description:  "Produces the final combined answer",
			SystemPrompt: "You are a synthesizer. Combine the discussion so far into one concise answer.",
		}},
	}
	for _, r := range roles {
		if err := mgr.AddAgent(r.id, r.role); err != nil {
			return err
		}
	}

	query := "What are the main tradeoffs of running LLM agents in parallel?"
	if args := flag.Args(); len(args) > 0 {
		query = strings.Join(args, " ")
	}

	settings := multiagent.OptimizationSettings{
		ParallelThinking: parallel,
		SharedMemory:     true,
	}

	responses, err := mgr.ExecuteConversation(ctx, query, settings)
	if err != nil {
		return err
	}

	for _, r := range roles {
		out, ok := responses[r.id]
		if !ok {
			continue
		}
		fmt.Printf("\n=== %s ===\n%v\n", r.role.Name, out["response"])
	}
	return nil
}
