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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// delayNode sleeps for d then returns out.
func delayNode(id string, d time.Duration, out map[string]any) *FuncNode {
	return NewToolNode(id, func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(d):
			return out, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func mustBuild(t *testing.T, d *DAG, nodes []Node, edges []Edge) {
	t.Helper()
	for _, n := range nodes {
		if err := d.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s): %v", n.ID(), err)
		}
	}
	for _, e := range edges {
		if err := d.AddEdge(e.Source, e.Target, e.Mapping); err != nil {
			t.Fatalf("AddEdge(%s->%s): %v", e.Source, e.Target, err)
		}
	}
}

func TestExecute_Chain(t *testing.T) {
	d := New("chain")
	mustBuild(t, d,
		[]Node{
			NewToolNode("a", func(_ context.Context, in map[string]any) (map[string]any, error) {
				return map[string]any{"x": in["seed"].(int) + 1}, nil
			}),
			NewToolNode("b", func(_ context.Context, in map[string]any) (map[string]any, error) {
				return map[string]any{"y": in["x"].(int) * 2}, nil
			}),
			NewToolNode("c", func(_ context.Context, in map[string]any) (map[string]any, error) {
				return map[string]any{"z": in["y"].(int) + 10}, nil
			}),
		},
		[]Edge{
			{Source: "a", Target: "b", Mapping: map[string]string{"x": "x"}},
			{Source: "b", Target: "c", Mapping: map[string]string{"y": "y"}},
		},
	)

	exec, err := NewExecutor(d, testLogger())
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}

	result, err := exec.Execute(context.Background(), map[string]any{"seed": 1})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	out, ok := result.Output("c")
	if !ok {
		t.Fatalf("node c did not complete: status=%s", result.Status("c"))
	}
	if out["z"] != 14 { // (1+1)*2+10
		t.Errorf("z = %v, want 14", out["z"])
	}
	if !reflect.DeepEqual(result.CriticalPath, []string{"a", "b", "c"}) {
		t.Errorf("critical path = %v, want [a b c]", result.CriticalPath)
	}
	for id, nr := range result.Nodes {
		if nr.Status != StatusDone {
			t.Errorf("node %s status = %s, want DONE", id, nr.Status)
		}
	}
}

func TestExecute_BranchMergeUnion(t *testing.T) {
	// Slow branch n1 -> n2 and fast branch m1 both feed sink s. The
	// sink's merged input must hold both branches' keys regardless of
	// finish order.
	var sinkInputs map[string]any

	d := New("merge")
	mustBuild(t, d,
		[]Node{
			delayNode("n1", 40*time.Millisecond, map[string]any{"a": "from-n1"}),
			NewToolNode("n2", func(_ context.Context, in map[string]any) (map[string]any, error) {
				time.Sleep(40 * time.Millisecond)
				return map[string]any{"b": in["a"].(string) + "+n2"}, nil
			}),
			delayNode("m1", 5*time.Millisecond, map[string]any{"c": "from-m1"}),
			NewToolNode("s", func(_ context.Context, in map[string]any) (map[string]any, error) {
				sinkInputs = in
				return map[string]any{}, nil
			}),
		},
		[]Edge{
			{Source: "n1", Target: "n2", Mapping: map[string]string{"a": "a"}},
			{Source: "n2", Target: "s", Mapping: map[string]string{"b": "slow"}},
			{Source: "m1", Target: "s", Mapping: map[string]string{"c": "fast"}},
		},
	)

	exec, _ := NewExecutor(d, testLogger())
	if _, err := exec.Execute(context.Background(), map[string]any{"seed": true}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	want := map[string]any{"seed": true, "slow": "from-n1+n2", "fast": "from-m1"}
	if !reflect.DeepEqual(sinkInputs, want) {
		t.Errorf("sink inputs = %v, want %v", sinkInputs, want)
	}
}

func TestExecute_LastEdgeWins(t *testing.T) {
	// Two edges into the same target map different source keys onto the
	// same consumer key; the edge added later must win. Run both edge
	// orders to pin the rule to insertion order, not node order.
	build := func(firstSrc, secondSrc string) map[string]any {
		var got map[string]any
		d := New("collide")
		mustBuild(t, d,
			[]Node{
				delayNode("p", 1*time.Millisecond, map[string]any{"v": "from-p"}),
				delayNode("q", 20*time.Millisecond, map[string]any{"v": "from-q"}),
				NewToolNode("t", func(_ context.Context, in map[string]any) (map[string]any, error) {
					got = in
					return map[string]any{}, nil
				}),
			},
			[]Edge{
				{Source: firstSrc, Target: "t", Mapping: map[string]string{"v": "value"}},
				{Source: secondSrc, Target: "t", Mapping: map[string]string{"v": "value"}},
			},
		)
		exec, _ := NewExecutor(d, testLogger())
		if _, err := exec.Execute(context.Background(), nil); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		return got
	}

	if got := build("p", "q"); got["value"] != "from-q" {
		t.Errorf("later edge q should win, got %v", got["value"])
	}
	if got := build("q", "p"); got["value"] != "from-p" {
		t.Errorf("later edge p should win, got %v", got["value"])
	}
}

func TestExecute_EmptyMappingOrderingOnly(t *testing.T) {
	var targetInputs map[string]any

	d := New("ordering")
	mustBuild(t, d,
		[]Node{
			delayNode("src", 20*time.Millisecond, map[string]any{"secret": 42}),
			NewToolNode("dst", func(_ context.Context, in map[string]any) (map[string]any, error) {
				targetInputs = in
				return map[string]any{}, nil
			}),
		},
		[]Edge{{Source: "src", Target: "dst", Mapping: nil}},
	)

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(context.Background(), map[string]any{"question": "hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// Ordering holds, but no data crossed the edge.
	if _, leaked := targetInputs["secret"]; leaked {
		t.Error("ordering-only edge imported data")
	}
	if targetInputs["question"] != "hi" {
		t.Errorf("initial inputs missing: %v", targetInputs)
	}
	src, dst := result.Nodes["src"], result.Nodes["dst"]
	if dst.Start.Before(src.End) {
		t.Errorf("dst started %v before src ended %v", dst.Start, src.End)
	}
}

func TestExecute_FailureContainment(t *testing.T) {
	boom := errors.New("boom")
	var invoked sync.Map

	record := func(id string, fail bool) *FuncNode {
		return NewToolNode(id, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			invoked.Store(id, true)
			if fail {
				return nil, boom
			}
			return map[string]any{}, nil
		})
	}

	// bad -> mid -> leaf is poisoned; ok -> okChild is independent.
	d := New("contain")
	mustBuild(t, d,
		[]Node{
			record("bad", true),
			record("mid", false),
			record("leaf", false),
			record("ok", false),
			record("okChild", false),
		},
		[]Edge{
			{Source: "bad", Target: "mid"},
			{Source: "mid", Target: "leaf"},
			{Source: "ok", Target: "okChild"},
		},
	)

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("partial failure must not be an error, got: %v", err)
	}

	if got := result.Status("bad"); got != StatusFailed {
		t.Errorf("bad = %s, want FAILED", got)
	}
	if !errors.Is(result.Nodes["bad"].Err, boom) {
		t.Errorf("bad.Err = %v, want wrapped boom", result.Nodes["bad"].Err)
	}
	for _, id := range []string{"mid", "leaf"} {
		if got := result.Status(id); got != StatusSkipped {
			t.Errorf("%s = %s, want SKIPPED", id, got)
		}
		if _, ran := invoked.Load(id); ran {
			t.Errorf("%s was invoked despite upstream failure", id)
		}
	}
	for _, id := range []string{"ok", "okChild"} {
		if got := result.Status(id); got != StatusDone {
			t.Errorf("%s = %s, want DONE", id, got)
		}
	}
}

func TestExecute_AllNodesFailed(t *testing.T) {
	d := New("doomed")
	for _, id := range []string{"a", "b"} {
		id := id
		err := d.AddNode(NewToolNode(id, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			return nil, fmt.Errorf("%s broke", id)
		}))
		if err != nil {
			t.Fatal(err)
		}
	}

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(context.Background(), nil)
	if !errors.Is(err, ErrAllNodesFailed) {
		t.Fatalf("expected ErrAllNodesFailed, got: %v", err)
	}
	if result == nil {
		t.Fatal("result must still be returned on total failure")
	}
}

func TestExecute_RootFailureIsPartial(t *testing.T) {
	// One failed root with skipped descendants is partial failure, not
	// total failure.
	d := New("partial")
	mustBuild(t, d,
		[]Node{
			NewToolNode("root", func(_ context.Context, _ map[string]any) (map[string]any, error) {
				return nil, errors.New("broke")
			}),
			noopNode("child"),
		},
		[]Edge{{Source: "root", Target: "child"}},
	)

	exec, _ := NewExecutor(d, testLogger())
	if _, err := exec.Execute(context.Background(), nil); err != nil {
		t.Fatalf("expected nil error, got: %v", err)
	}
}

func TestExecute_NodeTimeout(t *testing.T) {
	d := New("timeout")
	slow := NewToolNode("slow", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		select {
		case <-time.After(5 * time.Second):
			return map[string]any{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}).WithTimeout(20 * time.Millisecond)
	if err := d.AddNode(slow); err != nil {
		t.Fatal(err)
	}

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(context.Background(), nil)
	if !errors.Is(err, ErrAllNodesFailed) {
		t.Fatalf("expected ErrAllNodesFailed, got: %v", err)
	}
	if !errors.Is(result.Nodes["slow"].Err, ErrNodeTimeout) {
		t.Errorf("expected ErrNodeTimeout, got: %v", result.Nodes["slow"].Err)
	}
}

func TestExecute_CustomerSupportScenario(t *testing.T) {
	// The canonical support workflow: analyze and customer are
	// independent roots, knowledge and recommend follow their single
	// dependencies, response joins all four.
	delays := map[string]time.Duration{
		"analyze":   100 * time.Millisecond,
		"knowledge": 150 * time.Millisecond,
		"customer":  120 * time.Millisecond,
		"recommend": 40 * time.Millisecond,
		"response":  80 * time.Millisecond,
	}

	var responseInputs map[string]any

	mk := func(id string, out map[string]any) *FuncNode {
		return NewToolNode(id, func(ctx context.Context, in map[string]any) (map[string]any, error) {
			if id == "response" {
				responseInputs = in
			}
			select {
			case <-time.After(delays[id]):
				return out, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	}

	d := New("customer_support_agent")
	mustBuild(t, d,
		[]Node{
			mk("analyze", map[string]any{"intent": "product_return", "keywords": []string{"return"}}),
			mk("knowledge", map[string]any{"knowledge_result": "30 day returns"}),
			mk("customer", map[string]any{"customer_name": "Jane Smith", "subscription_tier": "Premium", "purchase_history": []string{"Wireless Headphones"}}),
			mk("recommend", map[string]any{"recommended_products": []string{"Headphone Case"}}),
			mk("response", map[string]any{"response_text": "Hello Jane"}),
		},
		[]Edge{
			{Source: "analyze", Target: "knowledge", Mapping: map[string]string{"intent": "intent", "keywords": "keywords"}},
			{Source: "analyze", Target: "response"}, // ordering only: passes the original question through
			{Source: "knowledge", Target: "response", Mapping: map[string]string{"knowledge_result": "knowledge_result"}},
			{Source: "customer", Target: "recommend", Mapping: map[string]string{"purchase_history": "purchase_history"}},
			{Source: "customer", Target: "response", Mapping: map[string]string{"customer_name": "customer_name", "subscription_tier": "subscription_tier"}},
			{Source: "recommend", Target: "response", Mapping: map[string]string{"recommended_products": "recommended_products"}},
		},
	)

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(context.Background(), map[string]any{
		"question": "Can I return X?",
		"user_id":  "user123",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	for id := range delays {
		if got := result.Status(id); got != StatusDone {
			t.Fatalf("node %s = %s, want DONE", id, got)
		}
	}

	// Independent roots overlap: customer starts before analyze ends.
	analyze, customer := result.Nodes["analyze"], result.Nodes["customer"]
	if !customer.Start.Before(analyze.End) {
		t.Error("analyze and customer did not run concurrently")
	}

	// Consumers wait for their own dependencies only.
	if result.Nodes["knowledge"].Start.Before(analyze.End) {
		t.Error("knowledge started before analyze finished")
	}
	if result.Nodes["recommend"].Start.Before(customer.End) {
		t.Error("recommend started before customer finished")
	}
	for _, pred := range []string{"analyze", "knowledge", "customer", "recommend"} {
		if result.Nodes["response"].Start.Before(result.Nodes[pred].End) {
			t.Errorf("response started before %s finished", pred)
		}
	}

	// Merged input: union of initial inputs and all mapped outputs.
	for _, key := range []string{"question", "user_id", "knowledge_result", "customer_name", "subscription_tier", "recommended_products"} {
		if _, ok := responseInputs[key]; !ok {
			t.Errorf("response input missing %q: %v", key, responseInputs)
		}
	}

	// Parallelism: wall clock strictly under the sum of node durations.
	var sum time.Duration
	for _, d := range delays {
		sum += d
	}
	if result.TotalDuration >= sum {
		t.Errorf("total %v not faster than sequential %v", result.TotalDuration, sum)
	}

	// analyze(100)+knowledge(150)+response(80) dominates
	// customer(120)+recommend(40)+response(80).
	want := []string{"analyze", "knowledge", "response"}
	if !reflect.DeepEqual(result.CriticalPath, want) {
		t.Errorf("critical path = %v, want %v", result.CriticalPath, want)
	}
}

func TestExecute_MutationDuringExecution(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	d := New("frozen")
	err := d.AddNode(NewToolNode("hold", func(_ context.Context, _ map[string]any) (map[string]any, error) {
		close(started)
		<-release
		return map[string]any{}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	exec, _ := NewExecutor(d, testLogger())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := exec.Execute(context.Background(), nil); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	<-started
	if err := d.AddNode(noopNode("late")); !errors.Is(err, ErrMutationDuringExecution) {
		t.Errorf("AddNode during run: expected ErrMutationDuringExecution, got: %v", err)
	}
	if err := d.AddEdge("hold", "hold", nil); !errors.Is(err, ErrMutationDuringExecution) {
		t.Errorf("AddEdge during run: expected ErrMutationDuringExecution, got: %v", err)
	}
	close(release)
	<-done

	// Structure is mutable again once the run finished.
	if err := d.AddNode(noopNode("late")); err != nil {
		t.Errorf("AddNode after run: %v", err)
	}
}

func TestExecute_MaxInFlightFIFO(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	var active, peak atomic.Int32

	mk := func(id string) *FuncNode {
		return NewToolNode(id, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			n := active.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			active.Add(-1)
			return map[string]any{}, nil
		})
	}

	d := New("throttled")
	for _, id := range []string{"a", "b", "c"} {
		if err := d.AddNode(mk(id)); err != nil {
			t.Fatal(err)
		}
	}

	exec, err := NewExecutor(d, testLogger(), WithMaxInFlight(1))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := exec.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if peak.Load() > 1 {
		t.Errorf("max in-flight exceeded: peak=%d", peak.Load())
	}
	// FIFO readiness order is registration order for independent roots.
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("dispatch order = %v, want [a b c]", order)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	blocked := make(chan struct{})
	d := New("cancelled")
	mustBuild(t, d,
		[]Node{
			NewToolNode("block", func(ctx context.Context, _ map[string]any) (map[string]any, error) {
				close(blocked)
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			delayNode("queued", time.Millisecond, map[string]any{}),
		},
		[]Edge{{Source: "block", Target: "queued"}},
	)

	go func() {
		<-blocked
		cancel()
	}()

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(ctx, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if got := result.Status("block"); got != StatusCancelled {
		t.Errorf("block = %s, want CANCELLED", got)
	}
	if got := result.Status("queued"); got != StatusCancelled {
		t.Errorf("queued = %s, want CANCELLED", got)
	}
}

func TestExecute_OnNodeDoneHalt(t *testing.T) {
	d := New("halted")
	for _, id := range []string{"a", "b", "c"} {
		if err := d.AddNode(delayNode(id, time.Millisecond, map[string]any{"id": id})); err != nil {
			t.Fatal(err)
		}
	}

	exec, err := NewExecutor(d, testLogger(),
		WithMaxInFlight(1),
		WithOnNodeDone(func(id string, _ *NodeResult) bool {
			return id != "a" // halt after the first completion
		}),
	)
	if err != nil {
		t.Fatal(err)
	}

	result, err := exec.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := result.Status("a"); got != StatusDone {
		t.Errorf("a = %s, want DONE", got)
	}
	for _, id := range []string{"b", "c"} {
		if got := result.Status(id); got != StatusCancelled {
			t.Errorf("%s = %s, want CANCELLED", id, got)
		}
	}
}

func TestExecute_ConcurrentRunsIndependent(t *testing.T) {
	d := New("shared")
	err := d.AddNode(NewToolNode("echo", func(_ context.Context, in map[string]any) (map[string]any, error) {
		time.Sleep(10 * time.Millisecond)
		return map[string]any{"v": in["v"]}, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	exec, _ := NewExecutor(d, testLogger())

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := exec.Execute(context.Background(), map[string]any{"v": i})
			if err != nil {
				t.Errorf("Execute[%d]: %v", i, err)
				return
			}
			results[i] = r
		}()
	}
	wg.Wait()

	for i := 0; i < 2; i++ {
		out, ok := results[i].Output("echo")
		if !ok || out["v"] != i {
			t.Errorf("run %d: output = %v", i, out)
		}
	}
	if results[0].ExecutionID == results[1].ExecutionID {
		t.Error("concurrent runs share an execution ID")
	}
}

func TestExecute_ValidationRejectsCycle(t *testing.T) {
	d := New("cyclic")
	for _, id := range []string{"a", "b"} {
		if err := d.AddNode(NewToolNode(id, func(_ context.Context, _ map[string]any) (map[string]any, error) {
			t.Error("node invoked despite failed validation")
			return nil, nil
		})); err != nil {
			t.Fatal(err)
		}
	}

	// Splice a cycle in behind AddEdge's back to prove Execute
	// revalidates before dispatch.
	d.edges = append(d.edges, Edge{Source: "a", Target: "b"}, Edge{Source: "b", Target: "a"})

	exec, _ := NewExecutor(d, testLogger())
	_, err := exec.Execute(context.Background(), nil)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("expected ErrCycle, got: %v", err)
	}
}

func TestExecute_EveryNodeTerminal(t *testing.T) {
	// Mixed shape with a failure: every node must end in a terminal
	// status.
	d := New("terminal")
	mustBuild(t, d,
		[]Node{
			noopNode("a"),
			NewToolNode("b", func(_ context.Context, _ map[string]any) (map[string]any, error) {
				return nil, errors.New("broke")
			}),
			noopNode("c"),
			noopNode("d"),
		},
		[]Edge{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "c"},
			{Source: "a", Target: "d"},
		},
	)

	exec, _ := NewExecutor(d, testLogger())
	result, err := exec.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for id, nr := range result.Nodes {
		if !nr.Status.Terminal() {
			t.Errorf("node %s ended non-terminal: %s", id, nr.Status)
		}
	}
}
