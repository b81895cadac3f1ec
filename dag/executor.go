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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"
)

var (
	tracer = otel.Tracer("taskflow.dag")
	meter  = otel.Meter("taskflow.dag")
)

// ErrNodeTimeout wraps a node failure caused by its own timeout expiring.
var ErrNodeTimeout = errors.New("node timed out")

// NodeDoneHook observes each node as it reaches a terminal state.
//
// Returning false halts dispatch of any further Ready node; nodes not yet
// dispatched end the execution Cancelled. In-flight nodes run to
// completion. The hook is called from the executor's event loop, so it
// must not block.
type NodeDoneHook func(id string, result *NodeResult) bool

// Executor runs a DAG with adaptive parallelism and observability.
//
// Description:
//
//	The executor is event-driven: every currently-Ready node is
//	dispatched concurrently, and each completion re-evaluates only that
//	node's consumers. A node on a fast branch starts as soon as its own
//	dependencies are Done, regardless of slower sibling branches.
//
// Thread Safety:
//
//	Executor is safe for concurrent use. Multiple executions can run
//	concurrently on the same Executor; each owns an independent Result.
type Executor struct {
	dag    *DAG
	logger *slog.Logger

	maxInFlight int
	onNodeDone  NodeDoneHook

	// Metrics (initialized lazily)
	metricsOnce   sync.Once
	nodeLatency   metric.Float64Histogram
	nodeSuccesses metric.Int64Counter
	nodeFailures  metric.Int64Counter
	activeNodes   metric.Int64UpDownCounter
	execLatency   metric.Float64Histogram
}

// Option configures an Executor.
type Option func(*Executor)

// WithMaxInFlight caps the number of concurrently running nodes.
//
// Excess Ready nodes queue in FIFO readiness order. Zero or negative
// means no cap, which is the default.
func WithMaxInFlight(n int) Option {
	return func(e *Executor) {
		e.maxInFlight = n
	}
}

// WithOnNodeDone installs a completion hook. See NodeDoneHook.
func WithOnNodeDone(hook NodeDoneHook) Option {
	return func(e *Executor) {
		e.onNodeDone = hook
	}
}

// NewExecutor creates a new DAG executor.
//
// Inputs:
//
//	d - The DAG to execute. Must not be nil.
//	logger - Logger for execution logs. If nil, uses slog.Default().
//	opts - Optional admission control and hooks.
//
// Outputs:
//
//	*Executor - The configured executor.
//	error - Non-nil if d is nil.
func NewExecutor(d *DAG, logger *slog.Logger, opts ...Option) (*Executor, error) {
	if d == nil {
		return nil, ErrInvalidInput
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Executor{
		dag:    d,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		e.nodeLatency, err = meter.Float64Histogram("dag_node_duration_seconds",
			metric.WithDescription("Time spent executing each DAG node"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_latency: "+err.Error())
		}

		e.nodeSuccesses, err = meter.Int64Counter("dag_node_success_total",
			metric.WithDescription("Number of successful node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_successes: "+err.Error())
		}

		e.nodeFailures, err = meter.Int64Counter("dag_node_failure_total",
			metric.WithDescription("Number of failed node executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "node_failures: "+err.Error())
		}

		e.activeNodes, err = meter.Int64UpDownCounter("dag_active_nodes",
			metric.WithDescription("Number of currently executing nodes"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_nodes: "+err.Error())
		}

		e.execLatency, err = meter.Float64Histogram("dag_execution_duration_seconds",
			metric.WithDescription("Total DAG execution time"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "exec_latency: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some DAG metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// completion is the message a node goroutine sends back to the event loop.
type completion struct {
	id    string
	out   map[string]any
	err   error
	start time.Time
	end   time.Time
}

// Execute runs the DAG against the given initial inputs.
//
// Description:
//
//	Validates the graph, then dispatches nodes event-driven until every
//	node reaches a terminal state. Partial failure is the normal case:
//	a failed node marks its transitive dependents Skipped while
//	independent branches run to completion, and Execute still returns a
//	nil error with the mixed-status Result.
//
// Inputs:
//
//	ctx - Context for cancellation. Must not be nil.
//	initialInputs - Seed input bundle. Visible to every node for keys no
//	incoming edge maps over; roots see it unmodified.
//
// Outputs:
//
//	*Result - Per-node status, outputs, and timings. Non-nil whenever
//	dispatch started, including on cancellation and total failure.
//	error - Non-nil only for pre-dispatch validation failure, context
//	cancellation, or when every node Failed.
func (e *Executor) Execute(ctx context.Context, initialInputs map[string]any) (*Result, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := e.dag.Validate(); err != nil {
		return nil, err
	}

	e.initMetrics()

	e.dag.beginExecution()
	defer e.dag.endExecution()

	s := e.dag.snapshot()
	execID := uuid.NewString()[:12] // 48 bits of entropy

	ctx, span := tracer.Start(ctx, "dag.Execute",
		trace.WithAttributes(
			attribute.String("dag.name", e.dag.Name()),
			attribute.String("dag.execution_id", execID),
			attribute.Int("dag.node_count", len(s.ids)),
		),
	)
	defer span.End()

	start := time.Now()

	e.logger.Info("execution started",
		slog.String("dag", e.dag.Name()),
		slog.String("execution_id", execID),
		slog.Int("nodes", len(s.ids)),
	)

	result := &Result{
		ExecutionID: execID,
		DAGName:     e.dag.Name(),
		Nodes:       make(map[string]*NodeResult, len(s.ids)),
	}
	for _, id := range s.ids {
		result.Nodes[id] = &NodeResult{Status: StatusPending}
	}

	e.runLoop(ctx, s, result, initialInputs)

	result.TotalDuration = time.Since(start)
	result.CriticalPath = CriticalPath(e.dag, result.Durations())

	if e.execLatency != nil {
		e.execLatency.Record(ctx, result.TotalDuration.Seconds(),
			metric.WithAttributes(attribute.String("dag", e.dag.Name())),
		)
	}

	counts := result.CountByStatus()
	if ctx.Err() != nil {
		span.RecordError(ctx.Err())
		span.SetStatus(codes.Error, "execution cancelled")
		e.logger.Warn("execution cancelled",
			slog.String("execution_id", execID),
			slog.Duration("duration", result.TotalDuration),
			slog.Int("cancelled", counts[StatusCancelled]),
		)
		return result, ctx.Err()
	}
	if len(s.ids) > 0 && counts[StatusFailed] == len(s.ids) {
		span.SetStatus(codes.Error, ErrAllNodesFailed.Error())
		e.logger.Error("execution failed",
			slog.String("execution_id", execID),
			slog.Duration("duration", result.TotalDuration),
			slog.Int("failed", counts[StatusFailed]),
		)
		return result, ErrAllNodesFailed
	}

	span.SetStatus(codes.Ok, "")
	e.logger.Info("execution completed",
		slog.String("execution_id", execID),
		slog.Duration("duration", result.TotalDuration),
		slog.Int("done", counts[StatusDone]),
		slog.Int("failed", counts[StatusFailed]),
		slog.Int("skipped", counts[StatusSkipped]),
	)
	return result, nil
}

// runLoop is the event loop: it owns all result state, dispatches Ready
// nodes, and reacts to completions. Node goroutines only execute bodies
// and send back completion messages.
func (e *Executor) runLoop(ctx context.Context, s *structure, result *Result, initialInputs map[string]any) {
	done := make(chan completion)

	remaining := make(map[string]int, len(s.ids))
	for _, id := range s.ids {
		remaining[id] = len(s.preds[id])
	}

	queue := make([]string, 0)
	for _, id := range s.ids {
		if remaining[id] == 0 {
			result.Nodes[id].Status = StatusReady
			queue = append(queue, id)
		}
	}

	inFlight := 0
	halted := false

	dispatch := func() {
		for len(queue) > 0 && !halted {
			if e.maxInFlight > 0 && inFlight >= e.maxInFlight {
				return
			}
			id := queue[0]
			queue = queue[1:]
			if result.Nodes[id].Status != StatusReady {
				continue // skipped while queued
			}

			node, _ := e.dag.Node(id)
			inputs := mergeInputs(s, result, id, initialInputs)
			result.Nodes[id].Status = StatusRunning
			inFlight++
			go e.runNode(ctx, node, inputs, done)
		}
	}

	// skipDependents marks everything downstream of a failed node Skipped
	// so it is never invoked.
	var skipDependents func(id string)
	skipDependents = func(id string) {
		for _, dep := range s.succs[id] {
			nr := result.Nodes[dep]
			if nr.Status != StatusPending && nr.Status != StatusReady {
				continue
			}
			nr.Status = StatusSkipped
			e.logger.Warn("skipping node due to upstream failure",
				slog.String("node", dep),
				slog.String("failed_dependency", id),
			)
			skipDependents(dep)
		}
	}

	dispatch()

	ctxDone := ctx.Done()
	for inFlight > 0 {
		select {
		case <-ctxDone:
			// Suppress further dispatch; in-flight bodies observe the
			// same ctx and unwind on their own.
			halted = true
			ctxDone = nil
		case c := <-done:
			inFlight--
			nr := result.Nodes[c.id]
			nr.Start, nr.End = c.start, c.end

			switch {
			case c.err != nil && (ctx.Err() != nil || errors.Is(c.err, context.Canceled)):
				nr.Status = StatusCancelled
				nr.Err = NewNodeError(c.id, c.err)
			case c.err != nil:
				nr.Status = StatusFailed
				nr.Err = NewNodeError(c.id, c.err)
				skipDependents(c.id)
			default:
				nr.Status = StatusDone
				nr.Output = c.out
				for _, dep := range s.succs[c.id] {
					remaining[dep]--
					if remaining[dep] == 0 && result.Nodes[dep].Status == StatusPending {
						result.Nodes[dep].Status = StatusReady
						queue = append(queue, dep)
					}
				}
			}

			if e.onNodeDone != nil && !halted {
				if !e.onNodeDone(c.id, nr) {
					halted = true
					e.logger.Info("dispatch halted by completion hook",
						slog.String("node", c.id),
					)
				}
			}

			dispatch()
		}
	}

	// Anything not terminal by now was never dispatched.
	for _, id := range s.ids {
		nr := result.Nodes[id]
		if !nr.Status.Terminal() {
			nr.Status = StatusCancelled
		}
	}
}

// runNode executes a single node body with tracing, timing, and timeout.
func (e *Executor) runNode(ctx context.Context, node Node, inputs map[string]any, done chan<- completion) {
	ctx, span := tracer.Start(ctx, node.ID(),
		trace.WithAttributes(
			attribute.String("dag.node", node.ID()),
			attribute.String("dag.node_kind", node.Kind().String()),
		),
	)
	defer span.End()

	if e.activeNodes != nil {
		e.activeNodes.Add(ctx, 1)
		defer e.activeNodes.Add(ctx, -1)
	}

	e.logger.Debug("node starting", slog.String("node", node.ID()))

	nodeCtx, cancel := context.WithTimeout(ctx, node.Timeout())
	defer cancel()

	start := time.Now()
	out, err := node.Execute(nodeCtx, inputs)
	end := time.Now()
	duration := end.Sub(start)

	if e.nodeLatency != nil {
		e.nodeLatency.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("node", node.ID())),
		)
	}

	if err != nil {
		if nodeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s after %s", ErrNodeTimeout, node.ID(), node.Timeout())
		}

		if e.nodeFailures != nil {
			e.nodeFailures.Add(ctx, 1,
				metric.WithAttributes(attribute.String("node", node.ID())),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		e.logger.Error("node failed",
			slog.String("node", node.ID()),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
	} else {
		if e.nodeSuccesses != nil {
			e.nodeSuccesses.Add(ctx, 1,
				metric.WithAttributes(attribute.String("node", node.ID())),
			)
		}
		span.SetStatus(codes.Ok, "")

		e.logger.Info("node completed",
			slog.String("node", node.ID()),
			slog.Duration("duration", duration),
		)
	}

	done <- completion{id: node.ID(), out: out, err: err, start: start, end: end}
}

// mergeInputs computes a node's effective input bundle.
//
// The caller's initial inputs seed the bundle; each incoming edge's
// mapping is overlaid in edge-insertion order, so on key collision the
// edge added later to the DAG wins. Ordering-only edges import nothing.
func mergeInputs(s *structure, result *Result, id string, initialInputs map[string]any) map[string]any {
	merged := make(map[string]any, len(initialInputs))
	for k, v := range initialInputs {
		merged[k] = v
	}
	for _, edge := range s.incoming[id] {
		src := result.Nodes[edge.Source]
		if src.Status != StatusDone || len(edge.Mapping) == 0 {
			continue
		}
		for from, to := range edge.Mapping {
			if v, ok := src.Output[from]; ok {
				merged[to] = v
			}
		}
	}
	return merged
}
