// Package engine orchestrates workflow executions: it walks a validated
// graph from a fired trigger, sequences condition, action and data nodes,
// prunes false branches, suspends on delay nodes and reacts to streaming
// ticks. Every node outcome lands in the execution's ordered log.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/flowquant/flowquant/internal/cond"
	"github.com/flowquant/flowquant/internal/ctxlog"
	"github.com/flowquant/flowquant/internal/dispatch"
	"github.com/flowquant/flowquant/internal/exlog"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/stream"
	"github.com/flowquant/flowquant/internal/vars"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Runner owns all live executions. Each fired trigger gets its own
// goroutine; executions are independent except for the shared streaming
// router.
type Runner struct {
	dispatcher *dispatch.Dispatcher
	conditions *cond.Evaluator
	router     *stream.Router
	audit      *exlog.Store
	newID      func() string

	mu    sync.Mutex
	execs map[string]*Execution
}

// Option configures a Runner.
type Option func(*Runner)

// WithAudit persists terminal executions and their logs to the store.
func WithAudit(store *exlog.Store) Option {
	return func(r *Runner) { r.audit = store }
}

// WithIDGenerator replaces the UUID execution-id generator; tests inject
// fixed ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Runner) { r.newID = fn }
}

// New creates a runner. router may be nil when no workflow uses streaming
// nodes.
func New(d *dispatch.Dispatcher, c *cond.Evaluator, router *stream.Router, opts ...Option) *Runner {
	r := &Runner{
		dispatcher: d,
		conditions: c,
		router:     router,
		newID:      uuid.NewString,
		execs:      make(map[string]*Execution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches an execution for a fired trigger and returns its id.
// It implements trigger.Starter. The execution's context is detached from
// the caller's cancellation so a webhook request ending does not kill the
// run it started.
func (r *Runner) Start(ctx context.Context, g *graph.Graph, trig *graph.Node, seed map[string]any) (string, error) {
	node, ok := g.Node(trig.ID)
	if !ok || node.Class() != graph.ClassTrigger {
		return "", fmt.Errorf("node %s is not a trigger of workflow %s", trig.ID, g.ID)
	}

	id := r.newID()
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	logger := ctxlog.FromContext(ctx).With("execution", id, "workflow", g.ID)
	execCtx = ctxlog.WithLogger(execCtx, logger)

	e := &Execution{
		ID:         id,
		WorkflowID: g.ID,
		runner:     r,
		graph:      g,
		trigger:    trig,
		scope:      vars.Seed(seed),
		log:        exlog.New(),
		outcomes:   make(map[string]outcome),
		status:     StatusPending,
		ctx:        execCtx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	e.scope.OnMissing = func(path string) {
		e.log.Warnf("", "template path %q did not resolve, rendered empty", path)
	}

	r.mu.Lock()
	r.execs[id] = e
	r.mu.Unlock()

	if r.router != nil {
		r.router.RegisterConsumer(id, r.deliver)
	}

	go e.run(execCtx)
	return id, nil
}

// Get returns a live or recently finished execution.
func (r *Runner) Get(id string) (*Execution, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.execs[id]
	return e, ok
}

// Cancel requests cooperative cancellation of an execution. In-flight
// external calls are not aborted; their results are discarded when they
// return.
func (r *Runner) Cancel(id string) error {
	e, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown execution %q", id)
	}
	e.Cancel()
	return nil
}

// Wait blocks until the execution reaches a terminal state or the context
// is cancelled.
func (r *Runner) Wait(ctx context.Context, id string) error {
	e, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown execution %q", id)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return nil
	}
}

// deliver is the router consumer callback: one tick bound for one node of
// one execution.
func (r *Runner) deliver(d stream.Delivery) {
	e, ok := r.Get(d.Binding.ExecutionID)
	if !ok || e.terminal() {
		return
	}
	e.onTick(d)
}

// Release drops a finished execution from the runner. Terminal executions
// stay queryable until released so callers can read their logs.
func (r *Runner) Release(id string) {
	r.mu.Lock()
	delete(r.execs, id)
	r.mu.Unlock()
}
