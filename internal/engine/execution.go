package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowquant/flowquant/internal/cond"
	"github.com/flowquant/flowquant/internal/ctxlog"
	"github.com/flowquant/flowquant/internal/exlog"
	"github.com/flowquant/flowquant/internal/expr"
	"github.com/flowquant/flowquant/internal/graph"
	"github.com/flowquant/flowquant/internal/stream"
	"github.com/flowquant/flowquant/internal/vars"
)

// outcome is the resolved result of one node within a run.
type outcome struct {
	skipped bool
	value   bool // boolean result; actions and data nodes resolve true on success
	err     error
	// deferred marks a stream-subscribe node whose successors wait for
	// the first tick instead of running in the main traversal.
	deferred bool
}

// errCancelled aborts a traversal between node evaluations.
var errCancelled = errors.New("execution cancelled")

// Execution is one run of a workflow, created when a trigger fires. It
// owns its variable scope, visited set and log; nothing here is shared
// with other executions.
type Execution struct {
	ID         string
	WorkflowID string

	runner  *Runner
	graph   *graph.Graph
	trigger *graph.Node
	scope   *vars.Store
	log     *exlog.Log

	// runMu serializes the main traversal and tick re-entries so node
	// evaluation within one execution is strictly ordered.
	runMu    sync.Mutex
	outcomes map[string]outcome
	handles  []stream.Handle
	fatal    error

	statusMu sync.Mutex
	status   Status

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	finalized sync.Once
	done      chan struct{}
	started   time.Time
}

// Status returns the execution's current lifecycle state.
func (e *Execution) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

func (e *Execution) setStatus(s Status) {
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
}

func (e *Execution) terminal() bool {
	switch e.Status() {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Log returns the execution's append-only log.
func (e *Execution) Log() *exlog.Log { return e.log }

// Scope returns the execution's variable store.
func (e *Execution) Scope() *vars.Store { return e.scope }

// Done is closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Cancel requests cooperative cancellation. The traversal checks the flag
// between node evaluations and before each suspend resumes.
func (e *Execution) Cancel() {
	if e.cancelled.CompareAndSwap(false, true) {
		e.cancel()
		// A run parked on live subscriptions has no traversal to notice
		// the flag, so finalize here if nothing else will.
		go func() {
			e.runMu.Lock()
			defer e.runMu.Unlock()
			if !e.terminal() {
				e.finalize(StatusCancelled, nil)
			}
		}()
	}
}

// run is the execution goroutine: one deterministic walk from the
// trigger's successors, then either a terminal state or parking on live
// subscriptions.
func (e *Execution) run(ctx context.Context) {
	e.started = time.Now()
	e.setStatus(StatusRunning)
	e.log.Infof("", "execution started by trigger %s (%s)", e.trigger.ID, e.trigger.Kind)

	e.runMu.Lock()
	err := e.traverse(ctx, e.trigger.ID, e.graph.Successors(e.trigger.ID))
	subs := len(e.handles)
	fatal := e.fatal
	e.runMu.Unlock()

	switch {
	case errors.Is(err, errCancelled) || e.cancelled.Load():
		e.runMu.Lock()
		if !e.terminal() {
			e.finalize(StatusCancelled, nil)
		}
		e.runMu.Unlock()
	case fatal != nil:
		e.runMu.Lock()
		e.finalize(StatusError, fatal)
		e.runMu.Unlock()
	case subs > 0:
		// Live streaming bindings keep the run active; ticks re-enter
		// through onTick until cancellation.
		e.log.Infof("", "traversal complete, %d live subscription(s) keep execution active", subs)
	default:
		e.runMu.Lock()
		e.finalize(StatusSuccess, nil)
		e.runMu.Unlock()
	}
}

// finalize records the terminal state exactly once. Callers hold runMu.
func (e *Execution) finalize(status Status, fatal error) {
	e.finalized.Do(func() {
		e.setStatus(status)
		switch status {
		case StatusError:
			e.log.Errorf("", "execution failed: %v", fatal)
		case StatusCancelled:
			e.log.Warnf("", "execution cancelled")
		default:
			e.log.Infof("", "execution completed")
		}

		if e.runner.router != nil {
			e.runner.router.DropExecution(e.ID)
		}

		if e.runner.audit != nil {
			rec := exlog.Record{
				ID:         e.ID,
				WorkflowID: e.WorkflowID,
				Status:     string(status),
				StartedAt:  e.started,
				FinishedAt: time.Now(),
				Variables:  e.scope.Snapshot(),
			}
			if err := e.runner.audit.Save(context.Background(), rec, e.log.Entries()); err != nil {
				ctxlog.FromContext(e.ctx).Warn("audit persist failed", "execution", e.ID, "error", err)
			}
		}
		close(e.done)
	})
}

// onTick applies a streaming update and re-enters the traversal at the
// subscribing node's immediate successors only, so downstream logic reacts
// to the freshest tick without re-running unrelated branches.
func (e *Execution) onTick(d stream.Delivery) {
	data := make(map[string]any, len(d.Tick.Data))
	for k, v := range d.Tick.Data {
		data[k] = v
	}
	e.scope.Set(d.Binding.OutputVariable, data)

	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.terminal() || e.cancelled.Load() {
		return
	}

	// The subscribe node now has data; its branch fires from here on.
	out := e.outcomes[d.Binding.NodeID]
	out.deferred = false
	out.value = true
	e.outcomes[d.Binding.NodeID] = out

	if err := e.traverse(e.ctx, d.Binding.NodeID, e.graph.Successors(d.Binding.NodeID)); err != nil {
		return
	}
	if e.fatal != nil {
		e.finalize(StatusError, e.fatal)
	}
}

// traverse walks the subgraph reachable from roots in deterministic order:
// breadth-first by edge declaration order, a node becoming ready only when
// every predecessor inside the walk has resolved. entry is treated as
// already resolved. Callers hold runMu.
func (e *Execution) traverse(ctx context.Context, entry string, roots []graph.Edge) error {
	// Discovery pass: BFS by edge order fixes both membership and the
	// deterministic tie-break order of this walk.
	var order []string
	index := make(map[string]int)
	queue := make([]string, 0, len(roots))
	for _, edge := range roots {
		queue = append(queue, edge.Target)
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := index[id]; seen {
			continue
		}
		index[id] = len(order)
		order = append(order, id)
		for _, edge := range e.graph.Successors(id) {
			queue = append(queue, edge.Target)
		}
	}

	// Re-entered nodes re-evaluate against the freshest data.
	for _, id := range order {
		delete(e.outcomes, id)
	}

	pending := make(map[string]int, len(order))
	for _, id := range order {
		for _, edge := range e.graph.Predecessors(id) {
			if _, in := index[edge.Source]; in {
				pending[id]++
			}
		}
	}

	var ready []string
	for _, id := range order {
		if pending[id] == 0 {
			ready = append(ready, id)
		}
	}

	for len(ready) > 0 {
		if e.cancelled.Load() || ctx.Err() != nil {
			return errCancelled
		}
		id := ready[0]
		ready = ready[1:]

		if _, resolved := e.outcomes[id]; resolved {
			continue // diamond fan-in: evaluate exactly once per walk
		}

		out := e.resolveNode(ctx, id, entry)
		if errors.Is(out.err, errCancelled) {
			return errCancelled
		}
		e.outcomes[id] = out
		if e.fatal != nil {
			return nil
		}

		for _, edge := range e.graph.Successors(id) {
			if _, in := index[edge.Target]; !in {
				continue
			}
			pending[edge.Target]--
			if pending[edge.Target] == 0 {
				ready = insertByIndex(ready, edge.Target, index)
			}
		}
	}
	return nil
}

// insertByIndex keeps the ready list sorted by discovery order.
func insertByIndex(ready []string, id string, index map[string]int) []string {
	at := len(ready)
	for i, r := range ready {
		if index[id] < index[r] {
			at = i
			break
		}
	}
	ready = append(ready, "")
	copy(ready[at+1:], ready[at:])
	ready[at] = id
	return ready
}

// flow describes what a node's predecessors contribute to it.
type flow struct {
	blocked bool // some required predecessor was false, skipped or errored
	waiting bool // some predecessor is a subscribe node with no data yet
	inputs  []cond.GateInput
}

// gatherInputs inspects a node's predecessor outcomes. entry counts as
// resolved true. Predecessors outside this run (another trigger's branch)
// are ignored for ordinary nodes and contribute false to gates.
func (e *Execution) gatherInputs(node *graph.Node, entry string) flow {
	isGate := node.Class() == graph.ClassGate
	var f flow

	for _, edge := range e.graph.Predecessors(node.ID) {
		if edge.Source == entry {
			f.inputs = append(f.inputs, cond.GateInput{Value: true})
			continue
		}
		out, resolved := e.outcomes[edge.Source]
		if !resolved {
			if isGate {
				f.inputs = append(f.inputs, cond.GateInput{Value: false})
			}
			continue
		}
		switch {
		case out.deferred:
			f.waiting = true
			f.blocked = true
			if isGate {
				f.inputs = append(f.inputs, cond.GateInput{Value: false})
			}
		case out.err != nil:
			f.blocked = true
			f.inputs = append(f.inputs, cond.GateInput{Err: out.err})
		case out.skipped, !out.value:
			f.blocked = true
			f.inputs = append(f.inputs, cond.GateInput{Value: false})
		default:
			f.inputs = append(f.inputs, cond.GateInput{Value: true})
		}
	}
	return f
}

// resolveNode evaluates one node, or skips it when its branch is pruned.
func (e *Execution) resolveNode(ctx context.Context, id, entry string) outcome {
	node, _ := e.graph.Node(id)
	f := e.gatherInputs(node, entry)

	if node.Class() == graph.ClassGate {
		v, err := cond.EvalGate(node.Kind, f.inputs)
		if err != nil {
			e.log.Errorf(id, "gate failed: %v", err)
			return outcome{err: err}
		}
		e.log.Infof(id, "%s resolved %t", node.Kind, v)
		return outcome{value: v}
	}

	if f.blocked {
		if !f.waiting {
			e.log.Infof(id, "skipped")
		}
		return outcome{skipped: true}
	}

	return e.evalNode(ctx, node)
}

// evalNode dispatches one unblocked node to the evaluator its class needs.
func (e *Execution) evalNode(ctx context.Context, node *graph.Node) outcome {
	switch node.Class() {
	case graph.ClassCondition:
		v, err := e.runner.conditions.Evaluate(ctx, node, e.scope)
		if err != nil {
			e.log.Errorf(node.ID, "condition failed: %v", err)
			return outcome{err: err}
		}
		e.log.Infof(node.ID, "%s = %t", node.Kind, v)
		return outcome{value: v}

	case graph.ClassData, graph.ClassAction:
		_, err := e.runner.dispatcher.Invoke(ctx, node, e.scope, e.log)
		if err != nil {
			e.log.Errorf(node.ID, "%v", err)
			if isOrderKind(node.Kind) && !e.hasErrorPath(node) {
				e.fatal = fmt.Errorf("order action %s failed with no error-handling path: %w", node.ID, err)
			}
			return outcome{err: err}
		}
		return outcome{value: true}

	case graph.ClassStream:
		return e.evalStream(node)

	case graph.ClassUtility:
		return e.evalUtility(ctx, node)
	}
	return outcome{err: fmt.Errorf("node %s: unexpected class %s", node.ID, node.Class())}
}

func (e *Execution) evalStream(node *graph.Node) outcome {
	if e.runner.router == nil {
		err := &stream.SubscriptionError{Err: errors.New("no streaming router configured")}
		e.log.Errorf(node.ID, "%v", err)
		return outcome{err: err}
	}

	if node.Kind == graph.KindUnsubscribe {
		symbol := e.scope.Interpolate(node.ConfigString("symbol"))
		kind := stream.Kind(strings.ToLower(node.ConfigString("kind")))
		if kind == "all" {
			kind = ""
		}
		n := e.runner.router.UnsubscribeMatching(e.ID, symbol, kind)
		e.log.Infof(node.ID, "released %d subscription(s)", n)
		return outcome{value: true}
	}

	var kind stream.Kind
	switch node.Kind {
	case graph.KindSubscribeLTP:
		kind = stream.KindLTP
	case graph.KindSubscribeQuote:
		kind = stream.KindQuote
	case graph.KindSubscribeDepth:
		kind = stream.KindDepth
	default:
		return outcome{err: fmt.Errorf("node %s: unknown stream kind %s", node.ID, node.Kind)}
	}

	key := stream.Key{
		Symbol:   e.scope.Interpolate(node.ConfigString("symbol")),
		Exchange: e.scope.Interpolate(node.ConfigString("exchange")),
		Kind:     kind,
	}
	h, err := e.runner.router.Subscribe(key, stream.Binding{
		ExecutionID:    e.ID,
		NodeID:         node.ID,
		OutputVariable: node.ConfigString("outputVariable"),
	})
	if err != nil {
		// Feed unavailable: this branch does not fire, but subscriptions
		// outlive single runs, so the execution itself is not failed.
		e.log.Errorf(node.ID, "%v", err)
		return outcome{err: err}
	}
	e.handles = append(e.handles, h)
	e.log.Infof(node.ID, "subscribed to %s", key)
	return outcome{value: true, deferred: true}
}

func (e *Execution) evalUtility(ctx context.Context, node *graph.Node) outcome {
	switch node.Kind {
	case graph.KindGroup:
		return outcome{value: true} // purely visual, transparent at runtime

	case graph.KindSetVariable:
		name := node.ConfigString("name")
		value := node.Config["value"]
		if s, isStr := value.(string); isStr {
			value = e.scope.Interpolate(s)
		}
		e.scope.Set(name, value)
		e.log.Infof(node.ID, "set %s", name)
		return outcome{value: true}

	case graph.KindMathExpression:
		v, err := expr.Eval(node.ConfigString("expression"), e.scope)
		if err != nil {
			e.log.Errorf(node.ID, "%v", err)
			return outcome{err: err}
		}
		e.scope.Set(node.ConfigString("outputVariable"), v)
		e.log.Infof(node.ID, "%s = %s", node.ConfigString("outputVariable"), vars.Stringify(v))
		return outcome{value: true}

	case graph.KindDelay:
		d, err := delayDuration(node)
		if err != nil {
			e.log.Errorf(node.ID, "%v", err)
			return outcome{err: err}
		}
		e.log.Infof(node.ID, "delaying %s", d)
		return e.suspend(ctx, d)

	case graph.KindWaitUntil:
		until, err := parseUntil(node.ConfigString("time"), time.Now())
		if err != nil {
			e.log.Errorf(node.ID, "%v", err)
			return outcome{err: err}
		}
		if wait := time.Until(until); wait > 0 {
			e.log.Infof(node.ID, "waiting until %s", until.Format(time.RFC3339))
			return e.suspend(ctx, wait)
		}
		return outcome{value: true}
	}
	return outcome{err: fmt.Errorf("node %s: unknown utility kind %s", node.ID, node.Kind)}
}

// suspend parks this execution only; the timer-based resume never blocks
// other executions or the scheduler's polling.
func (e *Execution) suspend(ctx context.Context, d time.Duration) outcome {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		if e.cancelled.Load() {
			return outcome{err: errCancelled}
		}
		return outcome{value: true}
	case <-ctx.Done():
		return outcome{err: errCancelled}
	}
}

// hasErrorPath reports whether a failed order action has a downstream
// condition or gate configured to observe the failure. Without one the
// failure terminates the run.
func (e *Execution) hasErrorPath(node *graph.Node) bool {
	for _, edge := range e.graph.Successors(node.ID) {
		if succ, ok := e.graph.Node(edge.Target); ok {
			switch succ.Class() {
			case graph.ClassGate, graph.ClassCondition:
				return true
			}
		}
	}
	return false
}

func isOrderKind(k graph.Kind) bool {
	switch k {
	case graph.KindPlaceOrder, graph.KindModifyOrder, graph.KindCancelOrder, graph.KindClosePosition:
		return true
	}
	return false
}

func delayDuration(node *graph.Node) (time.Duration, error) {
	n, ok := node.ConfigNumber("duration")
	if !ok || n <= 0 {
		return 0, fmt.Errorf("delay duration must be a positive number")
	}
	switch strings.ToLower(node.ConfigString("unit")) {
	case "", "seconds", "second":
		return time.Duration(n * float64(time.Second)), nil
	case "milliseconds", "millisecond", "ms":
		return time.Duration(n * float64(time.Millisecond)), nil
	case "minutes", "minute":
		return time.Duration(n * float64(time.Minute)), nil
	case "hours", "hour":
		return time.Duration(n * float64(time.Hour)), nil
	}
	return 0, fmt.Errorf("unknown delay unit %q", node.ConfigString("unit"))
}

// parseUntil accepts an absolute RFC3339 instant or a "15:04" time-of-day,
// resolved to today (or tomorrow when already past).
func parseUntil(raw string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("bad waitUntil time %q", raw)
	}
	candidate := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate, nil
}
