// Package dispatcher implements spec.md section 4.4: sends a step to a
// runner over the Bus, tracks its deadline, and synthesizes a TimedOut
// result if nothing comes back in time. It also owns the receive half of
// that exchange — a durable pull consumer per node-type class that
// decodes a runner's real StepResult and routes it back to the owning
// run. Grounded on the teacher's DAGEngine.executeTask, split out of the
// single-engine-loop shape into a standalone component the RunCoordinator
// calls into.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/workflow-engine/internal/bus"
	"github.com/swarmguard/workflow-engine/internal/resilience"
	"github.com/swarmguard/workflow-engine/internal/runner"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

// InboxMessage is one inbound signal for a run's single-writer inbox.
// It is defined here (the lower-level package) rather than in
// coordinator so both the Dispatcher and the Coordinator share one
// concrete channel element type with no import cycle: coordinator
// imports dispatcher, never the reverse.
type InboxMessage struct {
	StepResult *runner.StepResult
	Wake       *runner.Wake
	Cancel     bool
	Tick       bool
}

// Request carries everything the Dispatcher needs to send one StepExec.
type Request struct {
	RunID          string
	Node           workflow.Node
	Attempt        int
	IdempotencyKey string
	Input          map[string]any
	ResultInbox    chan<- InboxMessage
}

// DeliverFunc routes a decoded result, keyed by run id, to whichever
// component owns that run's inbox. Defined here rather than taking a
// concrete *engine.Manager so dispatcher never imports engine (engine
// already imports dispatcher); cmd/orchestrator supplies the closure
// once both sides exist.
type DeliverFunc func(ctx context.Context, runID string, msg InboxMessage)

// NodeTypeClass maps a node type to its work-queue class. The teacher's
// task_executor.go dispatches on type string directly; this keeps that
// shape but funnels every class through one Bus subject family. Exported
// so cmd/orchestrator can enumerate classes from the Registry up front.
func NodeTypeClass(nodeType string) string {
	if nodeType == "" {
		return "default"
	}
	return nodeType
}

// Dispatcher sends StepExec envelopes over the Bus, tracks in-flight
// deadlines, and consumes the matching StepResult traffic back.
type Dispatcher struct {
	bus             *bus.Bus
	rl              *resilience.RateLimiterRegistry
	breaker         *resilience.CircuitBreaker
	deliver         DeliverFunc
	defaultPrefetch int

	streamsMu sync.Mutex
	streams   map[string]bool

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

// New constructs a Dispatcher bound to a Bus, rate-limiter registry, and
// circuit breaker guarding Bus publish calls. deliver is called for every
// StepResult the result-consumer decodes off the Bus.
func New(b *bus.Bus, rl *resilience.RateLimiterRegistry, breaker *resilience.CircuitBreaker, deliver DeliverFunc) *Dispatcher {
	return &Dispatcher{
		bus: b, rl: rl, breaker: breaker, deliver: deliver, defaultPrefetch: 32,
		streams: make(map[string]bool), pending: make(map[string]*time.Timer),
	}
}

// Consume ensures the work stream backing each class exists and starts a
// durable pull consumer on its step.result subject, per spec.md section
// 4.4 ("a separate consumer receives StepResult messages and forwards
// them into the per-run inbox"). Safe to call with classes already
// consumed; it skips those. Intended to be called once at startup with
// every class the loaded Registry's node types resolve to, alongside
// cmd/orchestrator's mgr.RecoverAll/cron.Start wiring.
func (d *Dispatcher) Consume(classes []string) error {
	for _, class := range classes {
		if err := d.ensureClass(class); err != nil {
			return fmt.Errorf("dispatcher: class %q: %w", class, err)
		}
	}
	return nil
}

// ensureClass idempotently ensures the class's stream exists and, the
// first time it's seen, subscribes a result consumer for it.
func (d *Dispatcher) ensureClass(class string) error {
	if err := d.bus.EnsureWorkStream(class); err != nil {
		return fmt.Errorf("ensure work stream: %w", err)
	}

	d.streamsMu.Lock()
	if d.streams[class] {
		d.streamsMu.Unlock()
		return nil
	}
	d.streams[class] = true
	d.streamsMu.Unlock()

	durable := "step-result-" + class
	_, err := d.bus.SubscribeWork("step.result."+class, durable, d.defaultPrefetch, d.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe step.result.%s: %w", class, err)
	}
	return nil
}

// handleResult decodes one StepResult message, cancels the synthesized
// deadline timer for the same attempt if it is still pending, and routes
// the result to its owning run's inbox. A malformed payload is logged
// and acked (dropped): redelivery can never repair a decode failure.
func (d *Dispatcher) handleResult(ctx context.Context, data []byte) error {
	var res runner.StepResult
	if err := json.Unmarshal(data, &res); err != nil {
		slog.Error("decode step result failed", "error", err)
		return nil
	}
	d.cancelDeadline(res.RunID, res.NodeID, res.Attempt)
	if d.deliver != nil {
		d.deliver(ctx, res.RunID, InboxMessage{StepResult: &res})
	}
	return nil
}

// Dispatch admits the step through the RateLimiter, publishes its
// StepExec, and schedules a deadline timer. If the limiter refuses, the
// node stays Ready and this call is simply not retried here — the
// Scheduler's next planning pass re-examines it, per spec.md section 4.3.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) {
	tenant, _ := req.Input["__tenant"].(string)
	keys := []string{resilience.TenantKey(tenant), resilience.NodeTypeKey(tenant, req.Node.Type)}
	if !d.rl.TryAcquire(keys, 1) {
		slog.Debug("dispatch denied by rate limiter", "run_id", req.RunID, "node_id", req.Node.ID)
		return
	}

	class := NodeTypeClass(req.Node.Type)
	if err := d.ensureClass(class); err != nil {
		slog.Error("ensure work stream failed", "run_id", req.RunID, "class", class, "error", err)
		return
	}

	exec := runner.StepExec{
		RunID: req.RunID, NodeID: req.Node.ID, Attempt: req.Attempt,
		IdempotencyKey: req.IdempotencyKey, NodeType: req.Node.Type,
		Params: req.Node.Params, Input: req.Input, Policy: req.Node.Policy,
		CancelToken: uuid.NewString(),
	}
	data, err := json.Marshal(exec)
	if err != nil {
		slog.Error("marshal step exec failed", "run_id", req.RunID, "error", err)
		return
	}

	subject := "step.exec." + class
	err = d.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := resilience.Retry(ctx, 3, 50*time.Millisecond, func() (struct{}, error) {
			return struct{}{}, d.bus.PublishWork(ctx, subject, data)
		})
		return err
	})
	if err != nil {
		slog.Error("publish step exec failed", "run_id", req.RunID, "node_id", req.Node.ID, "error", err)
		return
	}

	deadline := req.Node.Policy.Timeout
	if deadline <= 0 {
		deadline = 30 * time.Second
	}
	deadline += 2 * time.Second // grace, per spec.md section 4.4
	d.armDeadline(req, deadline)
}

// pendingKey identifies one in-flight attempt's deadline timer.
func pendingKey(runID, nodeID string, attempt int) string {
	return runID + ":" + nodeID + ":" + strconv.Itoa(attempt)
}

// armDeadline schedules the synthesized TimedOut fallback and tracks the
// timer so a real StepResult arriving first can cancel it.
func (d *Dispatcher) armDeadline(req Request, delay time.Duration) {
	key := pendingKey(req.RunID, req.Node.ID, req.Attempt)
	timer := time.AfterFunc(delay, func() {
		d.pendingMu.Lock()
		delete(d.pending, key)
		d.pendingMu.Unlock()

		res := runner.StepResult{
			RunID: req.RunID, NodeID: req.Node.ID, Attempt: req.Attempt,
			IdempotencyKey: req.IdempotencyKey, Kind: runner.ResultTimedOut, Retryable: true,
		}
		select {
		case req.ResultInbox <- InboxMessage{StepResult: &res}:
		default:
			slog.Warn("result inbox full, dropping synthesized timeout", "run_id", req.RunID, "node_id", req.Node.ID)
		}
	})
	d.pendingMu.Lock()
	d.pending[key] = timer
	d.pendingMu.Unlock()
}

// cancelDeadline stops and forgets the deadline timer for one attempt, if
// still pending, so a real StepResult doesn't race a stale synthesized
// timeout into the same inbox.
func (d *Dispatcher) cancelDeadline(runID, nodeID string, attempt int) {
	key := pendingKey(runID, nodeID, attempt)
	d.pendingMu.Lock()
	timer, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.pendingMu.Unlock()
	if ok {
		timer.Stop()
	}
}

// CancelRun publishes a best-effort Cancel message for every outstanding
// attempt of a run, per spec.md section 4.4's cancellation contract. The
// coordinator does not wait on compliance; it relies on the step's own
// deadline timer (or a later real result) to resolve the attempt.
func (d *Dispatcher) CancelRun(ctx context.Context, runID string, outstanding map[string]int) {
	for nodeID, attempt := range outstanding {
		msg := runner.Cancel{RunID: runID, NodeID: nodeID, Attempt: attempt}
		data, err := json.Marshal(msg)
		if err == nil {
			_ = d.bus.PublishWork(ctx, "step.cancel", data)
		}
	}
}
