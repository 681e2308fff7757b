// Package coordinator implements the RunCoordinator of spec.md section
// 4.6: one long-lived actor per run, holding a bounded single-writer
// inbox so every inbound signal for that run funnels through one
// goroutine. This is the generalization of the teacher's
// DAGEngine.executeDAG coordinator-goroutine from "one per traversal" to
// "one per run, held for its full lifetime", combined with the
// CancellationManager's one-tracked-entry-per-execution shape.
package coordinator

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/workflow-engine/internal/dispatcher"
	"github.com/swarmguard/workflow-engine/internal/events"
	"github.com/swarmguard/workflow-engine/internal/model"
	"github.com/swarmguard/workflow-engine/internal/runner"
	"github.com/swarmguard/workflow-engine/internal/scheduler"
	"github.com/swarmguard/workflow-engine/internal/store"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

// Message is one inbound signal for a run's inbox. It is a plain alias
// for dispatcher.InboxMessage so the Dispatcher can deliver synthesized
// timeouts directly into the same channel the Coordinator reads from
// with no import cycle (dispatcher is the lower-level package and
// cannot import coordinator).
type Message = dispatcher.InboxMessage

// Coordinator owns the single-writer inbox and in-memory state for one
// run. No other goroutine may touch run or run.NodeStates directly.
type Coordinator struct {
	runID  string
	owner  string
	leaseTTL time.Duration

	wf    *workflow.Workflow
	store *store.Store
	sched *scheduler.Scheduler
	disp  *dispatcher.Dispatcher
	pub   *events.Publisher

	inbox chan Message

	run     *model.Run
	history map[string]scheduler.StepHistory

	done chan struct{}
}

// New constructs a Coordinator for a run already created in the Store.
// inboxCapacity bounds the per-run inbox (spec.md section 5: overflow
// back-pressures the Bus consumer feeding it).
func New(runID, owner string, leaseTTL time.Duration, wf *workflow.Workflow, st *store.Store, sched *scheduler.Scheduler, disp *dispatcher.Dispatcher, pub *events.Publisher, inboxCapacity int) *Coordinator {
	return &Coordinator{
		runID:    runID,
		owner:    owner,
		leaseTTL: leaseTTL,
		wf:       wf,
		store:    st,
		sched:    sched,
		disp:     disp,
		pub:      pub,
		inbox:    make(chan Message, inboxCapacity),
		done:     make(chan struct{}),
	}
}

// Submit enqueues a message for this run's inbox; it blocks if the inbox
// is full, providing the back-pressure spec.md section 5 requires.
func (c *Coordinator) Submit(ctx context.Context, msg Message) error {
	select {
	case c.inbox <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the run reaches a terminal state and the
// coordinator has exited its run loop.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Run claims the lease, loads (or recovers) run state, and then drives
// the single-writer loop until the run reaches a terminal state or ctx
// is cancelled. It is meant to be called in its own goroutine.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	if err := c.store.ClaimLease(ctx, c.runID, c.owner, c.leaseTTL); err != nil {
		return err
	}

	run, steps, err := c.store.LoadRun(ctx, c.runID)
	if err != nil {
		return err
	}
	c.run = run
	c.history = historyFromSteps(steps)

	if run.State == model.RunPending {
		if err := c.transition(ctx, model.RunPending, model.RunRunning, ""); err != nil && err != store.ErrStaleState {
			return err
		}
		c.run.State = model.RunRunning
		c.publish(ctx, "run.started", "", 0, nil)
	}

	renewTicker := time.NewTicker(c.leaseTTL / 2)
	defer renewTicker.Stop()
	planTicker := time.NewTicker(1 * time.Second)
	defer planTicker.Stop()

	c.plan(ctx)

	for {
		if c.run.State.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-renewTicker.C:
			if err := c.store.RenewLease(ctx, c.runID, c.owner, c.leaseTTL); err != nil {
				slog.Warn("lease renewal lost", "run_id", c.runID, "error", err)
				return err
			}
		case <-planTicker.C:
			c.plan(ctx)
		case msg := <-c.inbox:
			c.apply(ctx, msg)
			c.plan(ctx)
		}
	}
}

func (c *Coordinator) apply(ctx context.Context, msg Message) {
	switch {
	case msg.StepResult != nil:
		c.applyStepResult(ctx, *msg.StepResult)
	case msg.Wake != nil:
		c.applyWake(ctx, *msg.Wake)
	case msg.Cancel:
		c.applyCancel(ctx)
	case msg.Tick:
		// no-op; plan() runs unconditionally after apply()
	}
}

func (c *Coordinator) applyStepResult(ctx context.Context, res runner.StepResult) {
	if _, ok := c.wf.NodeByID(res.NodeID); !ok {
		return
	}

	var newState model.NodeState
	switch res.Kind {
	case runner.ResultSucceeded:
		if res.WaitToken != "" {
			newState = model.NodeWaiting
		} else {
			newState = model.NodeSucceeded
		}
	case runner.ResultCancelled:
		newState = model.NodeCancelled
	case runner.ResultTimedOut, runner.ResultFailed:
		// Not a terminal node state yet: whether this node ends up
		// Failed (exhausted/non-retryable) or gets another attempt is
		// the Scheduler's retry-vs-fail-vs-skip call on the next plan()
		// pass, driven by this attempt's history entry below.
		newState = model.NodePending
	default:
		newState = model.NodePending
	}

	st := model.Step{
		Output:       res.Output,
		ErrorKind:    res.ErrorKind,
		ErrorMessage: res.ErrorMessage,
		Retryable:    res.Retryable,
		WaitToken:    res.WaitToken,
		Cost:         model.CostMetrics{Duration: res.Duration},
	}
	err := c.store.CommitStepResult(ctx, c.runID, res.NodeID, res.Attempt, res.Outcome(), st, newState)
	if err == store.ErrAlreadyCommitted {
		return // invariant 3 of spec.md section 8: duplicate delivery is a no-op
	}
	if err != nil {
		slog.Error("commit step result failed", "run_id", c.runID, "node_id", res.NodeID, "error", err)
		return
	}

	c.run.NodeStates[res.NodeID] = newState
	h := c.history[res.NodeID]
	h.LastAttempt = res.Attempt
	h.LastTerminal = newState != model.NodeWaiting
	h.LastOutcome = res.Outcome()
	h.LastRetryable = res.Retryable
	h.LastOutput = res.Output
	h.LastWaitToken = res.WaitToken
	c.history[res.NodeID] = h

	switch res.Kind {
	case runner.ResultSucceeded:
		c.publish(ctx, "step.succeeded", res.NodeID, res.Attempt, res.Output)
	case runner.ResultFailed, runner.ResultTimedOut:
		// Retry-vs-fail-node-vs-fail-run is decided by the next plan()
		// pass, which runs immediately after apply() returns.
		c.publish(ctx, "step.failed", res.NodeID, res.Attempt, map[string]any{"error_kind": res.ErrorKind})
	case runner.ResultCancelled:
		c.publish(ctx, "step.failed", res.NodeID, res.Attempt, map[string]any{"cancelled": true})
	}
}

func (c *Coordinator) applyWake(ctx context.Context, w runner.Wake) {
	for nodeID, state := range c.run.NodeStates {
		if state != model.NodeWaiting {
			continue
		}
		h := c.history[nodeID]
		if h.LastWaitToken == "" || h.LastWaitToken != w.WaitToken {
			continue
		}
		res := runner.StepResult{
			RunID: c.runID, NodeID: nodeID, Attempt: h.LastAttempt,
			Kind: w.Outcome, Output: w.Output, ErrorKind: w.ErrorKind,
		}
		c.applyStepResult(ctx, res)
		return
	}
}

func (c *Coordinator) applyCancel(ctx context.Context) {
	if c.run.State.Terminal() {
		return
	}
	c.disp.CancelRun(ctx, c.runID, c.outstandingAttempts())
	c.transition(ctx, c.run.State, model.RunCancelled, "cancelled by caller")
	c.run.State = model.RunCancelled
	c.publish(ctx, "run.cancelled", "", 0, nil)
}

func (c *Coordinator) outstandingAttempts() map[string]int {
	out := make(map[string]int)
	for nodeID, state := range c.run.NodeStates {
		if state == model.NodeDispatched || state == model.NodeWaiting {
			out[nodeID] = c.history[nodeID].LastAttempt
		}
	}
	return out
}

func (c *Coordinator) plan(ctx context.Context) {
	if c.run.State.Terminal() {
		return
	}
	actions := c.sched.Plan(c.wf, c.run, c.history, time.Now())

	for _, sk := range actions.Skip {
		if c.run.NodeStates[sk.Node.ID] == model.NodeSkipped {
			continue
		}
		c.run.NodeStates[sk.Node.ID] = model.NodeSkipped
		if err := c.store.SetNodeState(ctx, c.runID, sk.Node.ID, model.NodeSkipped); err != nil {
			slog.Error("persist node state failed", "run_id", c.runID, "node_id", sk.Node.ID, "error", err)
		}
		c.publish(ctx, "run.progress", sk.Node.ID, 0, map[string]any{"state": "skipped"})
	}

	for _, fn := range actions.FailNode {
		if c.run.NodeStates[fn.Node.ID] == model.NodeFailed {
			continue
		}
		c.run.NodeStates[fn.Node.ID] = model.NodeFailed
		if err := c.store.SetNodeState(ctx, c.runID, fn.Node.ID, model.NodeFailed); err != nil {
			slog.Error("persist node state failed", "run_id", c.runID, "node_id", fn.Node.ID, "error", err)
		}
		c.publish(ctx, "run.progress", fn.Node.ID, 0, map[string]any{"state": "failed", "reason": fn.Reason})
	}

	for _, r := range actions.Retry {
		c.publish(ctx, "step.retry_scheduled", r.Node.ID, r.Attempt, map[string]any{"delay_ms": r.Delay.Milliseconds()})
		node := r.Node
		attempt := r.Attempt
		time.AfterFunc(r.Delay, func() {
			_ = c.Submit(context.Background(), Message{Tick: true})
			c.emit(context.Background(), node, attempt)
		})
	}

	for _, e := range actions.Emit {
		c.emit(ctx, e.Node, e.Attempt)
	}

	if actions.FailRun != nil {
		c.failRun(ctx, actions.FailRun.Reason)
		return
	}
	if actions.FinishRun {
		c.transition(ctx, c.run.State, model.RunSucceeded, "")
		c.run.State = model.RunSucceeded
		c.publish(ctx, "run.succeeded", "", 0, nil)
	}
}

func (c *Coordinator) emit(ctx context.Context, node workflow.Node, attempt int) {
	idemKey := c.runID + ":" + node.ID + ":" + strconv.Itoa(attempt)
	st := model.Step{
		ID:             uuid.NewString(),
		RunID:          c.runID,
		NodeID:         node.ID,
		Attempt:        attempt,
		State:          model.StepQueued,
		IdempotencyKey: idemKey,
		QueuedAt:       time.Now(),
		Input:          c.resolveInput(node),
	}
	if err := c.store.AppendStepAttempt(ctx, &st); err != nil {
		slog.Error("append step attempt failed", "run_id", c.runID, "node_id", node.ID, "error", err)
		return
	}
	c.run.NodeStates[node.ID] = model.NodeDispatched
	h := c.history[node.ID]
	h.LastAttempt = attempt
	h.LastTerminal = false
	c.history[node.ID] = h

	c.publish(ctx, "step.started", node.ID, attempt, nil)
	c.disp.Dispatch(ctx, dispatcher.Request{
		RunID: c.runID, Node: node, Attempt: attempt, IdempotencyKey: idemKey,
		Input: st.Input, ResultInbox: c.inbox,
	})
}

func (c *Coordinator) resolveInput(node workflow.Node) map[string]any {
	in := make(map[string]any, len(node.Params))
	for k, v := range node.Params {
		in[k] = v
	}
	for _, dep := range node.DependsOn {
		if h, ok := c.history[dep]; ok && h.LastOutcome == model.OutcomeSucceeded {
			in[dep] = h.LastOutput
		}
	}
	return in
}

func (c *Coordinator) failRun(ctx context.Context, reason string) {
	if c.run.State.Terminal() {
		return
	}
	c.transition(ctx, c.run.State, model.RunFailed, reason)
	c.run.State = model.RunFailed
	c.run.FailureReason = reason
	c.publish(ctx, "run.failed", "", 0, map[string]any{"reason": reason})
}

func (c *Coordinator) transition(ctx context.Context, from, to model.RunState, reason string) error {
	err := c.store.UpdateRunState(ctx, c.runID, from, to, reason)
	if err != nil && err != store.ErrStaleState {
		slog.Error("update run state failed", "run_id", c.runID, "error", err)
	}
	return err
}

func (c *Coordinator) publish(ctx context.Context, kind, nodeID string, attempt int, payload map[string]any) {
	seq, err := c.store.NextEventSeq(ctx, c.runID)
	if err != nil {
		slog.Error("next event seq failed", "run_id", c.runID, "error", err)
		return
	}
	c.pub.Publish(ctx, model.RunEvent{
		Seq: seq, RunID: c.runID, WorkflowID: c.wf.ID, TenantID: c.run.TenantID,
		NodeID: nodeID, Attempt: attempt, Kind: kind, OccurredAt: time.Now(), Payload: payload,
	})
}

// historyFromSteps rebuilds the Scheduler's per-node history from each
// node's latest step row (store.LoadRun returns one per node, terminal
// or not), so a recovering Coordinator resumes the retry/fail/skip
// decision and predecessor-output bindings exactly as a live one would.
func historyFromSteps(steps []model.Step) map[string]scheduler.StepHistory {
	out := make(map[string]scheduler.StepHistory)
	for _, st := range steps {
		h := scheduler.StepHistory{LastAttempt: st.Attempt}
		switch st.State {
		case model.StepSucceeded:
			h.LastTerminal = true
			h.LastOutcome = model.OutcomeSucceeded
			h.LastOutput = st.Output
		case model.StepFailed:
			h.LastTerminal = true
			h.LastOutcome = model.OutcomeFailed
			h.LastRetryable = st.Retryable
		case model.StepTimedOut:
			h.LastTerminal = true
			h.LastOutcome = model.OutcomeTimedOut
			h.LastRetryable = st.Retryable
		case model.StepCancelled:
			h.LastTerminal = true
			h.LastOutcome = model.OutcomeCancelled
		default:
			h.LastTerminal = false
		}
		h.LastWaitToken = st.WaitToken
		out[st.NodeID] = h
	}
	return out
}
