// Package scheduler implements the pure scheduling function of spec.md
// section 4.5: given a workflow, its current node-state map, and step
// history, compute the next actions (emit, retry, fail, finish). It holds
// no per-run state (only a mutex-guarded guard-compilation cache) and
// performs no I/O, so it is trivially testable and safe to share across
// every RunCoordinator's single-writer loop.
package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/swarmguard/workflow-engine/internal/model"
	"github.com/swarmguard/workflow-engine/internal/resilience"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

// EmitAction asks the caller to dispatch a new attempt for a node.
type EmitAction struct {
	Node    workflow.Node
	Attempt int
}

// RetryAction asks the caller to schedule a retried attempt after Delay.
type RetryAction struct {
	Node    workflow.Node
	Attempt int
	Delay   time.Duration
}

// SkipAction marks a node Skipped because every incoming edge's guard
// evaluated false or every producer was itself Skipped or Failed.
type SkipAction struct {
	Node workflow.Node
}

// FailNodeAction marks a node Failed (not Skipped) because it exhausted
// its retries and is not Critical — the run continues, but the node
// itself, not just its dependents, is recorded as Failed.
type FailNodeAction struct {
	Node   workflow.Node
	Reason string
}

// FailRunAction asks the caller to fail the run for the named reason.
type FailRunAction struct {
	NodeID string
	Reason string
}

// Actions is the Scheduler's full verdict for one planning pass.
type Actions struct {
	Emit      []EmitAction
	Retry     []RetryAction
	Skip      []SkipAction
	FailNode  []FailNodeAction
	FailRun   *FailRunAction
	FinishRun bool
}

// StepHistory is the subset of step data the Scheduler needs per node:
// the highest attempt number observed and, if that attempt is terminal,
// its outcome/output/retryable flag.
type StepHistory struct {
	LastAttempt   int
	LastTerminal  bool
	LastOutcome   model.StepOutcome
	LastRetryable bool
	LastOutput    map[string]any
	LastWaitToken string
}

// Scheduler evaluates guard expressions with expr-lang/expr. Compiled
// programs are cached by expression text since a workflow's edges are
// immutable once created (spec.md section 3).
type Scheduler struct {
	mu           sync.Mutex
	programCache map[string]*vm.Program
}

// New constructs a Scheduler with an empty guard-compilation cache.
func New() *Scheduler {
	return &Scheduler{programCache: make(map[string]*vm.Program)}
}

// Plan computes the next actions for one run. now is passed explicitly and
// Plan never reads the wall clock; retry delays depend only on the node's
// policy and attempt number, plus random jitter when the policy sets a
// jitter fraction.
func (s *Scheduler) Plan(wf *workflow.Workflow, run *model.Run, history map[string]StepHistory, now time.Time) Actions {
	var actions Actions

	outputs := make(map[string]map[string]any, len(history))
	for nodeID, h := range history {
		if h.LastTerminal && h.LastOutcome == model.OutcomeSucceeded {
			outputs[nodeID] = h.LastOutput
		}
	}

	type ready struct {
		node     workflow.Node
		priority int
	}
	var readyNodes []ready

	for _, n := range wf.Nodes {
		state := run.NodeStates[n.ID]
		switch state {
		case model.NodeSucceeded, model.NodeFailed, model.NodeSkipped, model.NodeCancelled:
			continue
		case model.NodeDispatched, model.NodeWaiting:
			continue
		}

		h, hasHistory := history[n.ID]
		if hasHistory && h.LastTerminal && h.LastOutcome != model.OutcomeSucceeded {
			// A prior attempt failed; decide retry vs fail-node vs fail-run.
			// The node's own readiness was already established by the
			// attempt that just ran, so dependency/guard evaluation
			// doesn't apply to it here.
			if h.LastRetryable && h.LastAttempt < n.Policy.MaxRetries+1 {
				delay := retryDelay(n.Policy, h.LastAttempt+1)
				actions.Retry = append(actions.Retry, RetryAction{Node: n, Attempt: h.LastAttempt + 1, Delay: delay})
			} else if n.Policy.Critical {
				if actions.FailRun == nil {
					actions.FailRun = &FailRunAction{NodeID: n.ID, Reason: fmt.Sprintf("node %q exhausted retries", n.ID)}
				}
			} else {
				actions.FailNode = append(actions.FailNode, FailNodeAction{Node: n, Reason: fmt.Sprintf("node %q exhausted retries", n.ID)})
			}
			continue
		}

		depsOK, skip := s.evaluateDeps(wf, n, run, outputs)
		if skip {
			actions.Skip = append(actions.Skip, SkipAction{Node: n})
			continue
		}
		if !depsOK {
			continue // still Pending: some dependency not yet terminal
		}

		readyNodes = append(readyNodes, ready{node: n, priority: n.Priority})
	}

	sort.SliceStable(readyNodes, func(i, j int) bool {
		if readyNodes[i].priority != readyNodes[j].priority {
			return readyNodes[i].priority > readyNodes[j].priority
		}
		return readyNodes[i].node.ID < readyNodes[j].node.ID
	})
	for _, r := range readyNodes {
		attempt := 1
		if h, ok := history[r.node.ID]; ok {
			attempt = h.LastAttempt + 1
		}
		actions.Emit = append(actions.Emit, EmitAction{Node: r.node, Attempt: attempt})
	}

	if actions.FailRun == nil && len(actions.Emit) == 0 && len(actions.Retry) == 0 && len(actions.FailNode) == 0 {
		if allTerminalOrSkippedNoOutstanding(wf, run) {
			actions.FinishRun = true
		}
	}

	return actions
}

// evaluateDeps reports whether every dependency of n is Succeeded or
// Skipped (depsOK) and whether n itself should be Skipped because every
// incoming guarded edge evaluated false or its producer was Skipped.
func (s *Scheduler) evaluateDeps(wf *workflow.Workflow, n workflow.Node, run *model.Run, outputs map[string]map[string]any) (depsOK bool, skip bool) {
	if len(n.DependsOn) == 0 {
		return true, false
	}

	incoming := wf.IncomingEdges(n.ID)
	anyActive := false
	anyPending := false
	sawIncoming := len(incoming) > 0

	for _, dep := range n.DependsOn {
		depState := run.NodeStates[dep]
		switch depState {
		case model.NodeSucceeded:
			// fallthrough to guard evaluation below via incoming edges
		case model.NodeSkipped, model.NodeFailed, model.NodeCancelled:
			// producer is done but produced nothing: dependent may be
			// skipped below, never left Pending forever.
			continue
		default:
			anyPending = true
		}
	}
	if anyPending {
		return false, false
	}

	if !sawIncoming {
		return true, false
	}

	for _, e := range incoming {
		producerState := run.NodeStates[e.From]
		if producerState == model.NodeSkipped || producerState == model.NodeFailed || producerState == model.NodeCancelled {
			continue
		}
		if e.Guard == "" {
			anyActive = true
			continue
		}
		ok, err := s.evalGuard(e.Guard, outputs[e.From])
		if err != nil {
			// Contract violation: malformed guard. Treat as not-taken,
			// never as a fatal run error (spec.md section 7 scopes
			// "contract violation" to malformed runner responses and
			// invalid workflows, not to a single bad guard at runtime).
			continue
		}
		if ok {
			anyActive = true
		}
	}

	if !anyActive {
		return false, true
	}
	return true, false
}

func (s *Scheduler) evalGuard(expression string, vars map[string]any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prog, ok := s.programCache[expression]
	if !ok {
		var err error
		prog, err = expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return false, err
		}
		s.programCache[expression] = prog
	}
	out, err := expr.Run(prog, vars)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("guard %q did not evaluate to a boolean", expression)
	}
	return b, nil
}

// retryDelay computes the next attempt's backoff per spec.md section 4.5:
// base x 2^(attempt-1) with optional jitter, capped.
func retryDelay(p workflow.Policy, nextAttempt int) time.Duration {
	base := p.RetryBackoffBase
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	cap := p.RetryBackoffCap
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return resilience.Backoff(base, cap, nextAttempt-1, p.RetryJitterFrac)
}

func allTerminalOrSkippedNoOutstanding(wf *workflow.Workflow, run *model.Run) bool {
	for _, n := range wf.Nodes {
		switch run.NodeStates[n.ID] {
		case model.NodeSucceeded, model.NodeSkipped, model.NodeFailed, model.NodeCancelled:
			continue
		default:
			return false
		}
	}
	return true
}
