package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/workflow-engine/internal/model"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

func linearWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		ID: "wf", Version: 1,
		Nodes: []workflow.Node{
			{ID: "A", Policy: workflow.Policy{MaxRetries: 3, Critical: true}},
			{ID: "B", DependsOn: []string{"A"}, Policy: workflow.Policy{MaxRetries: 3, Critical: true}},
			{ID: "C", DependsOn: []string{"B"}, Policy: workflow.Policy{MaxRetries: 3, Critical: true}},
		},
		Edges: []workflow.Edge{{From: "A", To: "B"}, {From: "B", To: "C"}},
	}
}

func freshRun(wf *workflow.Workflow) *model.Run {
	states := make(map[string]model.NodeState)
	for _, n := range wf.Nodes {
		states[n.ID] = model.NodePending
	}
	return &model.Run{ID: "run1", State: model.RunRunning, NodeStates: states}
}

func TestPlanEmitsEntryNodeFirst(t *testing.T) {
	wf := linearWorkflow()
	run := freshRun(wf)
	s := New()

	actions := s.Plan(wf, run, map[string]StepHistory{}, time.Now())
	require.Len(t, actions.Emit, 1)
	assert.Equal(t, "A", actions.Emit[0].Node.ID)
	assert.Equal(t, 1, actions.Emit[0].Attempt)
}

func TestPlanAdvancesAfterSuccess(t *testing.T) {
	wf := linearWorkflow()
	run := freshRun(wf)
	run.NodeStates["A"] = model.NodeSucceeded
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeSucceeded, LastOutput: map[string]any{"ok": true}},
	}
	actions := s.Plan(wf, run, history, time.Now())
	require.Len(t, actions.Emit, 1)
	assert.Equal(t, "B", actions.Emit[0].Node.ID)
}

func TestPlanSchedulesRetryWithBackoff(t *testing.T) {
	wf := linearWorkflow()
	run := freshRun(wf)
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeFailed, LastRetryable: true},
	}
	wf.Nodes[0].Policy.RetryBackoffBase = 100 * time.Millisecond
	actions := s.Plan(wf, run, history, time.Now())
	require.Len(t, actions.Retry, 1)
	assert.Equal(t, 2, actions.Retry[0].Attempt)
	assert.GreaterOrEqual(t, actions.Retry[0].Delay, 100*time.Millisecond)
}

func TestPlanNoRetryWhenMaxRetriesZero(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes[0].Policy.MaxRetries = 0
	run := freshRun(wf)
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeFailed, LastRetryable: true},
	}
	actions := s.Plan(wf, run, history, time.Now())
	assert.Empty(t, actions.Retry)
	require.NotNil(t, actions.FailRun)
}

func TestPlanExhaustsRetriesNonCriticalFailsNode(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes[0].Policy.MaxRetries = 3
	wf.Nodes[0].Policy.Critical = false
	run := freshRun(wf)
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 4, LastTerminal: true, LastOutcome: model.OutcomeFailed, LastRetryable: true},
	}
	actions := s.Plan(wf, run, history, time.Now())
	assert.Nil(t, actions.FailRun)
	require.Len(t, actions.FailNode, 1)
	assert.Equal(t, "A", actions.FailNode[0].Node.ID)
}

func TestPlanFailedProducerSkipsDependent(t *testing.T) {
	wf := linearWorkflow()
	wf.Nodes[0].Policy.MaxRetries = 0
	wf.Nodes[0].Policy.Critical = false
	run := freshRun(wf)
	run.NodeStates["A"] = model.NodeFailed
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeFailed, LastRetryable: false},
	}
	actions := s.Plan(wf, run, history, time.Now())
	require.Len(t, actions.Skip, 1)
	assert.Equal(t, "B", actions.Skip[0].Node.ID)
}

func TestPlanGuardFalseSkipsConsumer(t *testing.T) {
	wf := &workflow.Workflow{
		ID: "wf",
		Nodes: []workflow.Node{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"A"}},
		},
		Edges: []workflow.Edge{{From: "A", To: "B", Guard: "ok == true"}},
	}
	run := freshRun(wf)
	run.NodeStates["A"] = model.NodeSucceeded
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeSucceeded, LastOutput: map[string]any{"ok": false}},
	}
	actions := s.Plan(wf, run, history, time.Now())
	require.Len(t, actions.Skip, 1)
	assert.Equal(t, "B", actions.Skip[0].Node.ID)
}

func TestPlanFinishesRunWhenAllTerminal(t *testing.T) {
	wf := linearWorkflow()
	run := freshRun(wf)
	run.NodeStates["A"] = model.NodeSucceeded
	run.NodeStates["B"] = model.NodeSucceeded
	run.NodeStates["C"] = model.NodeSucceeded
	s := New()

	history := map[string]StepHistory{
		"A": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeSucceeded},
		"B": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeSucceeded},
		"C": {LastAttempt: 1, LastTerminal: true, LastOutcome: model.OutcomeSucceeded},
	}
	actions := s.Plan(wf, run, history, time.Now())
	assert.True(t, actions.FinishRun)
}
