package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRunnerDispatchesRegisteredHandler(t *testing.T) {
	r := NewFakeRunner()
	r.Register("http.request", func(exec StepExec) StepResult {
		return StepResult{Kind: ResultSucceeded, Output: map[string]any{"status": 200}}
	})

	res := r.Execute(StepExec{RunID: "run1", NodeID: "fetch", Attempt: 1, IdempotencyKey: "k1", NodeType: "http.request"})
	require.Equal(t, ResultSucceeded, res.Kind)
	assert.Equal(t, "run1", res.RunID)
	assert.Equal(t, "fetch", res.NodeID)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, "k1", res.IdempotencyKey)
	assert.Equal(t, 200, res.Output["status"])
}

func TestFakeRunnerUnknownNodeTypeIsContractViolation(t *testing.T) {
	r := NewFakeRunner()
	res := r.Execute(StepExec{RunID: "run1", NodeID: "n1", Attempt: 1, NodeType: "nonexistent"})
	assert.Equal(t, ResultFailed, res.Kind)
	assert.Equal(t, "contract", res.ErrorKind)
	assert.False(t, res.Retryable)
}

func TestFakeRunnerLatestRegistrationWins(t *testing.T) {
	r := NewFakeRunner()
	r.Register("t", func(exec StepExec) StepResult { return StepResult{Kind: ResultFailed} })
	r.Register("t", func(exec StepExec) StepResult { return StepResult{Kind: ResultSucceeded} })

	res := r.Execute(StepExec{NodeType: "t"})
	assert.Equal(t, ResultSucceeded, res.Kind)
}

func TestStepResultOutcomeMapping(t *testing.T) {
	assert.Equal(t, "succeeded", string(StepResult{Kind: ResultSucceeded}.Outcome()))
	assert.Equal(t, "cancelled", string(StepResult{Kind: ResultCancelled}.Outcome()))
	assert.Equal(t, "timed_out", string(StepResult{Kind: ResultTimedOut}.Outcome()))
	assert.Equal(t, "failed", string(StepResult{Kind: ResultFailed}.Outcome()))
}
