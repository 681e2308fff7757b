// Package runner defines the wire contract between the execution plane
// and the sandboxed runner (spec.md section 4.9). Only the envelope
// types and a dispatch-table test harness live here; the sandbox itself
// is an external collaborator, out of scope.
package runner

import (
	"time"

	"github.com/swarmguard/workflow-engine/internal/model"
	"github.com/swarmguard/workflow-engine/internal/workflow"
)

// StepExec is sent from the Dispatcher to a runner over the work queue.
type StepExec struct {
	RunID          string            `json:"run_id"`
	NodeID         string            `json:"node_id"`
	Attempt        int               `json:"attempt"`
	IdempotencyKey string            `json:"idempotency_key"`
	NodeType       string            `json:"node_type"`
	Params         map[string]any    `json:"params"`
	Input          map[string]any    `json:"input"`
	Policy         workflow.Policy   `json:"policy"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"`
	CancelToken    string            `json:"cancel_token"`
}

// StepResultKind enumerates the outcomes of spec.md section 4.9.
type StepResultKind string

const (
	ResultSucceeded StepResultKind = "succeeded"
	ResultFailed    StepResultKind = "failed"
	ResultCancelled StepResultKind = "cancelled"
	ResultTimedOut  StepResultKind = "timed_out"
)

// AttachmentRef is an out-of-band storage key for binary result data;
// the execution plane never stores the bytes themselves (spec.md
// Non-goals).
type AttachmentRef struct {
	Key         string `json:"key"`
	ContentType string `json:"content_type,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// StepResult is received from a runner over the work queue, echoing the
// identifiers of the StepExec it answers.
type StepResult struct {
	RunID          string          `json:"run_id"`
	NodeID         string          `json:"node_id"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotency_key"`
	Kind           StepResultKind  `json:"kind"`
	Output         map[string]any  `json:"output,omitempty"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	Retryable      bool            `json:"retryable,omitempty"`
	Duration       time.Duration   `json:"duration"`
	Attachments    []AttachmentRef `json:"attachments,omitempty"`
	// WaitToken is set when the node is async: the runner has accepted
	// the work but has no final output yet. The coordinator parks the
	// node in Waiting and a later external wake carrying this same
	// token resolves it (spec.md section 4.9).
	WaitToken string `json:"wait_token,omitempty"`
}

// Wake is the external resolution of an async node's wait token (webhook
// callback or scheduled poll), redeemed by the RunCoordinator.
type Wake struct {
	WaitToken string         `json:"wait_token"`
	Outcome   StepResultKind `json:"outcome"`
	Output    map[string]any `json:"output,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// Cancel is published on the work queue to ask a runner to abort an
// in-flight attempt best-effort; the coordinator never blocks on
// compliance (spec.md section 4.9).
type Cancel struct {
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt"`
}

// Outcome maps the result's Kind to the model.StepOutcome a Store commit
// records; any kind other than succeeded, cancelled or timed_out maps to
// failed.
func (r StepResult) Outcome() model.StepOutcome {
	switch r.Kind {
	case ResultSucceeded:
		return model.OutcomeSucceeded
	case ResultCancelled:
		return model.OutcomeCancelled
	case ResultTimedOut:
		return model.OutcomeTimedOut
	default:
		return model.OutcomeFailed
	}
}
