package runner

import (
	"fmt"
	"sync"
)

// Handler executes one StepExec and returns the StepResult a real
// sandboxed runner would produce. Test code and local-dev mode register
// Handlers per node type, mirroring the teacher's PluginExecutor
// interface in services/orchestrator/plugins.go without any of that
// file's actual sandboxing (HTTP/Python/shell) — this is a harness, not
// an implementation of the sandbox itself.
type Handler func(StepExec) StepResult

// FakeRunner is an in-process dispatch table keyed by node type,
// standing in for the out-of-process sandbox in tests and local-dev
// mode. It is the direct generalization of the teacher's PluginRegistry.
type FakeRunner struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewFakeRunner constructs an empty dispatch table.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{handlers: make(map[string]Handler)}
}

// Register installs the handler for a node type, replacing any prior one.
func (f *FakeRunner) Register(nodeType string, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[nodeType] = h
}

// Execute looks up the handler for exec.NodeType and runs it. An unknown
// node type surfaces as a non-retryable Failed result with error kind
// "contract", matching the Contract-violation error class of spec.md
// section 7.
func (f *FakeRunner) Execute(exec StepExec) StepResult {
	f.mu.RLock()
	h, ok := f.handlers[exec.NodeType]
	f.mu.RUnlock()
	if !ok {
		return StepResult{
			RunID: exec.RunID, NodeID: exec.NodeID, Attempt: exec.Attempt,
			IdempotencyKey: exec.IdempotencyKey,
			Kind:           ResultFailed,
			ErrorKind:      "contract",
			ErrorMessage:   fmt.Sprintf("unknown node type %q", exec.NodeType),
			Retryable:      false,
		}
	}
	res := h(exec)
	res.RunID, res.NodeID, res.Attempt, res.IdempotencyKey = exec.RunID, exec.NodeID, exec.Attempt, exec.IdempotencyKey
	return res
}
