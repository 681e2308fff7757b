// Package workflow defines the immutable DAG definition types: Workflow,
// Node, Edge, and per-node Policy. A Workflow is never mutated by the
// execution plane once created.
package workflow

import "time"

// RetryStrategy names a node's retry backoff style. It travels with the
// node's Policy to the runner; the Scheduler's retry delay is always
// exponential and does not read this field.
type RetryStrategy string

const (
	RetryStrategyExponential RetryStrategy = "exponential"
	RetryStrategyFixed       RetryStrategy = "fixed"
	RetryStrategyNone        RetryStrategy = "none"
)

// ResourceLimits bounds a node's sandbox resource footprint. The execution
// plane passes these through to the runner unmodified; it never enforces
// them directly.
type ResourceLimits struct {
	CPUMillis int64 `json:"cpu_millis,omitempty"`
	MemoryMB  int64 `json:"memory_mb,omitempty"`
}

// Policy carries the per-node execution policy referenced throughout
// spec.md section 4 (timeout, retries, egress allowlist, criticality).
type Policy struct {
	Timeout            time.Duration   `json:"timeout"`
	MaxRetries         int             `json:"max_retries"`
	RetryStrategy      RetryStrategy   `json:"retry_strategy"`
	RetryBackoffBase   time.Duration   `json:"retry_backoff_base"`
	RetryBackoffCap    time.Duration   `json:"retry_backoff_cap"`
	RetryJitterFrac    float64         `json:"retry_jitter_frac"`
	AllowedEgressHosts []string        `json:"allowed_egress_hosts,omitempty"`
	ResourceLimits     ResourceLimits  `json:"resource_limits,omitempty"`
	// Critical marks a node whose non-retryable failure is run-fatal.
	// A non-critical node's failure instead skips its dependents while
	// letting the run still reach Succeeded (spec.md section 7).
	Critical bool `json:"critical"`
	// Cacheable marks a deterministic, side-effect-free node. It is sent
	// to the runner with the rest of the Policy; the Dispatcher does not
	// cache or reuse step outputs.
	Cacheable bool `json:"cacheable"`
}

// Node is one typed unit of work within a Workflow.
type Node struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Priority   int            `json:"priority"`
	Params     map[string]any `json:"params,omitempty"`
	DependsOn  []string       `json:"depends_on,omitempty"`
	Policy     Policy         `json:"policy"`
}

// Edge connects a producer Node to a consumer Node, optionally guarded by
// an expr-lang/expr boolean expression evaluated over the producer's
// output map.
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Guard string `json:"guard,omitempty"`
}

// Workflow is an immutable, versioned DAG of nodes and edges.
type Workflow struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
	Nodes   []Node `json:"nodes"`
	Edges   []Edge `json:"edges"`
}

// NodeByID returns the node with the given id, or false if absent.
func (w *Workflow) NodeByID(id string) (Node, bool) {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// IncomingEdges returns every edge whose To matches nodeID.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.To == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingEdges returns every edge whose From matches nodeID.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var out []Edge
	for _, e := range w.Edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// EntrySet returns the nodes with no declared dependencies.
func (w *Workflow) EntrySet() []Node {
	var out []Node
	for _, n := range w.Nodes {
		if len(n.DependsOn) == 0 {
			out = append(out, n)
		}
	}
	return out
}
