package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func linear(ids ...string) *Workflow {
	w := &Workflow{ID: "wf", Version: 1}
	for i, id := range ids {
		n := Node{ID: id}
		if i > 0 {
			n.DependsOn = []string{ids[i-1]}
		}
		w.Nodes = append(w.Nodes, n)
		if i > 0 {
			w.Edges = append(w.Edges, Edge{From: ids[i-1], To: id})
		}
	}
	return w
}

func TestValidateEmptyWorkflowIsInvalid(t *testing.T) {
	err := Validate(&Workflow{ID: "wf"})
	assert.ErrorIs(t, err, ErrInvalidWorkflow)
}

func TestValidateLinearWorkflowOK(t *testing.T) {
	err := Validate(linear("A", "B", "C"))
	assert.NoError(t, err)
}

func TestValidateUnknownDependency(t *testing.T) {
	w := &Workflow{ID: "wf", Nodes: []Node{{ID: "A", DependsOn: []string{"ghost"}}}}
	assert.ErrorIs(t, err(w), ErrInvalidWorkflow)
}

func err(w *Workflow) error { return Validate(w) }

func TestValidateCycleDetected(t *testing.T) {
	w := &Workflow{
		ID: "wf",
		Nodes: []Node{
			{ID: "A", DependsOn: []string{"B"}},
			{ID: "B", DependsOn: []string{"A"}},
		},
	}
	assert.ErrorIs(t, Validate(w), ErrInvalidWorkflow)
}

func TestValidateUnreachableNode(t *testing.T) {
	w := &Workflow{
		ID: "wf",
		Nodes: []Node{
			{ID: "A"},
			{ID: "B", DependsOn: []string{"C"}},
			{ID: "C", DependsOn: []string{"B"}},
		},
	}
	assert.ErrorIs(t, Validate(w), ErrInvalidWorkflow)
}

func TestValidateDuplicateNodeID(t *testing.T) {
	w := &Workflow{ID: "wf", Nodes: []Node{{ID: "A"}, {ID: "A"}}}
	assert.ErrorIs(t, Validate(w), ErrInvalidWorkflow)
}
