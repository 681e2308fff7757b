package workflow

import (
	"errors"
	"fmt"
)

// ErrInvalidWorkflow is the sentinel the ControlAPI maps to the
// synchronous InvalidWorkflow failure of spec.md section 7.
var ErrInvalidWorkflow = errors.New("workflow: invalid")

// Validate checks the graph invariants from spec.md section 3: acyclic,
// every dependency exists, exactly one entry set, every node reachable
// from it. It is adapted from the teacher's DAGEngine.buildDAG, which
// folded cycle detection into adjacency-list construction; here it is
// pulled out as a standalone pass so the Scheduler can assume a validated
// graph and never re-check it.
func Validate(w *Workflow) error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", ErrInvalidWorkflow)
	}

	ids := make(map[string]struct{}, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrInvalidWorkflow)
		}
		if _, dup := ids[n.ID]; dup {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidWorkflow, n.ID)
		}
		ids[n.ID] = struct{}{}
	}

	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrInvalidWorkflow, n.ID, dep)
			}
		}
	}
	for _, e := range w.Edges {
		if _, ok := ids[e.From]; !ok {
			return fmt.Errorf("%w: edge from unknown node %q", ErrInvalidWorkflow, e.From)
		}
		if _, ok := ids[e.To]; !ok {
			return fmt.Errorf("%w: edge to unknown node %q", ErrInvalidWorkflow, e.To)
		}
	}

	entry := w.EntrySet()
	if len(entry) == 0 {
		return fmt.Errorf("%w: no entry set (every node has a dependency, implying a cycle)", ErrInvalidWorkflow)
	}

	if err := checkAcyclic(w, ids); err != nil {
		return err
	}
	if err := checkReachable(w, entry); err != nil {
		return err
	}
	return nil
}

// checkAcyclic performs a DFS with a recursion-stack set; it reports the
// first back-edge it finds, same shape as the teacher's buildDAG cycle
// guard but generalized to report which node closed the cycle.
func checkAcyclic(w *Workflow, ids map[string]struct{}) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		n, _ := w.NodeByID(id)
		for _, dep := range n.DependsOn {
			switch color[dep] {
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			case gray:
				return fmt.Errorf("%w: cycle detected through node %q", ErrInvalidWorkflow, id)
			}
		}
		color[id] = black
		return nil
	}
	for id := range ids {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkReachable ensures every node is reachable from the entry set by
// walking the DependsOn edges in reverse (from entry nodes to whatever
// depends on them).
func checkReachable(w *Workflow, entry []Node) error {
	dependents := make(map[string][]string)
	for _, n := range w.Nodes {
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	seen := make(map[string]struct{})
	queue := make([]string, 0, len(entry))
	for _, n := range entry {
		queue = append(queue, n.ID)
		seen[n.ID] = struct{}{}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range dependents[id] {
			if _, ok := seen[next]; !ok {
				seen[next] = struct{}{}
				queue = append(queue, next)
			}
		}
	}

	for _, n := range w.Nodes {
		if _, ok := seen[n.ID]; !ok {
			return fmt.Errorf("%w: node %q is unreachable from the entry set", ErrInvalidWorkflow, n.ID)
		}
	}
	return nil
}
