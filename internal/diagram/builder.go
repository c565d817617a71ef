package diagram

import (
	"fmt"
	"sort"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Options adds run information to a diagram.
type Options struct {
	Report      *schema.RunReport // overlays step outcomes
	Breakpoints []string          // marks steps with a breakpoint
	Held        []string          // steps currently held at a breakpoint
}

// Build lays out wf by its execution plan. Steps keep their plan level and
// definition order, between a virtual start and end node.
func Build(wf *engine.Workflow, opts Options) (*DiagramModel, error) {
	plan, err := engine.BuildPlan(wf.Steps)
	if err != nil {
		return nil, fmt.Errorf("diagram: build plan: %w", err)
	}

	bps := make(map[string]bool, len(opts.Breakpoints))
	for _, id := range opts.Breakpoints {
		bps[id] = true
	}
	held := make(map[string]bool, len(opts.Held))
	for _, id := range opts.Held {
		held[id] = true
	}

	nodes := make([]*Node, 0, plan.StepCount()+2)
	nodes = append(nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	for _, id := range plan.Order {
		step := plan.Steps[id]
		n := &Node{
			ID:         id,
			Label:      step.DisplayName(),
			Action:     step.Action,
			Kind:       NodeKindStep,
			Breakpoint: bps[id],
		}
		if step.SkipIf != nil {
			n.Kind = NodeKindGuarded
		}
		overlayStatus(n, opts.Report, held[id])
		nodes = append(nodes, n)
	}
	nodes = append(nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})

	return &DiagramModel{
		Title:  title(wf),
		Nodes:  nodes,
		Edges:  buildEdges(plan),
		Levels: buildLevels(plan),
	}, nil
}

// overlayStatus applies the report outcome of a node. Steps the report
// does not mention are pending.
func overlayStatus(n *Node, report *schema.RunReport, held bool) {
	if held {
		n.Status = &StatusOverlay{Status: StatusHeld}
		return
	}
	if report == nil {
		return
	}
	res := report.Result(n.ID)
	if res == nil {
		n.Status = &StatusOverlay{Status: StatusPending}
		return
	}
	n.Status = &StatusOverlay{
		Status:     string(res.Status),
		DurationMs: res.DurationMs,
		Retries:    res.Retries,
		Error:      res.Error,
	}
}

// buildEdges links dependencies to dependents, roots to start and steps
// nobody depends on to end. The order is deterministic.
func buildEdges(plan *engine.ExecutionPlan) []Edge {
	var edges []Edge
	hasDependents := make(map[string]bool, len(plan.Order))

	for _, id := range plan.Order {
		deps := plan.Steps[id].Dependencies
		if len(deps) == 0 {
			edges = append(edges, Edge{From: startID, To: id})
			continue
		}
		sorted := append([]string(nil), deps...)
		sort.Strings(sorted)
		for _, dep := range sorted {
			edges = append(edges, Edge{From: dep, To: id})
			hasDependents[dep] = true
		}
	}
	for _, id := range plan.Order {
		if !hasDependents[id] {
			edges = append(edges, Edge{From: id, To: endID})
		}
	}
	return edges
}

func buildLevels(plan *engine.ExecutionPlan) [][]string {
	levels := make([][]string, 0, len(plan.Levels)+2)
	levels = append(levels, []string{startID})
	levels = append(levels, plan.Levels...)
	levels = append(levels, []string{endID})
	return levels
}

func title(wf *engine.Workflow) string {
	switch {
	case wf.Name != "":
		return wf.Name
	case wf.ID != "":
		return wf.ID
	default:
		return "Workflow"
	}
}
