package engine

import (
	"strings"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// ExecutionPlan is a leveled DAG. Every step of level N depends only on steps
// in levels < N, and each step appears in exactly one level.
type ExecutionPlan struct {
	Levels  [][]string
	LevelOf map[string]int
	Steps   map[string]*Step
	Order   []string // step ids in definition order
}

// StepCount returns the number of planned steps.
func (p *ExecutionPlan) StepCount() int {
	return len(p.Order)
}

// BuildPlan computes the level of every step:
//
//	level(s) = 0                               if s has no dependencies
//	level(s) = 1 + max(level(d) for d in deps)  otherwise
//
// Unknown dependencies and cycles (self-dependency included) fail with a
// CONFIGURATION_ERROR before anything runs. Within a level, steps keep
// their definition order.
func BuildPlan(steps []*Step) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{
		LevelOf: make(map[string]int, len(steps)),
		Steps:   make(map[string]*Step, len(steps)),
		Order:   make([]string, 0, len(steps)),
	}

	for i, s := range steps {
		if s == nil || s.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "step at index %d has no id", i)
		}
		if _, dup := plan.Steps[s.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate step id %q", s.ID).WithStep(s.ID)
		}
		plan.Steps[s.ID] = s
		plan.Order = append(plan.Order, s.ID)
	}

	memo := make(map[string]int, len(steps))
	inProgress := make(map[string]bool)
	maxLevel := -1
	for _, id := range plan.Order {
		lvl, err := stepLevel(id, plan.Steps, memo, inProgress, nil)
		if err != nil {
			return nil, err
		}
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	plan.Levels = make([][]string, maxLevel+1)
	for _, id := range plan.Order {
		lvl := memo[id]
		plan.LevelOf[id] = lvl
		plan.Levels[lvl] = append(plan.Levels[lvl], id)
	}
	return plan, nil
}

// stepLevel resolves the level of id. memo holds finished levels; inProgress
// marks the steps on the current recursion path, so meeting one again means
// the graph has a cycle. path is only used for the error message.
func stepLevel(id string, steps map[string]*Step, memo map[string]int, inProgress map[string]bool, path []string) (int, error) {
	if lvl, ok := memo[id]; ok {
		return lvl, nil
	}
	path = append(path, id)
	if inProgress[id] {
		return 0, schema.NewErrorf(schema.ErrCodeConfiguration,
			"cyclic dependency: %s", strings.Join(cyclePath(path), " -> ")).
			WithStep(id).
			WithDetails(map[string]any{"cycle": cyclePath(path)})
	}

	step := steps[id]
	if len(step.Dependencies) == 0 {
		memo[id] = 0
		return 0, nil
	}

	inProgress[id] = true
	level := 0
	for _, dep := range step.Dependencies {
		if _, ok := steps[dep]; !ok {
			return 0, schema.NewErrorf(schema.ErrCodeConfiguration,
				"unknown dependency %q", dep).
				WithStep(id).
				WithDetails(map[string]any{"dependency": dep})
		}
		dl, err := stepLevel(dep, steps, memo, inProgress, path)
		if err != nil {
			return 0, err
		}
		if dl+1 > level {
			level = dl + 1
		}
	}
	delete(inProgress, id)

	memo[id] = level
	return level, nil
}

// cyclePath trims the recursion path to the cycle itself, e.g.
// [x a b a] becomes [a b a].
func cyclePath(path []string) []string {
	last := path[len(path)-1]
	for i, id := range path[:len(path)-1] {
		if id == last {
			return path[i:]
		}
	}
	return path
}
