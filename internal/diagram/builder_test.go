package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/internal/engine"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// diamond: fetch -> (lint, test) -> publish
func diamondWorkflow() *engine.Workflow {
	return &engine.Workflow{
		ID:   "release",
		Name: "Release",
		Steps: []*engine.Step{
			{ID: "fetch", Action: "shell.exec"},
			{ID: "lint", Action: "shell.exec", Dependencies: []string{"fetch"}},
			{ID: "test", Action: "shell.exec", Dependencies: []string{"fetch"},
				SkipIf: func(*engine.RunContext) (bool, error) { return false, nil }},
			{ID: "publish", Action: "http.request", Dependencies: []string{"test", "lint"}},
		},
	}
}

func TestBuild_LevelsAndEdges(t *testing.T) {
	model, err := Build(diamondWorkflow(), Options{})
	require.NoError(t, err)

	assert.Equal(t, "Release", model.Title)
	assert.Equal(t, [][]string{{startID}, {"fetch"}, {"lint", "test"}, {"publish"}, {endID}}, model.Levels)
	assert.Len(t, model.Nodes, 6)

	assert.Equal(t, []Edge{
		{From: startID, To: "fetch"},
		{From: "fetch", To: "lint"},
		{From: "fetch", To: "test"},
		{From: "lint", To: "publish"},
		{From: "test", To: "publish"},
		{From: "publish", To: endID},
	}, model.Edges)

	assert.Equal(t, NodeKindGuarded, model.node("test").Kind)
	assert.Equal(t, NodeKindStep, model.node("lint").Kind)
	assert.Nil(t, model.node("fetch").Status)
}

func TestBuild_Overlay(t *testing.T) {
	report := &schema.RunReport{Steps: []schema.StepResult{
		{StepID: "fetch", Status: schema.StepStatusSuccess, DurationMs: 40},
		{StepID: "lint", Status: schema.StepStatusFailure, Retries: 2, Error: "exit 1"},
		{StepID: "publish", Status: schema.StepStatusSkipped},
	}}

	model, err := Build(diamondWorkflow(), Options{
		Report:      report,
		Breakpoints: []string{"publish"},
		Held:        []string{"test"},
	})
	require.NoError(t, err)

	assert.Equal(t, &StatusOverlay{Status: "success", DurationMs: 40}, model.node("fetch").Status)
	assert.Equal(t, &StatusOverlay{Status: "failure", Retries: 2, Error: "exit 1"}, model.node("lint").Status)
	assert.Equal(t, StatusHeld, model.node("test").Status.Status)
	assert.True(t, model.node("publish").Breakpoint)
	assert.False(t, model.node("fetch").Breakpoint)
}

func TestBuild_MissingResultIsPending(t *testing.T) {
	model, err := Build(diamondWorkflow(), Options{Report: &schema.RunReport{}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, model.node("publish").Status.Status)
}

func TestBuild_Cycle(t *testing.T) {
	wf := &engine.Workflow{Steps: []*engine.Step{
		{ID: "a", Dependencies: []string{"b"}},
		{ID: "b", Dependencies: []string{"a"}},
	}}
	_, err := Build(wf, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cyclic dependency")
}

func TestBuild_TitleFallback(t *testing.T) {
	model, err := Build(&engine.Workflow{ID: "only-id", Steps: []*engine.Step{{ID: "a"}}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "only-id", model.Title)

	model, err = Build(&engine.Workflow{Steps: []*engine.Step{{ID: "a"}}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "Workflow", model.Title)
}
