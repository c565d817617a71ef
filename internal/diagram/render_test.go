package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sethdford/vibex-sub011/pkg/schema"
)

func overlayModel(t *testing.T) *DiagramModel {
	t.Helper()
	model, err := Build(diamondWorkflow(), Options{
		Report: &schema.RunReport{Steps: []schema.StepResult{
			{StepID: "fetch", Status: schema.StepStatusSuccess, DurationMs: 12},
			{StepID: "lint", Status: schema.StepStatusFailure, Retries: 1},
		}},
		Breakpoints: []string{"publish"},
	})
	require.NoError(t, err)
	return model
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(overlayModel(t))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "%% Release")
	assert.Contains(t, out, `subgraph level_1["level 1"]`)
	assert.Contains(t, out, `fetch["fetch (shell.exec)"]`)
	assert.Contains(t, out, `test{{"test (shell.exec)"}}`)
	assert.Contains(t, out, `__start__(("Start"))`)
	assert.Contains(t, out, "fetch --> lint")
	assert.Contains(t, out, "class fetch success")
	assert.Contains(t, out, "class lint failure")
	assert.Contains(t, out, "class publish pending")
	assert.Contains(t, out, "class publish breakpoint")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "build_step_1", mermaidSafeID("build-step.1"))
}

func TestRenderASCII(t *testing.T) {
	out := RenderASCII(overlayModel(t))

	assert.Contains(t, out, "=== Release ===")
	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[FAIL]")
	assert.Contains(t, out, "retries 1")
	assert.Contains(t, out, "● publish")
	assert.Contains(t, out, "?skip_if")

	// lint and test share a row.
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "lint") {
			assert.Contains(t, line, "test")
		}
	}
}

func TestRenderImage(t *testing.T) {
	model := overlayModel(t)

	png, err := RenderImage(context.Background(), model, FormatPNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), model, FormatSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), model, "bmp")
	assert.Error(t, err)
}
