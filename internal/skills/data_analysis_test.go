package skills_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waaall/opencode-agent/internal/skills"
)

func analysisContext(workspace string) skills.JobContext {
	return skills.JobContext{
		JobID:         "job-1",
		TenantID:      "default",
		Requirement:   "analyze",
		WorkspaceDir:  workspace,
		InputFiles:    []string{filepath.Join(workspace, "inputs", "raw.csv")},
		SelectedSkill: "data-analysis",
		Agent:         "build",
	}
}

func TestDataAnalysisPrepareWorkspaceWritesRuntimeConfig(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "job-1")
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "inputs"), 0o755))

	skill := &skills.DataAnalysis{}
	ctx := analysisContext(workspace)
	plan := skill.BuildExecutionPlan(ctx)

	require.NoError(t, skill.PrepareWorkspace(ctx, plan))

	raw, err := os.ReadFile(filepath.Join(workspace, "job", "data-analysis.config.json"))
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(raw, &payload))

	absWorkspace, err := filepath.Abs(workspace)
	require.NoError(t, err)
	assert.Equal(t, absWorkspace, payload["workspace_root"])
	assert.Equal(t, filepath.Join(absWorkspace, "inputs"), payload["input_path"])
	assert.Equal(t, filepath.Join(absWorkspace, "outputs"), payload["output_dir"])
	assert.Equal(t, false, payload["allow_external_paths"])
	assert.Equal(t, false, payload["fallback_to_temp_output"])
	assert.Equal(t, "combined", payload["analysis_mode"])
}

func TestDataAnalysisPlanDeclaresRuntimeConfigPath(t *testing.T) {
	skill := &skills.DataAnalysis{}

	plan := skill.BuildExecutionPlan(analysisContext(filepath.Join(t.TempDir(), "job-2")))

	runtime, ok := plan["runtime"].(map[string]any)
	require.True(t, ok, "plan must carry a runtime section")
	assert.Equal(t, "job/data-analysis.config.json", runtime["config_path"])
	assert.Equal(t, "outputs", runtime["output_dir"])
}

func TestDataAnalysisPlanKeepsClientContract(t *testing.T) {
	skill := &skills.DataAnalysis{}
	ctx := analysisContext(filepath.Join(t.TempDir(), "job-3"))
	ctx.OutputContract = map[string]any{"required_files": []any{"summary.md"}}

	plan := skill.BuildExecutionPlan(ctx)

	assert.Equal(t, ctx.OutputContract, plan["output_contract"])
}
