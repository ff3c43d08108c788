package skills_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waaall/opencode-agent/internal/skills"
)

func writeOutput(t *testing.T, workspace, name, content string) {
	t.Helper()
	path := filepath.Join(workspace, "outputs", name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestGeneralDefaultValidateOutputsEmptyDir(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workspace, "outputs"), 0o755))

	skill := &skills.GeneralDefault{}
	err := skill.ValidateOutputs(skills.JobContext{WorkspaceDir: workspace})

	assert.EqualError(t, err, "outputs/ is empty")
}

func TestGeneralDefaultValidateOutputsMissingRequiredFile(t *testing.T) {
	workspace := t.TempDir()
	writeOutput(t, workspace, "notes.txt", "notes")

	skill := &skills.GeneralDefault{}
	err := skill.ValidateOutputs(skills.JobContext{
		WorkspaceDir:   workspace,
		OutputContract: map[string]any{"required_files": []any{"report.md"}},
	})

	assert.EqualError(t, err, "missing required output file: report.md")
}

func TestGeneralDefaultValidateOutputsContractSatisfied(t *testing.T) {
	workspace := t.TempDir()
	writeOutput(t, workspace, "report.md", "# done\n")

	skill := &skills.GeneralDefault{}
	err := skill.ValidateOutputs(skills.JobContext{
		WorkspaceDir:   workspace,
		OutputContract: map[string]any{"required_files": []any{"report.md"}},
	})

	assert.NoError(t, err)
}

func TestContractAcceptsAlternateKeys(t *testing.T) {
	workspace := t.TempDir()
	writeOutput(t, workspace, "notes.txt", "notes")

	skill := &skills.GeneralDefault{}
	err := skill.ValidateOutputs(skills.JobContext{
		WorkspaceDir:   workspace,
		OutputContract: map[string]any{"files": []any{"summary.md"}},
	})

	assert.EqualError(t, err, "missing required output file: summary.md")
}

func TestDataAnalysisValidateOutputsRequiresReport(t *testing.T) {
	workspace := t.TempDir()
	writeOutput(t, workspace, "charts/overview.png", "png")

	skill := &skills.DataAnalysis{}
	err := skill.ValidateOutputs(skills.JobContext{WorkspaceDir: workspace})

	assert.EqualError(t, err, "data-analysis requires outputs/report.md")
}

func TestPptValidateOutputsRequiresSlides(t *testing.T) {
	workspace := t.TempDir()
	writeOutput(t, workspace, "preview/p1.png", "png")

	skill := &skills.PPT{}
	err := skill.ValidateOutputs(skills.JobContext{WorkspaceDir: workspace})

	assert.EqualError(t, err, "ppt skill requires outputs/slides.pptx")
}

func TestGeneralDefaultPromptEmbedsPlan(t *testing.T) {
	skill := &skills.GeneralDefault{}
	ctx := skills.JobContext{
		WorkspaceDir:  "/data/jobs/job-9",
		SelectedSkill: "general-default",
	}
	plan := skill.BuildExecutionPlan(ctx)

	prompt := skill.BuildPrompt(ctx, plan)

	assert.Contains(t, prompt, "- working directory: /data/jobs/job-9")
	assert.Contains(t, prompt, "- load and execute this skill first: general-default")
	assert.Contains(t, prompt, "execution-plan.json:\n")
	assert.Contains(t, prompt, `"selected_skill": "general-default"`)
}
