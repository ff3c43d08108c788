package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GeneralDefault is the fallback skill. It accepts any requirement with a
// modest score so the router always has somewhere to land, and its plan only
// enforces whatever output contract the client supplied.
type GeneralDefault struct{}

func (s *GeneralDefault) Descriptor() Descriptor {
	return Descriptor{
		Code:          "general-default",
		Name:          "General Default",
		Aliases:       []string{"auto", "general"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Generic fallback skill for unmatched requirements.",
		TaskType:      "general",
	}
}

func (s *GeneralDefault) Score(requirement string, files []string) float64 {
	if strings.TrimSpace(requirement) == "" {
		return 0.2
	}
	return 0.5
}

func (s *GeneralDefault) BuildExecutionPlan(ctx JobContext) map[string]any {
	d := s.Descriptor()
	contract := ctx.OutputContract
	if len(contract) == 0 {
		contract = map[string]any{"required_files": []string{}}
	}
	return map[string]any{
		"schema_version": d.SchemaVersion,
		"selected_skill": d.Code,
		"output_contract": contract,
		"packaging_rules": map[string]any{
			"include": []string{
				"outputs/**",
				"job/execution-plan.json",
				"job/request.md",
				"logs/opencode-last-message.md",
				"manifest.json",
			},
		},
		"timeouts": map[string]any{
			"soft_seconds": 15 * 60,
			"hard_seconds": 20 * 60,
		},
		"retry_policy": map[string]any{"max_attempts": 2, "backoff_seconds": []int{30, 120}},
		"hints": map[string]any{
			"required_files":               requiredFilesFromContract(ctx.OutputContract),
			"write_readme_for_assumptions": true,
		},
	}
}

func (s *GeneralDefault) BuildPrompt(ctx JobContext, plan map[string]any) string {
	return "You are an enterprise task execution agent. Follow these constraints strictly:\n" +
		fmt.Sprintf("- working directory: %s\n", ctx.WorkspaceDir) +
		"- inputs directory: inputs/\n" +
		"- outputs directory: outputs/\n" +
		"- plan file: job/execution-plan.json\n" +
		"- request file: job/request.md\n" +
		fmt.Sprintf("- load and execute this skill first: %s\n", ctx.SelectedSkill) +
		"- never modify the original files under inputs/\n" +
		"- write every result into outputs/ only\n" +
		"- when information is missing, make minimal reasonable assumptions and record them in outputs/README.md\n" +
		"- satisfy the output_contract of execution-plan.json first\n\n" +
		"execution-plan.json:\n" +
		encodePlan(plan)
}

func (s *GeneralDefault) PrepareWorkspace(ctx JobContext, plan map[string]any) error {
	return nil
}

func (s *GeneralDefault) ValidateOutputs(ctx JobContext) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	entries, err := os.ReadDir(outputsDir)
	if err != nil || len(entries) == 0 {
		return errors.New("outputs/ is empty")
	}
	for _, name := range requiredFilesFromContract(ctx.OutputContract) {
		if _, err := os.Stat(filepath.Join(outputsDir, name)); err != nil {
			return fmt.Errorf("missing required output file: %s", name)
		}
	}
	return nil
}
