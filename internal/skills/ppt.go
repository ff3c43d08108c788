package skills

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var pptKeywords = []string{
	"ppt",
	"幻灯片",
	"演示",
	"presentation",
	"slides",
	"deck",
}

// A .pptx upload is near-certain intent; loose images or PDFs only nudge the
// score so that picture-only jobs still fall back to the general skill.
var strongMediaExtensions = map[string]bool{
	".pptx": true,
}

var weakMediaExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".svg":  true,
	".pdf":  true,
}

// PPT builds slide decks from a requirement plus media assets.
type PPT struct{}

func (s *PPT) Descriptor() Descriptor {
	return Descriptor{
		Code:          "ppt",
		Name:          "PPT Generator",
		Aliases:       []string{"slides", "presentation"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Generate slide deck from requirement and media assets.",
		TaskType:      "presentation",
	}
}

func (s *PPT) Score(requirement string, files []string) float64 {
	text := strings.ToLower(requirement)
	keywordHits := 0
	for _, keyword := range pptKeywords {
		if strings.Contains(text, keyword) {
			keywordHits++
		}
	}
	fileScore := 0.0
	for _, name := range files {
		ext := strings.ToLower(filepath.Ext(name))
		switch {
		case strongMediaExtensions[ext]:
			fileScore += 0.45
		case weakMediaExtensions[ext]:
			fileScore += 0.12
		}
	}
	return min(1.0, 0.08+float64(keywordHits)*0.14+fileScore)
}

func (s *PPT) BuildExecutionPlan(ctx JobContext) map[string]any {
	d := s.Descriptor()
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{"required_files": []string{"slides.pptx"}}
	}
	return map[string]any{
		"schema_version":  d.SchemaVersion,
		"selected_skill":  d.Code,
		"output_contract": contract,
		"packaging_rules": map[string]any{
			"include": []string{"outputs/**", "job/request.md", "job/execution-plan.json"},
		},
		"timeouts": map[string]any{
			"soft_seconds": 15 * 60,
			"hard_seconds": 20 * 60,
		},
		"retry_policy": map[string]any{"max_attempts": 2, "backoff_seconds": []int{30, 120}},
		"ppt_rules": map[string]any{
			"theme":                       "professional",
			"language":                    "zh-CN",
			"write_assumptions_to_readme": true,
		},
	}
}

func (s *PPT) BuildPrompt(ctx JobContext, plan map[string]any) string {
	return "Run the ppt skill to complete this presentation task.\n" +
		"Hard requirements:\n" +
		"- read the text and image assets from inputs/\n" +
		"- write the deck to outputs/slides.pptx\n" +
		"- optional previews may go to outputs/preview/*.png\n" +
		"- when information is missing, make minimal reasonable assumptions and record them in outputs/README.md\n" +
		"- never modify inputs/\n" +
		"- satisfy the output_contract of execution-plan.json exactly\n\n" +
		"execution-plan.json:\n" +
		encodePlan(plan)
}

func (s *PPT) PrepareWorkspace(ctx JobContext, plan map[string]any) error {
	return nil
}

func (s *PPT) ValidateOutputs(ctx JobContext) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	if _, err := os.Stat(filepath.Join(outputsDir, "slides.pptx")); err != nil {
		return errors.New("ppt skill requires outputs/slides.pptx")
	}
	for _, name := range requiredFilesFromContract(ctx.OutputContract) {
		if _, err := os.Stat(filepath.Join(outputsDir, name)); err != nil {
			return fmt.Errorf("missing required output file: %s", name)
		}
	}
	return nil
}
