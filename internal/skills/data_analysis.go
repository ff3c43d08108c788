package skills

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Keyword lists are bilingual because requirement text arrives in both
// English and Chinese.
var dataKeywords = []string{
	"数据",
	"分析",
	"统计",
	"报表",
	"趋势",
	"csv",
	"excel",
	"dataset",
	"analyze",
}

var dataExtensions = map[string]bool{
	".csv":     true,
	".xlsx":    true,
	".xls":     true,
	".parquet": true,
	".json":    true,
}

// DataAnalysis handles tabular-data jobs: it routes on analysis keywords and
// data file extensions, and its contract demands a written report.
type DataAnalysis struct{}

// analysisRuntimeConfig is the sandbox configuration the skill engine reads
// from job/data-analysis.config.json. All paths are absolute and external
// paths are locked out so the engine can only touch this workspace.
type analysisRuntimeConfig struct {
	WorkspaceRoot        string `json:"workspace_root"`
	InputPath            string `json:"input_path"`
	OutputDir            string `json:"output_dir"`
	AllowExternalPaths   bool   `json:"allow_external_paths"`
	FallbackToTempOutput bool   `json:"fallback_to_temp_output"`
	AnalysisMode         string `json:"analysis_mode"`
}

func (s *DataAnalysis) Descriptor() Descriptor {
	return Descriptor{
		Code:          "data-analysis",
		Name:          "Data Analysis",
		Aliases:       []string{"analysis", "csv-analysis"},
		Version:       "1.0.0",
		SchemaVersion: "1.0.0",
		Description:   "Analyze tabular data and output report with charts.",
		TaskType:      "data_analysis",
	}
}

// Score weights data file extensions heavily enough that a single uploaded
// dataset clears the default routing threshold even without matching
// keywords.
func (s *DataAnalysis) Score(requirement string, files []string) float64 {
	text := strings.ToLower(requirement)
	keywordHits := 0
	for _, keyword := range dataKeywords {
		if strings.Contains(text, keyword) {
			keywordHits++
		}
	}
	fileHits := 0
	for _, name := range files {
		if dataExtensions[strings.ToLower(filepath.Ext(name))] {
			fileHits++
		}
	}
	return min(1.0, 0.15+float64(keywordHits)*0.12+float64(fileHits)*0.35)
}

func (s *DataAnalysis) BuildExecutionPlan(ctx JobContext) map[string]any {
	d := s.Descriptor()
	contract := ctx.OutputContract
	if contract == nil {
		contract = map[string]any{
			"required_files":  []string{"report.md"},
			"suggested_files": []string{"charts/overview.png"},
		}
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
		"analysis_rules": map[string]any{
			"language":                    "zh-CN",
			"chart_engine":                "matplotlib",
			"write_assumptions_to_readme": true,
		},
		"runtime": map[string]any{
			"config_path": "job/data-analysis.config.json",
			"output_dir":  "outputs",
		},
	}
}

func (s *DataAnalysis) BuildPrompt(ctx JobContext, plan map[string]any) string {
	return "Run the data-analysis skill to complete this analysis task.\n" +
		"Hard requirements:\n" +
		"- read the raw data from inputs/ and never modify the original files\n" +
		"- write the structured findings to outputs/report.md\n" +
		"- generate reproducible charts under outputs/charts/ (png preferred)\n" +
		"- when column semantics are unclear, make minimal reasonable assumptions and record them in outputs/README.md\n" +
		"- meet the output_contract acceptance targets of execution-plan.json exactly\n\n" +
		"execution-plan.json:\n" +
		encodePlan(plan)
}

// PrepareWorkspace pins the skill engine to this workspace by writing its
// runtime configuration next to the execution plan.
func (s *DataAnalysis) PrepareWorkspace(ctx JobContext, plan map[string]any) error {
	root, err := filepath.Abs(ctx.WorkspaceDir)
	if err != nil {
		return fmt.Errorf("skills: resolve workspace root: %w", err)
	}
	cfg := analysisRuntimeConfig{
		WorkspaceRoot:        root,
		InputPath:            filepath.Join(root, "inputs"),
		OutputDir:            filepath.Join(root, "outputs"),
		AllowExternalPaths:   false,
		FallbackToTempOutput: false,
		AnalysisMode:         "combined",
	}
	jobDir := filepath.Join(ctx.WorkspaceDir, "job")
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("skills: create job dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("skills: encode runtime config: %w", err)
	}
	path := filepath.Join(jobDir, "data-analysis.config.json")
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("skills: write runtime config: %w", err)
	}
	return nil
}

func (s *DataAnalysis) ValidateOutputs(ctx JobContext) error {
	outputsDir := filepath.Join(ctx.WorkspaceDir, "outputs")
	if _, err := os.Stat(filepath.Join(outputsDir, "report.md")); err != nil {
		return errors.New("data-analysis requires outputs/report.md")
	}
	for _, name := range requiredFilesFromContract(ctx.OutputContract) {
		if _, err := os.Stat(filepath.Join(outputsDir, name)); err != nil {
			return fmt.Errorf("missing required output file: %s", name)
		}
	}
	return nil
}
