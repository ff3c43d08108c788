// Package skills implements the task skills the orchestrator can route a job
// to. A skill scores how well it matches a requirement and its input files,
// builds the execution plan and prompt handed to the opencode runtime,
// prepares any skill-specific workspace state, and validates the produced
// outputs against the output contract.
package skills

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JobContext aggregates everything a skill needs to know about one job. It is
// assembled by the orchestrator at create time and by the executor at run
// time; skills never reach back into the database.
//
// Model and OutputContract are nil when the client did not provide them.
type JobContext struct {
	JobID          string
	TenantID       string
	Requirement    string
	WorkspaceDir   string
	InputFiles     []string
	SelectedSkill  string
	Agent          string
	Model          map[string]string
	OutputContract map[string]any
}

// Descriptor is the metadata a skill exposes for routing and for the
// skill-listing API.
type Descriptor struct {
	Code          string   `json:"code"`
	Name          string   `json:"name"`
	Aliases       []string `json:"aliases"`
	Version       string   `json:"version"`
	SchemaVersion string   `json:"schema_version"`
	Description   string   `json:"description"`
	TaskType      string   `json:"task_type"`
}

// Skill is the contract every routable skill implements.
//
// Score is a pure function of the requirement text and the input file names.
// BuildExecutionPlan and BuildPrompt must not touch the filesystem;
// PrepareWorkspace is the one hook that may write into the workspace before
// the prompt is sent. ValidateOutputs runs after the runtime session went
// idle and returns a descriptive error when the contract is not met.
type Skill interface {
	Descriptor() Descriptor
	Score(requirement string, files []string) float64
	BuildExecutionPlan(ctx JobContext) map[string]any
	BuildPrompt(ctx JobContext, plan map[string]any) string
	PrepareWorkspace(ctx JobContext, plan map[string]any) error
	ValidateOutputs(ctx JobContext) error
}

// requiredFilesFromContract extracts the list of mandatory output files from
// an output contract, trying the accepted key spellings in order. The result
// is never nil so callers can range over it and marshal it as a JSON array.
func requiredFilesFromContract(contract map[string]any) []string {
	if len(contract) == 0 {
		return []string{}
	}
	for _, key := range []string{"required_files", "files", "required"} {
		raw, ok := contract[key]
		if !ok {
			continue
		}
		switch items := raw.(type) {
		case []string:
			names := make([]string, 0, len(items))
			for _, item := range items {
				if item != "" {
					names = append(names, item)
				}
			}
			return names
		case []any:
			names := make([]string, 0, len(items))
			for _, item := range items {
				if item == nil {
					continue
				}
				if s := fmt.Sprint(item); s != "" {
					names = append(names, s)
				}
			}
			return names
		}
	}
	return []string{}
}

// encodePlan renders an execution plan as indented JSON for embedding in a
// prompt. The encoder leaves non-ASCII text alone and terminates the document
// with a newline.
func encodePlan(plan map[string]any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	// Plans hold only strings, numbers, bools and nested maps/slices of the
	// same, so encoding cannot fail.
	_ = enc.Encode(plan)
	return buf.String()
}
