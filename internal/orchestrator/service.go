// Package orchestrator is the application facade over job lifecycle: create
// with skill routing and workspace setup, enqueue, abort, artifact lookups,
// the skill catalog and workspace retention. The executor package drives the
// jobs this facade creates.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/config"
	"github.com/waaall/opencode-agent/internal/db"
	"github.com/waaall/opencode-agent/internal/metrics"
	"github.com/waaall/opencode-agent/internal/repositories"
	"github.com/waaall/opencode-agent/internal/skills"
	"github.com/waaall/opencode-agent/internal/workspace"
)

// UploadedFile is one uploaded input held in memory until it is stored into
// the job workspace.
type UploadedFile struct {
	Filename    string
	Content     []byte
	ContentType string
}

// CreateJobParams carries everything a client may send on job creation.
// TenantID and CreatedBy fall back to the configured defaults when empty.
type CreateJobParams struct {
	Requirement    string
	Files          []UploadedFile
	SkillCode      string
	Agent          string
	Model          map[string]string
	OutputContract map[string]any
	IdempotencyKey string
	TenantID       string
	CreatedBy      string
}

// AgentClient is the slice of the opencode client this facade needs: a health
// probe before enqueueing and a session abort.
type AgentClient interface {
	Health(ctx context.Context) (map[string]any, error)
	AbortSession(ctx context.Context, directory, sessionID string) error
}

// JobQueue submits one task per started job and returns the task id.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string) (string, error)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Config     *config.Config
	Repository repositories.JobRepository
	Registry   *skills.Registry
	Router     *skills.Router
	Workspaces *workspace.Manager
	Agent      AgentClient
	Queue      JobQueue
	Logger     *zap.Logger
}

// Service is the orchestration facade used by the API layer and the
// scheduler. It is safe for concurrent use.
type Service struct {
	cfg        *config.Config
	repo       repositories.JobRepository
	registry   *skills.Registry
	router     *skills.Router
	workspaces *workspace.Manager
	agent      AgentClient
	queue      JobQueue
	logger     *zap.Logger
}

// NewService returns a Service over the given dependencies.
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		cfg:        cfg.Config,
		repo:       cfg.Repository,
		registry:   cfg.Registry,
		router:     cfg.Router,
		workspaces: cfg.Workspaces,
		agent:      cfg.Agent,
		queue:      cfg.Queue,
		logger:     cfg.Logger.Named("orchestrator"),
	}
}

// CreateJob validates the request, replays idempotent creates, routes the
// requirement to a skill, materializes the workspace with inputs and the
// execution plan, and persists the job. The job is returned in status
// "created"; StartJob enqueues it.
func (s *Service) CreateJob(ctx context.Context, params CreateJobParams) (*db.Job, error) {
	if strings.TrimSpace(params.Requirement) == "" {
		return nil, invalidArgument("requirement is required")
	}
	if len(params.Files) == 0 {
		return nil, invalidArgument("at least one file is required")
	}
	if len(params.Model) > 0 && (params.Model["providerID"] == "" || params.Model["modelID"] == "") {
		return nil, invalidArgument("model_provider_id and model_id must be provided together")
	}

	tenant := params.TenantID
	if tenant == "" {
		tenant = s.cfg.DefaultTenantID
	}
	actor := params.CreatedBy
	if actor == "" {
		actor = s.cfg.DefaultCreatedBy
	}

	// The hash folds the requirement text and the uploaded contents, so the
	// same idempotency key with different inputs creates a fresh job.
	reqHash := RequirementHash(params.Requirement, params.Files)

	if params.IdempotencyKey != "" {
		existing, err := s.repo.GetJobByIdempotency(ctx, tenant, params.IdempotencyKey, reqHash)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}

	jobID := uuid.NewString()
	workspaceDir, err := s.workspaces.Create(jobID)
	if err != nil {
		return nil, err
	}

	stored := make([]*workspace.StoredFile, 0, len(params.Files))
	for _, file := range params.Files {
		item, storeErr := s.workspaces.StoreInputFile(workspaceDir, file.Filename, file.Content, file.ContentType)
		if storeErr != nil {
			return nil, invalidArgument(storeErr.Error())
		}
		stored = append(stored, item)
	}

	inputPaths := make([]string, len(stored))
	for i, item := range stored {
		inputPaths[i] = item.AbsolutePath
	}

	skill, routeReason, err := s.router.Select(params.Requirement, inputPaths, params.SkillCode)
	if err != nil {
		return nil, err
	}

	agent := params.Agent
	if agent == "" {
		agent = s.cfg.DefaultAgent
	}

	jobCtx := skills.JobContext{
		JobID:          jobID,
		TenantID:       tenant,
		Requirement:    params.Requirement,
		WorkspaceDir:   workspaceDir,
		InputFiles:     inputPaths,
		SelectedSkill:  skill.Descriptor().Code,
		Agent:          agent,
		Model:          params.Model,
		OutputContract: params.OutputContract,
	}
	plan := skill.BuildExecutionPlan(jobCtx)
	if err := skill.PrepareWorkspace(jobCtx, plan); err != nil {
		return nil, err
	}
	if _, err := s.workspaces.WriteRequestMarkdown(workspaceDir, params.Requirement); err != nil {
		return nil, err
	}
	if _, err := s.workspaces.WriteExecutionPlan(workspaceDir, plan); err != nil {
		return nil, err
	}

	inputRecords := make([]repositories.InputFile, len(stored))
	for i, item := range stored {
		inputRecords[i] = repositories.InputFile{
			RelativePath: item.RelativePath,
			MimeType:     item.MimeType,
			SizeBytes:    item.SizeBytes,
			SHA256:       item.SHA256,
		}
	}

	job, err := s.repo.CreateJob(ctx, repositories.CreateJobParams{
		JobID:              jobID,
		TenantID:           tenant,
		WorkspaceDir:       workspaceDir,
		RequirementText:    params.Requirement,
		SelectedSkill:      skill.Descriptor().Code,
		Agent:              agent,
		ModelJSON:          marshalOrEmpty(params.Model),
		OutputContractJSON: marshalOrEmpty(plan["output_contract"]),
		CreatedBy:          actor,
		InputFiles:         inputRecords,
		IdempotencyKey:     params.IdempotencyKey,
		RequirementHash:    reqHash,
	})
	if err != nil {
		return nil, err
	}

	if routeReason != "" {
		_, err = s.repo.AddEvent(ctx, repositories.EventParams{
			JobID:   job.ID,
			Source:  db.SourceAPI,
			Type:    db.EventSkillRouterFallback,
			Message: routeReason,
			Payload: map[string]any{"selected_skill": skill.Descriptor().Code},
		})
		if err != nil {
			return nil, err
		}
	}

	metrics.JobsCreated.WithLabelValues(job.SelectedSkill).Inc()
	return job, nil
}

// StartJob verifies the runtime is reachable, moves the job to queued and
// submits the work queue task.
func (s *Service) StartJob(ctx context.Context, jobID string) (*db.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != db.StatusCreated && job.Status != db.StatusFailed {
		return nil, conflict(fmt.Sprintf("job cannot be started from status=%s", job.Status))
	}

	if _, err := s.agent.Health(ctx); err != nil {
		return nil, agentUnavailable(err.Error())
	}

	if _, err := s.repo.SetStatus(ctx, jobID, db.StatusQueued, "", "", true); err != nil {
		return nil, err
	}

	taskID, err := s.queue.Enqueue(ctx, jobID)
	if err != nil {
		return nil, err
	}
	_, err = s.repo.AddEvent(ctx, repositories.EventParams{
		JobID:   jobID,
		Source:  db.SourceAPI,
		Type:    db.EventJobEnqueued,
		Status:  db.StatusQueued,
		Message: taskID,
		Payload: map[string]any{"task_id": taskID},
	})
	if err != nil {
		return nil, err
	}

	return s.repo.GetJob(ctx, jobID)
}

// AbortJob aborts the runtime session when one exists and marks the job
// aborted. A running executor observes the status and stops at its next
// checkpoint.
func (s *Service) AbortJob(ctx context.Context, jobID string) (*db.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.SessionID != "" {
		// Best effort: the runtime may already have dropped the session, and
		// the sticky aborted status stops the executor either way.
		if err := s.agent.AbortSession(ctx, job.WorkspaceDir, job.SessionID); err != nil {
			s.logger.Warn("remote session abort failed",
				zap.String("job_id", jobID), zap.String("session_id", job.SessionID), zap.Error(err))
		}
	}
	if _, err := s.repo.SetStatus(ctx, jobID, db.StatusAborted, "", "", true); err != nil {
		return nil, err
	}
	return s.repo.GetJob(ctx, jobID)
}

// GetJob returns the job row.
func (s *Service) GetJob(ctx context.Context, jobID string) (*db.Job, error) {
	return s.repo.GetJob(ctx, jobID)
}

// ListJobEvents returns events with id > afterID, oldest first, at most
// limit rows.
func (s *Service) ListJobEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]db.JobEvent, error) {
	return s.repo.ListEvents(ctx, jobID, afterID, limit)
}

// ListArtifacts returns the downloadable file rows of a job: outputs and the
// bundle. Inputs and logs are never listed.
func (s *Service) ListArtifacts(ctx context.Context, jobID string) ([]db.JobFile, error) {
	files, err := s.repo.ListJobFiles(ctx, jobID, "")
	if err != nil {
		return nil, err
	}
	artifacts := make([]db.JobFile, 0, len(files))
	for _, file := range files {
		if file.Category == db.CategoryOutput || file.Category == db.CategoryBundle {
			artifacts = append(artifacts, file)
		}
	}
	return artifacts, nil
}

// BundlePath returns the absolute path of the result bundle, verifying it
// still exists on disk.
func (s *Service) BundlePath(ctx context.Context, jobID string) (string, error) {
	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	if job.ResultBundlePath == "" {
		return "", notFound("bundle not generated yet")
	}
	if _, err := os.Stat(job.ResultBundlePath); err != nil {
		return "", notFound("bundle path missing on disk")
	}
	return job.ResultBundlePath, nil
}

// ArtifactPath resolves one artifact row to its file on disk. Only output
// and bundle rows are downloadable.
func (s *Service) ArtifactPath(ctx context.Context, jobID string, artifactID int64) (string, error) {
	artifact, err := s.repo.GetJobFile(ctx, artifactID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return "", notFound("artifact not found")
		}
		return "", err
	}
	if artifact.JobID != jobID {
		return "", notFound("artifact not found")
	}
	if artifact.Category != db.CategoryOutput && artifact.Category != db.CategoryBundle {
		return "", notFound("artifact category is not downloadable")
	}

	job, err := s.repo.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	path := filepath.Join(job.WorkspaceDir, filepath.FromSlash(artifact.RelativePath))
	if _, err := os.Stat(path); err != nil {
		return "", notFound("artifact file missing")
	}
	return path, nil
}

// SkillDetail is one catalog entry, optionally carrying the contract the
// skill would apply to a job created without one.
type SkillDetail struct {
	skills.Descriptor
	SampleOutputContract any `json:"sample_output_contract,omitempty"`
}

// ListSkills returns the registered skills, optionally filtered by task
// type.
func (s *Service) ListSkills(taskType string) []skills.Descriptor {
	descriptors := s.registry.Descriptors()
	if taskType == "" {
		return descriptors
	}
	filtered := make([]skills.Descriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		if desc.TaskType == taskType {
			filtered = append(filtered, desc)
		}
	}
	return filtered
}

// GetSkill returns one skill's descriptor plus the output contract from a
// sample execution plan.
func (s *Service) GetSkill(skillCode string) (*SkillDetail, error) {
	skill, err := s.registry.Get(skillCode)
	if err != nil {
		return nil, err
	}
	desc := skill.Descriptor()
	plan := skill.BuildExecutionPlan(skills.JobContext{
		JobID:         "sample",
		TenantID:      s.cfg.DefaultTenantID,
		Requirement:   "sample",
		WorkspaceDir:  filepath.Join(os.TempDir(), "sample"),
		SelectedSkill: desc.Code,
		Agent:         s.cfg.DefaultAgent,
	})
	return &SkillDetail{Descriptor: desc, SampleOutputContract: plan["output_contract"]}, nil
}

// CleanupExpiredWorkspaces removes the workspaces of terminal jobs older
// than the retention window and records the removal. It returns the number
// of workspaces deleted.
func (s *Service) CleanupExpiredWorkspaces(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-time.Duration(s.cfg.WorkspaceRetentionHours) * time.Hour)
	const batchSize = 100

	removed := 0
	for {
		jobs, err := s.repo.ListCleanableJobs(ctx, cutoff, batchSize)
		if err != nil {
			return removed, err
		}
		if len(jobs) == 0 {
			break
		}

		progressed := false
		for _, job := range jobs {
			if err := s.workspaces.Remove(job.ID); err != nil {
				s.logger.Warn("workspace removal failed",
					zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			if err := s.repo.ClearWorkspaceDir(ctx, job.ID); err != nil {
				s.logger.Warn("workspace cleanup bookkeeping failed",
					zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
			removed++
			progressed = true
		}
		if !progressed || len(jobs) < batchSize {
			break
		}
	}

	if removed > 0 {
		s.logger.Info("expired workspaces removed", zap.Int("count", removed))
	}
	return removed, nil
}

// RequirementHash folds the trimmed requirement text with the name and
// content digest of every file, sorted by filename, into one stable SHA-256.
// Two requests with the same hash are semantically the same work.
func RequirementHash(requirement string, files []UploadedFile) string {
	digest := sha256.New()
	digest.Write([]byte(strings.TrimSpace(requirement)))

	sorted := make([]UploadedFile, len(files))
	copy(sorted, files)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Filename < sorted[j].Filename })

	for _, file := range sorted {
		contentHash := sha256.Sum256(file.Content)
		digest.Write([]byte(file.Filename))
		digest.Write([]byte(hex.EncodeToString(contentHash[:])))
	}
	return hex.EncodeToString(digest.Sum(nil))
}

func marshalOrEmpty(v any) string {
	switch m := v.(type) {
	case nil:
		return ""
	case map[string]string:
		if len(m) == 0 {
			return ""
		}
	case map[string]any:
		if len(m) == 0 {
			return ""
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
