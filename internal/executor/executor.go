// Package executor drives one job end to end against the opencode runtime:
// session creation, async prompting, permission handling, completion
// detection, output verification and bundle packaging. One Run call owns one
// job; the worker pool invokes Run once per queue delivery.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/artifact"
	"github.com/waaall/opencode-agent/internal/config"
	"github.com/waaall/opencode-agent/internal/db"
	"github.com/waaall/opencode-agent/internal/metrics"
	"github.com/waaall/opencode-agent/internal/opencode"
	"github.com/waaall/opencode-agent/internal/policy"
	"github.com/waaall/opencode-agent/internal/repositories"
	"github.com/waaall/opencode-agent/internal/skills"
	"github.com/waaall/opencode-agent/internal/workspace"
)

// ErrAborted is the internal control signal that the job was aborted while
// the executor was driving it. Run converts it into the aborted terminal
// state instead of a failure.
var ErrAborted = errors.New("job was aborted")

// statusPollInterval is how often the executor polls session status and
// pending permissions while waiting for completion.
const statusPollInterval = 2 * time.Second

// AgentClient is the runtime surface the executor drives.
type AgentClient interface {
	CreateSession(ctx context.Context, directory, title string) (string, error)
	PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model map[string]string) error
	ListPermissions(ctx context.Context, directory string) ([]opencode.PermissionRequest, error)
	ReplyPermission(ctx context.Context, directory, requestID, reply, message string) error
	SessionStatus(ctx context.Context, directory string) (map[string]opencode.SessionState, error)
	LastMessages(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error)
	AbortSession(ctx context.Context, directory, sessionID string) error
}

// EventStream is one open runtime event stream.
type EventStream interface {
	Next() (*opencode.Event, error)
	Close() error
}

// StreamOpener opens event streams scoped to a workspace directory.
type StreamOpener interface {
	OpenStream(ctx context.Context, directory string) (EventStream, error)
}

// StreamOpenerFunc adapts a function to StreamOpener.
type StreamOpenerFunc func(ctx context.Context, directory string) (EventStream, error)

func (f StreamOpenerFunc) OpenStream(ctx context.Context, directory string) (EventStream, error) {
	return f(ctx, directory)
}

// ExecutorConfig wires an Executor.
type ExecutorConfig struct {
	Config     *config.Config
	Repository repositories.JobRepository
	Registry   *skills.Registry
	Workspaces *workspace.Manager
	Artifacts  *artifact.Manager
	Agent      AgentClient
	Streams    StreamOpener
	Policy     *policy.Engine
	Logger     *zap.Logger
}

// Executor runs jobs. It is safe for concurrent use; each Run call is
// independent.
type Executor struct {
	cfg        *config.Config
	repo       repositories.JobRepository
	registry   *skills.Registry
	workspaces *workspace.Manager
	artifacts  *artifact.Manager
	agent      AgentClient
	streams    StreamOpener
	policy     *policy.Engine
	logger     *zap.Logger
}

// New returns an Executor over the given dependencies.
func New(cfg ExecutorConfig) *Executor {
	return &Executor{
		cfg:        cfg.Config,
		repo:       cfg.Repository,
		registry:   cfg.Registry,
		workspaces: cfg.Workspaces,
		artifacts:  cfg.Artifacts,
		agent:      cfg.Agent,
		streams:    cfg.Streams,
		policy:     cfg.Policy,
		logger:     cfg.Logger.Named("executor"),
	}
}

// runState is the per-run mutable wait state.
type runState struct {
	approvalStart  *time.Time
	lastStatusPoll time.Time
}

// Run executes the job and settles its terminal state. It returns nil for
// succeeded and aborted outcomes, ctx.Err() when interrupted by shutdown,
// and the failure cause otherwise so the queue can decide about retries.
func (e *Executor) Run(ctx context.Context, jobID string) error {
	start := time.Now()

	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == db.StatusAborted {
		// Cancelled before a worker picked the task up.
		return nil
	}

	logger := e.logger.With(zap.String("job_id", jobID), zap.String("skill", job.SelectedSkill))
	logger.Info("job execution started")

	err = e.execute(ctx, job)
	switch {
	case err == nil:
		metrics.JobsFinished.WithLabelValues(string(db.StatusSucceeded)).Inc()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
		logger.Info("job succeeded", zap.Duration("elapsed", time.Since(start)))
		return nil

	case errors.Is(err, ErrAborted):
		if _, setErr := e.repo.SetStatus(ctx, jobID, db.StatusAborted, "", "", true); setErr != nil {
			logger.Warn("abort status write failed", zap.Error(setErr))
		}
		if _, addErr := e.repo.AddEvent(ctx, repositories.EventParams{
			JobID:   jobID,
			Source:  db.SourceWorker,
			Type:    db.EventJobAborted,
			Status:  db.StatusAborted,
			Message: "job aborted",
		}); addErr != nil {
			logger.Warn("abort event write failed", zap.Error(addErr))
		}
		metrics.JobsFinished.WithLabelValues(string(db.StatusAborted)).Inc()
		logger.Info("job aborted", zap.Duration("elapsed", time.Since(start)))
		return nil

	case errors.Is(err, context.Canceled):
		// Shutdown, not an outcome. The delivery stays unacked and is
		// re-run by the next worker process.
		logger.Info("job execution interrupted by shutdown")
		return err

	default:
		if _, setErr := e.repo.SetStatus(ctx, jobID, db.StatusFailed, "job_execution_failed", err.Error(), true); setErr != nil {
			logger.Warn("failure status write failed", zap.Error(setErr))
		}
		if _, addErr := e.repo.AddEvent(ctx, repositories.EventParams{
			JobID:   jobID,
			Source:  db.SourceWorker,
			Type:    db.EventJobFailed,
			Status:  db.StatusFailed,
			Message: err.Error(),
		}); addErr != nil {
			logger.Warn("failure event write failed", zap.Error(addErr))
		}
		metrics.JobsFinished.WithLabelValues(string(db.StatusFailed)).Inc()
		metrics.JobDuration.Observe(time.Since(start).Seconds())
		logger.Warn("job failed", zap.Error(err))
		return err
	}
}

func (e *Executor) execute(ctx context.Context, job *db.Job) error {
	workspaceDir := job.WorkspaceDir

	inputRows, err := e.repo.ListJobFiles(ctx, job.ID, db.CategoryInput)
	if err != nil {
		return err
	}
	inputPaths := make([]string, len(inputRows))
	for i, row := range inputRows {
		inputPaths[i] = filepath.Join(workspaceDir, filepath.FromSlash(row.RelativePath))
	}

	jobCtx := skills.JobContext{
		JobID:          job.ID,
		TenantID:       job.TenantID,
		Requirement:    job.RequirementText,
		WorkspaceDir:   workspaceDir,
		InputFiles:     inputPaths,
		SelectedSkill:  job.SelectedSkill,
		Agent:          job.Agent,
		Model:          decodeModel(job.ModelJSON),
		OutputContract: decodeContract(job.OutputContractJSON),
	}
	skill, err := e.registry.Get(job.SelectedSkill)
	if err != nil {
		return err
	}

	if err := e.setStatusOrAbort(ctx, job.ID, db.StatusRunning); err != nil {
		return err
	}

	sessionID, err := e.agent.CreateSession(ctx, workspaceDir, "job-"+job.ID)
	if err != nil {
		return err
	}
	if err := e.repo.SetSessionID(ctx, job.ID, sessionID); err != nil {
		return err
	}
	if err := e.ensureNotAborted(ctx, job.ID, workspaceDir, sessionID); err != nil {
		return err
	}

	// The prompt is rendered from the plan persisted at creation time, so a
	// re-run of the same job sends the same instructions.
	plan, err := readExecutionPlan(workspaceDir)
	if err != nil {
		return err
	}
	prompt := skill.BuildPrompt(jobCtx, plan)
	if err := e.agent.PromptAsync(ctx, workspaceDir, sessionID, prompt, jobCtx.Agent, jobCtx.Model); err != nil {
		return err
	}
	if _, err := e.repo.AddEvent(ctx, repositories.EventParams{
		JobID:   job.ID,
		Source:  db.SourceWorker,
		Type:    db.EventPromptSent,
		Message: "prompt_async submitted",
	}); err != nil {
		return err
	}

	if err := e.waitForCompletion(ctx, job.ID, workspaceDir, sessionID); err != nil {
		return err
	}
	if err := e.ensureNotAborted(ctx, job.ID, workspaceDir, sessionID); err != nil {
		return err
	}

	if err := e.captureLastMessage(ctx, job.ID, workspaceDir, sessionID); err != nil {
		return err
	}

	if err := e.setStatusOrAbort(ctx, job.ID, db.StatusVerifying); err != nil {
		return err
	}
	if err := e.verifyInputsUnchanged(ctx, job.ID, workspaceDir); err != nil {
		return err
	}
	if err := skill.ValidateOutputs(jobCtx); err != nil {
		return err
	}

	if err := e.setStatusOrAbort(ctx, job.ID, db.StatusPackaging); err != nil {
		return err
	}
	if err := e.packageResults(ctx, job.ID, workspaceDir, sessionID); err != nil {
		return err
	}

	return e.setStatusOrAbort(ctx, job.ID, db.StatusSucceeded)
}

// waitForCompletion blocks until the session goes idle, the job is aborted,
// an approval wait or the soft timeout expires, or a non-recoverable error
// occurs. Stream reads and status polls run interleaved: short stream read
// timeouts return control so the poll can catch terminal states the stream
// missed.
func (e *Executor) waitForCompletion(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	deadline := time.Now().Add(e.cfg.JobSoftTimeout)
	run := &runState{}

	for time.Now().Before(deadline) {
		if err := e.ensureNotAborted(ctx, jobID, workspaceDir, sessionID); err != nil {
			return err
		}

		if time.Since(run.lastStatusPoll) >= statusPollInterval {
			done, err := e.syncCompletionState(ctx, run, jobID, workspaceDir, sessionID)
			run.lastStatusPoll = time.Now()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}

		done, err := e.consumeStream(ctx, run, jobID, workspaceDir, sessionID, deadline)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		done, err = e.syncCompletionState(ctx, run, jobID, workspaceDir, sessionID)
		run.lastStatusPoll = time.Now()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}

	// Stop the runtime side before giving up so it does not keep burning
	// tokens on a job nobody is waiting for.
	if err := e.agent.AbortSession(ctx, workspaceDir, sessionID); err != nil {
		e.logger.Debug("session abort after timeout failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
	return errors.New("job execution timeout")
}

// consumeStream reads one stream connection until it times out, ends or the
// wait finishes. Connection-level failures are recorded and absorbed; the
// caller falls back to status polling and reopens a fresh stream.
func (e *Executor) consumeStream(ctx context.Context, run *runState, jobID, workspaceDir, sessionID string, deadline time.Time) (bool, error) {
	stream, err := e.streams.OpenStream(ctx, workspaceDir)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		var connectErr *opencode.ConnectError
		if errors.As(err, &connectErr) {
			return false, e.recordDisconnect(ctx, jobID, err)
		}
		return false, err
	}
	defer stream.Close()

	for {
		event, err := stream.Next()
		if err != nil {
			if errors.Is(err, opencode.ErrReadTimeout) || errors.Is(err, io.EOF) {
				return false, nil
			}
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			var connectErr *opencode.ConnectError
			if errors.As(err, &connectErr) {
				return false, e.recordDisconnect(ctx, jobID, err)
			}
			return false, err
		}

		// The feed is global per directory; only this session's events count.
		if !opencode.PayloadHasSession(event.Data, sessionID) {
			continue
		}
		if err := e.ensureNotAborted(ctx, jobID, workspaceDir, sessionID); err != nil {
			return false, err
		}
		if err := e.recordStreamEvent(ctx, jobID, event); err != nil {
			return false, err
		}
		if strings.HasPrefix(event.Name, "permission.") {
			if err := e.processPermissions(ctx, jobID, workspaceDir); err != nil {
				return false, err
			}
		}

		if time.Since(run.lastStatusPoll) >= statusPollInterval {
			done, err := e.syncCompletionState(ctx, run, jobID, workspaceDir, sessionID)
			run.lastStatusPoll = time.Now()
			if err != nil {
				return false, err
			}
			if done {
				return true, nil
			}
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
	}
}

// syncCompletionState answers pending permissions, reads the session status
// and manages the waiting_approval window. It reports done=true once the
// session is idle.
func (e *Executor) syncCompletionState(ctx context.Context, run *runState, jobID, workspaceDir, sessionID string) (bool, error) {
	if err := e.processPermissions(ctx, jobID, workspaceDir); err != nil {
		return false, err
	}

	statusMap, err := e.agent.SessionStatus(ctx, workspaceDir)
	if err != nil {
		return false, err
	}
	state, known := statusMap[sessionID]

	if known && state.Type == "idle" {
		if _, err := e.repo.AddEvent(ctx, repositories.EventParams{
			JobID:   jobID,
			Source:  db.SourceOpencode,
			Type:    db.EventSessionUpdated,
			Message: "session idle",
			Payload: state.Raw,
		}); err != nil {
			return false, err
		}
		return true, nil
	}
	if known && state.Type == "retry" {
		if _, err := e.repo.AddEvent(ctx, repositories.EventParams{
			JobID:   jobID,
			Source:  db.SourceOpencode,
			Type:    db.EventSessionRetry,
			Message: state.Message,
			Payload: state.Raw,
		}); err != nil {
			return false, err
		}
	}

	pending, err := e.agent.ListPermissions(ctx, workspaceDir)
	if err != nil {
		return false, err
	}
	waiting := false
	for _, request := range pending {
		if request.SessionID == sessionID {
			waiting = true
			break
		}
	}

	if waiting {
		if run.approvalStart == nil {
			now := time.Now()
			run.approvalStart = &now
			if err := e.setStatusOrAbort(ctx, jobID, db.StatusWaitingApproval); err != nil {
				return false, err
			}
		} else if time.Since(*run.approvalStart) > e.cfg.PermissionWaitTimeout {
			return false, errors.New("permission waiting timeout")
		}
		return false, nil
	}

	run.approvalStart = nil
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status == db.StatusWaitingApproval {
		if err := e.setStatusOrAbort(ctx, jobID, db.StatusRunning); err != nil {
			return false, err
		}
	}
	return false, nil
}

// processPermissions replies to every pending permission request according
// to the policy engine and records both the audit row and an event.
func (e *Executor) processPermissions(ctx context.Context, jobID, workspaceDir string) error {
	requests, err := e.agent.ListPermissions(ctx, workspaceDir)
	if err != nil {
		return err
	}
	for _, request := range requests {
		if request.ID == "" {
			// A reply needs a target.
			continue
		}
		decision := e.policy.Decide(policy.Request{
			Permission: request.Permission,
			Patterns:   request.Patterns,
			Metadata:   request.Metadata,
		}, workspaceDir)

		if err := e.agent.ReplyPermission(ctx, workspaceDir, request.ID, decision.Reply, decision.Message); err != nil {
			return err
		}
		if err := e.repo.AddPermissionAction(ctx, jobID, request.ID, decision.Reply, "policy-engine"); err != nil {
			return err
		}
		if _, err := e.repo.AddEvent(ctx, repositories.EventParams{
			JobID:   jobID,
			Source:  db.SourceWorker,
			Type:    db.EventPermissionReplied,
			Message: request.ID + ":" + decision.Reply,
			Payload: map[string]any{"request_id": request.ID, "reply": decision.Reply},
		}); err != nil {
			return err
		}
		metrics.PermissionReplies.WithLabelValues(decision.Reply).Inc()
	}
	return nil
}

// recordStreamEvent persists session.* and permission.* stream events to the
// job's event log. Everything else is noise.
func (e *Executor) recordStreamEvent(ctx context.Context, jobID string, event *opencode.Event) error {
	if !strings.HasPrefix(event.Name, "session.") && !strings.HasPrefix(event.Name, "permission.") {
		return nil
	}

	var message string
	switch data := event.Data.(type) {
	case map[string]any:
		if v, ok := data["message"]; ok && v != nil {
			message = fmt.Sprintf("%v", v)
		} else if v, ok := data["type"]; ok {
			message = fmt.Sprintf("%v", v)
		}
	case string:
		message = data
	}

	_, err := e.repo.AddEvent(ctx, repositories.EventParams{
		JobID:   jobID,
		Source:  db.SourceOpencode,
		Type:    event.Name,
		Message: message,
		Payload: eventPayload(event.Data),
	})
	return err
}

func (e *Executor) recordDisconnect(ctx context.Context, jobID string, cause error) error {
	_, err := e.repo.AddEvent(ctx, repositories.EventParams{
		JobID:   jobID,
		Source:  db.SourceWorker,
		Type:    db.EventStreamDisconnected,
		Message: cause.Error(),
	})
	return err
}

// captureLastMessage archives the runtime's final message into the workspace
// log. Failures are recorded as an event, never as a job failure.
func (e *Executor) captureLastMessage(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	captureErr := func() error {
		messages, err := e.agent.LastMessages(ctx, workspaceDir, sessionID, 1)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return nil
		}
		rendered, err := encodeMessage(messages[0])
		if err != nil {
			return err
		}
		_, err = e.workspaces.WriteLastMessage(workspaceDir, rendered)
		return err
	}()
	if captureErr == nil {
		return nil
	}

	_, err := e.repo.AddEvent(ctx, repositories.EventParams{
		JobID:   jobID,
		Source:  db.SourceWorker,
		Type:    db.EventLastMessageReadFailed,
		Message: captureErr.Error(),
	})
	return err
}

// verifyInputsUnchanged re-hashes every input file against the digest
// recorded at upload time. The runtime works inside the workspace, so a
// mutated input means the run tampered with source data.
func (e *Executor) verifyInputsUnchanged(ctx context.Context, jobID, workspaceDir string) error {
	rows, err := e.repo.ListJobFiles(ctx, jobID, db.CategoryInput)
	if err != nil {
		return err
	}
	for _, row := range rows {
		path := filepath.Join(workspaceDir, filepath.FromSlash(row.RelativePath))
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("input file missing: %s", row.RelativePath)
		}
		sum, err := workspace.SHA256File(path)
		if err != nil {
			return err
		}
		if sum != row.SHA256 {
			return fmt.Errorf("input file modified unexpectedly: %s", row.RelativePath)
		}
	}
	return nil
}

// packageResults builds the bundle and upserts the output, bundle and log
// file rows. Upserts are by path, so re-running a job refreshes rows instead
// of duplicating them.
func (e *Executor) packageResults(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	bundlePath, _, err := e.artifacts.BuildBundle(workspaceDir, jobID, sessionID)
	if err != nil {
		return err
	}
	if err := e.repo.SetResultBundle(ctx, jobID, bundlePath); err != nil {
		return err
	}

	outputs, err := e.artifacts.CollectOutputEntries(workspaceDir)
	if err != nil {
		return err
	}
	for _, entry := range outputs {
		if _, err := e.repo.UpsertJobFile(ctx, repositories.UpsertFileParams{
			JobID:        jobID,
			Category:     db.CategoryOutput,
			RelativePath: entry.RelativePath,
			SizeBytes:    entry.SizeBytes,
			SHA256:       entry.SHA256,
		}); err != nil {
			return err
		}
	}

	bundleInfo, err := os.Stat(bundlePath)
	if err != nil {
		return err
	}
	bundleSHA, err := workspace.SHA256File(bundlePath)
	if err != nil {
		return err
	}
	bundleRel, err := filepath.Rel(workspaceDir, bundlePath)
	if err != nil {
		return err
	}
	if _, err := e.repo.UpsertJobFile(ctx, repositories.UpsertFileParams{
		JobID:        jobID,
		Category:     db.CategoryBundle,
		RelativePath: filepath.ToSlash(bundleRel),
		MimeType:     "application/zip",
		SizeBytes:    bundleInfo.Size(),
		SHA256:       bundleSHA,
	}); err != nil {
		return err
	}

	// The last-message log is an optional artifact.
	logPath := filepath.Join(workspaceDir, "logs", "opencode-last-message.md")
	if logInfo, err := os.Stat(logPath); err == nil {
		logSHA, err := workspace.SHA256File(logPath)
		if err != nil {
			return err
		}
		if _, err := e.repo.UpsertJobFile(ctx, repositories.UpsertFileParams{
			JobID:        jobID,
			Category:     db.CategoryLog,
			RelativePath: "logs/opencode-last-message.md",
			MimeType:     "text/markdown",
			SizeBytes:    logInfo.Size(),
			SHA256:       logSHA,
		}); err != nil {
			return err
		}
	}
	return nil
}

// setStatusOrAbort advances the job status. A refused write means the job
// was aborted concurrently.
func (e *Executor) setStatusOrAbort(ctx context.Context, jobID string, status db.JobStatus) error {
	changed, err := e.repo.SetStatus(ctx, jobID, status, "", "", true)
	if err != nil {
		return err
	}
	if !changed {
		return ErrAborted
	}
	return nil
}

// ensureNotAborted is the abort checkpoint between pipeline steps. On an
// aborted job it also tells the runtime to stop the session, best effort.
func (e *Executor) ensureNotAborted(ctx context.Context, jobID, workspaceDir, sessionID string) error {
	job, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != db.StatusAborted {
		return nil
	}
	if sessionID != "" {
		if err := e.agent.AbortSession(ctx, workspaceDir, sessionID); err != nil {
			e.logger.Debug("session abort on checkpoint failed",
				zap.String("job_id", jobID), zap.Error(err))
		}
	}
	return ErrAborted
}

func readExecutionPlan(workspaceDir string) (map[string]any, error) {
	raw, err := os.ReadFile(filepath.Join(workspaceDir, "job", "execution-plan.json"))
	if err != nil {
		return nil, fmt.Errorf("executor: read execution plan: %w", err)
	}
	var plan map[string]any
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("executor: decode execution plan: %w", err)
	}
	return plan, nil
}

// encodeMessage renders one runtime message as indented JSON without HTML
// escaping, matching the plan files the workspace already holds.
func encodeMessage(message map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(message); err != nil {
		return "", fmt.Errorf("executor: encode last message: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func eventPayload(data any) map[string]any {
	if data == nil {
		return nil
	}
	if m, ok := data.(map[string]any); ok {
		return m
	}
	return map[string]any{"data": data}
}

func decodeModel(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var model map[string]string
	if err := json.Unmarshal([]byte(raw), &model); err != nil {
		return nil
	}
	return model
}

func decodeContract(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var contract map[string]any
	if err := json.Unmarshal([]byte(raw), &contract); err != nil {
		return nil
	}
	return contract
}
