package executor_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/waaall/opencode-agent/internal/artifact"
	"github.com/waaall/opencode-agent/internal/config"
	"github.com/waaall/opencode-agent/internal/db"
	"github.com/waaall/opencode-agent/internal/executor"
	"github.com/waaall/opencode-agent/internal/opencode"
	"github.com/waaall/opencode-agent/internal/orchestrator"
	"github.com/waaall/opencode-agent/internal/policy"
	"github.com/waaall/opencode-agent/internal/repositories"
	"github.com/waaall/opencode-agent/internal/skills"
	"github.com/waaall/opencode-agent/internal/workspace"
)

type promptCall struct {
	sessionID string
	prompt    string
	agent     string
	model     map[string]string
}

type replyCall struct {
	requestID string
	reply     string
	message   string
}

// fakeAgent scripts the runtime: SessionStatus walks through states (the
// last one repeats), pending permissions stay listed until clearAfter
// replies have been sent.
type fakeAgent struct {
	mu sync.Mutex

	sessionID string
	createErr error
	titles    []string

	promptErr error
	prompts   []promptCall

	states          []opencode.SessionState
	statusCalls     int
	onSessionStatus func(call int)

	pending    []opencode.PermissionRequest
	clearAfter int
	replies    []replyCall

	lastMessage    []map[string]any
	lastMessageErr error

	aborted [][2]string
}

func (f *fakeAgent) Health(ctx context.Context) (map[string]any, error) {
	return map[string]any{"status": "ok"}, nil
}

func (f *fakeAgent) CreateSession(ctx context.Context, directory, title string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.titles = append(f.titles, title)
	return f.sessionID, nil
}

func (f *fakeAgent) PromptAsync(ctx context.Context, directory, sessionID, prompt, agent string, model map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return f.promptErr
	}
	f.prompts = append(f.prompts, promptCall{sessionID: sessionID, prompt: prompt, agent: agent, model: model})
	return nil
}

func (f *fakeAgent) ListPermissions(ctx context.Context, directory string) ([]opencode.PermissionRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]opencode.PermissionRequest, len(f.pending))
	copy(out, f.pending)
	return out, nil
}

func (f *fakeAgent) ReplyPermission(ctx context.Context, directory, requestID, reply, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, replyCall{requestID: requestID, reply: reply, message: message})
	if f.clearAfter > 0 && len(f.replies) >= f.clearAfter {
		f.pending = nil
	}
	return nil
}

func (f *fakeAgent) SessionStatus(ctx context.Context, directory string) (map[string]opencode.SessionState, error) {
	f.mu.Lock()
	f.statusCalls++
	call := f.statusCalls
	hook := f.onSessionStatus
	idx := call - 1
	if idx >= len(f.states) {
		idx = len(f.states) - 1
	}
	var state opencode.SessionState
	if idx >= 0 {
		state = f.states[idx]
	}
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if state.Type == "" {
		return map[string]opencode.SessionState{}, nil
	}
	return map[string]opencode.SessionState{f.sessionID: state}, nil
}

func (f *fakeAgent) LastMessages(ctx context.Context, directory, sessionID string, limit int) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastMessageErr != nil {
		return nil, f.lastMessageErr
	}
	return f.lastMessage, nil
}

func (f *fakeAgent) AbortSession(ctx context.Context, directory, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, [2]string{directory, sessionID})
	return nil
}

func (f *fakeAgent) abortedSessions() [][2]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][2]string, len(f.aborted))
	copy(out, f.aborted)
	return out
}

type fakeStream struct {
	events []opencode.Event
	next   int
}

func (s *fakeStream) Next() (*opencode.Event, error) {
	if s.next >= len(s.events) {
		return nil, io.EOF
	}
	event := s.events[s.next]
	s.next++
	return &event, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeStreams hands out one scripted stream per open; once the script is
// used up, every further open gets an immediately ending stream.
type fakeStreams struct {
	mu            sync.Mutex
	streams       []*fakeStream
	failFirstOpen bool
	opens         int
}

func (f *fakeStreams) OpenStream(ctx context.Context, directory string) (executor.EventStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.failFirstOpen && f.opens == 1 {
		return nil, &opencode.ConnectError{Op: "open event stream", Err: errors.New("connection refused")}
	}
	if len(f.streams) == 0 {
		return &fakeStream{}, nil
	}
	stream := f.streams[0]
	f.streams = f.streams[1:]
	return stream, nil
}

type noopQueue struct{}

func (noopQueue) Enqueue(ctx context.Context, jobID string) (string, error) {
	return "task-" + jobID, nil
}

type testEnv struct {
	cfg      *config.Config
	database *gorm.DB
	repo     repositories.JobRepository
	service  *orchestrator.Service
	agent    *fakeAgent
	streams  *fakeStreams
	exec     *executor.Executor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{
		APIPrefix:               "/api/v1",
		DataRoot:                t.TempDir(),
		WorkspaceRetentionHours: 72,
		MaxUploadFileSizeBytes:  1 << 20,
		DefaultAgent:            "build",
		SkillFallbackThreshold:  0.45,
		DefaultTenantID:         "default",
		DefaultCreatedBy:        "system",
		JobSoftTimeout:          30 * time.Second,
		JobHardTimeout:          60 * time.Second,
		PermissionWaitTimeout:   90 * time.Second,
	}

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "executor_test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	repo := repositories.NewJobRepository(database)
	registry := skills.NewRegistry()
	workspaces := workspace.NewManager(cfg.DataRoot, cfg.MaxUploadFileSizeBytes)
	agent := &fakeAgent{sessionID: "ses-1", states: []opencode.SessionState{{Type: "idle"}}}
	streams := &fakeStreams{}

	service := orchestrator.NewService(orchestrator.ServiceConfig{
		Config:     cfg,
		Repository: repo,
		Registry:   registry,
		Router:     skills.NewRouter(registry, cfg.SkillFallbackThreshold),
		Workspaces: workspaces,
		Agent:      agent,
		Queue:      noopQueue{},
		Logger:     zap.NewNop(),
	})

	exec := executor.New(executor.ExecutorConfig{
		Config:     cfg,
		Repository: repo,
		Registry:   registry,
		Workspaces: workspaces,
		Artifacts:  artifact.NewManager(),
		Agent:      agent,
		Streams:    streams,
		Policy:     policy.NewEngine(),
		Logger:     zap.NewNop(),
	})

	return &testEnv{
		cfg:      cfg,
		database: database,
		repo:     repo,
		service:  service,
		agent:    agent,
		streams:  streams,
		exec:     exec,
	}
}

func createAnalysisJob(t *testing.T, env *testEnv) *db.Job {
	t.Helper()
	job, err := env.service.CreateJob(context.Background(), orchestrator.CreateJobParams{
		Requirement: "analyze the uploaded csv dataset and produce a report",
		Files: []orchestrator.UploadedFile{{
			Filename:    "sales.csv",
			Content:     []byte("a,b\n1,2\n"),
			ContentType: "text/csv",
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "data-analysis", job.SelectedSkill)
	return job
}

func writeReport(t *testing.T, job *db.Job) {
	t.Helper()
	path := filepath.Join(job.WorkspaceDir, "outputs", "report.md")
	require.NoError(t, os.WriteFile(path, []byte("# Findings\n\ntotal: 3\n"), 0o644))
}

func eventTypes(t *testing.T, env *testEnv, jobID string) []string {
	t.Helper()
	events, err := env.repo.ListEvents(context.Background(), jobID, 0, 200)
	require.NoError(t, err)
	types := make([]string, len(events))
	for i, event := range events {
		types[i] = event.EventType
	}
	return types
}

func findEvent(t *testing.T, env *testEnv, jobID, eventType string) *db.JobEvent {
	t.Helper()
	events, err := env.repo.ListEvents(context.Background(), jobID, 0, 200)
	require.NoError(t, err)
	for i := range events {
		if events[i].EventType == eventType {
			return &events[i]
		}
	}
	return nil
}

func TestRunHappyPath(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	env.agent.states = []opencode.SessionState{
		{Type: "running"},
		{Type: "idle", Raw: map[string]any{"type": "idle"}},
	}
	env.agent.lastMessage = []map[string]any{{"role": "assistant", "text": "done, report written"}}
	env.streams.streams = []*fakeStream{{events: []opencode.Event{
		{Name: "session.updated", Data: map[string]any{"sessionID": "ses-1", "message": "working on it"}},
		{Name: "session.updated", Data: map[string]any{"sessionID": "other-session", "message": "not ours"}},
	}}}

	err := env.exec.Run(context.Background(), job.ID)
	require.NoError(t, err)

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, got.Status)
	assert.Equal(t, "ses-1", got.SessionID)
	assert.Empty(t, got.ErrorCode)
	assert.FileExists(t, got.ResultBundlePath)

	require.Len(t, env.agent.prompts, 1)
	assert.Equal(t, "ses-1", env.agent.prompts[0].sessionID)
	assert.Equal(t, "build", env.agent.prompts[0].agent)
	assert.Contains(t, env.agent.prompts[0].prompt, "outputs/report.md")
	assert.Equal(t, []string{"job-" + job.ID}, env.agent.titles)

	// One row per category: the uploaded input, the report, the bundle and
	// the archived last message.
	files, err := env.repo.ListJobFiles(context.Background(), job.ID, "")
	require.NoError(t, err)
	byCategory := map[db.FileCategory]string{}
	for _, row := range files {
		byCategory[row.Category] = row.RelativePath
	}
	assert.Len(t, files, 4)
	assert.Equal(t, "inputs/sales.csv", byCategory[db.CategoryInput])
	assert.Equal(t, "outputs/report.md", byCategory[db.CategoryOutput])
	assert.Equal(t, "bundle/result.zip", byCategory[db.CategoryBundle])
	assert.Equal(t, "logs/opencode-last-message.md", byCategory[db.CategoryLog])

	lastMessage, err := os.ReadFile(filepath.Join(job.WorkspaceDir, "logs", "opencode-last-message.md"))
	require.NoError(t, err)
	assert.Contains(t, string(lastMessage), `"role": "assistant"`)

	types := eventTypes(t, env, job.ID)
	assert.Contains(t, types, db.EventPromptSent)
	assert.Contains(t, types, db.EventSessionCreated)
	assert.Contains(t, types, db.EventSessionUpdated)

	// Only this session's stream traffic lands in the log.
	events, err := env.repo.ListEvents(context.Background(), job.ID, 0, 200)
	require.NoError(t, err)
	sawOurs := false
	for _, event := range events {
		assert.NotEqual(t, "not ours", event.Message)
		if event.Message == "working on it" {
			sawOurs = true
		}
	}
	assert.True(t, sawOurs)
}

func TestRunReturnsImmediatelyForAbortedJob(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	_, err := env.repo.SetStatus(context.Background(), job.ID, db.StatusAborted, "", "", true)
	require.NoError(t, err)

	require.NoError(t, env.exec.Run(context.Background(), job.ID))

	assert.Empty(t, env.agent.titles)
	assert.Empty(t, env.agent.prompts)
}

func TestRunAbortDuringWaitStopsSession(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)

	env.agent.states = []opencode.SessionState{{Type: "running"}}
	env.agent.onSessionStatus = func(call int) {
		if call == 1 {
			_, err := env.repo.SetStatus(context.Background(), job.ID, db.StatusAborted, "", "", true)
			require.NoError(t, err)
		}
	}
	// The abort is noticed at the next checkpoint, here the first stream
	// event belonging to the session.
	env.streams.streams = []*fakeStream{{events: []opencode.Event{
		{Name: "session.updated", Data: map[string]any{"sessionID": "ses-1"}},
	}}}

	require.NoError(t, env.exec.Run(context.Background(), job.ID))

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusAborted, got.Status)

	aborted := env.agent.abortedSessions()
	require.NotEmpty(t, aborted)
	assert.Equal(t, "ses-1", aborted[0][1])

	abortEvent := findEvent(t, env, job.ID, db.EventJobAborted)
	require.NotNil(t, abortEvent)
	assert.Equal(t, "job aborted", abortEvent.Message)

	types := eventTypes(t, env, job.ID)
	assert.NotContains(t, types, db.EventJobFailed)
}

func TestRunPermissionFlow(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	env.agent.states = []opencode.SessionState{
		{Type: "running"},
		{Type: "running"},
		{Type: "idle"},
	}
	env.agent.pending = []opencode.PermissionRequest{
		{ID: "perm-1", SessionID: "ses-1", Permission: "file_edit", Patterns: []string{"outputs/report.md"}},
		{ID: "perm-2", SessionID: "ses-1", Permission: "shell", Metadata: map[string]any{"command": "curl https://example.com"}},
	}
	// Two answer rounds before the runtime drops the requests, so the job
	// passes through waiting_approval and back.
	env.agent.clearAfter = 4

	require.NoError(t, env.exec.Run(context.Background(), job.ID))

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, got.Status)

	replyByRequest := map[string]string{}
	for _, reply := range env.agent.replies {
		replyByRequest[reply.requestID] = reply.reply
		if reply.requestID == "perm-2" {
			assert.Contains(t, reply.message, "dangerous command")
		}
	}
	assert.Equal(t, "once", replyByRequest["perm-1"])
	assert.Equal(t, "reject", replyByRequest["perm-2"])

	var actions []db.PermissionAction
	require.NoError(t, env.database.Where("job_id = ?", job.ID).Find(&actions).Error)
	assert.NotEmpty(t, actions)
	assert.Equal(t, "policy-engine", actions[0].Actor)

	sawWaiting, sawResumed := false, false
	events, err := env.repo.ListEvents(context.Background(), job.ID, 0, 200)
	require.NoError(t, err)
	for _, event := range events {
		if event.EventType != db.EventJobStatusChanged {
			continue
		}
		if event.Status == db.StatusWaitingApproval {
			sawWaiting = true
		}
		if sawWaiting && event.Status == db.StatusRunning {
			sawResumed = true
		}
	}
	assert.True(t, sawWaiting, "job should pass through waiting_approval")
	assert.True(t, sawResumed, "job should resume running after approval")

	replied := findEvent(t, env, job.ID, db.EventPermissionReplied)
	require.NotNil(t, replied)
}

func TestRunPermissionWaitTimeout(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)

	env.cfg.PermissionWaitTimeout = time.Millisecond
	env.agent.states = []opencode.SessionState{{Type: "running"}}
	env.agent.pending = []opencode.PermissionRequest{
		{ID: "perm-1", SessionID: "ses-1", Permission: "file_edit", Patterns: []string{"outputs/x.md"}},
	}
	// Never cleared, so the approval window runs out.
	env.agent.clearAfter = 0

	err := env.exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission waiting timeout")

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, "job_execution_failed", got.ErrorCode)
	assert.Contains(t, got.ErrorMessage, "permission waiting timeout")
}

func TestRunValidationFailureMarksJobFailed(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	// No outputs/report.md written.

	err := env.exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outputs/report.md")

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, "job_execution_failed", got.ErrorCode)

	failed := findEvent(t, env, job.ID, db.EventJobFailed)
	require.NotNil(t, failed)
	assert.Contains(t, failed.Message, "outputs/report.md")
}

func TestRunDetectsModifiedInput(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	inputPath := filepath.Join(job.WorkspaceDir, "inputs", "sales.csv")
	require.NoError(t, os.WriteFile(inputPath, []byte("tampered\n"), 0o644))

	err := env.exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input file modified unexpectedly: inputs/sales.csv")

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
}

func TestRunDetectsMissingInput(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	require.NoError(t, os.Remove(filepath.Join(job.WorkspaceDir, "inputs", "sales.csv")))

	err := env.exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input file missing: inputs/sales.csv")
}

func TestRunSoftTimeoutAbortsSession(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)

	env.cfg.JobSoftTimeout = 50 * time.Millisecond
	env.agent.states = []opencode.SessionState{{Type: "running"}}

	err := env.exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job execution timeout")

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Equal(t, "job execution timeout", got.ErrorMessage)

	aborted := env.agent.abortedSessions()
	require.NotEmpty(t, aborted)
	assert.Equal(t, "ses-1", aborted[0][1])
}

func TestRunStreamDisconnectIsRecordedNotFatal(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	env.agent.states = []opencode.SessionState{
		{Type: "running"},
		{Type: "idle"},
	}
	env.streams.failFirstOpen = true

	require.NoError(t, env.exec.Run(context.Background(), job.ID))

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, got.Status)

	disconnect := findEvent(t, env, job.ID, db.EventStreamDisconnected)
	require.NotNil(t, disconnect)
	assert.Contains(t, disconnect.Message, "connection refused")
}

func TestRunRecordsRetryState(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	env.agent.states = []opencode.SessionState{
		{Type: "retry", Message: "rate limited, retrying", Raw: map[string]any{"type": "retry"}},
		{Type: "idle"},
	}

	require.NoError(t, env.exec.Run(context.Background(), job.ID))

	retry := findEvent(t, env, job.ID, db.EventSessionRetry)
	require.NotNil(t, retry)
	assert.Equal(t, "rate limited, retrying", retry.Message)
	assert.Equal(t, db.SourceOpencode, retry.Source)
}

func TestRunSessionCreateFailureSurfacesTransientError(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)

	env.agent.createErr = &opencode.ConnectError{Op: "session.create", Err: errors.New("connection refused")}

	err := env.exec.Run(context.Background(), job.ID)
	require.Error(t, err)
	assert.True(t, opencode.IsTransient(err), "connect errors must stay recognizable for the retry policy")

	got, getErr := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, db.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "connection refused")
}

func TestRunLastMessageFailureIsRecordedNotFatal(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)
	writeReport(t, job)

	env.agent.lastMessageErr = &opencode.ConnectError{Op: "session.messages", Err: errors.New("connection reset")}

	require.NoError(t, env.exec.Run(context.Background(), job.ID))

	got, err := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusSucceeded, got.Status)

	readFailed := findEvent(t, env, job.ID, db.EventLastMessageReadFailed)
	require.NotNil(t, readFailed)
	assert.Contains(t, readFailed.Message, "connection reset")

	// No log artifact when the message could not be fetched.
	files, err := env.repo.ListJobFiles(context.Background(), job.ID, db.CategoryLog)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestRunShutdownLeavesJobResumable(t *testing.T) {
	env := newTestEnv(t)
	job := createAnalysisJob(t, env)

	ctx, cancel := context.WithCancel(context.Background())
	env.agent.states = []opencode.SessionState{{Type: "running"}}
	env.agent.onSessionStatus = func(call int) {
		if call == 2 {
			cancel()
		}
	}

	err := env.exec.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	// The job is left mid-flight, not failed, so a redelivery can pick it
	// back up.
	got, getErr := env.repo.GetJob(context.Background(), job.ID)
	require.NoError(t, getErr)
	assert.Equal(t, db.StatusRunning, got.Status)
}
