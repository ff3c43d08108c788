package db

import "time"

// JobStatus is the lifecycle state of a job. The executor walks
// created -> queued -> running -> (waiting_approval <-> running)* ->
// verifying -> packaging -> succeeded, with failed and aborted reachable from
// any non-terminal state. Transitions are enforced by the repository:
// aborted is write-once and refuses every later overwrite.
type JobStatus string

const (
	StatusCreated         JobStatus = "created"
	StatusQueued          JobStatus = "queued"
	StatusRunning         JobStatus = "running"
	StatusWaitingApproval JobStatus = "waiting_approval"
	StatusVerifying       JobStatus = "verifying"
	StatusPackaging       JobStatus = "packaging"
	StatusSucceeded       JobStatus = "succeeded"
	StatusFailed          JobStatus = "failed"
	StatusAborted         JobStatus = "aborted"
)

// Terminal reports whether no further status transition is expected.
func (s JobStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// FileCategory classifies a JobFile row by its role in the workspace.
type FileCategory string

const (
	CategoryInput  FileCategory = "input"
	CategoryOutput FileCategory = "output"
	CategoryBundle FileCategory = "bundle"
	CategoryLog    FileCategory = "log"
)

// EventSource identifies which side of the system appended a JobEvent.
type EventSource string

const (
	SourceAPI      EventSource = "api"
	SourceWorker   EventSource = "worker"
	SourceOpencode EventSource = "opencode"
)

// Event types appended by the orchestrator, the repository and the executor.
// Raw runtime events persisted from the SSE stream keep whatever name the
// runtime sent ("session.*", "permission.*").
const (
	EventJobCreated            = "job.created"
	EventJobStatusChanged      = "job.status.changed"
	EventJobEnqueued           = "job.enqueued"
	EventJobAborted            = "job.aborted"
	EventJobFailed             = "job.failed"
	EventSessionCreated        = "opencode.session.created"
	EventPromptSent            = "opencode.prompt_async.sent"
	EventStreamDisconnected    = "opencode.event.stream.disconnected"
	EventPermissionReplied     = "permission.replied"
	EventSessionUpdated        = "session.updated"
	EventSessionRetry          = "session.retry"
	EventSkillRouterFallback   = "skill.router.fallback"
	EventLastMessageReadFailed = "opencode.last_message.read.failed"
)

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job is one orchestration request: a requirement plus input files, routed to
// a skill and executed against the opencode runtime inside its own workspace.
// The ID is a UUID string assigned by the orchestrator before the workspace
// is created, so the workspace directory name and the row key always match.
//
// ModelJSON and OutputContractJSON carry client-provided JSON verbatim; the
// executor parses them on demand. Empty string means "not provided".
type Job struct {
	ID                 string    `gorm:"type:varchar(64);primaryKey"`
	TenantID           string    `gorm:"not null;index;default:'default'"`
	Status             JobStatus `gorm:"not null;index;default:'created'"`
	SessionID          string    `gorm:"default:''"` // bound once the runtime session exists
	WorkspaceDir       string    `gorm:"not null"`
	RequirementText    string    `gorm:"type:text;not null"`
	SelectedSkill      string    `gorm:"not null"`
	Agent              string    `gorm:"not null;default:'build'"`
	ModelJSON          string    `gorm:"type:text;default:''"`
	OutputContractJSON string    `gorm:"type:text;default:''"`
	ErrorCode          string    `gorm:"default:''"`
	ErrorMessage       string    `gorm:"type:text;default:''"`
	CreatedBy          string    `gorm:"not null;default:'system'"`
	ResultBundlePath   string    `gorm:"default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// JobFile records one physical file under a job's workspace. Rows are unique
// per (job_id, category, relative_path); re-upserting the same path refreshes
// size, MIME and hash in place. SHA256 is the lowercase hex digest of the file
// content at insert time — the executor re-hashes input rows before
// validation and fails the job on any mismatch.
type JobFile struct {
	ID           int64        `gorm:"primaryKey;autoIncrement"`
	JobID        string       `gorm:"type:varchar(64);not null;uniqueIndex:idx_job_files_identity"`
	Category     FileCategory `gorm:"not null;uniqueIndex:idx_job_files_identity"`
	RelativePath string       `gorm:"not null;uniqueIndex:idx_job_files_identity"`
	MimeType     string       `gorm:"default:''"`
	SizeBytes    int64        `gorm:"not null;default:0"`
	SHA256       string       `gorm:"column:sha256;type:varchar(64);not null"`
	CreatedAt    time.Time    `gorm:"not null"`
}

// JobEvent is one entry of the append-only per-job event log. IDs are assigned
// by the database and strictly increase per job; clients resume SSE streams
// with an after_id cursor. Status is an optional snapshot of the job status at
// append time. PayloadJSON holds the marshaled payload object, empty when the
// event carries none.
type JobEvent struct {
	ID          int64       `gorm:"primaryKey;autoIncrement"`
	JobID       string      `gorm:"type:varchar(64);not null;index"`
	Status      JobStatus   `gorm:"default:''"`
	Source      EventSource `gorm:"not null"`
	EventType   string      `gorm:"not null"`
	Message     string      `gorm:"type:text;default:''"`
	PayloadJSON string      `gorm:"type:text;default:''"`
	CreatedAt   time.Time   `gorm:"not null"`
}

// PermissionAction is the audit row written for every automatic reply to a
// runtime permission request.
type PermissionAction struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	JobID     string    `gorm:"type:varchar(64);not null;index"`
	RequestID string    `gorm:"not null"`
	Action    string    `gorm:"not null"` // "once", "always" or "reject"
	Actor     string    `gorm:"not null;default:'policy-engine'"`
	CreatedAt time.Time `gorm:"not null"`
}

// IdempotencyRecord maps (tenant, idempotency key, requirement hash) to the
// job created for that triple. The unique index makes replayed creates
// race-safe: the loser of a concurrent insert sees a constraint violation,
// re-reads, and returns the winner's job.
type IdempotencyRecord struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	TenantID        string    `gorm:"not null;uniqueIndex:idx_idempotency_identity"`
	IdempotencyKey  string    `gorm:"not null;uniqueIndex:idx_idempotency_identity"`
	RequirementHash string    `gorm:"type:varchar(64);not null;uniqueIndex:idx_idempotency_identity"`
	JobID           string    `gorm:"type:varchar(64);not null"`
	CreatedAt       time.Time `gorm:"not null"`
}
