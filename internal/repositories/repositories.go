package repositories

import (
	"context"
	"time"

	"github.com/waaall/opencode-agent/internal/db"
)

// CreateJobParams carries everything needed to persist a new job in one
// transaction. The caller (orchestrator) has already created the workspace,
// stored the input files and rendered the execution plan; this struct is the
// durable record of that work.
type CreateJobParams struct {
	JobID              string
	TenantID           string
	WorkspaceDir       string
	RequirementText    string
	SelectedSkill      string
	Agent              string
	ModelJSON          string
	OutputContractJSON string
	CreatedBy          string
	InputFiles         []InputFile
	IdempotencyKey     string
	RequirementHash    string
}

// InputFile describes one stored input file to be recorded alongside the job.
type InputFile struct {
	RelativePath string
	MimeType     string
	SizeBytes    int64
	SHA256       string
}

// EventParams describes one entry to append to a job's event log.
// Status is an optional snapshot of the job status at append time; Payload is
// marshaled to JSON before storage and may be nil.
type EventParams struct {
	JobID   string
	Source  db.EventSource
	Type    string
	Status  db.JobStatus
	Message string
	Payload map[string]any
}

// UpsertFileParams identifies and describes one workspace file row.
type UpsertFileParams struct {
	JobID        string
	Category     db.FileCategory
	RelativePath string
	MimeType     string
	SizeBytes    int64
	SHA256       string
}

// JobRepository is the durable store for jobs, their files, their event log,
// permission audit rows and idempotency records. Mutating methods that touch
// more than one row run inside a single transaction.
type JobRepository interface {
	// CreateJob inserts the job, its input file rows, the idempotency record
	// (when a key is given) and the initial "job.created" event in one
	// transaction. The idempotency triple is re-checked inside the transaction,
	// so a replayed create returns the previously created job instead of
	// inserting a duplicate.
	CreateJob(ctx context.Context, params CreateJobParams) (*db.Job, error)

	GetJob(ctx context.Context, id string) (*db.Job, error)
	GetJobByIdempotency(ctx context.Context, tenantID, key, requirementHash string) (*db.Job, error)

	// SetStatus updates the job status together with the error fields and
	// appends a "job.status.changed" event when emitEvent is true. It refuses
	// to overwrite a job that is already aborted with anything but aborted and
	// reports the refusal by returning changed=false — the executor treats
	// that as its abort signal.
	SetStatus(ctx context.Context, jobID string, status db.JobStatus, errorCode, errorMessage string, emitEvent bool) (bool, error)

	// SetSessionID binds the runtime session to the job and appends an
	// "opencode.session.created" event.
	SetSessionID(ctx context.Context, jobID, sessionID string) error

	SetResultBundle(ctx context.Context, jobID, bundlePath string) error

	AddEvent(ctx context.Context, params EventParams) (*db.JobEvent, error)

	// ListEvents returns events with id > afterID in ascending id order,
	// at most limit rows.
	ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]db.JobEvent, error)

	AddPermissionAction(ctx context.Context, jobID, requestID, action, actor string) error

	// UpsertJobFile inserts a file row or, when (job, category, relative path)
	// already exists, refreshes size, MIME type and hash in place.
	UpsertJobFile(ctx context.Context, params UpsertFileParams) (*db.JobFile, error)

	// ListJobFiles returns the job's file rows ordered by creation time.
	// An empty category returns all categories.
	ListJobFiles(ctx context.Context, jobID string, category db.FileCategory) ([]db.JobFile, error)

	GetJobFile(ctx context.Context, fileID int64) (*db.JobFile, error)

	// ListCleanableJobs returns terminal jobs last updated before cutoff whose
	// workspace has not been removed yet, oldest first, at most limit rows.
	ListCleanableJobs(ctx context.Context, cutoff time.Time, limit int) ([]db.Job, error)

	// ClearWorkspaceDir records that a job's workspace was removed from disk.
	ClearWorkspaceDir(ctx context.Context, jobID string) error
}
