package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/waaall/opencode-agent/internal/db"
)

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db *gorm.DB
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(db *gorm.DB) JobRepository {
	return &gormJobRepository{db: db}
}

// CreateJob inserts the job and everything that belongs to it in one
// transaction. The idempotency triple is checked again inside the transaction
// so that two racing creates cannot both insert; the loser of a race that
// slips past the in-transaction check hits the unique index, and the fallback
// lookup below returns the winner's job instead of an error.
func (r *gormJobRepository) CreateJob(ctx context.Context, params CreateJobParams) (*db.Job, error) {
	var result *db.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if params.IdempotencyKey != "" {
			existing, err := getByIdempotency(tx, params.TenantID, params.IdempotencyKey, params.RequirementHash)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if existing != nil {
				result = existing
				return nil
			}
		}

		job := &db.Job{
			ID:                 params.JobID,
			TenantID:           params.TenantID,
			Status:             db.StatusCreated,
			WorkspaceDir:       params.WorkspaceDir,
			RequirementText:    params.RequirementText,
			SelectedSkill:      params.SelectedSkill,
			Agent:              params.Agent,
			ModelJSON:          params.ModelJSON,
			OutputContractJSON: params.OutputContractJSON,
			CreatedBy:          params.CreatedBy,
		}
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("jobs: create: %w", err)
		}

		for _, f := range params.InputFiles {
			row := &db.JobFile{
				JobID:        params.JobID,
				Category:     db.CategoryInput,
				RelativePath: f.RelativePath,
				MimeType:     f.MimeType,
				SizeBytes:    f.SizeBytes,
				SHA256:       f.SHA256,
			}
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("jobs: create input file row: %w", err)
			}
		}

		if params.IdempotencyKey != "" {
			rec := &db.IdempotencyRecord{
				TenantID:        params.TenantID,
				IdempotencyKey:  params.IdempotencyKey,
				RequirementHash: params.RequirementHash,
				JobID:           params.JobID,
			}
			if err := tx.Create(rec).Error; err != nil {
				return fmt.Errorf("jobs: create idempotency record: %w", err)
			}
		}

		if _, err := appendEvent(tx, EventParams{
			JobID:   params.JobID,
			Source:  db.SourceAPI,
			Type:    db.EventJobCreated,
			Status:  db.StatusCreated,
			Message: "job created",
			Payload: map[string]any{"selected_skill": params.SelectedSkill},
		}); err != nil {
			return err
		}

		result = job
		return nil
	})
	if err != nil {
		if params.IdempotencyKey != "" {
			if existing, lookupErr := r.GetJobByIdempotency(ctx, params.TenantID, params.IdempotencyKey, params.RequirementHash); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	return result, nil
}

// GetJob retrieves a job by its ID. Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetJob(ctx context.Context, id string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetJobByIdempotency resolves the job previously created for the given
// (tenant, key, requirement hash) triple. Returns ErrNotFound when the triple
// has never been used.
func (r *gormJobRepository) GetJobByIdempotency(ctx context.Context, tenantID, key, requirementHash string) (*db.Job, error) {
	return getByIdempotency(r.db.WithContext(ctx), tenantID, key, requirementHash)
}

func getByIdempotency(tx *gorm.DB, tenantID, key, requirementHash string) (*db.Job, error) {
	var rec db.IdempotencyRecord
	err := tx.First(&rec,
		"tenant_id = ? AND idempotency_key = ? AND requirement_hash = ?",
		tenantID, key, requirementHash,
	).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get idempotency record: %w", err)
	}

	var job db.Job
	if err := tx.First(&job, "id = ?", rec.JobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get job for idempotency record: %w", err)
	}
	return &job, nil
}

// SetStatus updates the job status and error fields. The WHERE clause makes
// the abort stickiness race-free: an aborted job matches only when the new
// status is aborted again, so a concurrent abort can never be overwritten no
// matter how the executor and the API interleave. changed=false with a nil
// error means the update was refused.
func (r *gormJobRepository) SetStatus(ctx context.Context, jobID string, status db.JobStatus, errorCode, errorMessage string, emitEvent bool) (bool, error) {
	changed := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Job{}).
			Where("id = ? AND (status <> ? OR ? = ?)", jobID, db.StatusAborted, status, db.StatusAborted).
			Updates(map[string]interface{}{
				"status":        status,
				"error_code":    errorCode,
				"error_message": errorMessage,
			})
		if result.Error != nil {
			return fmt.Errorf("jobs: set status: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Either the job does not exist or it is aborted and refuses the
			// overwrite. Look it up once to tell the two apart.
			var job db.Job
			if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return ErrNotFound
				}
				return fmt.Errorf("jobs: set status lookup: %w", err)
			}
			return nil
		}

		changed = true
		if emitEvent {
			if _, err := appendEvent(tx, EventParams{
				JobID:   jobID,
				Source:  db.SourceWorker,
				Type:    db.EventJobStatusChanged,
				Status:  status,
				Message: string(status),
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

// SetSessionID binds the runtime session id to the job and appends the
// "opencode.session.created" event in the same transaction.
func (r *gormJobRepository) SetSessionID(ctx context.Context, jobID, sessionID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.Job{}).
			Where("id = ?", jobID).
			Update("session_id", sessionID)
		if result.Error != nil {
			return fmt.Errorf("jobs: set session id: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}

		_, err := appendEvent(tx, EventParams{
			JobID:   jobID,
			Source:  db.SourceWorker,
			Type:    db.EventSessionCreated,
			Message: sessionID,
			Payload: map[string]any{"session_id": sessionID},
		})
		return err
	})
}

// SetResultBundle records the path of the generated bundle archive.
func (r *gormJobRepository) SetResultBundle(ctx context.Context, jobID, bundlePath string) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", jobID).
		Update("result_bundle_path", bundlePath)
	if result.Error != nil {
		return fmt.Errorf("jobs: set result bundle: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AddEvent appends a single event row and returns it with its assigned id.
func (r *gormJobRepository) AddEvent(ctx context.Context, params EventParams) (*db.JobEvent, error) {
	return appendEvent(r.db.WithContext(ctx), params)
}

// appendEvent is the shared insert used both standalone and inside
// transactions, so status updates and their events commit atomically.
func appendEvent(tx *gorm.DB, params EventParams) (*db.JobEvent, error) {
	payloadJSON := ""
	if params.Payload != nil {
		raw, err := json.Marshal(params.Payload)
		if err != nil {
			return nil, fmt.Errorf("jobs: marshal event payload: %w", err)
		}
		payloadJSON = string(raw)
	}

	event := &db.JobEvent{
		JobID:       params.JobID,
		Status:      params.Status,
		Source:      params.Source,
		EventType:   params.Type,
		Message:     params.Message,
		PayloadJSON: payloadJSON,
	}
	if err := tx.Create(event).Error; err != nil {
		return nil, fmt.Errorf("jobs: append event: %w", err)
	}
	return event, nil
}

// ListEvents returns the events with id greater than afterID in ascending id
// order. The id sequence is the single source of ordering truth for the SSE
// feed; limit defaults to 200 when non-positive.
func (r *gormJobRepository) ListEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]db.JobEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	var events []db.JobEvent
	if err := r.db.WithContext(ctx).
		Where("job_id = ? AND id > ?", jobID, afterID).
		Order("id ASC").
		Limit(limit).
		Find(&events).Error; err != nil {
		return nil, fmt.Errorf("jobs: list events: %w", err)
	}
	return events, nil
}

// AddPermissionAction writes the audit row for one automatic permission reply.
func (r *gormJobRepository) AddPermissionAction(ctx context.Context, jobID, requestID, action, actor string) error {
	if actor == "" {
		actor = "policy-engine"
	}
	row := &db.PermissionAction{
		JobID:     jobID,
		RequestID: requestID,
		Action:    action,
		Actor:     actor,
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("jobs: add permission action: %w", err)
	}
	return nil
}

// UpsertJobFile inserts the file row or refreshes size, MIME type and hash
// when (job, category, relative path) already exists. Repeated packaging runs
// therefore leave exactly one row per path with the latest metadata.
func (r *gormJobRepository) UpsertJobFile(ctx context.Context, params UpsertFileParams) (*db.JobFile, error) {
	var row db.JobFile

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.First(&row,
			"job_id = ? AND category = ? AND relative_path = ?",
			params.JobID, params.Category, params.RelativePath,
		).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("jobs: upsert file lookup: %w", err)
			}
			row = db.JobFile{
				JobID:        params.JobID,
				Category:     params.Category,
				RelativePath: params.RelativePath,
				MimeType:     params.MimeType,
				SizeBytes:    params.SizeBytes,
				SHA256:       params.SHA256,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("jobs: upsert file create: %w", err)
			}
			return nil
		}

		if err := tx.Model(&row).Updates(map[string]interface{}{
			"mime_type":  params.MimeType,
			"size_bytes": params.SizeBytes,
			"sha256":     params.SHA256,
		}).Error; err != nil {
			return fmt.Errorf("jobs: upsert file update: %w", err)
		}
		row.MimeType = params.MimeType
		row.SizeBytes = params.SizeBytes
		row.SHA256 = params.SHA256
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// ListJobFiles returns the job's file rows ordered by creation time ascending.
// An empty category returns every category.
func (r *gormJobRepository) ListJobFiles(ctx context.Context, jobID string, category db.FileCategory) ([]db.JobFile, error) {
	query := r.db.WithContext(ctx).Where("job_id = ?", jobID)
	if category != "" {
		query = query.Where("category = ?", category)
	}

	var files []db.JobFile
	if err := query.Order("created_at ASC, id ASC").Find(&files).Error; err != nil {
		return nil, fmt.Errorf("jobs: list files: %w", err)
	}
	return files, nil
}

// GetJobFile retrieves a single file row by its numeric id.
func (r *gormJobRepository) GetJobFile(ctx context.Context, fileID int64) (*db.JobFile, error) {
	var row db.JobFile
	err := r.db.WithContext(ctx).First(&row, "id = ?", fileID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get file by id: %w", err)
	}
	return &row, nil
}

// ListCleanableJobs returns terminal jobs whose workspace is still on disk
// and whose last update is older than cutoff, oldest first. The retention
// sweep walks these in batches.
func (r *gormJobRepository) ListCleanableJobs(ctx context.Context, cutoff time.Time, limit int) ([]db.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	terminal := []db.JobStatus{db.StatusSucceeded, db.StatusFailed, db.StatusAborted}

	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ? AND workspace_dir <> ''", terminal, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list cleanable: %w", err)
	}
	return jobs, nil
}

// ClearWorkspaceDir marks a job's workspace as removed from disk so the
// retention sweep never revisits it.
func (r *gormJobRepository) ClearWorkspaceDir(ctx context.Context, jobID string) error {
	result := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ?", jobID).
		Update("workspace_dir", "")
	if result.Error != nil {
		return fmt.Errorf("jobs: clear workspace dir: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
