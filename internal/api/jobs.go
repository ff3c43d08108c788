package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/db"
	"github.com/waaall/opencode-agent/internal/orchestrator"
	"github.com/waaall/opencode-agent/internal/skills"
)

// maxMultipartMemory is the in-memory threshold for multipart parsing;
// larger uploads spill to temp files.
const maxMultipartMemory = 32 << 20

// Service is the slice of the orchestrator consumed by the HTTP handlers.
type Service interface {
	CreateJob(ctx context.Context, params orchestrator.CreateJobParams) (*db.Job, error)
	StartJob(ctx context.Context, jobID string) (*db.Job, error)
	AbortJob(ctx context.Context, jobID string) (*db.Job, error)
	GetJob(ctx context.Context, jobID string) (*db.Job, error)
	ListJobEvents(ctx context.Context, jobID string, afterID int64, limit int) ([]db.JobEvent, error)
	ListArtifacts(ctx context.Context, jobID string) ([]db.JobFile, error)
	BundlePath(ctx context.Context, jobID string) (string, error)
	ArtifactPath(ctx context.Context, jobID string, artifactID int64) (string, error)
	ListSkills(taskType string) []skills.Descriptor
	GetSkill(code string) (*orchestrator.SkillDetail, error)
}

// JobHandler groups the job lifecycle and artifact handlers.
type JobHandler struct {
	service   Service
	apiPrefix string
	logger    *zap.Logger
}

// NewJobHandler creates a new JobHandler. apiPrefix is used to compute
// download URLs in responses.
func NewJobHandler(service Service, apiPrefix string, logger *zap.Logger) *JobHandler {
	return &JobHandler{
		service:   service,
		apiPrefix: apiPrefix,
		logger:    logger.Named("job_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// jobCreatedResponse is the minimal view returned on creation and start.
type jobCreatedResponse struct {
	JobID         string `json:"job_id"`
	Status        string `json:"status"`
	SelectedSkill string `json:"selected_skill,omitempty"`
}

// jobResponse is the full JSON representation of a job.
type jobResponse struct {
	ID            string `json:"id"`
	TenantID      string `json:"tenant_id"`
	Status        string `json:"status"`
	SelectedSkill string `json:"selected_skill"`
	Agent         string `json:"agent"`
	Requirement   string `json:"requirement"`
	SessionID     string `json:"session_id,omitempty"`
	ErrorCode     string `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	CreatedBy     string `json:"created_by"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
	DownloadURL   string `json:"download_url,omitempty"`
}

// artifactResponse is one downloadable file row.
type artifactResponse struct {
	ID           int64  `json:"id"`
	Category     string `json:"category"`
	RelativePath string `json:"relative_path"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes"`
	SHA256       string `json:"sha256"`
	CreatedAt    string `json:"created_at"`
	DownloadURL  string `json:"download_url"`
}

func (h *JobHandler) toJobResponse(job *db.Job) jobResponse {
	resp := jobResponse{
		ID:            job.ID,
		TenantID:      job.TenantID,
		Status:        string(job.Status),
		SelectedSkill: job.SelectedSkill,
		Agent:         job.Agent,
		Requirement:   job.RequirementText,
		SessionID:     job.SessionID,
		ErrorCode:     job.ErrorCode,
		ErrorMessage:  job.ErrorMessage,
		CreatedBy:     job.CreatedBy,
		CreatedAt:     job.CreatedAt.UTC().Format(timeFormat),
		UpdatedAt:     job.UpdatedAt.UTC().Format(timeFormat),
	}
	if job.ResultBundlePath != "" {
		resp.DownloadURL = fmt.Sprintf("%s/jobs/%s/download", h.apiPrefix, job.ID)
	}
	return resp
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// Create handles POST /jobs. The body is multipart/form-data with a
// "requirement" field, one or more "files" parts and the optional fields
// skill_code, agent, model_provider_id, model_id, output_contract and
// idempotency_key.
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		ErrBadRequest(w, "invalid multipart body: "+err.Error())
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	providerID := r.FormValue("model_provider_id")
	modelID := r.FormValue("model_id")
	if (providerID == "") != (modelID == "") {
		ErrBadRequest(w, "model_provider_id and model_id must be provided together")
		return
	}
	var model map[string]string
	if providerID != "" {
		model = map[string]string{"providerID": providerID, "modelID": modelID}
	}

	var contract map[string]any
	if raw := r.FormValue("output_contract"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &contract); err != nil {
			ErrBadRequest(w, "invalid output_contract JSON: "+err.Error())
			return
		}
	}

	files, err := readUploadedFiles(r)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	job, err := h.service.CreateJob(r.Context(), orchestrator.CreateJobParams{
		Requirement:    r.FormValue("requirement"),
		Files:          files,
		SkillCode:      r.FormValue("skill_code"),
		Agent:          r.FormValue("agent"),
		Model:          model,
		OutputContract: contract,
		IdempotencyKey: r.FormValue("idempotency_key"),
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	Created(w, jobCreatedResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		SelectedSkill: job.SelectedSkill,
	})
}

// readUploadedFiles drains every "files" part into memory. Multipart keys
// "files" and "files[]" are both accepted.
func readUploadedFiles(r *http.Request) ([]orchestrator.UploadedFile, error) {
	var files []orchestrator.UploadedFile
	for _, key := range []string{"files", "files[]"} {
		for _, header := range r.MultipartForm.File[key] {
			part, err := header.Open()
			if err != nil {
				return nil, fmt.Errorf("read upload %q: %w", header.Filename, err)
			}
			content, err := io.ReadAll(part)
			_ = part.Close()
			if err != nil {
				return nil, fmt.Errorf("read upload %q: %w", header.Filename, err)
			}
			files = append(files, orchestrator.UploadedFile{
				Filename:    header.Filename,
				Content:     content,
				ContentType: header.Header.Get("Content-Type"),
			})
		}
	}
	return files, nil
}

// Start handles POST /jobs/{jobID}/start.
func (h *JobHandler) Start(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.service.StartJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, jobCreatedResponse{JobID: job.ID, Status: string(job.Status)})
}

// Get handles GET /jobs/{jobID}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, h.toJobResponse(job))
}

// Abort handles POST /jobs/{jobID}/abort.
func (h *JobHandler) Abort(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := h.service.AbortJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, h.toJobResponse(job))
}

// ListArtifacts handles GET /jobs/{jobID}/artifacts. Only output and bundle
// rows are listed; inputs and logs are not exposed.
func (h *JobHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := h.service.GetJob(r.Context(), jobID); err != nil {
		writeServiceError(w, err)
		return
	}
	artifacts, err := h.service.ListArtifacts(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := make([]artifactResponse, 0, len(artifacts))
	for _, artifact := range artifacts {
		resp = append(resp, artifactResponse{
			ID:           artifact.ID,
			Category:     string(artifact.Category),
			RelativePath: artifact.RelativePath,
			MimeType:     artifact.MimeType,
			SizeBytes:    artifact.SizeBytes,
			SHA256:       artifact.SHA256,
			CreatedAt:    artifact.CreatedAt.UTC().Format(timeFormat),
			DownloadURL:  fmt.Sprintf("%s/jobs/%s/artifacts/%d/download", h.apiPrefix, jobID, artifact.ID),
		})
	}
	Ok(w, envelope{"artifacts": resp})
}

// DownloadBundle handles GET /jobs/{jobID}/download and streams the zipped
// deliverable.
func (h *JobHandler) DownloadBundle(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	path, err := h.service.BundlePath(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="result.zip"`)
	http.ServeFile(w, r, path)
}

// DownloadArtifact handles GET /jobs/{jobID}/artifacts/{artifactID}/download.
func (h *JobHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	artifactID, err := strconv.ParseInt(chi.URLParam(r, "artifactID"), 10, 64)
	if err != nil {
		ErrNotFound(w, "artifact not found")
		return
	}
	path, err := h.service.ArtifactPath(r.Context(), jobID, artifactID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	http.ServeFile(w, r, path)
}
