package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// SkillHandler serves the read-only skill catalog.
type SkillHandler struct {
	service Service
	logger  *zap.Logger
}

// NewSkillHandler creates a new SkillHandler.
func NewSkillHandler(service Service, logger *zap.Logger) *SkillHandler {
	return &SkillHandler{service: service, logger: logger.Named("skill_handler")}
}

// List handles GET /skills, optionally filtered with ?task_type=.
func (h *SkillHandler) List(w http.ResponseWriter, r *http.Request) {
	descriptors := h.service.ListSkills(r.URL.Query().Get("task_type"))
	Ok(w, envelope{"skills": descriptors})
}

// Get handles GET /skills/{code} and includes the output contract a job
// created without one would receive.
func (h *SkillHandler) Get(w http.ResponseWriter, r *http.Request) {
	detail, err := h.service.GetSkill(chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	Ok(w, detail)
}
