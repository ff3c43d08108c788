package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/db"
	"github.com/waaall/opencode-agent/internal/metrics"
)

const (
	// eventBatchSize is how many rows one poll of the event log fetches.
	eventBatchSize = 200
	// eventPollInterval is the sleep between polls when the log is drained.
	eventPollInterval = time.Second
)

// eventView is the JSON shape of one event on the SSE feed. The id doubles as
// the resume cursor: clients reconnect with ?after_id=<id>.
type eventView struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Source    string          `json:"source"`
	Status    string          `json:"status,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// EventHandler streams a job's event log as server-sent events.
type EventHandler struct {
	service Service
	logger  *zap.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(service Service, logger *zap.Logger) *EventHandler {
	return &EventHandler{service: service, logger: logger.Named("event_handler")}
}

// Stream handles GET /jobs/{jobID}/events. It cursor-polls the event log and
// writes one "event:/data:" frame per row, with ": keep-alive" comments on
// idle ticks. The stream ends when the client disconnects or when the job is
// terminal and two consecutive polls came back empty, so the last events are
// never cut off.
func (h *EventHandler) Stream(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		ErrInternal(w)
		return
	}

	afterID := int64(0)
	if raw := r.URL.Query().Get("after_id"); raw != "" {
		if parsed, perr := strconv.ParseInt(raw, 10, 64); perr == nil && parsed > 0 {
			afterID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.EventStreamClients.Inc()
	defer metrics.EventStreamClients.Dec()

	logger := h.logger.With(zap.String("job_id", jobID))
	logger.Debug("event stream opened", zap.Int64("after_id", afterID))

	ctx := r.Context()
	emptyPollsSinceTerminal := 0
	for {
		events, err := h.service.ListJobEvents(ctx, jobID, afterID, eventBatchSize)
		if err != nil {
			logger.Warn("event poll failed", zap.Error(err))
			return
		}

		for i := range events {
			if werr := writeEventFrame(w, &events[i]); werr != nil {
				return
			}
			afterID = events[i].ID
		}
		if len(events) > 0 {
			flusher.Flush()
			emptyPollsSinceTerminal = 0
			continue
		}

		job, err = h.service.GetJob(ctx, jobID)
		if err != nil {
			logger.Warn("job poll failed", zap.Error(err))
			return
		}
		if job.Status.Terminal() {
			emptyPollsSinceTerminal++
			if emptyPollsSinceTerminal >= 2 {
				logger.Debug("event stream drained", zap.String("status", string(job.Status)))
				return
			}
		}

		if _, werr := fmt.Fprint(w, ": keep-alive\n\n"); werr != nil {
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case <-time.After(eventPollInterval):
		}
	}
}

// writeEventFrame renders one row as an SSE frame:
//
//	event: <type>
//	data: <json>
//	<blank line>
func writeEventFrame(w http.ResponseWriter, event *db.JobEvent) error {
	view := eventView{
		ID:        event.ID,
		Type:      event.EventType,
		Source:    string(event.Source),
		Status:    string(event.Status),
		Message:   event.Message,
		CreatedAt: event.CreatedAt.UTC().Format(timeFormat),
	}
	if event.PayloadJSON != "" {
		view.Payload = json.RawMessage(event.PayloadJSON)
	}
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
	return err
}
