package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/waaall/opencode-agent/internal/metrics"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct.
type RouterConfig struct {
	Service   Service
	APIPrefix string
	Logger    *zap.Logger

	// CORSAllowedOrigins enables the CORS middleware when non-empty.
	CORSAllowedOrigins []string
}

// NewRouter builds and returns the fully configured Chi router. All business
// routes are registered under the configured prefix; health probes and the
// Prometheus endpoint also live at the root for load balancers and scrapers
// that do not know the prefix.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID echoes or assigns an X-Request-Id on every response.
	r.Use(RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	jobs := NewJobHandler(cfg.Service, cfg.APIPrefix, cfg.Logger)
	events := NewEventHandler(cfg.Service, cfg.Logger)
	skills := NewSkillHandler(cfg.Service, cfg.Logger)

	r.Get("/health", health)
	r.Get("/healthz", health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route(cfg.APIPrefix, func(r chi.Router) {
		r.Get("/health", health)
		r.Get("/healthz", health)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobs.Create)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", jobs.Get)
				r.Post("/start", jobs.Start)
				r.Post("/abort", jobs.Abort)
				r.Get("/events", events.Stream)
				r.Get("/artifacts", jobs.ListArtifacts)
				r.Get("/download", jobs.DownloadBundle)
				r.Get("/artifacts/{artifactID}/download", jobs.DownloadArtifact)
			})
		})

		r.Route("/skills", func(r chi.Router) {
			r.Get("/", skills.List)
			r.Get("/{code}", skills.Get)
		})
	})

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
