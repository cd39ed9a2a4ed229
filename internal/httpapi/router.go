// Package httpapi mounts the online service's HTTP surface per §6: the
// Gmail push webhook, the direct case-worker invocation endpoint the task
// queue calls, the SSE demo endpoint, and a health check, composing the
// middleware chain the same way the gateway router does.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/caseflow/caseflow/internal/httpapi/middleware"
)

// NewRouter returns a configured chi Router with the full middleware
// chain and every route from §6 mounted.
func NewRouter(cfg RouterConfig, log zerolog.Logger, h *Handlers) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))
	r.Use(middleware.WithTimeout(cfg.RequestTimeout))

	r.Get("/", h.Health)

	r.Group(func(r chi.Router) {
		if cfg.ProcessorToken != "" {
			r.Use(middleware.BearerAuth(log, cfg.ProcessorToken))
		}
		r.Post("/pubsub/gmail", h.PubSubGmail)
		r.Post("/process", h.Process)
	})

	r.Group(func(r chi.Router) {
		if cfg.DemoToken != "" {
			r.Use(middleware.BearerAuth(log, cfg.DemoToken))
		}
		r.Post("/process-demo", h.ProcessDemo)
	})

	return r
}

// RouterConfig carries the handful of knobs the router itself (as
// opposed to the handlers) needs.
type RouterConfig struct {
	MaxBodyBytes   int64
	RequestTimeout time.Duration
	// ProcessorToken, when non-empty, gates /pubsub/gmail and /process
	// behind the shared-secret bearer token the task queue and Pub/Sub
	// push subscription are configured to send.
	ProcessorToken string
	// DemoToken, when non-empty, gates /process-demo the same way. Left
	// empty for local/demo environments that want the SSE endpoint open.
	DemoToken string
}

// sharedValidator is reused across handlers the way the teacher reuses a
// single provider.Registry — struct-tag validation has no per-request
// state worth allocating fresh.
var sharedValidator = validator.New()
