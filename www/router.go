package www

import (
	"net/http"
	"time"

	"binedge/engine"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	engine   *engine.Engine
	sessions *sessionStore
	eventHub *EventHub
	started  time.Time
}

// NewRouter creates the chi router and returns it along with a stop function.
func NewRouter(eng *engine.Engine) (http.Handler, func()) {
	h := &Handlers{
		engine:   eng,
		sessions: newSessionStore(eng.AppConfig().Web.SessionSecret),
		eventHub: NewEventHub(),
		started:  time.Now(),
	}

	h.eventHub.Start()
	h.eventHub.SetupEngineListeners(eng)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", eng.Metrics().Handler())

	// SSE (no auth, read-only)
	r.Get("/events", h.eventHub.HandleSSE)

	r.Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Compress(5))

		// Read-only status
		r.Get("/status", h.apiStatus)
		r.Get("/queue", h.apiQueue)
		r.Get("/nodes", h.apiListNodes)
		r.Get("/nodes/{id}", h.apiGetNode)
		r.Get("/nodes/{id}/measurements", h.apiNodeMeasurements)

		// Admin
		r.Group(func(r chi.Router) {
			r.Use(h.adminMiddleware)
			r.Post("/nodes/{id}/poll", h.apiForcePoll)
			r.Delete("/nodes/{id}", h.apiForgetNode)
			r.Post("/config/password", h.apiChangePassword)
		})
	})

	return r, func() {
		eng.Events.Unsubscribe(h.eventHub.subID)
		h.eventHub.Stop()
	}
}

func (h *Handlers) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, ok := h.sessions.getUser(r)
		if !ok || username == "" {
			writeError(w, http.StatusUnauthorized, "login required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
