package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"classlock/internal/handlers"
	"classlock/internal/middleware"
	"classlock/internal/relay"
	"classlock/internal/websocket"
)

func base(log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	return r
}

// NewTeacher serves the controller's local control API.
func NewTeacher(log *zap.Logger, sessionHandler *handlers.SessionHandler, wsHub *websocket.Hub) http.Handler {
	r := base(log)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Session Routes ────
		r.Route("/session", func(r chi.Router) {
			r.Get("/", sessionHandler.Get)
			r.Post("/start", sessionHandler.Start)
			r.Post("/stop", sessionHandler.Stop)
		})

		// ──── Student Routes ────
		r.Route("/students", func(r chi.Router) {
			r.Get("/", sessionHandler.ListStudents)
			r.Post("/lock-all", sessionHandler.LockAll)
			r.Post("/unlock-all", sessionHandler.UnlockAll)
			r.Post("/kick-all", sessionHandler.KickAll)
			r.Post("/{key}/lock", sessionHandler.LockStudent)
			r.Post("/{key}/unlock", sessionHandler.UnlockStudent)
			r.Post("/{key}/kick", sessionHandler.KickStudent)
		})

		r.Get("/attendance", sessionHandler.Attendance)

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}

// NewStudent serves the participant's local control API.
func NewStudent(log *zap.Logger, studentHandler *handlers.StudentHandler, wsHub *websocket.Hub) http.Handler {
	r := base(log)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/candidates", studentHandler.Candidates)
		r.Post("/discover", studentHandler.Discover)
		r.Post("/connect", studentHandler.Connect)
		r.Post("/acknowledge", studentHandler.Acknowledge)
		r.Post("/disconnect", studentHandler.Disconnect)
		r.Get("/status", studentHandler.Status)

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}

// NewRelay serves the relay gateway. limiter may be nil.
func NewRelay(log *zap.Logger, server *relay.Server, limiter *middleware.RateLimiter) http.Handler {
	r := base(log)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if limiter != nil {
			r.Use(limiter.Middleware)
		}
		r.Get("/ws", server.HandleWebSocket)
	})

	return r
}
