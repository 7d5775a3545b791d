package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/meetnotes/internal/calendar"
	"github.com/dukerupert/meetnotes/internal/handler"
	"github.com/dukerupert/meetnotes/internal/middleware"
	"github.com/dukerupert/meetnotes/internal/store"
	ws "github.com/dukerupert/meetnotes/internal/websocket"
)

// Options configures New. Zero values disable auth and allow same-origin
// WebSocket connections only.
type Options struct {
	TokenHash      string
	OriginPatterns []string
}

type Server struct {
	db          *sql.DB
	hub         *ws.Hub
	calendar    *calendar.Service
	calendarH   *handler.CalendarEventHandler
	noteH       *handler.NoteHandler
	auth        *middleware.TokenAuth
	rateLimiter *middleware.RateLimiter
	origins     []string
	logger      *slog.Logger
}

func New(db *sql.DB, opts Options, logger *slog.Logger) *Server {
	hub := ws.NewHub(logger.With("component", "websocket"))

	eventStore := store.NewEventStore(db)
	noteStore := store.NewNoteStore(db)
	svc := calendar.NewService(eventStore, noteStore, hub, logger)

	limiter := middleware.NewRateLimiter(10, time.Minute)

	return &Server{
		db:          db,
		hub:         hub,
		calendar:    svc,
		calendarH:   handler.NewCalendarEventHandler(svc, logger.With("component", "calendar_handler")),
		noteH:       handler.NewNoteHandler(noteStore, hub, logger.With("component", "note_handler")),
		auth:        middleware.NewTokenAuth(opts.TokenHash, limiter, logger.With("component", "auth")),
		rateLimiter: limiter,
		origins:     opts.OriginPatterns,
		logger:      logger,
	}
}

// Calendar returns the calendar service for background jobs.
func (s *Server) Calendar() *calendar.Service {
	return s.calendar
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *ws.Hub {
	return s.hub
}

// RateLimiter returns the failed-auth limiter for cleanup.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()
	outerMux.HandleFunc("GET /health", s.healthHandler)

	protectedMux := http.NewServeMux()
	s.registerProtectedRoutes(protectedMux)
	outerMux.Handle("/", s.auth.Require(protectedMux))

	return middleware.RequestLogger(s.logger.With("component", "http"))(outerMux)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok", "clients": s.hub.ClientCount()}
	if err := s.db.PingContext(r.Context()); err != nil {
		s.logger.Error("health check", "error", err)
		status["status"] = "degraded"
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) registerProtectedRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", s.calendarH.Create)
	mux.HandleFunc("GET /api/events", s.calendarH.List)
	mux.HandleFunc("GET /api/events/{id}", s.calendarH.Get)
	mux.HandleFunc("PUT /api/events/{id}", s.calendarH.Update)
	mux.HandleFunc("DELETE /api/events/{id}", s.calendarH.Delete)
	mux.HandleFunc("GET /api/series/{id}/occurrences", s.calendarH.Occurrences)
	mux.HandleFunc("GET /api/calendar.ics", s.calendarH.ICS)

	mux.HandleFunc("POST /api/notes", s.noteH.Create)
	mux.HandleFunc("GET /api/notes", s.noteH.List)
	mux.HandleFunc("GET /api/notes/{id}", s.noteH.Get)

	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.logger.With("component", "websocket"), s.origins))
}
