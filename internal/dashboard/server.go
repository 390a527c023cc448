// Package dashboard serves a JSON status API over HTTP for operators:
// live positions, signals, trade statistics, bus counters and the
// dead-letter list.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rmehra/optionflow/internal/bus"
	"github.com/rmehra/optionflow/internal/positions"
	"github.com/rmehra/optionflow/internal/storage"
)

// Config configures the dashboard server.
type Config struct {
	Addr      string
	AuthToken string
}

// Server exposes engine state over HTTP. Read-only.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	positions *positions.Manager
	bus       *bus.Bus
	logger    *logrus.Logger
	addr      string
	authToken string
}

// NewServer creates a dashboard server.
func NewServer(cfg Config, store storage.Interface, pm *positions.Manager,
	b *bus.Bus, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		positions: pm,
		bus:       b,
		logger:    logger,
		addr:      cfg.Addr,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/api/positions", s.handleGetPositions)
	s.router.Get("/api/positions/{id}", s.handleGetPosition)
	s.router.Get("/api/signals", s.handleGetSignals)
	s.router.Get("/api/stats", s.handleGetStats)
	s.router.Get("/api/bus", s.handleGetBusStats)
	s.router.Get("/api/deadletters", s.handleGetDeadLetters)
	s.router.Get("/healthz", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Infof("Starting dashboard server on %s", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.positions.Snapshot())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos := s.positions.Get(id)
	if pos == nil {
		http.Error(w, fmt.Sprintf("position %s not found", id), http.StatusNotFound)
		return
	}
	s.writeJSON(w, pos)
}

func (s *Server) handleGetSignals(w http.ResponseWriter, r *http.Request) {
	filter := storage.SignalFilter{
		Symbol:   r.URL.Query().Get("symbol"),
		Strategy: r.URL.Query().Get("strategy"),
		Limit:    100,
	}
	sigs, err := s.storage.GetSignals(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch signals")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, sigs)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.GetStatistics(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to fetch statistics")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleGetBusStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, s.bus.Stats())
}

type deadLetterView struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	SubscriberID string    `json:"subscriber_id"`
	Error        string    `json:"error"`
	Timestamp    time.Time `json:"timestamp"`
}

func (s *Server) handleGetDeadLetters(w http.ResponseWriter, _ *http.Request) {
	dead := s.bus.DeadLetters()
	views := make([]deadLetterView, 0, len(dead))
	for _, dl := range dead {
		views = append(views, deadLetterView{
			EventID:      dl.Event.ID,
			EventType:    string(dl.Event.Type),
			SubscriberID: dl.SubscriberID,
			Error:        dl.Err.Error(),
			Timestamp:    dl.Timestamp,
		})
	}
	s.writeJSON(w, views)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.storage.HealthCheck(r.Context()); err != nil {
		s.logger.WithError(err).Warn("Storage health check failed")
		http.Error(w, "storage unhealthy", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
