package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gregtusar/fundingarb/pkg/models"
	"github.com/gregtusar/fundingarb/pkg/store"
	"github.com/sirupsen/logrus"
)

// Engine is the part of the trader the API reads from.
type Engine interface {
	Status(ctx context.Context) (models.StatusReport, error)
	RequestAvailabilityRefresh()
}

type HistorySource interface {
	ListHistory(ctx context.Context, f store.HistoryFilter) ([]*models.ActiveArbitragePosition, error)
}

type Server struct {
	engine      Engine
	history     HistorySource
	logger      *logrus.Logger
	port        string
	allowOrigin string
}

func NewServer(engine Engine, history HistorySource, logger *logrus.Logger, port, allowOrigin string) *Server {
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return &Server{
		engine:      engine,
		history:     history,
		logger:      logger,
		port:        port,
		allowOrigin: allowOrigin,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/api/opportunities", s.handleOpportunities)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/availability/refresh", s.handleRefresh)

	return s.corsMiddleware(mux)
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("API server shutdown")
		}
	}()

	s.logger.Infof("Starting API server on port %s", s.port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.allowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	}

	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) (models.StatusReport, bool) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return models.StatusReport{}, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	report, err := s.engine.Status(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Status request failed")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return models.StatusReport{}, false
	}
	return report, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if report, ok := s.status(w, r); ok {
		s.writeJSON(w, http.StatusOK, report)
	}
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	report, ok := s.status(w, r)
	if !ok {
		return
	}
	positions := report.Positions
	if positions == nil {
		positions = []models.PositionStatus{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

// handleOpportunities lists the latest best spread per token. ?qualifying=true
// keeps only spreads at or above the entry threshold.
func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	report, ok := s.status(w, r)
	if !ok {
		return
	}
	onlyQualifying := r.URL.Query().Get("qualifying") == "true"

	spreads := make([]models.TokenSpread, 0, len(report.Spreads))
	for _, sp := range report.Spreads {
		if onlyQualifying && !sp.Qualifies {
			continue
		}
		spreads = append(spreads, sp)
	}
	s.writeJSON(w, http.StatusOK, spreads)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		http.Error(w, "history store not configured", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	filter := store.HistoryFilter{
		Token: q.Get("token"),
		State: models.PositionState(q.Get("state")),
		Limit: 100,
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	positions, err := s.history.ListHistory(r.Context(), filter)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list history")
		http.Error(w, "failed to list history", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []*models.ActiveArbitragePosition{}
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.engine.RequestAvailabilityRefresh()
	s.logger.Info("Token availability refresh requested")
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh scheduled"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}
