package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/mission-vault/internal/metrics"
	"github.com/JakeFAU/mission-vault/internal/mission"
	"github.com/JakeFAU/mission-vault/internal/runmeta"
	"github.com/JakeFAU/mission-vault/internal/scheduler"
	"github.com/JakeFAU/mission-vault/internal/vault"
)

const (
	requestTimeout = 30 * time.Second
	readTimeout    = 5 * time.Second
)

// MissionReader loads the current mission.
type MissionReader interface {
	Load(ctx context.Context) (mission.Mission, error)
}

// MetadataReader loads run metadata.
type MetadataReader interface {
	Load(ctx context.Context) (runmeta.Metadata, error)
}

// VaultStats reports vault size.
type VaultStats interface {
	Stats(ctx context.Context) (vault.Stats, error)
}

// PreviewReader reads the latest batch snapshot.
type PreviewReader interface {
	Read(ctx context.Context) ([]json.RawMessage, error)
}

// CycleScheduler exposes the scheduler to the API.
type CycleScheduler interface {
	Trigger() bool
	Status() scheduler.Status
}

// Clock supplies the time used for uptime.
type Clock interface {
	Now() time.Time
}

// Deps bundles the server collaborators. Preview and Scheduler are optional.
type Deps struct {
	Missions  MissionReader
	Metadata  MetadataReader
	Vault     VaultStats
	Preview   PreviewReader
	Scheduler CycleScheduler
	Clock     Clock
	APIKey    string
	Logger    *zap.Logger
}

// Server wires HTTP handlers to the collector state.
type Server struct {
	router    chi.Router
	deps      Deps
	logger    *zap.Logger
	startedAt time.Time
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) (*Server, error) {
	if deps.Missions == nil || deps.Metadata == nil || deps.Vault == nil || deps.Clock == nil {
		return nil, fmt.Errorf("status server requires missions, metadata, vault and clock")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:      deps,
		logger:    logger,
		startedAt: deps.Clock.Now(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/data", s.data)
		r.With(apiKeyMiddleware(deps.APIKey)).Post("/cycles", s.triggerCycle)
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	if _, err := s.deps.Vault.Stats(ctx); err != nil {
		s.logger.Warn("vault not readable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "vault unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Status       scheduler.State   `json:"status"`
	Uptime       string            `json:"uptime"`
	Mission      *mission.Mission  `json:"mission,omitempty"`
	MissionError string            `json:"mission_error,omitempty"`
	Settings     runmeta.Metadata  `json:"settings"`
	VaultSize    int               `json:"vault_size"`
	VaultCorrupt int               `json:"vault_corrupt_lines"`
	Scheduler    *scheduler.Status `json:"scheduler,omitempty"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	meta, err := s.deps.Metadata.Load(ctx)
	if err != nil {
		s.logger.Error("load run metadata", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "run metadata unavailable")
		return
	}
	stats, err := s.deps.Vault.Stats(ctx)
	if err != nil {
		s.logger.Error("vault stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "vault unavailable")
		return
	}

	resp := statusResponse{
		Status:       scheduler.StateStopped,
		Uptime:       fmt.Sprintf("%ds", int64(s.deps.Clock.Now().Sub(s.startedAt).Seconds())),
		Settings:     meta,
		VaultSize:    stats.Items,
		VaultCorrupt: stats.Corrupt,
	}
	if m, err := s.deps.Missions.Load(ctx); err != nil {
		resp.MissionError = err.Error()
	} else {
		resp.Mission = &m
	}
	if s.deps.Scheduler != nil {
		st := s.deps.Scheduler.Status()
		resp.Status = st.State
		resp.Scheduler = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) data(w http.ResponseWriter, r *http.Request) {
	if s.deps.Preview == nil {
		writeJSON(w, http.StatusOK, []json.RawMessage{})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()
	items, err := s.deps.Preview.Read(ctx)
	if err != nil {
		s.logger.Error("read preview", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "preview unavailable")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) triggerCycle(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	if !s.deps.Scheduler.Trigger() {
		writeError(w, http.StatusConflict, "a cycle is already pending")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
