// Package api exposes the management surface over HTTP: agent and child
// queries, child linking, settings, violations, and manual blocks.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/goodtune/screentime/internal/agents"
	"github.com/goodtune/screentime/internal/classify"
	"github.com/goodtune/screentime/internal/detect"
	"github.com/goodtune/screentime/internal/enforce"
	"github.com/goodtune/screentime/internal/quota"
	"github.com/goodtune/screentime/internal/storage"
	"github.com/goodtune/screentime/internal/track"
)

// DetectorControl lets the API inspect and switch an agent's detection
// mode and read its per-site usage buffer.
type DetectorControl interface {
	Mode(agentID string) (detect.Mode, bool)
	SetMode(ctx context.Context, agentID string, mode detect.Mode) error
	UsageRecords(agentID string) []detect.UsageRecord
}

// Server is the management HTTP server.
type Server struct {
	registry   *agents.Registry
	tracker    *track.Tracker
	arbiter    *quota.Arbiter
	dispatcher *enforce.Dispatcher
	classifier *classify.Classifier
	detectors  DetectorControl
	store      storage.Store
	logger     zerolog.Logger

	resetFlagsOnReconfig bool

	server   *http.Server
	listener net.Listener
}

// Config wires the server's collaborators.
type Config struct {
	Addr                 string
	Registry             *agents.Registry
	Tracker              *track.Tracker
	Arbiter              *quota.Arbiter
	Dispatcher           *enforce.Dispatcher
	Classifier           *classify.Classifier
	Detectors            DetectorControl
	Store                storage.Store
	ResetFlagsOnReconfig bool
}

// NewServer creates the management server.
func NewServer(cfg Config, logger zerolog.Logger) *Server {
	s := &Server{
		registry:             cfg.Registry,
		tracker:              cfg.Tracker,
		arbiter:              cfg.Arbiter,
		dispatcher:           cfg.Dispatcher,
		classifier:           cfg.Classifier,
		detectors:            cfg.Detectors,
		store:                cfg.Store,
		logger:               logger.With().Str("component", "api").Logger(),
		resetFlagsOnReconfig: cfg.ResetFlagsOnReconfig,
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/agents", s.handleListAgents).Methods(http.MethodGet)
	router.HandleFunc("/api/agents/{id}", s.handleGetAgent).Methods(http.MethodGet)
	router.HandleFunc("/api/agents/{id}/child", s.handleLinkChild).Methods(http.MethodPut)
	router.HandleFunc("/api/agents/{id}/child", s.handleUnlinkChild).Methods(http.MethodDelete)
	router.HandleFunc("/api/agents/{id}/mode", s.handleGetMode).Methods(http.MethodGet)
	router.HandleFunc("/api/agents/{id}/mode", s.handleSetMode).Methods(http.MethodPut)
	router.HandleFunc("/api/agents/{id}/block", s.handleBlock).Methods(http.MethodPost)
	router.HandleFunc("/api/children/{id}/usage", s.handleChildUsage).Methods(http.MethodGet)
	router.HandleFunc("/api/violations", s.handleListViolations).Methods(http.MethodGet)
	router.HandleFunc("/api/violations", s.handleClearViolations).Methods(http.MethodDelete)
	router.HandleFunc("/api/settings", s.handleGetSettings).Methods(http.MethodGet)
	router.HandleFunc("/api/settings", s.handleUpdateSettings).Methods(http.MethodPut)
	router.HandleFunc("/api/shutdowns", s.handleListShutdowns).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// SetListener sets a pre-created listener for systemd socket activation.
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start serves in the background.
func (s *Server) Start() {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting API server")
	go func() {
		var err error
		if s.listener != nil {
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping API server")
	return s.server.Shutdown(ctx)
}

type agentView struct {
	storage.Agent
	DetectionMode detect.Mode `json:"detection_mode,omitempty"`
}

func (s *Server) agentView(agent storage.Agent) agentView {
	view := agentView{Agent: agent}
	if mode, ok := s.detectors.Mode(agent.ID); ok {
		view.DetectionMode = mode
	}
	return view
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	listed := s.registry.List()
	views := make([]agentView, 0, len(listed))
	for _, agent := range listed {
		views = append(views, s.agentView(agent))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.registry.Get(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, s.agentView(agent))
}

func (s *Server) handleLinkChild(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChildID string `json:"child_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ChildID == "" {
		writeError(w, http.StatusBadRequest, "child_id is required")
		return
	}

	agentID := mux.Vars(r)["id"]
	if err := s.registry.LinkChild(r.Context(), agentID, body.ChildID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error().Err(err).Str("agent", agentID).Msg("Link child failed")
		writeError(w, http.StatusInternalServerError, "failed to link child")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlinkChild(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	if err := s.registry.UnlinkChild(r.Context(), agentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		s.logger.Error().Err(err).Str("agent", agentID).Msg("Unlink child failed")
		writeError(w, http.StatusInternalServerError, "failed to unlink child")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetMode(w http.ResponseWriter, r *http.Request) {
	mode, ok := s.detectors.Mode(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]detect.Mode{"mode": mode})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}

	mode, err := detect.ParseMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	agentID := mux.Vars(r)["id"]
	if err := s.detectors.SetMode(r.Context(), agentID, mode); err != nil {
		s.logger.Error().Err(err).Str("agent", agentID).Str("mode", string(mode)).Msg("Mode switch failed")
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	agentID := mux.Vars(r)["id"]
	agent, ok := s.registry.Get(agentID)
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	// An empty body is fine; the arbiter supplies a default reason.
	_ = json.NewDecoder(r.Body).Decode(&body)

	s.arbiter.ForceBlock(agentID, agent.ChildID, body.Reason)
	w.WriteHeader(http.StatusAccepted)
}

type sessionView struct {
	AgentID     string    `json:"agent_id"`
	StartedAt   time.Time `json:"started_at"`
	Accumulated int64     `json:"accumulated_seconds"`
	Browsers    []string  `json:"browsers"`
}

func (s *Server) handleChildUsage(w http.ResponseWriter, r *http.Request) {
	childID := mux.Vars(r)["id"]

	child, err := s.store.Children().Get(r.Context(), childID)
	if errors.Is(err, storage.ErrNotFound) {
		child = &storage.Child{ID: childID}
	} else if err != nil {
		s.logger.Error().Err(err).Str("child", childID).Msg("Usage lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load usage")
		return
	}

	sessions := s.tracker.GetChildSessions(childID)
	views := make([]sessionView, 0, len(sessions))
	var usage []classify.SiteUsage
	for _, session := range sessions {
		browsers := make([]string, 0, len(session.Browsers))
		for name := range session.Browsers {
			browsers = append(browsers, name)
		}
		views = append(views, sessionView{
			AgentID:     session.AgentID,
			StartedAt:   session.StartedAt,
			Accumulated: int64(session.Accumulated / time.Second),
			Browsers:    browsers,
		})
		for _, record := range s.detectors.UsageRecords(session.AgentID) {
			usage = append(usage, classify.SiteUsage{Domain: record.Domain, Elapsed: record.Elapsed})
		}
	}

	response := map[string]any{
		"child_id":            childID,
		"usage_today_seconds": child.UsageTodaySeconds,
		"last_reset":          child.LastReset,
		"sessions":            views,
	}
	if len(usage) > 0 {
		response["categories"] = s.classifier.Aggregate(usage)
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	filter := storage.ViolationFilter{
		AgentID: r.URL.Query().Get("agent"),
		ChildID: r.URL.Query().Get("child"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	violations, err := s.store.Violations().List(r.Context(), filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Violation list failed")
		writeError(w, http.StatusInternalServerError, "failed to list violations")
		return
	}
	if violations == nil {
		violations = []storage.Violation{}
	}
	writeJSON(w, http.StatusOK, violations)
}

func (s *Server) handleClearViolations(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.store.Violations().Clear(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Violation clear failed")
		writeError(w, http.StatusInternalServerError, "failed to clear violations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.Settings().Get(r.Context())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no settings stored")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Msg("Settings lookup failed")
		writeError(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var settings storage.Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if settings.CheckIntervalSeconds <= 0 || len(settings.WarningThresholdMinutes) == 0 {
		writeError(w, http.StatusBadRequest, "check interval and warning thresholds are required")
		return
	}
	for _, threshold := range settings.WarningThresholdMinutes {
		if threshold <= 0 {
			writeError(w, http.StatusBadRequest, "warning thresholds must be positive")
			return
		}
	}

	if err := s.store.Settings().Put(r.Context(), settings); err != nil {
		s.logger.Error().Err(err).Msg("Settings update failed")
		writeError(w, http.StatusInternalServerError, "failed to store settings")
		return
	}

	s.arbiter.SetThresholds(settings.WarningThresholdMinutes, s.resetFlagsOnReconfig)
	s.dispatcher.SetPolicy(enforce.KillPolicy{
		KillOnViolation: settings.KillOnViolation,
		GracePeriod:     time.Duration(settings.GracePeriodSeconds) * time.Second,
	})

	s.logger.Info().
		Ints("thresholds", settings.WarningThresholdMinutes).
		Bool("kill_on_violation", settings.KillOnViolation).
		Msg("Settings updated")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListShutdowns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.PendingShutdowns())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
