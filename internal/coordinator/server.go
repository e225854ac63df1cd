package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recsync/internal/api"
	"recsync/internal/clocksync"
	"recsync/internal/config"
	"recsync/internal/health"
	"recsync/internal/metrics"
	"recsync/internal/model"
	"recsync/internal/registry"
	"recsync/internal/session"
	"recsync/internal/store"
	"recsync/internal/transport"
)

const commandTimeout = 5 * time.Second

// Server wires the registry, estimator, drift tracker, session state
// machine and fault detector behind the coordinator HTTP API.
type Server struct {
	cfg      config.CoordinatorConfig
	reg      *registry.Registry
	machine  *session.Machine
	detector *health.Detector
	drift    *clocksync.Tracker

	regPath      string
	sessionsPath string
	metricsPath  string
	// metricsMu serializes CSV appends; probe rounds for different
	// nodes run concurrently.
	metricsMu sync.Mutex
}

// NewServer constructs a coordinator with its full dependency graph.
func NewServer(cfg config.CoordinatorConfig) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		reg:          registry.New(),
		regPath:      filepath.Join(cfg.DataDir, "registry.yaml"),
		sessionsPath: filepath.Join(cfg.DataDir, "sessions.yaml"),
		metricsPath:  cfg.MetricsPath,
	}
	if s.metricsPath == "" {
		s.metricsPath = filepath.Join(cfg.DataDir, "probes.csv")
	}

	snap, err := store.LoadRegistry(s.regPath)
	if err != nil {
		return nil, err
	}
	s.reg.Restore(snap.Nodes, snap.Archived)

	clock := clocksync.System
	tr := transport.NewHTTPTransport(clock, commandTimeout, time.Duration(cfg.Sync.ProbeTimeoutSec)*time.Second)

	est := clocksync.NewEstimator(tr, clock, clocksync.EstimatorConfig{
		ProbeCount:    cfg.Sync.ProbeCount,
		RoundDeadline: time.Duration(cfg.Sync.RoundDeadlineSec) * time.Second,
		Retries:       cfg.Sync.RoundRetries,
	})
	est.OnProbe = s.recordProbe

	s.drift = clocksync.NewTracker(cfg.Sync.HardTolerance(), clock)

	s.machine = session.New(session.Config{
		StartLead:       time.Duration(cfg.StartLeadSec) * time.Second,
		AckWindow:       time.Duration(cfg.AckWindowSec) * time.Second,
		StopGrace:       time.Duration(cfg.StopGraceSec) * time.Second,
		DriftInterval:   time.Duration(cfg.Sync.DriftIntervalSec) * time.Second,
		SyncConcurrency: cfg.Sync.SyncConcurrency,
		TargetTolerance: cfg.Sync.TargetTolerance(),
		HardTolerance:   cfg.Sync.HardTolerance(),
	}, s.reg, tr, est, s.drift, clock, s.archiveSession)

	s.detector = health.New(health.Config{
		Interval:          time.Duration(cfg.HeartbeatSec) * time.Second,
		MissedForDegraded: cfg.MissedForDegraded,
		ReconnectBase:     time.Duration(cfg.ReconnectBaseSec) * time.Second,
		ReconnectCap:      time.Duration(cfg.ReconnectCapSec) * time.Second,
	}, s.reg, tr, est, s.machine, clock)

	return s, nil
}

// Run serves the coordinator API and background loops until the
// context ends, then persists the registry.
func (s *Server) Run(ctx context.Context) error {
	go s.machine.Run(ctx)
	go s.detector.Run(ctx)

	server := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	log.Info().Str("listen", s.cfg.Listen).Msg("coordinator listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.persistRegistry()
		return nil
	case err := <-errCh:
		s.persistRegistry()
		return err
	}
}

// Handler builds the API routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("GET /nodes", s.handleNodes)
	mux.HandleFunc("GET /nodes/{id}/health", s.handleNodeHealth)
	mux.HandleFunc("POST /sessions", s.handlePrepare)
	mux.HandleFunc("GET /sessions/current", s.handleCurrentSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /sessions/{id}/start", s.sessionOp("start"))
	mux.HandleFunc("POST /sessions/{id}/stop", s.sessionOp("stop"))
	mux.HandleFunc("POST /sessions/{id}/pause", s.sessionOp("pause"))
	mux.HandleFunc("POST /sessions/{id}/resume", s.sessionOp("resume"))
	mux.HandleFunc("POST /sessions/{id}/abort", s.handleAbort)
	mux.HandleFunc("GET /sessions/{id}/clock-models", s.handleClockModels)
	mux.HandleFunc("GET /events", s.handleEvents)
	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	caps := make([]model.Capability, 0, len(req.Capabilities))
	for _, raw := range req.Capabilities {
		c, err := model.ParseCapability(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		caps = append(caps, c)
	}

	node, err := s.reg.Register(registry.Registration{
		Fingerprint:  req.Fingerprint,
		Name:         req.Name,
		Capabilities: caps,
		ControlAddr:  req.ControlAddr,
		ProbeAddr:    req.ProbeAddr,
		PublicAddr:   req.PublicAddr,
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.persistRegistry()
	log.Info().Str("node", node.ID).Str("name", node.Name).Str("probe_addr", node.ProbeAddr).Msg("node registered")
	writeJSON(w, http.StatusOK, api.RegisterResponse{
		NodeID:       node.ID,
		KeepaliveSec: s.cfg.HeartbeatSec,
	})
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.NodesResponse{Nodes: s.reg.List()})
}

func (s *Server) handleNodeHealth(w http.ResponseWriter, r *http.Request) {
	rec, err := s.detector.Record(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.HealthResponse{Record: rec})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var req api.PrepareSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	caps := make([]model.Capability, 0, len(req.RequiredCapabilities))
	for _, raw := range req.RequiredCapabilities {
		c, err := model.ParseCapability(raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		caps = append(caps, c)
	}

	sess, err := s.machine.Prepare(r.Context(), session.PrepareRequest{
		RequiredCapabilities: caps,
		NodeIDs:              req.NodeIDs,
		TargetTolerance:      time.Duration(req.TargetToleranceMs) * time.Millisecond,
		HardTolerance:        time.Duration(req.HardToleranceMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: sess})
}

func (s *Server) sessionOp(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var sess model.Session
		var err error
		switch op {
		case "start":
			sess, err = s.machine.Start(r.Context(), id)
		case "stop":
			sess, err = s.machine.Stop(r.Context(), id)
		case "pause":
			sess, err = s.machine.Pause(r.Context(), id)
		case "resume":
			sess, err = s.machine.Resume(r.Context(), id)
		}
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, api.SessionResponse{Session: sess})
	}
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req api.AbortSessionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	sess, err := s.machine.Abort(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil && !errors.Is(err, session.ErrSessionAborted) {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: sess})
}

func (s *Server) handleCurrentSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.Status(r.Context(), "")
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.SessionResponse{Session: sess})
}

func (s *Server) handleClockModels(w http.ResponseWriter, r *http.Request) {
	sess, err := s.machine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	models := sess.ClockModels
	if models == nil {
		// Live session: serve the tracker's current view.
		models = make(map[string]model.ClockModel)
		snap := s.drift.Snapshot()
		for _, id := range sess.ParticipantNodeIDs {
			if m, ok := snap[id]; ok {
				models[id] = m
			}
		}
	}
	writeJSON(w, http.StatusOK, api.ClockModelsResponse{SessionID: sess.ID, Models: models})
}

// handleEvents streams events as newline-delimited JSON until the
// client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, cancel := s.machine.Bus().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	encoder := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := encoder.Encode(ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) recordProbe(p model.SyncProbe) {
	s.metricsMu.Lock()
	defer s.metricsMu.Unlock()
	if err := metrics.AppendCSV(s.metricsPath, []metrics.ProbeSample{metrics.FromProbe(p)}); err != nil {
		log.Warn().Err(err).Msg("append probe diagnostics failed")
	}
}

func (s *Server) archiveSession(sess model.Session) {
	if err := store.AppendSession(s.sessionsPath, sess); err != nil {
		log.Error().Str("session", sess.ID).Err(err).Msg("archive session failed")
	}
}

func (s *Server) persistRegistry() {
	active, archived := s.reg.Snapshot()
	if err := store.SaveRegistry(s.regPath, &store.RegistrySnapshot{Nodes: active, Archived: archived}); err != nil {
		log.Warn().Err(err).Msg("persist registry failed")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrUnknownSession),
		errors.Is(err, session.ErrNoActiveSession),
		errors.Is(err, registry.ErrUnknownNode):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidTransition),
		errors.Is(err, registry.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, session.ErrInsufficientCapabilities):
		status = http.StatusUnprocessableEntity
	}
	writeJSONError(w, status, err.Error())
}

func decodeJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	encoder := json.NewEncoder(w)
	_ = encoder.Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
