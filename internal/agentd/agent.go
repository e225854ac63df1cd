// Package agentd implements the capture-agent process that runs on a
// recording device: it answers timing probes, executes session commands
// from the coordinator and keeps its registration alive.
package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recsync/internal/api"
	"recsync/internal/clocksync"
	"recsync/internal/config"
	"recsync/internal/stunutil"
	"recsync/internal/transport"
)

const (
	registerRetryDelay = 3 * time.Second
	stunTimeout        = 5 * time.Second
)

// recorderState is the agent-local view of one session.
type recorderState string

const (
	recorderPrepared recorderState = "prepared"
	recorderArmed    recorderState = "armed"
	recorderRunning  recorderState = "running"
	recorderPaused   recorderState = "paused"
	recorderStopped  recorderState = "stopped"
)

// Agent is the device-side daemon.
type Agent struct {
	cfg    config.AgentConfig
	client *api.Client

	// OnCommand, when set, is invoked after a command is accepted.
	// Capture pipelines hook in here.
	OnCommand func(transport.Command)

	mu       sync.Mutex
	nodeID   string
	sessions map[string]recorderState
}

// New builds an agent for the given config.
func New(cfg config.AgentConfig) *Agent {
	return &Agent{
		cfg:      cfg,
		client:   api.NewClient(cfg.Coordinator),
		sessions: make(map[string]recorderState),
	}
}

// Run starts the probe responder and control listener, registers with
// the coordinator and re-registers on a keepalive interval until the
// context ends.
func (a *Agent) Run(ctx context.Context) error {
	responder, err := transport.StartResponder(fmt.Sprintf(":%d", a.cfg.ProbePort), clocksync.System)
	if err != nil {
		return fmt.Errorf("start probe responder: %w", err)
	}
	defer responder.Close()
	log.Info().Str("addr", responder.LocalAddr()).Msg("probe responder listening")

	publicAddr := ""
	if len(a.cfg.STUNServers) > 0 {
		addr, err := stunutil.Discover(ctx, a.cfg.STUNServers, stunTimeout)
		if err != nil {
			log.Warn().Err(err).Msg("public address discovery failed")
		} else {
			publicAddr = addr
			log.Info().Str("public_addr", addr).Msg("public address discovered")
		}
	}

	localIP, err := localIPToward(a.cfg.Coordinator)
	if err != nil {
		return fmt.Errorf("determine local address: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /command", a.handleCommand)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.ControlPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	log.Info().Int("port", a.cfg.ControlPort).Msg("control listener up")

	req := api.RegisterRequest{
		Fingerprint:  a.cfg.Fingerprint,
		Name:         a.cfg.Name,
		Capabilities: a.cfg.Capabilities,
		ControlAddr:  net.JoinHostPort(localIP, fmt.Sprintf("%d", a.cfg.ControlPort)),
		ProbeAddr:    net.JoinHostPort(localIP, fmt.Sprintf("%d", a.cfg.ProbePort)),
		PublicAddr:   publicAddr,
	}

	keepalive := time.Duration(a.cfg.KeepaliveSec) * time.Second
	if interval, err := a.register(ctx, req); err == nil && interval > 0 {
		keepalive = interval
	}

	ticker := time.NewTicker(keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent shutting down")
			return nil
		case err := <-errCh:
			return fmt.Errorf("control listener: %w", err)
		case <-ticker.C:
			// Re-registration doubles as the keepalive. A coordinator
			// restart gets the full node record back this way.
			if _, err := a.register(ctx, req); err != nil {
				log.Warn().Err(err).Msg("keepalive register failed")
			}
		}
	}
}

func (a *Agent) register(ctx context.Context, req api.RegisterRequest) (time.Duration, error) {
	var res api.RegisterResponse
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		res, err = a.client.Register(ctx, req)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(registerRetryDelay):
		}
	}
	if err != nil {
		return 0, err
	}

	a.mu.Lock()
	first := a.nodeID == ""
	a.nodeID = res.NodeID
	a.mu.Unlock()
	if first {
		log.Info().Str("node", res.NodeID).Msg("registered with coordinator")
	}
	return time.Duration(res.KeepaliveSec) * time.Second, nil
}

// handleCommand applies a coordinator command. Duplicate deliveries of
// the same command are acknowledged without re-execution.
func (a *Agent) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd transport.Command
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if cmd.SessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.sessions[cmd.SessionID]
	next, duplicate, err := applyCommand(state, cmd.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if duplicate {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.sessions[cmd.SessionID] = next

	switch cmd.Type {
	case transport.CmdPrepare:
		log.Info().Str("session", cmd.SessionID).Msg("session prepared")
	case transport.CmdStart:
		log.Info().
			Str("session", cmd.SessionID).
			Time("reference_start", cmd.ReferenceStartTime).
			Int64("offset_hint_us", cmd.OffsetHintNanos/1000).
			Msg("start scheduled")
		go a.armStart(cmd)
	case transport.CmdPause:
		log.Info().Str("session", cmd.SessionID).Msg("recording paused")
	case transport.CmdResume:
		log.Info().Str("session", cmd.SessionID).Msg("recording resumed")
	case transport.CmdStop:
		log.Info().Str("session", cmd.SessionID).Msg("recording finalized")
	}

	if a.OnCommand != nil {
		go a.OnCommand(cmd)
	}
	w.WriteHeader(http.StatusNoContent)
}

// armStart waits for the reference start time, corrected by the
// coordinator's offset hint, then marks the recorder running.
func (a *Agent) armStart(cmd transport.Command) {
	// The offset hint maps the coordinator's reference instant into
	// this node's clock: node-local start = reference + offset.
	wait := time.Until(cmd.ReferenceStartTime) + time.Duration(cmd.OffsetHintNanos)
	if wait > 0 {
		time.Sleep(wait)
	}
	a.mu.Lock()
	if a.sessions[cmd.SessionID] == recorderArmed {
		a.sessions[cmd.SessionID] = recorderRunning
	}
	a.mu.Unlock()
	log.Info().Str("session", cmd.SessionID).Msg("recording started")
}

// applyCommand validates a command against the recorder state and
// returns the next state. A repeat of the last effective command is a
// duplicate, not an error.
func applyCommand(state recorderState, op transport.CommandType) (recorderState, bool, error) {
	switch op {
	case transport.CmdPrepare:
		if state == recorderPrepared {
			return state, true, nil
		}
		if state != "" {
			return state, false, fmt.Errorf("prepare rejected in state %s", state)
		}
		return recorderPrepared, false, nil
	case transport.CmdStart:
		if state == recorderArmed || state == recorderRunning {
			return state, true, nil
		}
		if state != recorderPrepared {
			return state, false, fmt.Errorf("start rejected in state %s", state)
		}
		return recorderArmed, false, nil
	case transport.CmdPause:
		if state == recorderPaused {
			return state, true, nil
		}
		if state != recorderRunning {
			return state, false, fmt.Errorf("pause rejected in state %s", state)
		}
		return recorderPaused, false, nil
	case transport.CmdResume:
		if state == recorderRunning {
			return state, true, nil
		}
		if state != recorderPaused {
			return state, false, fmt.Errorf("resume rejected in state %s", state)
		}
		return recorderRunning, false, nil
	case transport.CmdStop:
		if state == recorderStopped {
			return state, true, nil
		}
		if state == "" {
			return state, false, fmt.Errorf("stop rejected: unknown session")
		}
		return recorderStopped, false, nil
	default:
		return state, false, fmt.Errorf("unknown command %q", op)
	}
}

// localIPToward finds the local IP the OS would use to reach the
// coordinator, for building advertised addresses.
func localIPToward(coordinator string) (string, error) {
	host := coordinator
	if u := trimScheme(coordinator); u != "" {
		host = u
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	conn, err := net.Dial("udp", net.JoinHostPort(host, "9"))
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

func trimScheme(s string) string {
	for _, prefix := range []string{"http://", "https://"} {
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return s[len(prefix):]
		}
	}
	return s
}
