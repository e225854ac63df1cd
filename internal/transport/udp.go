package transport

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"recsync/internal/clocksync"
	"recsync/internal/model"
)

const (
	probePrefix = "recsync-probe:"
	echoPrefix  = "recsync-echo:"
)

// Responder answers timing probes on a UDP socket. It echoes the probe
// ID together with the local clock reading, with no processing beyond
// the parse, so the reply adds as little delay as possible.
type Responder struct {
	conn  *net.UDPConn
	clock clocksync.Clock
}

// StartResponder starts a probe responder on the given address (e.g. ":0").
func StartResponder(addr string, clock clocksync.Clock) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	if clock == nil {
		clock = clocksync.System
	}
	resp := &Responder{conn: conn, clock: clock}
	go resp.serve()
	return resp, nil
}

// LocalAddr returns the local address of the responder.
func (r *Responder) LocalAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}

// Close stops the responder.
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Responder) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, probePrefix) {
			continue
		}
		rest := strings.TrimPrefix(msg, probePrefix)
		probeID, _, ok := strings.Cut(rest, ":")
		if !ok || probeID == "" {
			continue
		}
		nodeTime := r.clock.Now().UnixNano()
		payload := []byte(echoPrefix + probeID + ":" + strconv.FormatInt(nodeTime, 10))
		_, _ = r.conn.WriteToUDP(payload, addr)
	}
}

// UDPProber sends timing probes from an ephemeral local socket.
type UDPProber struct {
	clock   clocksync.Clock
	timeout time.Duration
}

// NewUDPProber creates a prober with the given per-probe timeout.
func NewUDPProber(clock clocksync.Clock, timeout time.Duration) *UDPProber {
	if clock == nil {
		clock = clocksync.System
	}
	return &UDPProber{clock: clock, timeout: timeout}
}

// Probe sends one probe to the node's probe address and waits for the
// echo. The echo must carry the same probe ID; anything else is a
// protocol error.
func (p *UDPProber) Probe(ctx context.Context, node model.Node) (model.SyncProbe, error) {
	if node.ProbeAddr == "" {
		return model.SyncProbe{}, fmt.Errorf("%w: node %s has no probe address", ErrUnreachable, node.ID)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", node.ProbeAddr)
	if err != nil {
		return model.SyncProbe{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return model.SyncProbe{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer conn.Close()

	probeID := newProbeID()
	deadline := time.Now().Add(p.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return model.SyncProbe{}, err
	}

	sendTime := p.clock.Now()
	payload := []byte(probePrefix + probeID + ":" + strconv.FormatInt(sendTime.UnixNano(), 10))
	if _, err := conn.Write(payload); err != nil {
		return model.SyncProbe{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}

	buf := make([]byte, 2048)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return model.SyncProbe{}, fmt.Errorf("%w: probe %s to %s", ErrTimeout, probeID, node.ProbeAddr)
			}
			return model.SyncProbe{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		receiveTime := p.clock.Now()

		echoID, nodeNanos, err := parseEcho(string(buf[:n]))
		if err != nil {
			return model.SyncProbe{}, err
		}
		if echoID != probeID {
			// Stale reply from an earlier timed-out probe; keep reading
			// until the deadline.
			continue
		}

		return model.SyncProbe{
			NodeID:       node.ID,
			ProbeID:      probeID,
			SendTime:     sendTime,
			NodeEchoTime: nodeNanos,
			ReceiveTime:  receiveTime,
			RTT:          receiveTime.Sub(sendTime),
		}, nil
	}
}

func parseEcho(msg string) (probeID string, nodeNanos int64, err error) {
	if !strings.HasPrefix(msg, echoPrefix) {
		return "", 0, fmt.Errorf("%w: unexpected reply %q", ErrProtocol, truncate(msg, 64))
	}
	rest := strings.TrimPrefix(msg, echoPrefix)
	id, ts, ok := strings.Cut(rest, ":")
	if !ok {
		return "", 0, fmt.Errorf("%w: malformed echo %q", ErrProtocol, truncate(msg, 64))
	}
	nanos, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: bad node timestamp %q", ErrProtocol, ts)
	}
	return id, nanos, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func newProbeID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(buf)
}
