package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"recsync/internal/clocksync"
	"recsync/internal/model"
)

// HTTPTransport delivers control commands to agent control listeners
// over HTTP and timing probes over UDP.
type HTTPTransport struct {
	http   *http.Client
	prober *UDPProber
}

// NewHTTPTransport builds the default two-channel transport.
func NewHTTPTransport(clock clocksync.Clock, cmdTimeout, probeTimeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		http:   &http.Client{Timeout: cmdTimeout},
		prober: NewUDPProber(clock, probeTimeout),
	}
}

// Send posts the command to the node's control listener. A 2xx reply is
// the ack.
func (t *HTTPTransport) Send(ctx context.Context, node model.Node, cmd Command) error {
	if node.ControlAddr == "" {
		return fmt.Errorf("%w: node %s has no control address", ErrUnreachable, node.ID)
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	url := "http://" + node.ControlAddr + "/command"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.http.Do(req)
	if err != nil {
		return classifyNetErr(err, node)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("%w: %s rejected %s: %s", ErrProtocol, node.ID, cmd.Type, msg)
		}
		return fmt.Errorf("%w: %s rejected %s: %s", ErrProtocol, node.ID, cmd.Type, res.Status)
	}
	return nil
}

// Probe performs one UDP timing round trip.
func (t *HTTPTransport) Probe(ctx context.Context, node model.Node) (model.SyncProbe, error) {
	return t.prober.Probe(ctx, node)
}

func classifyNetErr(err error, node model.Node) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: command to %s", ErrTimeout, node.ID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: command to %s", ErrTimeout, node.ID)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnreachable, node.ID, err)
}
