package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"recsync/internal/model"
)

func testNode(id, probeAddr string) model.Node {
	return model.Node{ID: id, ProbeAddr: probeAddr}
}

func TestSend_Ack(t *testing.T) {
	t.Parallel()

	var got Command
	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/command" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer agent.Close()

	tr := NewHTTPTransport(nil, 2*time.Second, time.Second)
	node := model.Node{ID: "n1", ControlAddr: strings.TrimPrefix(agent.URL, "http://")}
	cmd := Command{Type: CmdStart, SessionID: "sess-1", ReferenceStartTime: time.Now().Add(time.Second).UTC()}

	if err := tr.Send(context.Background(), node, cmd); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.Type != CmdStart || got.SessionID != "sess-1" {
		t.Fatalf("agent received %+v", got)
	}
	if got.ReferenceStartTime.IsZero() {
		t.Fatal("reference start time not delivered")
	}
}

func TestSend_Rejected(t *testing.T) {
	t.Parallel()

	agent := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "resume rejected in state prepared", http.StatusConflict)
	}))
	defer agent.Close()

	tr := NewHTTPTransport(nil, 2*time.Second, time.Second)
	node := model.Node{ID: "n1", ControlAddr: strings.TrimPrefix(agent.URL, "http://")}

	err := tr.Send(context.Background(), node, Command{Type: CmdResume, SessionID: "sess-1"})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
	if !strings.Contains(err.Error(), "resume rejected") {
		t.Fatalf("error missing agent message: %v", err)
	}
}

func TestSend_Unreachable(t *testing.T) {
	t.Parallel()

	tr := NewHTTPTransport(nil, 500*time.Millisecond, time.Second)
	node := model.Node{ID: "n1", ControlAddr: "127.0.0.1:1"}

	err := tr.Send(context.Background(), node, Command{Type: CmdPrepare, SessionID: "sess-1"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestSend_NoControlAddr(t *testing.T) {
	t.Parallel()

	tr := NewHTTPTransport(nil, time.Second, time.Second)
	err := tr.Send(context.Background(), model.Node{ID: "n1"}, Command{Type: CmdPrepare, SessionID: "s"})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}
