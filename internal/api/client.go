package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"recsync/internal/model"
)

// Client is a thin HTTP client for the coordinator API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Register registers an agent and returns its node ID.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	if err := c.postJSON(ctx, "/register", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// PrepareSession opens a session.
func (c *Client) PrepareSession(ctx context.Context, req PrepareSessionRequest) (model.Session, error) {
	var resp SessionResponse
	if err := c.postJSON(ctx, "/sessions", req, &resp); err != nil {
		return model.Session{}, err
	}
	return resp.Session, nil
}

// StartSession broadcasts the synchronized start.
func (c *Client) StartSession(ctx context.Context, sessionID string) (model.Session, error) {
	return c.sessionOp(ctx, sessionID, "start", nil)
}

// StopSession stops recording and finalizes the session.
func (c *Client) StopSession(ctx context.Context, sessionID string) (model.Session, error) {
	return c.sessionOp(ctx, sessionID, "stop", nil)
}

// PauseSession pauses recording.
func (c *Client) PauseSession(ctx context.Context, sessionID string) (model.Session, error) {
	return c.sessionOp(ctx, sessionID, "pause", nil)
}

// ResumeSession resumes a paused session.
func (c *Client) ResumeSession(ctx context.Context, sessionID string) (model.Session, error) {
	return c.sessionOp(ctx, sessionID, "resume", nil)
}

// AbortSession terminates the session with a best-effort stop.
func (c *Client) AbortSession(ctx context.Context, sessionID, reason string) (model.Session, error) {
	return c.sessionOp(ctx, sessionID, "abort", AbortSessionRequest{Reason: reason})
}

// GetSession fetches a session by ID ("" for the active one).
func (c *Client) GetSession(ctx context.Context, sessionID string) (model.Session, error) {
	var resp SessionResponse
	endpoint := "/sessions/current"
	if sessionID != "" {
		endpoint = "/sessions/" + url.PathEscape(sessionID)
	}
	if err := c.getJSON(ctx, endpoint, &resp); err != nil {
		return model.Session{}, err
	}
	return resp.Session, nil
}

// ClockModels fetches the clock model snapshots for a session.
func (c *Client) ClockModels(ctx context.Context, sessionID string) (ClockModelsResponse, error) {
	var resp ClockModelsResponse
	err := c.getJSON(ctx, "/sessions/"+url.PathEscape(sessionID)+"/clock-models", &resp)
	return resp, err
}

// Nodes lists registered nodes.
func (c *Client) Nodes(ctx context.Context) (NodesResponse, error) {
	var resp NodesResponse
	if err := c.getJSON(ctx, "/nodes", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// NodeHealth fetches one node's health snapshot.
func (c *Client) NodeHealth(ctx context.Context, nodeID string) (HealthResponse, error) {
	var resp HealthResponse
	err := c.getJSON(ctx, "/nodes/"+url.PathEscape(nodeID)+"/health", &resp)
	return resp, err
}

// Events streams session events as they occur, invoking handle per
// event until the stream or context ends.
func (c *Client) Events(ctx context.Context, handle func(model.Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return err
	}

	// The events stream is long-lived; bypass the client timeout.
	streamClient := &http.Client{}
	res, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("request failed: %s", res.Status)
	}

	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		handle(ev)
	}
	return scanner.Err()
}

func (c *Client) sessionOp(ctx context.Context, sessionID, op string, body any) (model.Session, error) {
	var resp SessionResponse
	endpoint := "/sessions/" + url.PathEscape(sessionID) + "/" + op
	if err := c.postJSON(ctx, endpoint, body, &resp); err != nil {
		return model.Session{}, err
	}
	return resp.Session, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return responseError(res)
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return responseError(res)
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

func responseError(res *http.Response) error {
	body, _ := io.ReadAll(res.Body)
	msg := strings.TrimSpace(string(body))
	if msg != "" {
		return fmt.Errorf("request failed: %s: %s", res.Status, msg)
	}
	return fmt.Errorf("request failed: %s", res.Status)
}
