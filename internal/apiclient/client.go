// Package apiclient is the viewer's client for the session REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/agent-visualizer/backend/internal/event"
	"github.com/agent-visualizer/backend/internal/logger"
	"github.com/agent-visualizer/backend/internal/model"
)

// DefaultTimeout bounds each request when no http.Client is supplied.
const DefaultTimeout = 10 * time.Second

// Error is a non-2xx response from the API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("api error: %d %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("api error: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Unwrap maps API error codes to the model sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case "SESSION_NOT_FOUND":
		return model.ErrSessionNotFound
	case "SESSION_NOT_RUNNING":
		return model.ErrSessionNotRunning
	}
	return nil
}

// Client wraps API calls.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the API at baseURL. A nil httpClient uses one
// with DefaultTimeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ListSessions returns all sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]*model.Session, error) {
	var resp struct {
		Sessions []*model.Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession returns a session and its transcript.
func (c *Client) GetSession(ctx context.Context, id string) (*model.SessionDetail, error) {
	var detail model.SessionDetail
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &detail); err != nil {
		return nil, err
	}
	if detail.Session == nil {
		return nil, fmt.Errorf("get session %s: empty response", id)
	}
	return &detail, nil
}

// CreateSession creates a running session.
func (c *Client) CreateSession(ctx context.Context, name string) (*model.Session, error) {
	var session model.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", &model.CreateSessionRequest{Name: name}, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Chat sends a user turn. The agent's reply arrives over the relay.
func (c *Client) Chat(ctx context.Context, sessionID, message string) error {
	req := &model.ChatRequest{SessionID: sessionID, Message: message}
	return c.doJSON(ctx, http.MethodPost, "/chat", req, nil)
}

// ExportTranscript downloads a session transcript in JSON-lines form.
func (c *Client) ExportTranscript(ctx context.Context, id string) ([]*event.Envelope, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id)+"/logs", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	_, events, err := logger.ReadTranscript(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("export session %s: %w", id, err)
	}
	return events, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return resp, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode, Message: resp.Status}

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		apiErr.Code = body.Error.Code
		if body.Error.Message != "" {
			apiErr.Message = body.Error.Message
		}
	}
	return apiErr
}
