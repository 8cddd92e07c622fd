package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"runplane/pkg/api"
)

// errStreamEnded is returned when the event stream closes before the final
// report arrived.
var errStreamEnded = errors.New("stream ended before the session finished")

// Client handles API calls to the runplane controller.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// StreamClient has no overall timeout; sessions may run for hours.
	StreamClient *http.Client
}

// NewClient creates a new client with the given base URL and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		StreamClient: &http.Client{},
	}
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		blob, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(blob)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Add("Authorization", "Bearer "+c.Token)
	req.Header.Add("Content-Type", "application/json")
	return req, nil
}

// do sends a JSON request and decodes a JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apiError(resp.StatusCode, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func apiError(status int, body []byte) *APIError {
	var e api.ErrorResponse
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return &APIError{StatusCode: status, Message: e.Error}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body))}
}

// Submit sends POST /sessions and returns the new session id.
func (c *Client) Submit(ctx context.Context, req api.SubmitRequest) (*api.SubmitResponse, error) {
	req.Stream = false
	var result api.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/sessions", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// SubmitAndStream sends POST /sessions with streaming on and calls fn for
// every message until the final report.
func (c *Client) SubmitAndStream(ctx context.Context, req api.SubmitRequest, fn func(api.StreamMessage) error) error {
	req.Stream = true
	return c.stream(ctx, http.MethodPost, "/sessions", req, fn)
}

// Attach follows a running session's stream.
func (c *Client) Attach(ctx context.Context, sessionID string, fn func(api.StreamMessage) error) error {
	return c.stream(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/stream", nil, fn)
}

// GetSession sends GET /sessions/{id}.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*api.SessionResponse, error) {
	var result api.SessionResponse
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListSessions sends GET /sessions.
func (c *Client) ListSessions(ctx context.Context, limit int) ([]api.SessionResponse, error) {
	var result api.ListSessionsResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/sessions?limit=%d", limit), nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// Stop sends POST /sessions/{id}/stop.
func (c *Client) Stop(ctx context.Context, sessionID, reason string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/stop", api.StopRequest{Reason: reason}, nil)
}

// Input sends POST /sessions/{id}/input.
func (c *Client) Input(ctx context.Context, sessionID, targets, data string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/input", api.InputRequest{Targets: targets, Data: data}, nil)
}

func (c *Client) stream(ctx context.Context, method, path string, body any, fn func(api.StreamMessage) error) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.StreamClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return apiError(resp.StatusCode, respBody)
	}

	return readEvents(resp.Body, func(event string, data []byte) error {
		if event == "session" {
			return nil
		}
		var msg api.StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("failed to parse %s event: %w", event, err)
		}
		if err := fn(msg); err != nil {
			return err
		}
		if msg.Type == api.MessageFinished {
			return io.EOF
		}
		return nil
	})
}

// readEvents parses a server-sent event stream and calls fn once per event.
// fn returning io.EOF ends the read without error.
func readEvents(r io.Reader, fn func(event string, data []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)

	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				event = ""
				continue
			}
			err := fn(event, bytes.TrimSuffix(data.Bytes(), []byte("\n")))
			event = ""
			data.Reset()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return errStreamEnded
}
