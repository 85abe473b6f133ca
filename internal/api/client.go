package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"fractal/internal/services"
)

// Client talks to a running daemon over HTTP.
type Client struct {
	base   string
	token  string
	http   *http.Client
	stream *http.Client
}

// NewClient targets bind ("host:port" or a full URL).
func NewClient(bind, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(bind), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		base:   base,
		token:  strings.TrimSpace(token),
		http:   &http.Client{Timeout: 10 * time.Second},
		stream: &http.Client{},
	}
}

// Toggle applies the lifecycle control.
func (c *Client) Toggle(ctx context.Context) (*ToggleResponse, error) {
	var resp ToggleResponse
	if err := c.do(ctx, http.MethodPost, "/api/toggle", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel stops the active session.
func (c *Client) Cancel(ctx context.Context) (*CancelResponse, error) {
	var resp CancelResponse
	if err := c.do(ctx, http.MethodPost, "/api/cancel", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// State fetches the current snapshot.
func (c *Client) State(ctx context.Context) (*State, error) {
	var resp State
	if err := c.do(ctx, http.MethodGet, "/api/state", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Conditions fetches the live device reading.
func (c *Client) Conditions(ctx context.Context) (*ConditionsResponse, error) {
	var resp ConditionsResponse
	if err := c.do(ctx, http.MethodGet, "/api/conditions", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// History lists up to limit sessions; zero returns every session.
func (c *Client) History(ctx context.Context, limit int) (*HistoryResponse, error) {
	var resp HistoryResponse
	path := "/api/history?limit=" + strconv.Itoa(max(0, limit))
	if err := c.do(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Watch streams snapshots to fn until ctx ends, the server closes the
// stream, or fn returns an error.
func (c *Client) Watch(ctx context.Context, fn func(State) error) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/state/stream")
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case line == "" && data.Len() > 0:
			var state State
			if err := json.Unmarshal([]byte(data.String()), &state); err != nil {
				return fmt.Errorf("decode state event: %w", err)
			}
			data.Reset()
			if err := fn(state); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("read state stream: %w", err)
	}
	return ctx.Err()
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := c.newRequest(ctx, method, path)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return c.transportError(ctx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string) (*http.Request, error) {
	target, err := url.Parse(c.base + path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "api client", "build request", c.base, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) transportError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return services.Wrap(services.ErrExternal, "api client", "connect", "is fractald running at "+c.base+"?", err)
}

// StatusError is returned for non-2xx replies.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d", e.Code)
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Code, e.Message)
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload ErrorResponse
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(body))
	}
	return &StatusError{Code: resp.StatusCode, Message: payload.Error}
}

// IsUnauthorized reports whether err is a 401 from the daemon.
func IsUnauthorized(err error) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code == http.StatusUnauthorized
}
