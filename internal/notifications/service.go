package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"fractal/internal/config"
)

const userAgent = "Fractal-Go/0.1.0"

// Indicator is the foreground signal shown while a session runs. Start is
// called once when the session task begins, Update as progress moves, and
// Stop exactly once when the session ends.
type Indicator interface {
	Start(ctx context.Context, progress int) error
	Update(ctx context.Context, progress int) error
	Stop(ctx context.Context) error
}

// NewIndicator builds an ntfy-backed indicator when a topic is configured.
// Without a topic a noop implementation is returned.
func NewIndicator(cfg *config.Config) Indicator {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return Noop{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	interval := time.Duration(cfg.Notifications.MinUpdateInterval) * time.Second

	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &ntfyIndicator{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 1),
		last:     -1,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyIndicator struct {
	endpoint string
	client   *http.Client
	limiter  *rate.Limiter

	mu   sync.Mutex
	last int
}

func (n *ntfyIndicator) Start(ctx context.Context, progress int) error {
	n.mu.Lock()
	n.last = progress
	n.mu.Unlock()
	return n.send(ctx, payload{
		title:   "Fractal - Training Started",
		message: fmt.Sprintf("Training session started at %d%%", progress),
		tags:    []string{"fractal", "training", "started"},
	})
}

// Update forwards progress at most once per configured interval and never
// repeats a value already sent.
func (n *ntfyIndicator) Update(ctx context.Context, progress int) error {
	n.mu.Lock()
	if progress == n.last || !n.limiter.Allow() {
		n.mu.Unlock()
		return nil
	}
	n.last = progress
	n.mu.Unlock()
	return n.send(ctx, payload{
		title:    "Fractal - Training",
		message:  fmt.Sprintf("Training progress: %d%%", progress),
		tags:     []string{"fractal", "training", "progress"},
		priority: "low",
	})
}

func (n *ntfyIndicator) Stop(ctx context.Context) error {
	n.mu.Lock()
	n.last = -1
	n.mu.Unlock()
	return n.send(ctx, payload{
		title:   "Fractal - Training Stopped",
		message: "Training session ended",
		tags:    []string{"fractal", "training", "stopped"},
	})
}

func (n *ntfyIndicator) send(ctx context.Context, data payload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Noop discards every signal.
type Noop struct{}

func (Noop) Start(context.Context, int) error  { return nil }
func (Noop) Update(context.Context, int) error { return nil }
func (Noop) Stop(context.Context) error        { return nil }
