// Package transport delivers checkpoints to the remote aggregation server.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fractal/internal/config"
	"fractal/internal/services"
)

const uploadPath = "/upload/checkpoint"

// ErrDisabled is returned when no upload endpoint is configured.
var ErrDisabled = errors.New("checkpoint upload disabled")

// Uploader sends a checkpoint blob under a destination name.
type Uploader interface {
	Upload(ctx context.Context, blob []byte, destination string) error
}

// HTTPUploader POSTs checkpoints as multipart form data (field "file") to
// <server>/upload/checkpoint.
type HTTPUploader struct {
	endpoint    string
	client      *http.Client
	maxAttempts int
	backoff     func() backoff.BackOff
}

// NewUploader returns an HTTP uploader, or a Disabled uploader when the
// server URL is empty.
func NewUploader(cfg *config.Config) Uploader {
	base := strings.TrimRight(strings.TrimSpace(cfg.Upload.ServerURL), "/")
	if base == "" {
		return Disabled{}
	}
	return &HTTPUploader{
		endpoint:    base + uploadPath,
		client:      &http.Client{Timeout: cfg.UploadTimeout()},
		maxAttempts: max(1, cfg.Upload.MaxAttempts),
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 2 * time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Upload retries dropped connections and 5xx responses; 4xx responses fail
// immediately.
func (u *HTTPUploader) Upload(ctx context.Context, blob []byte, destination string) error {
	if len(blob) == 0 {
		return services.Wrap(services.ErrValidation, "transport", "upload", "empty checkpoint", nil)
	}
	schedule := backoff.WithContext(backoff.WithMaxRetries(u.backoff(), uint64(u.maxAttempts-1)), ctx)
	err := backoff.Retry(func() error {
		return u.post(ctx, blob, destination)
	}, schedule)
	if err != nil {
		if ctx.Err() != nil {
			return services.Wrap(services.ErrTimeout, "transport", "upload", destination, err)
		}
		return services.Wrap(services.ErrExternal, "transport", "upload", destination, err)
	}
	return nil
}

func (u *HTTPUploader) post(ctx context.Context, blob []byte, destination string) error {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	field, err := writer.CreateFormFile("file", destination)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create file field: %w", err))
	}
	if _, err := field.Write(blob); err != nil {
		return backoff.Permanent(fmt.Errorf("write checkpoint: %w", err))
	}
	if err := writer.Close(); err != nil {
		return backoff.Permanent(fmt.Errorf("close multipart writer: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Disabled rejects every upload with ErrDisabled.
type Disabled struct{}

func (Disabled) Upload(context.Context, []byte, string) error { return ErrDisabled }
