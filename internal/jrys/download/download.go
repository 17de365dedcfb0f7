// Package download fetches a URL into a file so that the destination either
// holds the complete body or is left untouched.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mew/jrys/internal/jrys/cache"
	"mew/jrys/internal/jrys/metrics"
	"mew/jrys/pkg/logx"
)

// DefaultUserAgent is a desktop browser string; some image hosts refuse
// obvious bot agents.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/58.0.3029.110 Safari/537.3"

const chunkSize = 64 << 10

var ErrDownloadFailed = errors.New("download failed")

type Downloader struct {
	client    *http.Client
	log       zerolog.Logger
	retries   int
	backoff   time.Duration
	userAgent string
	metrics   *metrics.Metrics
}

type Option func(*Downloader)

// WithRetries sets how many extra attempts follow a retryable failure.
func WithRetries(n int) Option {
	return func(d *Downloader) {
		if n >= 0 {
			d.retries = n
		}
	}
}

// WithBackoff sets the base delay; attempt k waits k*d.
func WithBackoff(b time.Duration) Option {
	return func(d *Downloader) {
		if b >= 0 {
			d.backoff = b
		}
	}
}

func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		if strings.TrimSpace(ua) != "" {
			d.userAgent = ua
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Downloader) { d.metrics = m }
}

func New(client *http.Client, log zerolog.Logger, opts ...Option) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	d := &Downloader{
		client:    client,
		log:       log,
		retries:   1,
		backoff:   200 * time.Millisecond,
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Client exposes the underlying HTTP client.
func (d *Downloader) Client() *http.Client { return d.client }

// StatusError reports a non-2xx response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

type permanentError struct{ error }

func (e permanentError) Unwrap() error { return e.error }

func retryable(err error) bool {
	var p permanentError
	return !errors.As(err, &p)
}

// Fetch downloads url into dest. label only tags logs and metrics.
//
// The body is streamed to a sibling temp file and moved over dest on success.
// On any failure the temp file is removed and dest is not touched. Server
// errors and transport errors are retried; other statuses fail at once.
// Cancellation of ctx returns ctx.Err() without further attempts.
func (d *Downloader) Fetch(ctx context.Context, label, url, dest string) error {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, d.backoff*time.Duration(attempt)); err != nil {
				return err
			}
		}

		err := d.fetchOnce(ctx, url, dest)
		if err == nil {
			d.metrics.ObserveDownload(label, true)
			d.log.Debug().Str("label", label).Str("dest", dest).Msg("download ok")
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		lastErr = err
		final := attempt == d.retries || !retryable(err)
		d.logAttempt(label, url, attempt, err, final)
		if final {
			break
		}
	}

	d.metrics.ObserveDownload(label, false)
	return fmt.Errorf("%w: %s: %w", ErrDownloadFailed, label, lastErr)
}

// logAttempt writes one line per failed attempt. Attempts that will be
// retried log at warn, the last one at error.
func (d *Downloader) logAttempt(label, url string, attempt int, err error, final bool) {
	ev := d.log.Warn()
	if final {
		ev = d.log.Error()
	}
	ev = ev.Str("label", label).
		Str("url", url).
		Int("attempt", attempt+1).
		Int("attempts", d.retries+1)
	var se *StatusError
	if errors.As(err, &se) {
		ev = ev.Int("status", se.Code)
	}
	ev.Str("reason", logx.Truncate(err.Error(), 200)).Msg("download attempt failed")
}

func (d *Downloader) fetchOnce(ctx context.Context, url, dest string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return permanentError{err}
	}
	req.Header.Set("User-Agent", d.userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		se := &StatusError{Code: resp.StatusCode}
		if se.Code >= 500 {
			return se
		}
		return permanentError{se}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp := dest + "." + cache.NewToken() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()

	buf := make([]byte, chunkSize)
	if _, err = io.CopyBuffer(f, resp.Body, buf); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	return cache.MoveFile(tmp, dest)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
