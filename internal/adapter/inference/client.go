// Package inference contains the thin retrying client for the external ML
// segmentation service.
//
// The service streams NDJSON over a single POST: zero or more progress
// lines followed by exactly one result or error line. The client forwards
// progress callbacks from the read loop so per-image event ordering is the
// stream ordering.
package inference

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/histoseg/platform/internal/domain"
	"github.com/histoseg/platform/internal/observability"
)

// Client implements domain.InferenceClient over HTTP.
type Client struct {
	baseURL string
	hc      *http.Client
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

// New constructs a Client. timeout is the hard per-item cap; the caller's
// context may be shorter, never longer.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		// Transport timeout covers dial/headers; the overall run is
		// bounded by the request context, not the client timeout, so a
		// long inference stream is not cut off mid-read.
		hc: &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "ml-service",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("circuit breaker state change",
					slog.String("name", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		}),
		timeout: timeout,
	}
}

type runRequest struct {
	ImageID     string  `json:"image_id"`
	ImagePath   string  `json:"image_path"`
	Model       string  `json:"model"`
	Threshold   float64 `json:"threshold"`
	DetectHoles bool    `json:"detect_holes"`
}

// streamLine is one NDJSON line from the service.
type streamLine struct {
	Type     string           `json:"type"` // progress | result | error
	Stage    string           `json:"stage,omitempty"`
	Progress float64          `json:"progress,omitempty"`
	Polygons []domain.Polygon `json:"polygons,omitempty"`
	Duration int64            `json:"duration_ms,omitempty"`
	Message  string           `json:"message,omitempty"`
}

// Run executes one segmentation against the ML service. The initial
// connection is retried with backoff on transient faults; once the stream
// has produced progress, a failure surfaces to the caller instead, whose
// own retry budget decides what happens next.
func (c *Client) Run(ctx domain.Context, req domain.InferenceRequest, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error) {
	ctx, cancel := contextWithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(runRequest{
		ImageID:     req.ImageID,
		ImagePath:   req.ImagePath,
		Model:       req.Model,
		Threshold:   req.Threshold,
		DetectHoles: req.DetectHoles,
	})
	if err != nil {
		return domain.InferenceResult{}, fmt.Errorf("op=inference.run: %w", err)
	}

	started := time.Now()
	var result domain.InferenceResult
	streamStarted := false

	op := func() error {
		res, err := c.breaker.Execute(func() (any, error) {
			r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/segment", bytes.NewReader(body))
			if err != nil {
				return nil, backoff.Permanent(err)
			}
			r.Header.Set("Content-Type", "application/json")
			resp, err := c.hc.Do(r)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", domain.ErrTransient, err)
			}
			if resp.StatusCode != http.StatusOK {
				snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				_ = resp.Body.Close()
				if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
					return nil, fmt.Errorf("%w: ml service status %d: %s", domain.ErrTransient, resp.StatusCode, snippet)
				}
				return nil, backoff.Permanent(fmt.Errorf("%w: ml service status %d: %s", domain.ErrInvalidArgument, resp.StatusCode, snippet))
			}
			return resp, nil
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return fmt.Errorf("%w: %w", domain.ErrTransient, err)
			}
			return err
		}
		resp := res.(*http.Response)
		defer func() { _ = resp.Body.Close() }()

		streamStarted = true
		out, err := c.readStream(resp.Body, onProgress)
		if err != nil {
			// Mid-stream failure: the run may have side effects on the
			// service side, so never silently re-run here.
			return backoff.Permanent(err)
		}
		result = out
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Second),
		backoff.WithMaxInterval(10*time.Second),
	), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if ctx.Err() != nil && !streamStarted {
			return domain.InferenceResult{}, fmt.Errorf("op=inference.run: %w: %w", domain.ErrTransient, ctx.Err())
		}
		return domain.InferenceResult{}, fmt.Errorf("op=inference.run image=%s: %w", req.ImageID, err)
	}
	if result.Duration == 0 {
		result.Duration = time.Since(started)
	}
	observability.InferenceDuration.Observe(result.Duration.Seconds())
	return result, nil
}

// readStream consumes NDJSON lines until a terminal result or error line.
func (c *Client) readStream(r io.Reader, onProgress func(domain.InferenceProgress)) (domain.InferenceResult, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lastProgress := 0.0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg streamLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return domain.InferenceResult{}, fmt.Errorf("malformed stream line: %w", err)
		}
		switch msg.Type {
		case "progress":
			// Progress is monotone per run; clamp regressions from the
			// service rather than forwarding them.
			if msg.Progress < lastProgress {
				msg.Progress = lastProgress
			}
			lastProgress = msg.Progress
			if onProgress != nil {
				onProgress(domain.InferenceProgress{
					Stage:    domain.InferenceStage(msg.Stage),
					Progress: msg.Progress,
				})
			}
		case "result":
			return domain.InferenceResult{
				Polygons: msg.Polygons,
				Duration: time.Duration(msg.Duration) * time.Millisecond,
			}, nil
		case "error":
			return domain.InferenceResult{}, fmt.Errorf("%w: %s", domain.ErrInternal, msg.Message)
		}
	}
	if err := sc.Err(); err != nil {
		return domain.InferenceResult{}, fmt.Errorf("%w: stream read: %w", domain.ErrTransient, err)
	}
	return domain.InferenceResult{}, fmt.Errorf("%w: stream ended without result", domain.ErrTransient)
}

// Health pings the service readiness endpoint.
func (c *Client) Health(ctx domain.Context) error {
	ctx, cancel := contextWithTimeout(ctx, 5*time.Second)
	defer cancel()
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ml service status %d", domain.ErrTransient, resp.StatusCode)
	}
	return nil
}
