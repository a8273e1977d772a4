package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// Sink receives batches of audit events. Deliver must be safe to retry with
// the same batch; delivery is at-least-once.
type Sink interface {
	Deliver(ctx context.Context, batch []models.Event) error
}

// LogSink writes each event as a structured log record.
type LogSink struct {
	Logger *slog.Logger
}

// Deliver logs every event in batch at info level.
func (s *LogSink) Deliver(ctx context.Context, batch []models.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for _, e := range batch {
		logger.LogAttrs(ctx, slog.LevelInfo, "audit event",
			slog.Int64("id", e.ID),
			slog.String("type", string(e.Type)),
			slog.String("subject", e.Subject),
			slog.Int64("seq", e.Seq),
			slog.String("tenant", e.TenantID),
			slog.String("job", e.JobID),
			slog.String("agent", e.AgentID),
			slog.String("lease", e.LeaseID),
		)
	}
	return nil
}

// WebhookSink POSTs batches as a JSON array to a URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

// NewWebhookSink returns a sink posting to url with the given request timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Deliver posts batch and treats any non-2xx response as a failure.
func (s *WebhookSink) Deliver(ctx context.Context, batch []models.Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return fmt.Errorf("post events: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post events: webhook returned %s", resp.Status)
	}
	return nil
}

// ChannelSink fans delivered events out to an in-process subscriber. When
// the buffer is full it waits briefly and then drops the event.
type ChannelSink struct {
	events  chan models.Event
	dropped atomic.Uint64
}

// NewChannelSink creates a ChannelSink with the given buffer size.
func NewChannelSink(bufferSize int) *ChannelSink {
	return &ChannelSink{events: make(chan models.Event, bufferSize)}
}

// Deliver sends each event to the channel. It never fails.
func (s *ChannelSink) Deliver(ctx context.Context, batch []models.Event) error {
	for _, e := range batch {
		select {
		case s.events <- e:
			continue
		default:
		}

		select {
		case s.events <- e:
		case <-time.After(100 * time.Millisecond):
			s.dropped.Add(1)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Events returns the subscriber side of the sink.
func (s *ChannelSink) Events() <-chan models.Event {
	return s.events
}

// Dropped returns how many events were dropped because nobody was reading.
func (s *ChannelSink) Dropped() uint64 {
	return s.dropped.Load()
}

// MultiSink delivers to every sink in order and stops at the first error.
type MultiSink []Sink

// Deliver implements Sink.
func (m MultiSink) Deliver(ctx context.Context, batch []models.Event) error {
	for _, s := range m {
		if err := s.Deliver(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}
