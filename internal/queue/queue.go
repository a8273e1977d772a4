// Package queue holds per-tenant priority queues of pending jobs.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ShayCichocki/fleet/internal/events"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Defaults applied to enqueued jobs and the idempotency window.
const (
	DefaultMaxAttempts          = 3
	DefaultTimeout              = 300 * time.Second
	DefaultIdempotencyRetention = 24 * time.Hour
	DefaultIdempotencyCacheSize = 4096
)

// Store is the persistence the queue needs.
type Store interface {
	state.Transactor
	state.JobReader
	PurgeIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
}

// Nudger wakes the dispatcher.
type Nudger interface {
	Trigger()
}

// QuotaFunc returns a tenant's maximum number of pending jobs. Zero or less
// means unlimited.
type QuotaFunc func(tenantID string) int

// EnqueueRequest describes a job to add.
type EnqueueRequest struct {
	TenantID             string          `json:"tenant_id"`
	PackageRef           string          `json:"package_ref"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	RequiredCapabilities []string        `json:"required_capabilities,omitempty"`
	Priority             int             `json:"priority"`
	MaxAttempts          int             `json:"max_attempts,omitempty"`
	TimeoutSeconds       int             `json:"timeout_seconds,omitempty"`
	NotBefore            *time.Time      `json:"not_before,omitempty"`
	IdempotencyKey       string          `json:"idempotency_key,omitempty"`
}

// Config holds queue defaults and limits.
type Config struct {
	DefaultMaxAttempts   int
	DefaultTimeout       time.Duration
	IdempotencyRetention time.Duration
	IdempotencyCacheSize int
	// Quota is consulted on every enqueue so limits can change at runtime.
	Quota QuotaFunc
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.IdempotencyRetention <= 0 {
		c.IdempotencyRetention = DefaultIdempotencyRetention
	}
	if c.IdempotencyCacheSize <= 0 {
		c.IdempotencyCacheSize = DefaultIdempotencyCacheSize
	}
	if c.Quota == nil {
		c.Quota = func(string) int { return 0 }
	}
	return c
}

type cachedKey struct {
	jobID     string
	createdAt time.Time
}

// Queue accepts, lists and cancels jobs.
type Queue struct {
	store   Store
	cfg     Config
	keys    *lru.Cache[string, cachedKey]
	nudger  Nudger
	metrics *metrics.Metrics
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics counts cancellations in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithNudger sets the dispatcher to wake on new work.
func WithNudger(n Nudger) Option {
	return func(q *Queue) { q.nudger = n }
}

// New creates a Queue.
func New(store Store, cfg Config, opts ...Option) *Queue {
	cfg = cfg.withDefaults()
	// lru.New only errors on a non-positive size, which withDefaults rules out.
	keys, _ := lru.New[string, cachedKey](cfg.IdempotencyCacheSize)
	q := &Queue{
		store:  store,
		cfg:    cfg,
		keys:   keys,
		now:    time.Now,
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func cacheKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (q *Queue) validate(req *EnqueueRequest) error {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.PackageRef = strings.TrimSpace(req.PackageRef)
	switch {
	case req.TenantID == "":
		return fmt.Errorf("tenant_id is required: %w", models.ErrInvalidArgument)
	case req.PackageRef == "":
		return fmt.Errorf("package_ref is required: %w", models.ErrInvalidArgument)
	case req.MaxAttempts < 0:
		return fmt.Errorf("max_attempts must be positive: %w", models.ErrInvalidArgument)
	case req.TimeoutSeconds < 0:
		return fmt.Errorf("timeout_seconds must be positive: %w", models.ErrInvalidArgument)
	}
	if len(req.Parameters) > 0 {
		trimmed := bytes.TrimSpace(req.Parameters)
		if !json.Valid(trimmed) || len(trimmed) == 0 || trimmed[0] != '{' {
			return fmt.Errorf("parameters must be a JSON object: %w", models.ErrInvalidArgument)
		}
		req.Parameters = trimmed
	}
	return nil
}

// Enqueue validates and stores a new pending job and returns its id. A
// repeated idempotency key within the retention window returns the original
// job's id without creating another. A tenant at its pending limit gets
// models.ErrTenantQuotaExceeded.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (string, error) {
	if err := q.validate(&req); err != nil {
		return "", err
	}
	now := q.now()
	since := now.Add(-q.cfg.IdempotencyRetention)

	if req.IdempotencyKey != "" {
		if hit, ok := q.keys.Get(cacheKey(req.TenantID, req.IdempotencyKey)); ok && hit.createdAt.After(since) {
			return hit.jobID, nil
		}
	}

	j := &models.Job{
		ID:                   uuid.NewString(),
		TenantID:             req.TenantID,
		PackageRef:           req.PackageRef,
		Parameters:           req.Parameters,
		RequiredCapabilities: models.NewCapabilities(req.RequiredCapabilities...),
		Priority:             req.Priority,
		Status:               models.JobStatusPending,
		MaxAttempts:          req.MaxAttempts,
		TimeoutSeconds:       req.TimeoutSeconds,
		CreatedAt:            now,
		UpdatedAt:            now,
		NotBefore:            req.NotBefore,
		IdempotencyKey:       req.IdempotencyKey,
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if j.TimeoutSeconds == 0 {
		j.TimeoutSeconds = int(q.cfg.DefaultTimeout / time.Second)
	}

	jobID := j.ID
	duplicate := false
	err := q.store.Transaction(ctx, func(tx *state.Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.LookupIdempotencyKey(req.TenantID, req.IdempotencyKey, since)
			if err != nil {
				return err
			}
			if existing != "" {
				jobID, duplicate = existing, true
				return nil
			}
		}

		if limit := q.cfg.Quota(req.TenantID); limit > 0 {
			pending, err := tx.CountPending(req.TenantID)
			if err != nil {
				return err
			}
			if pending >= limit {
				return fmt.Errorf("tenant %s has %d pending jobs (limit %d): %w",
					req.TenantID, pending, limit, models.ErrTenantQuotaExceeded)
			}
		}

		if err := tx.InsertJob(j); err != nil {
			return err
		}
		if req.IdempotencyKey != "" {
			if err := tx.PutIdempotencyKey(req.TenantID, req.IdempotencyKey, j.ID, now); err != nil {
				return err
			}
		}
		return tx.AppendEvent(events.ForJob(j, models.EventJobEnqueued, now, map[string]any{
			"priority":     j.Priority,
			"package_ref":  j.PackageRef,
			"max_attempts": j.MaxAttempts,
		}))
	})
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	if duplicate {
		return jobID, nil
	}
	if req.IdempotencyKey != "" {
		q.keys.Add(cacheKey(req.TenantID, req.IdempotencyKey), cachedKey{jobID: jobID, createdAt: now})
	}

	q.logger.Info("job enqueued", "job", jobID, "tenant", req.TenantID, "priority", req.Priority)
	if q.nudger != nil {
		q.nudger.Trigger()
	}
	return jobID, nil
}

// PeekCandidates returns up to limit ready pending jobs of a tenant in
// dispatch order, restricted to jobs whose required capabilities are all
// held by at least one of pool. Jobs no single capability set covers do not
// count toward limit. An empty pool matches every job.
func (q *Queue) PeekCandidates(ctx context.Context, tenantID string, pool []models.Capabilities, limit int) ([]models.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	var out []models.Job
	err := q.store.PendingJobs(ctx, tenantID, q.now(), func(j *models.Job) bool {
		if servable(pool, j.RequiredCapabilities) {
			out = append(out, *j)
		}
		return len(out) < limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func servable(pool []models.Capabilities, required models.Capabilities) bool {
	if len(pool) == 0 {
		return true
	}
	for _, caps := range pool {
		if caps.Covers(required) {
			return true
		}
	}
	return false
}

// Cancel moves a non-terminal job to cancelled. A leased job's lease is
// invalidated and its slot released. A running job keeps its lease so the
// agent's final report is accepted and discarded.
func (q *Queue) Cancel(ctx context.Context, jobID, reason string) error {
	if reason == "" {
		reason = models.ReasonCancelled
	}
	now := q.now()
	err := q.store.Transaction(ctx, func(tx *state.Tx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		prevStatus, prevLease := j.Status, j.LeaseID
		if prevStatus.Terminal() {
			return fmt.Errorf("job %s is %s: %w", jobID, prevStatus, models.ErrInvalidTransition)
		}

		if prevStatus == models.JobStatusLeased {
			if err := tx.ResolveLease(prevLease, models.LeaseCancelled, now); err != nil {
				return err
			}
			if err := tx.ReleaseSlot(j.AgentID, now); err != nil {
				return err
			}
		}

		j.Status = models.JobStatusCancelled
		j.Reason = reason
		j.FinishedAt = &now
		j.UpdatedAt = now
		if err := tx.SwapJob(prevStatus, prevLease, j); err != nil {
			return err
		}
		return tx.AppendEvent(events.ForJob(j, models.EventJobCancelled, now, map[string]any{
			"reason":          reason,
			"previous_status": prevStatus,
		}))
	})
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	q.metrics.IncJobFinished(models.JobStatusCancelled)
	q.logger.Info("job cancelled", "job", jobID, "reason", reason)
	return nil
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, jobID string) (*models.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// List returns jobs matching f, newest first.
func (q *Queue) List(ctx context.Context, f state.JobFilter) ([]models.Job, error) {
	for _, s := range f.Statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("unknown job status %q: %w", s, models.ErrInvalidArgument)
		}
	}
	return q.store.ListJobs(ctx, f)
}

// Depth returns the number of pending jobs per tenant.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	return q.store.QueueDepth(ctx)
}

// PurgeIdempotencyKeys deletes durable keys older than the retention window.
func (q *Queue) PurgeIdempotencyKeys(ctx context.Context) (int64, error) {
	return q.store.PurgeIdempotencyKeys(ctx, q.now().Add(-q.cfg.IdempotencyRetention))
}

// RunPurge purges expired idempotency keys every interval until ctx is
// cancelled.
func (q *Queue) RunPurge(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := q.PurgeIdempotencyKeys(ctx)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Warn("idempotency key purge failed", "error", err)
				}
				continue
			}
			if n > 0 {
				q.logger.Debug("purged idempotency keys", "count", n)
			}
		}
	}
}
