// Package tracker follows leased jobs to completion. It accepts agent
// reports, reaps expired leases and reclaims leases from lost agents.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ShayCichocki/fleet/internal/events"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/internal/vault"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Default reaper settings.
const (
	DefaultReaperInterval = 5 * time.Second
	DefaultReapBatch      = 100
)

// Store is the persistence the tracker needs.
type Store interface {
	state.Transactor
	state.LeaseReader
}

// Nudger wakes the dispatcher.
type Nudger interface {
	Trigger()
}

// ProgressReport is an agent's interim status for a job.
type ProgressReport struct {
	Message string `json:"message,omitempty"`
	// Percent is advisory and not stored.
	Percent float64 `json:"percent,omitempty"`
}

// ResultAck tells the agent what became of its report.
type ResultAck struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
	// Discarded is set when the job was cancelled while the agent ran it.
	Discarded bool `json:"discarded"`
}

// Tracker owns lease resolution.
type Tracker struct {
	store    Store
	vault    vault.Provider
	nudger   Nudger
	metrics  *metrics.Metrics
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMetrics records expiries, exhausted retries and finished jobs in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithNudger sets the dispatcher to wake when a slot frees up.
func WithNudger(n Nudger) Option {
	return func(t *Tracker) { t.nudger = n }
}

// WithVault sets the credential provider used by ResolveCredential.
func WithVault(p vault.Provider) Option {
	return func(t *Tracker) { t.vault = p }
}

// WithReaperInterval sets how often Run reaps.
func WithReaperInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// New creates a Tracker.
func New(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		vault:    vault.Disabled{},
		interval: DefaultReaperInterval,
		batch:    DefaultReapBatch,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ReportProgress marks a leased job running. Further progress on a running
// job, or on a job cancelled while running, is accepted without change. An
// expired, resolved or unknown token is models.ErrInvalidLease.
func (t *Tracker) ReportProgress(ctx context.Context, token string, p ProgressReport) error {
	now := t.now()
	err := t.store.Transaction(ctx, func(tx *state.Tx) error {
		lease, err := tx.ActiveLeaseByToken(token, now)
		if err != nil {
			return err
		}
		j, err := tx.GetJob(lease.JobID)
		if err != nil {
			return err
		}
		switch j.Status {
		case models.JobStatusLeased:
			return startJob(tx, j, lease, now, p.Message)
		case models.JobStatusRunning, models.JobStatusCancelled:
			return nil
		default:
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, models.ErrStaleState)
		}
	})
	if err != nil {
		return fmt.Errorf("report progress: %w", err)
	}
	return nil
}

func startJob(tx *state.Tx, j *models.Job, lease *models.Lease, now time.Time, message string) error {
	j.Status = models.JobStatusRunning
	j.UpdatedAt = now
	if err := tx.SwapJob(models.JobStatusLeased, lease.ID, j); err != nil {
		return err
	}
	var detail any
	if message != "" {
		detail = map[string]string{"message": message}
	}
	return tx.AppendEvent(events.ForLease(j, lease, models.EventJobRunning, now, detail))
}

// ReportResult records the agent's outcome and releases the lease. A leased
// job passes through running first. Failures retry while attempts remain
// unless the agent marks them not retryable. The outcome of a job cancelled
// while running is discarded.
func (t *Tracker) ReportResult(ctx context.Context, token string, o models.Outcome) (*ResultAck, error) {
	now := t.now()
	ack := &ResultAck{}
	var agentID string

	err := t.store.Transaction(ctx, func(tx *state.Tx) error {
		lease, err := tx.ActiveLeaseByToken(token, now)
		if err != nil {
			return err
		}
		j, err := tx.GetJob(lease.JobID)
		if err != nil {
			return err
		}
		ack.JobID, agentID = j.ID, lease.AgentID

		if j.Status == models.JobStatusCancelled {
			if err := tx.ResolveLease(lease.ID, models.LeaseCancelled, now); err != nil {
				return err
			}
			if err := tx.ReleaseSlot(lease.AgentID, now); err != nil {
				return err
			}
			ack.Status, ack.Discarded = j.Status, true
			return tx.AppendEvent(events.ForLease(j, lease, models.EventResultDiscarded, now, map[string]any{
				"succeeded": o.Succeeded,
			}))
		}

		if j.Status == models.JobStatusLeased {
			if err := startJob(tx, j, lease, now, ""); err != nil {
				return err
			}
		}
		if j.Status != models.JobStatusRunning {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, models.ErrStaleState)
		}

		resolution := models.LeaseCompleted
		if !o.Succeeded {
			resolution = models.LeaseFailed
		}
		if err := tx.ResolveLease(lease.ID, resolution, now); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(lease.AgentID, now); err != nil {
			return err
		}

		j.UpdatedAt = now
		var ev *models.Event
		switch {
		case o.Succeeded:
			j.Status = models.JobStatusSucceeded
			j.Result = o.Output
			j.FinishedAt = &now
			ev = events.ForLease(j, lease, models.EventJobSucceeded, now, nil)
		case o.ShouldRetry() && j.AttemptCount+1 < j.MaxAttempts:
			j.AttemptCount++
			j.Status = models.JobStatusPending
			j.LeaseID = ""
			ev = events.ForLease(j, lease, models.EventJobRetried, now, map[string]any{
				"attempt_count": j.AttemptCount,
				"message":       o.Message,
			})
		default:
			j.AttemptCount++
			j.Status = models.JobStatusFailed
			j.Reason = models.AgentFailureReason(o.Message)
			j.Result = o.Output
			j.FinishedAt = &now
			ev = events.ForLease(j, lease, models.EventJobFailed, now, map[string]any{
				"reason":        j.Reason,
				"attempt_count": j.AttemptCount,
			})
		}
		if err := tx.SwapJob(models.JobStatusRunning, lease.ID, j); err != nil {
			return err
		}
		ack.Status = j.Status
		return tx.AppendEvent(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("report result: %w", err)
	}

	if ack.Status.Terminal() && !ack.Discarded {
		t.metrics.IncJobFinished(ack.Status)
	}
	t.logger.Info("job result", "job", ack.JobID, "agent", agentID, "status", ack.Status, "discarded", ack.Discarded)
	t.nudge()
	return ack, nil
}

// Reap resolves every current lease whose expiry has passed, then reclaims
// leases still held by offline or deactivated agents. Each job loses an
// attempt and goes back to pending if any remain, otherwise it fails with
// reason max_attempts_exceeded. Returns the number of leases released.
func (t *Tracker) Reap(ctx context.Context) (int, error) {
	now := t.now()
	expired, err := t.reapBatches(ctx, models.LeaseExpired, now, func() ([]models.Lease, error) {
		return t.store.ExpiredLeases(ctx, now, t.batch)
	})
	if err != nil {
		return expired, err
	}
	orphaned, err := t.reapBatches(ctx, models.LeaseReclaimed, now, func() ([]models.Lease, error) {
		return t.store.OrphanedLeases(ctx, t.batch)
	})
	return expired + orphaned, err
}

func (t *Tracker) reapBatches(ctx context.Context, resolution models.LeaseResolution, now time.Time, next func() ([]models.Lease, error)) (int, error) {
	total := 0
	for {
		leases, err := next()
		if err != nil {
			return total, err
		}
		n, err := t.releaseAll(ctx, leases, resolution, now)
		total += n
		if err != nil || len(leases) < t.batch || n == 0 {
			return total, err
		}
	}
}

// ReclaimAgent resolves every current lease the agent holds, expired or not,
// with the same retry rules as Reap. Returns the number of leases reclaimed.
func (t *Tracker) ReclaimAgent(ctx context.Context, agentID string) (int, error) {
	leases, err := t.store.ActiveLeasesForAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	return t.releaseAll(ctx, leases, models.LeaseReclaimed, t.now())
}

func (t *Tracker) releaseAll(ctx context.Context, leases []models.Lease, resolution models.LeaseResolution, now time.Time) (int, error) {
	var errs []error
	released := 0
	for i := range leases {
		l := &leases[i]
		status, err := t.release(ctx, l, resolution, now)
		if errors.Is(err, models.ErrStaleState) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("release lease %s: %w", l.ID, err))
			continue
		}
		released++

		cause := metrics.CauseTimeout
		if resolution == models.LeaseReclaimed {
			cause = metrics.CauseReclaimed
		}
		t.metrics.IncLeaseExpired(cause)
		if status == models.JobStatusFailed {
			t.metrics.IncRetryExhausted()
			t.metrics.IncJobFinished(status)
		}
		t.logger.Warn("lease released without result", "lease", l.ID, "job", l.JobID, "agent", l.AgentID,
			"cause", cause, "job_status", status)
	}
	if released > 0 {
		t.nudge()
	}
	return released, errors.Join(errs...)
}

// release resolves one lease and returns the job's resulting status. A lease
// resolved concurrently, or no longer its job's current lease, is
// models.ErrStaleState.
func (t *Tracker) release(ctx context.Context, l *models.Lease, resolution models.LeaseResolution, now time.Time) (models.JobStatus, error) {
	var status models.JobStatus
	err := t.store.Transaction(ctx, func(tx *state.Tx) error {
		j, err := tx.GetJob(l.JobID)
		if err != nil {
			return err
		}
		if j.LeaseID != l.ID {
			return fmt.Errorf("lease %s superseded: %w", l.ID, models.ErrStaleState)
		}
		if err := tx.ResolveLease(l.ID, resolution, now); err != nil {
			return err
		}
		if err := tx.ReleaseSlot(l.AgentID, now); err != nil {
			return err
		}

		evType := models.EventLeaseExpired
		if resolution == models.LeaseReclaimed {
			evType = models.EventLeaseReclaimed
		}

		status = j.Status
		if !j.Status.Leased() {
			// Cancelled while running: the slot is freed, nothing is retried.
			return tx.AppendEvent(events.ForLease(j, l, evType, now, map[string]any{"job_status": j.Status}))
		}

		prevStatus := j.Status
		j.AttemptCount++
		j.UpdatedAt = now
		var follow *models.Event
		if j.AttemptsRemaining() {
			j.Status = models.JobStatusPending
			j.LeaseID = ""
			follow = events.ForLease(j, l, models.EventJobRetried, now, map[string]any{"attempt_count": j.AttemptCount})
		} else {
			j.Status = models.JobStatusFailed
			j.Reason = models.ReasonMaxAttemptsExceeded
			j.FinishedAt = &now
			follow = events.ForLease(j, l, models.EventJobFailed, now, map[string]any{
				"reason":        j.Reason,
				"attempt_count": j.AttemptCount,
			})
		}
		if err := tx.SwapJob(prevStatus, l.ID, j); err != nil {
			return err
		}
		status = j.Status
		if err := tx.AppendEvent(events.ForLease(j, l, evType, now, map[string]any{"attempt_count": j.AttemptCount})); err != nil {
			return err
		}
		return tx.AppendEvent(follow)
	})
	return status, err
}

// Run reaps every reaper interval until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := t.Reap(ctx); err != nil && ctx.Err() == nil {
				t.logger.Warn("lease reaper failed", "error", err)
			}
		}
	}
}

// ResolveCredential issues a short-lived credential for the job held under
// token, scoped to the job's tenant. The secret is returned to the caller
// only.
func (t *Tracker) ResolveCredential(ctx context.Context, token, asset string) (*vault.Credential, error) {
	asset = strings.TrimSpace(asset)
	if asset == "" {
		return nil, fmt.Errorf("asset name is required: %w", models.ErrInvalidArgument)
	}

	now := t.now()
	var j *models.Job
	err := t.store.Transaction(ctx, func(tx *state.Tx) error {
		lease, err := tx.ActiveLeaseByToken(token, now)
		if err != nil {
			return err
		}
		j, err = tx.GetJob(lease.JobID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	cred, err := t.vault.Issue(ctx, j.TenantID, asset)
	if err != nil {
		return nil, fmt.Errorf("resolve credential %s: %w", asset, err)
	}
	t.logger.Info("credential issued", "job", j.ID, "tenant", j.TenantID, "asset", asset, "expires_at", cred.ExpiresAt)
	return cred, nil
}

func (t *Tracker) nudge() {
	if t.nudger != nil {
		t.nudger.Trigger()
	}
}
