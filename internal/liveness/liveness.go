// Package liveness tracks agent heartbeats and marks silent agents offline.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ShayCichocki/fleet/internal/events"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Default timings.
const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultTimeoutFactor     = 3
)

// Store is the persistence the monitor needs.
type Store interface {
	state.Transactor
	state.AgentReader
}

// Reclaimer takes back every lease an agent holds.
type Reclaimer interface {
	ReclaimAgent(ctx context.Context, agentID string) (int, error)
}

// Nudger wakes the dispatcher.
type Nudger interface {
	Trigger()
}

// HeartbeatRequest is what an agent reports on each heartbeat.
type HeartbeatRequest struct {
	Metrics models.Metrics `json:"metrics"`
	// RunningJobIDs lists the jobs the agent believes it is executing.
	RunningJobIDs []string `json:"running_job_ids,omitempty"`
}

// HeartbeatResponse carries commands for the agent.
type HeartbeatResponse struct {
	Commands []models.Command `json:"commands"`
}

// Config holds liveness timings.
type Config struct {
	HeartbeatInterval time.Duration
	// HeartbeatTimeout defaults to three heartbeat intervals.
	HeartbeatTimeout time.Duration
	// SweepInterval defaults to half the heartbeat interval.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultTimeoutFactor * c.HeartbeatInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.HeartbeatInterval / 2
	}
	return c
}

// Monitor records heartbeats and sweeps for agents that stopped sending them.
type Monitor struct {
	store     Store
	reclaimer Reclaimer
	nudger    Nudger
	metrics   *metrics.Metrics
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics publishes heartbeat metrics to m.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mx }
}

// WithNudger sets the dispatcher to wake when an agent has spare capacity.
func WithNudger(n Nudger) Option {
	return func(m *Monitor) { m.nudger = n }
}

// New creates a Monitor. Offline agents' leases are handed to reclaimer.
func New(store Store, reclaimer Reclaimer, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		store:     store,
		reclaimer: reclaimer,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective timings.
func (m *Monitor) Config() Config {
	return m.cfg
}

// Heartbeat records that the agent is alive and returns any pending commands.
// It never moves jobs. Unknown and deactivated agents get
// models.ErrAgentNotFound and must register again.
func (m *Monitor) Heartbeat(ctx context.Context, agentID string, req HeartbeatRequest) (*HeartbeatResponse, error) {
	now := m.now()
	resp := &HeartbeatResponse{Commands: []models.Command{}}
	var agent *models.Agent

	err := m.store.Transaction(ctx, func(tx *state.Tx) error {
		a, err := tx.GetAgent(agentID)
		if errors.Is(err, models.ErrNotFound) {
			return fmt.Errorf("%s: %w", agentID, models.ErrAgentNotFound)
		}
		if err != nil {
			return err
		}
		if a.Status == models.AgentStatusDeactivated || a.Status == models.AgentStatusRegistered {
			return fmt.Errorf("%s is %s: %w", agentID, a.Status, models.ErrAgentNotFound)
		}

		if err := tx.TouchHeartbeat(agentID, now); err != nil {
			return err
		}
		if err := tx.UpsertMetrics(models.MetricsSnapshot{AgentID: agentID, Metrics: req.Metrics, ReportedAt: now}); err != nil {
			return err
		}

		if a.Status == models.AgentStatusOffline {
			next := models.AgentStatusOnline
			if a.DrainRequested {
				next = models.AgentStatusDraining
			}
			err := tx.SetAgentStatus(agentID, []models.AgentStatus{models.AgentStatusOffline}, next, now)
			if err != nil {
				return err
			}
			a.Status = next
			if err := tx.AppendEvent(events.ForAgent(a, models.EventAgentOnline, now, map[string]any{"status": next})); err != nil {
				return err
			}
		}

		if a.Status == models.AgentStatusDraining {
			resp.Commands = append(resp.Commands, models.Command{Type: models.CommandDrain})
		}

		if len(req.RunningJobIDs) > 0 {
			leases, err := tx.ActiveLeasesForAgent(agentID)
			if err != nil {
				return err
			}
			held := make(map[string]bool, len(leases))
			for _, l := range leases {
				if !l.Expired(now) {
					held[l.JobID] = true
				}
			}
			for _, jobID := range req.RunningJobIDs {
				if !held[jobID] {
					resp.Commands = append(resp.Commands, models.Command{Type: models.CommandAbandon, JobID: jobID})
				}
			}
		}

		agent = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat: %w", err)
	}

	m.metrics.ObserveAgent(agent.TenantID, agent.ID, req.Metrics)
	if m.nudger != nil && agent.Dispatchable() {
		m.nudger.Trigger()
	}
	return resp, nil
}

// Sweep marks every online or draining agent that has not heartbeated within
// the timeout as offline and reclaims its leases. A heartbeat that lands
// between the scan and the update wins. Returns the number of agents marked
// offline.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	cutoff := now.Add(-m.cfg.HeartbeatTimeout)

	stale, err := m.store.ListStaleAgents(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var errs []error
	marked := 0
	for i := range stale {
		a := &stale[i]
		err := m.store.Transaction(ctx, func(tx *state.Tx) error {
			if err := tx.MarkOfflineIfStale(a.ID, cutoff, now); err != nil {
				return err
			}
			return tx.AppendEvent(events.ForAgent(a, models.EventAgentOffline, now, map[string]any{
				"last_heartbeat_at": a.LastHeartbeatAt,
				"previous_status":   a.Status,
			}))
		})
		if errors.Is(err, models.ErrStaleState) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("mark agent %s offline: %w", a.ID, err))
			continue
		}
		marked++
		m.metrics.ForgetAgent(a.TenantID, a.ID)
		m.logger.Warn("agent offline", "agent", a.ID, "tenant", a.TenantID, "last_heartbeat", a.LastHeartbeatAt)

		if m.reclaimer == nil {
			continue
		}
		n, err := m.reclaimer.ReclaimAgent(ctx, a.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim leases of agent %s: %w", a.ID, err))
			continue
		}
		if n > 0 {
			m.logger.Info("reclaimed leases from offline agent", "agent", a.ID, "leases", n)
		}
	}
	return marked, errors.Join(errs...)
}

// Run sweeps every SweepInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("liveness sweep failed", "error", err)
			}
		}
	}
}
