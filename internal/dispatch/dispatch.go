// Package dispatch matches pending jobs to agents and issues leases.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/fleet/internal/events"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// Default timings.
const (
	DefaultPollInterval    = 2 * time.Second
	DefaultLeaseGrace      = 30 * time.Second
	DefaultCandidateWindow = 100
)

// Store is the persistence the dispatcher needs.
type Store interface {
	state.Transactor
	state.AgentReader
	state.LeaseReader
}

// Candidates supplies pending work in dispatch order.
type Candidates interface {
	PeekCandidates(ctx context.Context, tenantID string, pool []models.Capabilities, limit int) ([]models.Job, error)
}

// Config holds dispatcher timings.
type Config struct {
	PollInterval time.Duration
	// LeaseGrace is added to a job's timeout to get the lease lifetime.
	LeaseGrace time.Duration
	// CandidateWindow caps how many pending jobs per tenant one cycle considers.
	CandidateWindow int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseGrace < 0 {
		c.LeaseGrace = 0
	}
	if c.CandidateWindow <= 0 {
		c.CandidateWindow = DefaultCandidateWindow
	}
	return c
}

// CycleResult summarizes one matching cycle.
type CycleResult struct {
	Tenants int
	Leased  int
	// Stale counts jobs that another writer changed before they could be claimed.
	Stale    int
	Duration time.Duration
}

// Dispatcher runs matching cycles. Cycles may run concurrently; every claim
// is a compare-and-set so a job is leased at most once.
type Dispatcher struct {
	store      Store
	candidates Candidates
	cfg        Config
	trigger    chan struct{}
	metrics    *metrics.Metrics
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records cycle durations and issued leases in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher.
func New(store Store, candidates Candidates, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		candidates: candidates,
		cfg:        cfg.withDefaults(),
		trigger:    make(chan struct{}, 1),
		now:        time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trigger asks for a cycle as soon as possible. It never blocks; requests
// made while one is already queued are coalesced.
func (d *Dispatcher) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run cycles on every trigger and every PollInterval until ctx is cancelled.
// A failed cycle is logged and the next one runs on schedule.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-d.trigger:
		}
		res, err := d.RunCycle(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Warn("dispatch cycle failed", "error", err)
			}
			continue
		}
		if res.Leased > 0 {
			d.logger.Debug("dispatch cycle", "leased", res.Leased, "stale", res.Stale, "tenants", res.Tenants, "duration", res.Duration)
		}
	}
}

// RunCycle performs one matching pass. Tenants are visited in sorted order,
// each with its own candidate window. Within a tenant, jobs are taken in
// queue order and each goes to the capable agent with the most spare
// capacity, ties broken by agent id.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	var res CycleResult
	defer func() {
		res.Duration = time.Since(start)
		d.metrics.ObserveDispatchCycle(res.Duration)
	}()

	agents, err := d.store.ListAgents(ctx, state.AgentFilter{Statuses: []models.AgentStatus{models.AgentStatusOnline}})
	if err != nil {
		return res, fmt.Errorf("load agents: %w", err)
	}

	byTenant := make(map[string][]*models.Agent)
	for i := range agents {
		a := &agents[i]
		if a.Dispatchable() {
			byTenant[a.TenantID] = append(byTenant[a.TenantID], a)
		}
	}
	tenants := make([]string, 0, len(byTenant))
	for t := range byTenant {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)

	var errs []error
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Tenants++
		leased, stale, err := d.matchTenant(ctx, tenant, byTenant[tenant])
		res.Leased += leased
		res.Stale += stale
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return res, errors.Join(errs...)
}

func (d *Dispatcher) matchTenant(ctx context.Context, tenant string, pool []*models.Agent) (leased, stale int, err error) {
	jobs, err := d.candidates.PeekCandidates(ctx, tenant, capabilitySets(pool), d.cfg.CandidateWindow)
	if err != nil {
		return 0, 0, fmt.Errorf("peek candidates: %w", err)
	}

	for i := range jobs {
		if len(pool) == 0 {
			break
		}
		j := &jobs[i]
		for {
			a := pickAgent(pool, j.RequiredCapabilities)
			if a == nil {
				break
			}
			err := d.claim(ctx, j, a)
			switch {
			case err == nil:
				a.CurrentLeaseCount++
				leased++
			case errors.Is(err, models.ErrCapacityExceeded):
				pool = without(pool, a)
				continue
			case errors.Is(err, models.ErrStaleState):
				stale++
			default:
				return leased, stale, err
			}
			break
		}
		pool = withCapacity(pool)
	}
	return leased, stale, nil
}

// claim leases j to a in one transaction: the job must still be pending with
// the lease pointer the snapshot saw, and the agent must still be online
// with a free slot.
func (d *Dispatcher) claim(ctx context.Context, snapshot *models.Job, a *models.Agent) error {
	token, err := models.NewLeaseToken()
	if err != nil {
		return fmt.Errorf("generate lease token: %w", err)
	}
	now := d.now()

	var lease *models.Lease
	err = d.store.Transaction(ctx, func(tx *state.Tx) error {
		j, err := tx.GetJob(snapshot.ID)
		if err != nil {
			return err
		}
		if j.Status != models.JobStatusPending || !j.Ready(now) {
			return fmt.Errorf("job %s is %s: %w", j.ID, j.Status, models.ErrStaleState)
		}
		prevLease := j.LeaseID

		if err := tx.AcquireSlot(a.ID, now); err != nil {
			return err
		}

		lease = &models.Lease{
			ID:        uuid.NewString(),
			Token:     token,
			JobID:     j.ID,
			AgentID:   a.ID,
			Attempt:   j.AttemptCount + 1,
			IssuedAt:  now,
			ExpiresAt: now.Add(j.Timeout() + d.cfg.LeaseGrace),
		}
		if err := tx.InsertLease(lease); err != nil {
			return err
		}

		j.Status = models.JobStatusLeased
		j.AgentID = a.ID
		j.LeaseID = lease.ID
		j.UpdatedAt = now
		if err := tx.SwapJob(models.JobStatusPending, prevLease, j); err != nil {
			return err
		}
		return tx.AppendEvent(events.ForJob(j, models.EventLeaseIssued, now, map[string]any{
			"attempt":    lease.Attempt,
			"expires_at": lease.ExpiresAt,
		}))
	})
	if err != nil {
		return err
	}

	d.metrics.IncLeasesIssued()
	d.logger.Info("lease issued", "job", snapshot.ID, "agent", a.ID, "lease", lease.ID, "attempt", lease.Attempt, "expires_at", lease.ExpiresAt)
	return nil
}

// PollJobs returns the jobs currently leased to the agent, with the lease
// token the agent must present when reporting.
func (d *Dispatcher) PollJobs(ctx context.Context, agentID string) ([]models.Assignment, error) {
	if _, err := d.store.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	return d.store.Assignments(ctx, agentID, d.now())
}

// pickAgent returns the capable agent with the most spare capacity, lowest id
// first on ties, or nil.
func pickAgent(pool []*models.Agent, required models.Capabilities) *models.Agent {
	var best *models.Agent
	for _, a := range pool {
		if a.SpareCapacity() == 0 || !a.Capabilities.Covers(required) {
			continue
		}
		if best == nil || a.SpareCapacity() > best.SpareCapacity() ||
			(a.SpareCapacity() == best.SpareCapacity() && a.ID < best.ID) {
			best = a
		}
	}
	return best
}

func capabilitySets(pool []*models.Agent) []models.Capabilities {
	sets := make([]models.Capabilities, len(pool))
	for i, a := range pool {
		sets[i] = a.Capabilities
	}
	return sets
}

func without(pool []*models.Agent, drop *models.Agent) []*models.Agent {
	out := pool[:0:0]
	for _, a := range pool {
		if a != drop {
			out = append(out, a)
		}
	}
	return out
}

func withCapacity(pool []*models.Agent) []*models.Agent {
	out := pool[:0:0]
	for _, a := range pool {
		if a.SpareCapacity() > 0 {
			out = append(out, a)
		}
	}
	return out
}
