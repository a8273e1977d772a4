// Package registry keeps the durable record of every agent.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/fleet/internal/events"
	"github.com/ShayCichocki/fleet/internal/metrics"
	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/pkg/models"
)

// DefaultMaxConcurrentJobs applies when neither the request nor the
// configuration sets a capacity.
const DefaultMaxConcurrentJobs = 1

// Store is the persistence the registry needs.
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

// RegisterRequest describes an agent announcing itself.
type RegisterRequest struct {
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
	// MaxConcurrentJobs of zero keeps the current value on re-registration
	// and uses the default for new agents.
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
}

// Registry creates, looks up and retires agents.
type Registry struct {
	store      Store
	reclaimer  Reclaimer
	nudger     Nudger
	metrics    *metrics.Metrics
	defaultMax int
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithDefaultMaxConcurrentJobs sets the capacity given to new agents that
// do not declare one.
func WithDefaultMaxConcurrentJobs(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultMax = n
		}
	}
}

// WithNudger sets the dispatcher to wake when capacity appears.
func WithNudger(n Nudger) Option {
	return func(r *Registry) { r.nudger = n }
}

// WithMetrics drops a retired agent's heartbeat gauges from m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry.
func New(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		defaultMax: DefaultMaxConcurrentJobs,
		now:        time.Now,
		logger:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetReclaimer wires the execution tracker used by Deactivate. The tracker
// is built after the registry, so it is set separately.
func (r *Registry) SetReclaimer(rc Reclaimer) {
	r.reclaimer = rc
}

// Register creates an agent or re-activates the existing agent with the same
// name in the tenant. Either way the agent ends up online with a fresh
// heartbeat, and its id is returned.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Name = strings.TrimSpace(req.Name)
	if req.TenantID == "" || req.Name == "" {
		return "", fmt.Errorf("tenant_id and name are required: %w", models.ErrInvalidArgument)
	}
	if req.MaxConcurrentJobs < 0 {
		return "", fmt.Errorf("max_concurrent_jobs must be at least 1: %w", models.ErrInvalidArgument)
	}

	caps := models.NewCapabilities(req.Capabilities...)
	now := r.now()
	var agentID string
	var created bool

	err := r.store.Transaction(ctx, func(tx *state.Tx) error {
		existing, err := tx.GetAgentByName(req.TenantID, req.Name)
		switch {
		case errors.Is(err, models.ErrNotFound):
			maxJobs := req.MaxConcurrentJobs
			if maxJobs == 0 {
				maxJobs = r.defaultMax
			}
			a := &models.Agent{
				ID:                uuid.NewString(),
				TenantID:          req.TenantID,
				Name:              req.Name,
				Capabilities:      caps,
				Status:            models.AgentStatusOnline,
				LastHeartbeatAt:   now,
				MaxConcurrentJobs: maxJobs,
				RegisteredAt:      now,
				UpdatedAt:         now,
			}
			if err := tx.InsertAgent(a); err != nil {
				return err
			}
			agentID, created = a.ID, true
			return tx.AppendEvent(events.ForAgent(a, models.EventAgentRegistered, now, map[string]any{
				"capabilities":        a.Capabilities,
				"max_concurrent_jobs": a.MaxConcurrentJobs,
			}))
		case err != nil:
			return err
		}

		maxJobs := req.MaxConcurrentJobs
		if maxJobs == 0 {
			maxJobs = existing.MaxConcurrentJobs
		}
		if err := tx.Reregister(existing.ID, caps, maxJobs, now); err != nil {
			return err
		}
		agentID = existing.ID
		return tx.AppendEvent(events.ForAgent(existing, models.EventAgentRegistered, now, map[string]any{
			"capabilities":        caps,
			"max_concurrent_jobs": maxJobs,
			"previous_status":     existing.Status,
		}))
	})
	if err != nil {
		return "", fmt.Errorf("register agent %s/%s: %w", req.TenantID, req.Name, err)
	}

	r.logger.Info("agent registered", "agent", agentID, "tenant", req.TenantID, "name", req.Name, "new", created)
	if r.nudger != nil {
		r.nudger.Trigger()
	}
	return agentID, nil
}

// Get returns an agent by id.
func (r *Registry) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns a tenant's agents, optionally restricted to some statuses.
// An empty tenant lists every tenant.
func (r *Registry) List(ctx context.Context, tenantID string, statuses ...models.AgentStatus) ([]models.Agent, error) {
	for _, s := range statuses {
		if !s.Valid() {
			return nil, fmt.Errorf("unknown agent status %q: %w", s, models.ErrInvalidArgument)
		}
	}
	return r.store.ListAgents(ctx, state.AgentFilter{TenantID: tenantID, Statuses: statuses})
}

// Drain stops new leases for an online agent. It keeps the leases it holds.
// Draining an already draining agent is a no-op.
func (r *Registry) Drain(ctx context.Context, agentID string) error {
	now := r.now()
	err := r.store.Transaction(ctx, func(tx *state.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		switch a.Status {
		case models.AgentStatusDraining:
			return nil
		case models.AgentStatusOnline:
		default:
			return fmt.Errorf("agent %s is %s: %w", agentID, a.Status, models.ErrInvalidTransition)
		}
		if err := tx.SetAgentStatus(agentID, []models.AgentStatus{models.AgentStatusOnline}, models.AgentStatusDraining, now); err != nil {
			return err
		}
		if err := tx.RequestDrain(agentID, now); err != nil {
			return err
		}
		return tx.AppendEvent(events.ForAgent(a, models.EventAgentDraining, now, nil))
	})
	if err != nil {
		return fmt.Errorf("drain agent: %w", err)
	}
	r.logger.Info("agent draining", "agent", agentID)
	return nil
}

// Deactivate retires an agent and reclaims its leases. Heartbeats fail until
// the agent registers again. Deactivating twice is a no-op.
func (r *Registry) Deactivate(ctx context.Context, agentID string) error {
	now := r.now()
	var changed bool
	var tenantID string
	err := r.store.Transaction(ctx, func(tx *state.Tx) error {
		a, err := tx.GetAgent(agentID)
		if err != nil {
			return err
		}
		tenantID = a.TenantID
		if a.Status == models.AgentStatusDeactivated {
			return nil
		}
		if err := tx.SetAgentStatus(agentID, []models.AgentStatus{a.Status}, models.AgentStatusDeactivated, now); err != nil {
			return err
		}
		changed = true
		return tx.AppendEvent(events.ForAgent(a, models.EventAgentDeactivated, now, map[string]any{
			"previous_status": a.Status,
		}))
	})
	if err != nil {
		return fmt.Errorf("deactivate agent: %w", err)
	}
	if !changed {
		return nil
	}

	r.metrics.ForgetAgent(tenantID, agentID)
	r.logger.Info("agent deactivated", "agent", agentID)
	if r.reclaimer == nil {
		return nil
	}
	n, err := r.reclaimer.ReclaimAgent(ctx, agentID)
	if err != nil {
		return fmt.Errorf("reclaim leases of agent %s: %w", agentID, err)
	}
	if n > 0 {
		r.logger.Info("reclaimed leases from deactivated agent", "agent", agentID, "leases", n)
	}
	return nil
}
