package state

import (
	"context"
	"io"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// Transactor runs a function inside a serialized write transaction.
type Transactor interface {
	Transaction(ctx context.Context, fn func(tx *Tx) error) error
}

// AgentReader handles agent-related read operations.
type AgentReader interface {
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context, f AgentFilter) ([]models.Agent, error)
	ListStaleAgents(ctx context.Context, cutoff time.Time) ([]models.Agent, error)
	CountAgentsByStatus(ctx context.Context) (map[string]map[models.AgentStatus]int, error)
	GetMetrics(ctx context.Context, agentID string) (*models.MetricsSnapshot, error)
}

// JobReader handles job-related read operations.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	PendingJobs(ctx context.Context, tenantID string, now time.Time, fn func(*models.Job) bool) error
	PendingTenants(ctx context.Context, now time.Time) ([]string, error)
	QueueDepth(ctx context.Context) (map[string]int, error)
}

// LeaseReader handles lease-related read operations.
type LeaseReader interface {
	ActiveLeasesForAgent(ctx context.Context, agentID string) ([]models.Lease, error)
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Lease, error)
	OrphanedLeases(ctx context.Context, limit int) ([]models.Lease, error)
	Assignments(ctx context.Context, agentID string, now time.Time) ([]models.Assignment, error)
}

// EventLog handles audit event reads and outbox delivery bookkeeping.
type EventLog interface {
	ListEvents(ctx context.Context, subject string) ([]models.Event, error)
	UndeliveredEvents(ctx context.Context, limit int) ([]models.Event, error)
	MarkDelivered(ctx context.Context, throughID int64, now time.Time) (int64, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for durable control-plane state.
// It composes focused sub-interfaces so each component can depend only on
// what it uses.
type Store interface {
	io.Closer
	Migrator
	Transactor
	AgentReader
	JobReader
	LeaseReader
	EventLog
	PurgeIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)
	Recover(ctx context.Context, now time.Time) (*RecoveryReport, error)
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store       = (*DB)(nil)
	_ Migrator    = (*DB)(nil)
	_ Transactor  = (*DB)(nil)
	_ AgentReader = (*DB)(nil)
	_ JobReader   = (*DB)(nil)
	_ LeaseReader = (*DB)(nil)
	_ EventLog    = (*DB)(nil)
)
