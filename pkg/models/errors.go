package models

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every layer. Wrap with fmt.Errorf("...: %w")
// and test with errors.Is.
var (
	// ErrNotFound is returned for unknown agents, jobs or leases.
	ErrNotFound = errors.New("not found")
	// ErrAgentNotFound is returned by heartbeat for unknown or deactivated agents.
	// The agent must re-register.
	ErrAgentNotFound = fmt.Errorf("agent %w", ErrNotFound)
	// ErrInvalidLease means the presented lease token is stale, foreign or unknown.
	// The caller must discard its local results.
	ErrInvalidLease = errors.New("invalid lease")
	// ErrCapacityExceeded means the agent already holds max_concurrent_jobs leases.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrMaxAttemptsExceeded marks a terminal failure after exhausting retries.
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")
	// ErrTenantQuotaExceeded rejects an enqueue over the tenant's pending limit.
	ErrTenantQuotaExceeded = errors.New("tenant quota exceeded")
	// ErrInvalidTransition rejects a status change outside the job DAG.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStaleState means a compare-and-set lost a race.
	ErrStaleState = errors.New("stale state")
	// ErrInvalidArgument rejects malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
)
