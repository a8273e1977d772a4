package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job waits in the queue.
	JobStatusPending JobStatus = "pending"
	// JobStatusLeased indicates a lease was issued but the agent has not started.
	JobStatusLeased JobStatus = "leased"
	// JobStatusRunning indicates the agent reported progress.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the agent reported success.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the job failed permanently.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates an operator cancelled the job.
	JobStatusCancelled JobStatus = "cancelled"
)

// Valid returns true if the status is a known value.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusLeased, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed || s == JobStatusCancelled
}

// Leased reports whether the job is held under a lease.
func (s JobStatus) Leased() bool {
	return s == JobStatusLeased || s == JobStatusRunning
}

// jobTransitions is the status DAG plus the retry and cancel edges.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending: {JobStatusLeased, JobStatusCancelled},
	JobStatusLeased:  {JobStatusRunning, JobStatusPending, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusSucceeded, JobStatusFailed, JobStatusPending, JobStatusCancelled},
}

// CanTransition reports whether moving from s to next is allowed.
// Leased→failed is only taken by the reaper when retries are exhausted
// before the agent ever started.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Failure reasons recorded on terminal jobs.
const (
	ReasonMaxAttemptsExceeded = "max_attempts_exceeded"
	ReasonAgentFailurePrefix  = "agent_failure"
	ReasonCancelled           = "cancelled"
)

// Job is a unit of automation work owned by a tenant.
type Job struct {
	ID                   string          `json:"id"`
	TenantID             string          `json:"tenant_id"`
	PackageRef           string          `json:"package_ref"`
	Parameters           json.RawMessage `json:"parameters,omitempty"`
	RequiredCapabilities Capabilities    `json:"required_capabilities,omitempty"`
	// Priority orders the queue; higher is served first.
	Priority       int       `json:"priority"`
	Status         JobStatus `json:"status"`
	AttemptCount   int       `json:"attempt_count"`
	MaxAttempts    int       `json:"max_attempts"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	// NotBefore delays the job until the given time.
	NotBefore      *time.Time `json:"not_before,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	// AgentID is the current or last lease holder.
	AgentID string `json:"agent_id,omitempty"`
	// LeaseID points at the job's current lease; empty when none is active.
	LeaseID    string          `json:"lease_id,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Ready reports whether a pending job may be dispatched at now.
func (j *Job) Ready(now time.Time) bool {
	if j.Status != JobStatusPending {
		return false
	}
	return j.NotBefore == nil || !j.NotBefore.After(now)
}

// AttemptsRemaining reports whether another attempt is allowed after the
// current one is counted.
func (j *Job) AttemptsRemaining() bool {
	return j.AttemptCount < j.MaxAttempts
}

// Timeout returns the declared execution timeout.
func (j *Job) Timeout() time.Duration {
	return time.Duration(j.TimeoutSeconds) * time.Second
}

// Err maps a failed job's reason to a sentinel error. It returns nil for
// jobs that have not failed.
func (j *Job) Err() error {
	if j.Status != JobStatusFailed {
		return nil
	}
	if j.Reason == ReasonMaxAttemptsExceeded {
		return fmt.Errorf("job %s: %w", j.ID, ErrMaxAttemptsExceeded)
	}
	return fmt.Errorf("job %s: %s", j.ID, j.Reason)
}

// AgentFailureReason formats the terminal reason for an agent-reported failure.
func AgentFailureReason(message string) string {
	if message == "" {
		message = "unspecified"
	}
	return ReasonAgentFailurePrefix + ": " + message
}
