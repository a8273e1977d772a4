package models

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"
)

// LeaseResolution records how a lease stopped being active.
type LeaseResolution string

const (
	LeaseCompleted LeaseResolution = "completed"
	LeaseFailed    LeaseResolution = "failed"
	LeaseExpired   LeaseResolution = "expired"
	// LeaseReclaimed is used when the holder went offline or was deactivated.
	LeaseReclaimed LeaseResolution = "reclaimed"
	LeaseCancelled LeaseResolution = "cancelled"
)

// Lease authorizes one agent to execute and report on one job until ExpiresAt.
// Leases are never mutated; resolution is stored separately.
type Lease struct {
	// ID identifies the lease in audit events and job records.
	ID string `json:"id"`
	// Token proves possession. It is only handed to the holding agent.
	Token     string    `json:"-"`
	JobID     string    `json:"job_id"`
	AgentID   string    `json:"agent_id"`
	Attempt   int       `json:"attempt"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is past its expiry at now.
func (l *Lease) Expired(now time.Time) bool {
	return !now.Before(l.ExpiresAt)
}

// NewLeaseToken returns a random 256-bit hex token.
func NewLeaseToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

// Assignment is a leased job as handed to the agent that holds it.
type Assignment struct {
	Job       Job       `json:"job"`
	Token     string    `json:"lease_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Outcome is what an agent reports when it finishes a job.
type Outcome struct {
	Succeeded bool `json:"succeeded"`
	// Retryable set to false fails the job permanently. Unset means retry
	// while attempts remain.
	Retryable *bool           `json:"retryable,omitempty"`
	Message   string          `json:"message,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// ShouldRetry reports whether a failed outcome may be retried.
func (o Outcome) ShouldRetry() bool {
	return o.Retryable == nil || *o.Retryable
}
