package models

import (
	"encoding/json"
	"time"
)

// EventType represents the kind of state transition recorded in the audit log.
type EventType string

const (
	EventAgentRegistered  EventType = "agent_registered"
	EventAgentOnline      EventType = "agent_online"
	EventAgentOffline     EventType = "agent_offline"
	EventAgentDraining    EventType = "agent_draining"
	EventAgentDeactivated EventType = "agent_deactivated"

	EventJobEnqueued     EventType = "job_enqueued"
	EventLeaseIssued     EventType = "lease_issued"
	EventJobRunning      EventType = "job_running"
	EventLeaseExpired    EventType = "lease_expired"
	EventLeaseReclaimed  EventType = "lease_reclaimed"
	EventJobRetried      EventType = "job_retried"
	EventJobSucceeded    EventType = "job_succeeded"
	EventJobFailed       EventType = "job_failed"
	EventJobCancelled    EventType = "job_cancelled"
	EventResultDiscarded EventType = "result_discarded"
)

// Event is an immutable record of one state transition.
type Event struct {
	// ID is the global insertion order.
	ID int64 `json:"id"`
	// Subject is the job or agent the sequence number belongs to.
	Subject string `json:"subject"`
	// Seq is monotonic per subject, starting at 1.
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	TenantID  string          `json:"tenant_id"`
	JobID     string          `json:"job_id,omitempty"`
	AgentID   string          `json:"agent_id,omitempty"`
	LeaseID   string          `json:"lease_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
