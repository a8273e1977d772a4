package models

import (
	"sort"
	"time"
)

// AgentStatus represents the current state of an agent.
type AgentStatus string

const (
	// AgentStatusRegistered is the initial state of a freshly created record.
	AgentStatusRegistered AgentStatus = "registered"
	// AgentStatusOnline indicates the agent is heartbeating and may receive leases.
	AgentStatusOnline AgentStatus = "online"
	// AgentStatusOffline indicates the agent missed its heartbeat window.
	// This is transient: the next heartbeat brings the agent back online.
	AgentStatusOffline AgentStatus = "offline"
	// AgentStatusDraining indicates the agent keeps its leases but gets no new ones.
	AgentStatusDraining AgentStatus = "draining"
	// AgentStatusDeactivated is the administrative permanent-offline state.
	// Only a new registration re-activates the record.
	AgentStatusDeactivated AgentStatus = "deactivated"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusRegistered, AgentStatusOnline, AgentStatusOffline,
		AgentStatusDraining, AgentStatusDeactivated:
		return true
	default:
		return false
	}
}

// Reachable reports whether agents in this state are expected to heartbeat.
func (s AgentStatus) Reachable() bool {
	return s == AgentStatusOnline || s == AgentStatusDraining
}

// Agent is a remote worker process that polls for and executes jobs.
type Agent struct {
	// ID is the unique identifier for this agent.
	ID string `json:"id"`
	// TenantID is the tenant this agent serves.
	TenantID string `json:"tenant_id"`
	// Name is unique within a tenant and makes registration idempotent.
	Name string `json:"name"`
	// Capabilities lists what the agent can execute (platform, tooling).
	Capabilities Capabilities `json:"capabilities"`
	// Status is the current lifecycle state.
	Status AgentStatus `json:"status"`
	// DrainRequested is set by an operator drain and cleared only by
	// registration. An offline agent with the flag set comes back draining.
	DrainRequested bool `json:"drain_requested"`
	// LastHeartbeatAt is the time of the most recent heartbeat or registration.
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	// CurrentLeaseCount is the number of active leases held by the agent.
	CurrentLeaseCount int `json:"current_lease_count"`
	// MaxConcurrentJobs caps CurrentLeaseCount.
	MaxConcurrentJobs int `json:"max_concurrent_jobs"`
	// RegisteredAt is when the record was first created.
	RegisteredAt time.Time `json:"registered_at"`
	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// SpareCapacity returns how many more leases the agent may hold.
func (a *Agent) SpareCapacity() int {
	spare := a.MaxConcurrentJobs - a.CurrentLeaseCount
	if spare < 0 {
		return 0
	}
	return spare
}

// Dispatchable reports whether the dispatcher may issue a new lease to the agent.
func (a *Agent) Dispatchable() bool {
	return a.Status == AgentStatusOnline && a.SpareCapacity() > 0
}

// Capabilities is a set of capability tags.
type Capabilities []string

// NewCapabilities returns a sorted, de-duplicated set without empty tags.
func NewCapabilities(tags ...string) Capabilities {
	seen := make(map[string]struct{}, len(tags))
	out := make(Capabilities, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether tag is in the set.
func (c Capabilities) Has(tag string) bool {
	for _, t := range c {
		if t == tag {
			return true
		}
	}
	return false
}

// Covers reports whether c is a superset of required.
func (c Capabilities) Covers(required Capabilities) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(c))
	for _, t := range c {
		set[t] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// Metrics is a resource snapshot reported with a heartbeat.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	ActiveJobs    int     `json:"active_jobs"`
}

// MetricsSnapshot is the latest metrics reported by an agent.
type MetricsSnapshot struct {
	AgentID    string    `json:"agent_id"`
	Metrics    Metrics   `json:"metrics"`
	ReportedAt time.Time `json:"reported_at"`
}

// CommandType identifies an instruction returned to an agent on heartbeat.
type CommandType string

const (
	// CommandDrain tells the agent to finish current work and stop polling.
	CommandDrain CommandType = "drain"
	// CommandAbandon tells the agent a job is no longer its own.
	CommandAbandon CommandType = "abandon"
)

// Command is a pending instruction for an agent.
type Command struct {
	Type  CommandType `json:"type"`
	JobID string      `json:"job_id,omitempty"`
}
