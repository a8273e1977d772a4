// Package events builds audit events and relays them from the durable outbox
// to an external sink.
package events

import (
	"encoding/json"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

// ForJob returns an event whose subject is the job.
func ForJob(j *models.Job, typ models.EventType, now time.Time, detail any) *models.Event {
	return &models.Event{
		Subject:   j.ID,
		Type:      typ,
		TenantID:  j.TenantID,
		JobID:     j.ID,
		AgentID:   j.AgentID,
		LeaseID:   j.LeaseID,
		Detail:    encodeDetail(detail),
		CreatedAt: now,
	}
}

// ForLease returns a job event attributed to the agent and lease involved,
// which may differ from the job's current pointers after a release.
func ForLease(j *models.Job, l *models.Lease, typ models.EventType, now time.Time, detail any) *models.Event {
	e := ForJob(j, typ, now, detail)
	e.AgentID = l.AgentID
	e.LeaseID = l.ID
	return e
}

// ForAgent returns an event whose subject is the agent.
func ForAgent(a *models.Agent, typ models.EventType, now time.Time, detail any) *models.Event {
	return &models.Event{
		Subject:   a.ID,
		Type:      typ,
		TenantID:  a.TenantID,
		AgentID:   a.ID,
		Detail:    encodeDetail(detail),
		CreatedAt: now,
	}
}

func encodeDetail(detail any) json.RawMessage {
	if detail == nil {
		return nil
	}
	if raw, ok := detail.(json.RawMessage); ok {
		return raw
	}
	b, err := json.Marshal(detail)
	if err != nil {
		return nil
	}
	return b
}
