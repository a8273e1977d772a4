package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

const agentColumns = `id, tenant_id, name, capabilities, status, drain_requested, last_heartbeat_at,
	current_lease_count, max_concurrent_jobs, registered_at, updated_at`

// AgentFilter narrows ListAgents. Zero values match everything.
type AgentFilter struct {
	TenantID string
	Statuses []models.AgentStatus
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var caps, lastHeartbeat, registeredAt, updatedAt string
	var status string
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &caps, &status, &a.DrainRequested, &lastHeartbeat,
		&a.CurrentLeaseCount, &a.MaxConcurrentJobs, &registeredAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	a.Status = models.AgentStatus(status)
	if err := json.Unmarshal([]byte(caps), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for agent %s: %w", a.ID, err)
	}
	a.LastHeartbeatAt, _ = parseTime(lastHeartbeat)
	a.RegisteredAt, _ = parseTime(registeredAt)
	a.UpdatedAt, _ = parseTime(updatedAt)
	return &a, nil
}

func encodeCapabilities(c models.Capabilities) (string, error) {
	if c == nil {
		c = models.Capabilities{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode capabilities: %w", err)
	}
	return string(b), nil
}

// GetAgent retrieves an agent by ID. Returns models.ErrNotFound if absent.
func (db *DB) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// ListAgents lists agents ordered by tenant and id.
func (db *DB) ListAgents(ctx context.Context, f AgentFilter) ([]models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents`
	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, s := range f.Statuses {
			args = append(args, string(s))
		}
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY tenant_id, id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// ListStaleAgents returns reachable agents whose last heartbeat is before cutoff.
func (db *DB) ListStaleAgents(ctx context.Context, cutoff time.Time) ([]models.Agent, error) {
	rows, err := db.Query(`SELECT `+agentColumns+` FROM agents
		WHERE status IN (?, ?) AND last_heartbeat_at < ?
		ORDER BY last_heartbeat_at`,
		string(models.AgentStatusOnline), string(models.AgentStatusDraining), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

// CountAgentsByStatus returns agent counts keyed by tenant then status.
func (db *DB) CountAgentsByStatus(ctx context.Context) (map[string]map[models.AgentStatus]int, error) {
	rows, err := db.Query(`SELECT tenant_id, status, COUNT(*) FROM agents GROUP BY tenant_id, status`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[models.AgentStatus]int)
	for rows.Next() {
		var tenant, status string
		var n int
		if err := rows.Scan(&tenant, &status, &n); err != nil {
			return nil, fmt.Errorf("scan agent count: %w", err)
		}
		if out[tenant] == nil {
			out[tenant] = make(map[models.AgentStatus]int)
		}
		out[tenant][models.AgentStatus(status)] = n
	}
	return out, rows.Err()
}

// GetAgent retrieves an agent inside the transaction.
func (t *Tx) GetAgent(id string) (*models.Agent, error) {
	row := t.tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// GetAgentByName looks an agent up by its tenant-scoped name.
func (t *Tx) GetAgentByName(tenantID, name string) (*models.Agent, error) {
	row := t.tx.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE tenant_id = ? AND name = ?`, tenantID, name)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s/%s: %w", tenantID, name, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent by name: %w", err)
	}
	return a, nil
}

// InsertAgent creates a new agent record.
func (t *Tx) InsertAgent(a *models.Agent) error {
	caps, err := encodeCapabilities(a.Capabilities)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`
		INSERT INTO agents (id, tenant_id, name, capabilities, status, drain_requested, last_heartbeat_at,
			current_lease_count, max_concurrent_jobs, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.Name, caps, string(a.Status), a.DrainRequested, formatTime(a.LastHeartbeatAt),
		a.CurrentLeaseCount, a.MaxConcurrentJobs, formatTime(a.RegisteredAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// Reregister refreshes an existing agent's capabilities and capacity, sets it
// online, clears any drain request and stamps its heartbeat. The capacity is
// never lowered below the agent's current lease count.
func (t *Tx) Reregister(id string, caps models.Capabilities, maxConcurrent int, now time.Time) error {
	encoded, err := encodeCapabilities(caps)
	if err != nil {
		return err
	}
	res, err := t.tx.Exec(`
		UPDATE agents SET capabilities = ?, status = ?, drain_requested = 0, last_heartbeat_at = ?,
			max_concurrent_jobs = MAX(?, current_lease_count), updated_at = ?
		WHERE id = ?
	`, encoded, string(models.AgentStatusOnline), formatTime(now), maxConcurrent, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("reregister agent: %w", err)
	}
	return expectOne(res, fmt.Errorf("agent %s: %w", id, models.ErrNotFound))
}

// SetAgentStatus moves an agent to status `to` only if its current status is
// one of `from`. A lost race returns models.ErrStaleState.
func (t *Tx) SetAgentStatus(id string, from []models.AgentStatus, to models.AgentStatus, now time.Time) error {
	args := []any{string(to), formatTime(now), id}
	for _, s := range from {
		args = append(args, string(s))
	}
	res, err := t.tx.Exec(`UPDATE agents SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (`+placeholders(len(from))+`)`, args...)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	return expectOne(res, fmt.Errorf("agent %s not in %v: %w", id, from, models.ErrStaleState))
}

// RequestDrain records that the agent should take no new work until it
// registers again, whatever its reachability in between.
func (t *Tx) RequestDrain(id string, now time.Time) error {
	res, err := t.tx.Exec(`UPDATE agents SET drain_requested = 1, updated_at = ? WHERE id = ?`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("request drain: %w", err)
	}
	return expectOne(res, fmt.Errorf("agent %s: %w", id, models.ErrNotFound))
}

// MarkOfflineIfStale flips a reachable agent to offline only if it has not
// heartbeated since cutoff. A concurrent heartbeat wins.
func (t *Tx) MarkOfflineIfStale(id string, cutoff, now time.Time) error {
	res, err := t.tx.Exec(`UPDATE agents SET status = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?) AND last_heartbeat_at < ?`,
		string(models.AgentStatusOffline), formatTime(now), id,
		string(models.AgentStatusOnline), string(models.AgentStatusDraining), formatTime(cutoff))
	if err != nil {
		return fmt.Errorf("mark agent offline: %w", err)
	}
	return expectOne(res, fmt.Errorf("agent %s heartbeated: %w", id, models.ErrStaleState))
}

// TouchHeartbeat stamps the agent's last heartbeat.
func (t *Tx) TouchHeartbeat(id string, now time.Time) error {
	res, err := t.tx.Exec(`UPDATE agents SET last_heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		formatTime(now), formatTime(now), id)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return expectOne(res, fmt.Errorf("agent %s: %w", id, models.ErrNotFound))
}

// AcquireSlot increments the agent's lease count if it is online and below
// capacity. Otherwise returns models.ErrCapacityExceeded.
func (t *Tx) AcquireSlot(id string, now time.Time) error {
	res, err := t.tx.Exec(`UPDATE agents SET current_lease_count = current_lease_count + 1, updated_at = ?
		WHERE id = ? AND status = ? AND current_lease_count < max_concurrent_jobs`,
		formatTime(now), id, string(models.AgentStatusOnline))
	if err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}
	return expectOne(res, fmt.Errorf("agent %s: %w", id, models.ErrCapacityExceeded))
}

// ReleaseSlot decrements the agent's lease count, never below zero.
func (t *Tx) ReleaseSlot(id string, now time.Time) error {
	_, err := t.tx.Exec(`UPDATE agents SET current_lease_count = current_lease_count - 1, updated_at = ?
		WHERE id = ? AND current_lease_count > 0`, formatTime(now), id)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// UpsertMetrics stores the latest metrics snapshot for an agent.
func (t *Tx) UpsertMetrics(s models.MetricsSnapshot) error {
	_, err := t.tx.Exec(`
		INSERT INTO agent_metrics (agent_id, cpu_percent, memory_percent, disk_percent, active_jobs, reported_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			cpu_percent = excluded.cpu_percent,
			memory_percent = excluded.memory_percent,
			disk_percent = excluded.disk_percent,
			active_jobs = excluded.active_jobs,
			reported_at = excluded.reported_at
	`, s.AgentID, s.Metrics.CPUPercent, s.Metrics.MemoryPercent, s.Metrics.DiskPercent,
		s.Metrics.ActiveJobs, formatTime(s.ReportedAt))
	if err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// GetMetrics returns the latest metrics snapshot for an agent.
func (db *DB) GetMetrics(ctx context.Context, agentID string) (*models.MetricsSnapshot, error) {
	row := db.QueryRow(`SELECT agent_id, cpu_percent, memory_percent, disk_percent, active_jobs, reported_at
		FROM agent_metrics WHERE agent_id = ?`, agentID)
	var s models.MetricsSnapshot
	var reportedAt string
	err := row.Scan(&s.AgentID, &s.Metrics.CPUPercent, &s.Metrics.MemoryPercent,
		&s.Metrics.DiskPercent, &s.Metrics.ActiveJobs, &reportedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("metrics for agent %s: %w", agentID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	s.ReportedAt, _ = parseTime(reportedAt)
	return &s, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// expectOne returns errIfNone when the statement touched no rows.
func expectOne(res sql.Result, errIfNone error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if n == 0 {
		return errIfNone
	}
	return nil
}
