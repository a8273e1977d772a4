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

const jobColumns = `id, tenant_id, package_ref, parameters, required_capabilities, priority,
	status, attempt_count, max_attempts, timeout_seconds, created_at, updated_at,
	not_before, idempotency_key, agent_id, lease_id, reason, result, finished_at`

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	TenantID string
	AgentID  string
	Statuses []models.JobStatus
	Limit    int
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var params, result, notBefore, finishedAt sql.NullString
	var caps, status, createdAt, updatedAt string
	err := row.Scan(&j.ID, &j.TenantID, &j.PackageRef, &params, &caps, &j.Priority,
		&status, &j.AttemptCount, &j.MaxAttempts, &j.TimeoutSeconds, &createdAt, &updatedAt,
		&notBefore, &j.IdempotencyKey, &j.AgentID, &j.LeaseID, &j.Reason, &result, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(caps), &j.RequiredCapabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for job %s: %w", j.ID, err)
	}
	if params.Valid {
		j.Parameters = json.RawMessage(params.String)
	}
	if result.Valid {
		j.Result = json.RawMessage(result.String)
	}
	j.CreatedAt, _ = parseTime(createdAt)
	j.UpdatedAt, _ = parseTime(updatedAt)
	j.NotBefore = parseNullableTime(notBefore)
	j.FinishedAt = parseNullableTime(finishedAt)
	return &j, nil
}

func nullableJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

// GetJob retrieves a job by ID. Returns models.ErrNotFound if absent.
func (db *DB) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobs lists jobs newest first.
func (db *DB) ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
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
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// PendingJobs streams a tenant's ready pending jobs in dispatch order,
// (priority desc, created_at asc, id asc), calling fn for each until fn
// returns false.
func (db *DB) PendingJobs(ctx context.Context, tenantID string, now time.Time, fn func(*models.Job) bool) error {
	rows, err := db.Query(`SELECT `+jobColumns+` FROM jobs
		WHERE tenant_id = ? AND status = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY priority DESC, created_at ASC, id ASC`,
		tenantID, string(models.JobStatusPending), formatTime(now))
	if err != nil {
		return fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return fmt.Errorf("scan job: %w", err)
		}
		if !fn(j) {
			break
		}
	}
	return rows.Err()
}

// PendingTenants returns the tenants that have ready pending jobs, sorted.
func (db *DB) PendingTenants(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT tenant_id FROM jobs
		WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY tenant_id`, string(models.JobStatusPending), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list pending tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// QueueDepth returns the number of pending jobs per tenant, delayed jobs included.
func (db *DB) QueueDepth(ctx context.Context) (map[string]int, error) {
	rows, err := db.Query(`SELECT tenant_id, COUNT(*) FROM jobs WHERE status = ? GROUP BY tenant_id`,
		string(models.JobStatusPending))
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var tenant string
		var n int
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, fmt.Errorf("scan queue depth: %w", err)
		}
		depth[tenant] = n
	}
	return depth, rows.Err()
}

// GetJob retrieves a job inside the transaction.
func (t *Tx) GetJob(id string) (*models.Job, error) {
	j, err := scanJob(t.tx.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// CountPending returns the tenant's pending job count.
func (t *Tx) CountPending(tenantID string) (int, error) {
	var n int
	err := t.tx.QueryRow(`SELECT COUNT(*) FROM jobs WHERE tenant_id = ? AND status = ?`,
		tenantID, string(models.JobStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// InsertJob creates a new job record.
func (t *Tx) InsertJob(j *models.Job) error {
	caps, err := encodeCapabilities(j.RequiredCapabilities)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.TenantID, j.PackageRef, nullableJSON(j.Parameters), caps, j.Priority,
		string(j.Status), j.AttemptCount, j.MaxAttempts, j.TimeoutSeconds,
		formatTime(j.CreatedAt), formatTime(j.UpdatedAt), formatNullableTime(j.NotBefore),
		j.IdempotencyKey, j.AgentID, j.LeaseID, j.Reason, nullableJSON(j.Result),
		formatNullableTime(j.FinishedAt))
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// SwapJob writes the mutable fields of j only if the stored job still has
// status prevStatus and lease prevLease. The new status must be reachable
// from prevStatus. A lost race returns models.ErrStaleState.
func (t *Tx) SwapJob(prevStatus models.JobStatus, prevLease string, j *models.Job) error {
	if j.Status != prevStatus && !prevStatus.CanTransition(j.Status) {
		return fmt.Errorf("job %s %s -> %s: %w", j.ID, prevStatus, j.Status, models.ErrInvalidTransition)
	}
	res, err := t.tx.Exec(`
		UPDATE jobs SET status = ?, attempt_count = ?, agent_id = ?, lease_id = ?,
			reason = ?, result = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND lease_id = ?
	`, string(j.Status), j.AttemptCount, j.AgentID, j.LeaseID, j.Reason,
		nullableJSON(j.Result), formatNullableTime(j.FinishedAt), formatTime(j.UpdatedAt),
		j.ID, string(prevStatus), prevLease)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return expectOne(res, fmt.Errorf("job %s no longer %s: %w", j.ID, prevStatus, models.ErrStaleState))
}
