package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

const leaseColumns = `l.id, l.token, l.job_id, l.agent_id, l.attempt, l.issued_at, l.expires_at`

// activeLeaseJoin selects leases that are the current lease of their job and
// have not been resolved.
const activeLeaseJoin = `FROM leases l
	JOIN jobs j ON j.id = l.job_id AND j.lease_id = l.id
	LEFT JOIN lease_resolutions r ON r.lease_id = l.id
	WHERE r.lease_id IS NULL`

func scanLease(row rowScanner) (*models.Lease, error) {
	var l models.Lease
	var issuedAt, expiresAt string
	if err := row.Scan(&l.ID, &l.Token, &l.JobID, &l.AgentID, &l.Attempt, &issuedAt, &expiresAt); err != nil {
		return nil, err
	}
	l.IssuedAt, _ = parseTime(issuedAt)
	l.ExpiresAt, _ = parseTime(expiresAt)
	return &l, nil
}

func collectLeases(rows *sql.Rows) ([]models.Lease, error) {
	defer rows.Close()
	var leases []models.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lease: %w", err)
		}
		leases = append(leases, *l)
	}
	return leases, rows.Err()
}

// InsertLease records a newly issued lease. Leases are never updated.
func (t *Tx) InsertLease(l *models.Lease) error {
	_, err := t.tx.Exec(`
		INSERT INTO leases (id, token, job_id, agent_id, attempt, issued_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.Token, l.JobID, l.AgentID, l.Attempt, formatTime(l.IssuedAt), formatTime(l.ExpiresAt))
	if err != nil {
		return fmt.Errorf("create lease: %w", err)
	}
	return nil
}

// ActiveLeaseByToken returns the lease for token if it is still the current,
// unresolved lease of its job and has not expired at now. Anything else is
// models.ErrInvalidLease.
func (t *Tx) ActiveLeaseByToken(token string, now time.Time) (*models.Lease, error) {
	row := t.tx.QueryRow(`SELECT `+leaseColumns+` `+activeLeaseJoin+` AND l.token = ?`, token)
	l, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrInvalidLease
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	if l.Expired(now) {
		return nil, fmt.Errorf("lease %s expired at %s: %w", l.ID, l.ExpiresAt.Format(time.RFC3339), models.ErrInvalidLease)
	}
	return l, nil
}

// ResolveLease records the lease's resolution. A lease can only be resolved
// once; a second attempt returns models.ErrStaleState.
func (t *Tx) ResolveLease(leaseID string, resolution models.LeaseResolution, now time.Time) error {
	res, err := t.tx.Exec(`INSERT OR IGNORE INTO lease_resolutions (lease_id, resolution, resolved_at)
		VALUES (?, ?, ?)`, leaseID, string(resolution), formatTime(now))
	if err != nil {
		return fmt.Errorf("resolve lease: %w", err)
	}
	return expectOne(res, fmt.Errorf("lease %s already resolved: %w", leaseID, models.ErrStaleState))
}

// ActiveLeasesForAgent returns the agent's current unresolved leases,
// expired or not.
func (t *Tx) ActiveLeasesForAgent(agentID string) ([]models.Lease, error) {
	rows, err := t.tx.Query(`SELECT `+leaseColumns+` `+activeLeaseJoin+` AND l.agent_id = ? ORDER BY l.issued_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent leases: %w", err)
	}
	return collectLeases(rows)
}

// ActiveLeasesForAgent returns the agent's current unresolved leases.
func (db *DB) ActiveLeasesForAgent(ctx context.Context, agentID string) ([]models.Lease, error) {
	rows, err := db.Query(`SELECT `+leaseColumns+` `+activeLeaseJoin+` AND l.agent_id = ? ORDER BY l.issued_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list agent leases: %w", err)
	}
	return collectLeases(rows)
}

// ExpiredLeases returns current unresolved leases whose expiry is at or before now.
func (db *DB) ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]models.Lease, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+leaseColumns+` `+activeLeaseJoin+` AND l.expires_at <= ?
		ORDER BY l.expires_at LIMIT ?`, formatTime(now), limit)
	if err != nil {
		return nil, fmt.Errorf("list expired leases: %w", err)
	}
	return collectLeases(rows)
}

// OrphanedLeases returns current unresolved leases, expired or not, held by
// agents that are offline or deactivated.
func (db *DB) OrphanedLeases(ctx context.Context, limit int) ([]models.Lease, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+leaseColumns+` `+activeLeaseJoin+`
		AND l.agent_id IN (SELECT id FROM agents WHERE status IN (?, ?))
		ORDER BY l.issued_at LIMIT ?`,
		string(models.AgentStatusOffline), string(models.AgentStatusDeactivated), limit)
	if err != nil {
		return nil, fmt.Errorf("list orphaned leases: %w", err)
	}
	return collectLeases(rows)
}

// GetLease returns a lease by ID whether or not it is active.
func (db *DB) GetLease(ctx context.Context, id string) (*models.Lease, error) {
	l, err := scanLease(db.QueryRow(`SELECT `+leaseColumns+` FROM leases l WHERE l.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("lease %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get lease: %w", err)
	}
	return l, nil
}

// LeaseResolution returns how a lease was resolved, or "" if it is unresolved.
func (db *DB) LeaseResolution(ctx context.Context, id string) (models.LeaseResolution, error) {
	var res string
	err := db.QueryRow(`SELECT resolution FROM lease_resolutions WHERE lease_id = ?`, id).Scan(&res)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get lease resolution: %w", err)
	}
	return models.LeaseResolution(res), nil
}

// CountActiveLeasesForJob returns how many unresolved, unexpired leases reference a job.
func (db *DB) CountActiveLeasesForJob(ctx context.Context, jobID string, now time.Time) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM leases l
		LEFT JOIN lease_resolutions r ON r.lease_id = l.id
		WHERE r.lease_id IS NULL AND l.job_id = ? AND l.expires_at > ?`, jobID, formatTime(now)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count job leases: %w", err)
	}
	return n, nil
}

// Assignments returns the jobs currently leased (not yet running) to an agent
// together with their lease.
func (db *DB) Assignments(ctx context.Context, agentID string, now time.Time) ([]models.Assignment, error) {
	rows, err := db.Query(`SELECT `+leaseColumns+` `+activeLeaseJoin+`
		AND l.agent_id = ? AND j.status = ? AND l.expires_at > ?
		ORDER BY j.priority DESC, l.issued_at`,
		agentID, string(models.JobStatusLeased), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	leases, err := collectLeases(rows)
	if err != nil {
		return nil, err
	}

	out := make([]models.Assignment, 0, len(leases))
	for _, l := range leases {
		j, err := db.GetJob(ctx, l.JobID)
		if err != nil {
			return nil, err
		}
		out = append(out, models.Assignment{Job: *j, Token: l.Token, ExpiresAt: l.ExpiresAt})
	}
	return out, nil
}
