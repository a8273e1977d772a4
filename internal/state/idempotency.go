package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupIdempotencyKey returns the job id recorded for (tenantID, key) at or
// after since, or "" when there is none.
func (t *Tx) LookupIdempotencyKey(tenantID, key string, since time.Time) (string, error) {
	var jobID string
	err := t.tx.QueryRow(`SELECT job_id FROM idempotency_keys
		WHERE tenant_id = ? AND key = ? AND created_at >= ?`, tenantID, key, formatTime(since)).Scan(&jobID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup idempotency key: %w", err)
	}
	return jobID, nil
}

// PutIdempotencyKey records key for jobID, replacing an expired entry.
func (t *Tx) PutIdempotencyKey(tenantID, key, jobID string, now time.Time) error {
	_, err := t.tx.Exec(`
		INSERT INTO idempotency_keys (tenant_id, key, job_id, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(tenant_id, key) DO UPDATE SET job_id = excluded.job_id, created_at = excluded.created_at
	`, tenantID, key, jobID, formatTime(now))
	if err != nil {
		return fmt.Errorf("store idempotency key: %w", err)
	}
	return nil
}

// PurgeIdempotencyKeys deletes keys created before cutoff.
// Returns the number of keys deleted.
func (db *DB) PurgeIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.Exec(`DELETE FROM idempotency_keys WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}

	return count, nil
}
