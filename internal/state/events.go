package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

const eventColumns = `id, subject, seq, type, tenant_id, job_id, agent_id, lease_id, detail, created_at`

func scanEvent(row rowScanner) (*models.Event, error) {
	var e models.Event
	var typ, createdAt string
	var detail sql.NullString
	err := row.Scan(&e.ID, &e.Subject, &e.Seq, &typ, &e.TenantID, &e.JobID, &e.AgentID,
		&e.LeaseID, &detail, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Type = models.EventType(typ)
	if detail.Valid {
		e.Detail = json.RawMessage(detail.String)
	}
	e.CreatedAt, _ = parseTime(createdAt)
	return &e, nil
}

func collectEvents(rows *sql.Rows) ([]models.Event, error) {
	defer rows.Close()
	var events []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// AppendEvent writes e in the current transaction, assigning the next
// sequence number for its subject. e.ID and e.Seq are filled in.
func (t *Tx) AppendEvent(e *models.Event) error {
	if e.Subject == "" {
		return fmt.Errorf("append event %s: empty subject: %w", e.Type, models.ErrInvalidArgument)
	}
	if err := t.tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE subject = ?`, e.Subject).Scan(&e.Seq); err != nil {
		return fmt.Errorf("next event seq: %w", err)
	}
	res, err := t.tx.Exec(`
		INSERT INTO events (subject, seq, type, tenant_id, job_id, agent_id, lease_id, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Subject, e.Seq, string(e.Type), e.TenantID, e.JobID, e.AgentID, e.LeaseID,
		nullableJSON(e.Detail), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	e.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event id: %w", err)
	}
	return nil
}

// ListEvents returns a subject's events in sequence order.
func (db *DB) ListEvents(ctx context.Context, subject string) ([]models.Event, error) {
	rows, err := db.Query(`SELECT `+eventColumns+` FROM events WHERE subject = ? ORDER BY seq`, subject)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// UndeliveredEvents returns up to limit events not yet handed to the sink, oldest first.
func (db *DB) UndeliveredEvents(ctx context.Context, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`SELECT `+eventColumns+` FROM events WHERE delivered_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list undelivered events: %w", err)
	}
	return collectEvents(rows)
}

// MarkDelivered stamps events with ids up to and including throughID as delivered.
func (db *DB) MarkDelivered(ctx context.Context, throughID int64, now time.Time) (int64, error) {
	res, err := db.Exec(`UPDATE events SET delivered_at = ? WHERE delivered_at IS NULL AND id <= ?`,
		formatTime(now), throughID)
	if err != nil {
		return 0, fmt.Errorf("mark events delivered: %w", err)
	}
	return res.RowsAffected()
}
