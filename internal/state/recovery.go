package state

import (
	"context"
	"fmt"
	"time"
)

// RecoveryReport describes what Recover repaired on startup.
type RecoveryReport struct {
	// AgentsRepaired counts agents whose lease count disagreed with their
	// active leases.
	AgentsRepaired int
	// ActiveLeases is the number of unresolved current leases found.
	ActiveLeases int
}

// Recover rebuilds derived counters from durable lease records so the process
// needs no in-memory state to resume after a restart. Every agent's
// current_lease_count is recomputed from its unresolved current leases.
// Expired leases are left for the reaper.
func (db *DB) Recover(ctx context.Context, now time.Time) (*RecoveryReport, error) {
	report := &RecoveryReport{}
	err := db.Transaction(ctx, func(tx *Tx) error {
		counts := make(map[string]int)
		rows, err := tx.tx.Query(`SELECT l.agent_id, COUNT(*) ` + activeLeaseJoin + ` GROUP BY l.agent_id`)
		if err != nil {
			return fmt.Errorf("count active leases: %w", err)
		}
		for rows.Next() {
			var agentID string
			var n int
			if err := rows.Scan(&agentID, &n); err != nil {
				rows.Close()
				return fmt.Errorf("scan lease count: %w", err)
			}
			counts[agentID] = n
			report.ActiveLeases += n
		}
		if err := rows.Close(); err != nil {
			return err
		}

		type drift struct {
			id    string
			count int
			max   int
		}
		var drifted []drift
		agents, err := tx.tx.Query(`SELECT id, current_lease_count, max_concurrent_jobs FROM agents`)
		if err != nil {
			return fmt.Errorf("list agents: %w", err)
		}
		for agents.Next() {
			var d drift
			if err := agents.Scan(&d.id, &d.count, &d.max); err != nil {
				agents.Close()
				return fmt.Errorf("scan agent: %w", err)
			}
			if d.count != counts[d.id] {
				d.count = counts[d.id]
				drifted = append(drifted, d)
			}
		}
		if err := agents.Close(); err != nil {
			return err
		}

		for _, d := range drifted {
			// The capacity is widened rather than violated if an agent
			// somehow holds more leases than it declared.
			_, err := tx.tx.Exec(`UPDATE agents SET current_lease_count = ?,
				max_concurrent_jobs = MAX(max_concurrent_jobs, ?), updated_at = ? WHERE id = ?`,
				d.count, d.count, formatTime(now), d.id)
			if err != nil {
				return fmt.Errorf("repair agent %s: %w", d.id, err)
			}
		}
		report.AgentsRepaired = len(drifted)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recover: %w", err)
	}
	return report, nil
}
