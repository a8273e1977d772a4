package state

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/fleet/pkg/models"
)

func newTestAgent(id, tenant, name string, now time.Time) *models.Agent {
	return &models.Agent{
		ID:                id,
		TenantID:          tenant,
		Name:              name,
		Capabilities:      models.NewCapabilities("windows"),
		Status:            models.AgentStatusOnline,
		LastHeartbeatAt:   now,
		MaxConcurrentJobs: 2,
		RegisteredAt:      now,
		UpdatedAt:         now,
	}
}

func newTestJob(id, tenant string, priority int, created time.Time) *models.Job {
	return &models.Job{
		ID:             id,
		TenantID:       tenant,
		PackageRef:     "pkg/" + id,
		Priority:       priority,
		Status:         models.JobStatusPending,
		MaxAttempts:    3,
		TimeoutSeconds: 60,
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func mustTx(t *testing.T, db *DB, fn func(tx *Tx) error) {
	t.Helper()
	if err := db.Transaction(context.Background(), fn); err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
}

// leaseJob moves a pending job to leased under a new lease, the way the
// dispatcher does.
func leaseJob(t *testing.T, db *DB, jobID, agentID, leaseID string, now time.Time, ttl time.Duration) *models.Lease {
	t.Helper()
	lease := &models.Lease{
		ID:        leaseID,
		Token:     "token-" + leaseID,
		JobID:     jobID,
		AgentID:   agentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	mustTx(t, db, func(tx *Tx) error {
		j, err := tx.GetJob(jobID)
		if err != nil {
			return err
		}
		if err := tx.AcquireSlot(agentID, now); err != nil {
			return err
		}
		if err := tx.InsertLease(lease); err != nil {
			return err
		}
		j.Status = models.JobStatusLeased
		j.AgentID = agentID
		j.LeaseID = leaseID
		j.UpdatedAt = now
		return tx.SwapJob(models.JobStatusPending, "", j)
	})
	return lease
}

func TestAgents_InsertGetList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		if err := tx.InsertAgent(newTestAgent("a2", "t1", "host-2", now)); err != nil {
			return err
		}
		return tx.InsertAgent(newTestAgent("a3", "t2", "host-1", now))
	})

	a, err := db.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if a.Name != "host-1" || a.TenantID != "t1" || !a.Capabilities.Has("windows") {
		t.Errorf("unexpected agent: %+v", a)
	}

	if _, err := db.GetAgent(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("GetAgent(missing) error = %v, want ErrNotFound", err)
	}

	t1, err := db.ListAgents(ctx, AgentFilter{TenantID: "t1"})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(t1) != 2 {
		t.Errorf("ListAgents(t1) returned %d agents, want 2", len(t1))
	}

	all, err := db.ListAgents(ctx, AgentFilter{Statuses: []models.AgentStatus{models.AgentStatusOnline}})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListAgents(online) returned %d agents, want 3", len(all))
	}
}

func TestAgents_DuplicateNameRejected(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		return tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now))
	})
	err := db.Transaction(context.Background(), func(tx *Tx) error {
		return tx.InsertAgent(newTestAgent("a2", "t1", "host-1", now))
	})
	if err == nil {
		t.Error("expected unique constraint violation for duplicate tenant/name")
	}
}

func TestAgents_AcquireReleaseSlot(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		return tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now))
	})

	for i := 0; i < 2; i++ {
		mustTx(t, db, func(tx *Tx) error { return tx.AcquireSlot("a1", now) })
	}

	err := db.Transaction(ctx, func(tx *Tx) error { return tx.AcquireSlot("a1", now) })
	if !errors.Is(err, models.ErrCapacityExceeded) {
		t.Fatalf("third AcquireSlot error = %v, want ErrCapacityExceeded", err)
	}

	mustTx(t, db, func(tx *Tx) error { return tx.ReleaseSlot("a1", now) })
	mustTx(t, db, func(tx *Tx) error { return tx.ReleaseSlot("a1", now) })
	mustTx(t, db, func(tx *Tx) error { return tx.ReleaseSlot("a1", now) })

	a, _ := db.GetAgent(ctx, "a1")
	if a.CurrentLeaseCount != 0 {
		t.Errorf("CurrentLeaseCount = %d, want 0", a.CurrentLeaseCount)
	}
}

func TestAgents_AcquireSlotRequiresOnline(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		a := newTestAgent("a1", "t1", "host-1", now)
		a.Status = models.AgentStatusDraining
		return tx.InsertAgent(a)
	})
	err := db.Transaction(context.Background(), func(tx *Tx) error { return tx.AcquireSlot("a1", now) })
	if !errors.Is(err, models.ErrCapacityExceeded) {
		t.Errorf("AcquireSlot on draining agent error = %v, want ErrCapacityExceeded", err)
	}
}

func TestAgents_MarkOfflineIfStale(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		return tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now.Add(-time.Minute)))
	})

	stale, err := db.ListStaleAgents(ctx, now.Add(-30*time.Second))
	if err != nil {
		t.Fatalf("ListStaleAgents failed: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("ListStaleAgents returned %d, want 1", len(stale))
	}

	// A heartbeat between listing and marking wins the race.
	mustTx(t, db, func(tx *Tx) error { return tx.TouchHeartbeat("a1", now) })
	err = db.Transaction(ctx, func(tx *Tx) error {
		return tx.MarkOfflineIfStale("a1", now.Add(-30*time.Second), now)
	})
	if !errors.Is(err, models.ErrStaleState) {
		t.Fatalf("MarkOfflineIfStale error = %v, want ErrStaleState", err)
	}

	later := now.Add(time.Minute)
	mustTx(t, db, func(tx *Tx) error {
		return tx.MarkOfflineIfStale("a1", later.Add(-30*time.Second), later)
	})
	a, _ := db.GetAgent(ctx, "a1")
	if a.Status != models.AgentStatusOffline {
		t.Errorf("status = %s, want offline", a.Status)
	}
}

func TestAgents_ReregisterKeepsCapacityAboveLeases(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		if err := tx.AcquireSlot("a1", now); err != nil {
			return err
		}
		return tx.AcquireSlot("a1", now)
	})

	mustTx(t, db, func(tx *Tx) error {
		return tx.Reregister("a1", models.NewCapabilities("linux"), 1, now)
	})
	a, _ := db.GetAgent(ctx, "a1")
	if a.MaxConcurrentJobs != 2 {
		t.Errorf("MaxConcurrentJobs = %d, want 2 (clamped to lease count)", a.MaxConcurrentJobs)
	}
	if !a.Capabilities.Has("linux") || a.Capabilities.Has("windows") {
		t.Errorf("capabilities not replaced: %v", a.Capabilities)
	}
}

func TestAgents_Metrics(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		if err := tx.UpsertMetrics(models.MetricsSnapshot{AgentID: "a1", Metrics: models.Metrics{CPUPercent: 10}, ReportedAt: now}); err != nil {
			return err
		}
		return tx.UpsertMetrics(models.MetricsSnapshot{AgentID: "a1", Metrics: models.Metrics{CPUPercent: 55, ActiveJobs: 2}, ReportedAt: now})
	})

	m, err := db.GetMetrics(ctx, "a1")
	if err != nil {
		t.Fatalf("GetMetrics failed: %v", err)
	}
	if m.Metrics.CPUPercent != 55 || m.Metrics.ActiveJobs != 2 {
		t.Errorf("metrics = %+v, want latest snapshot", m.Metrics)
	}
}

func TestJobs_PendingOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	future := base.Add(2 * time.Hour)

	mustTx(t, db, func(tx *Tx) error {
		jobs := []*models.Job{
			newTestJob("low-old", "t1", 1, base),
			newTestJob("high-new", "t1", 10, base.Add(2*time.Minute)),
			newTestJob("high-old", "t1", 10, base.Add(time.Minute)),
			newTestJob("other-tenant", "t2", 100, base),
		}
		delayed := newTestJob("delayed", "t1", 50, base)
		delayed.NotBefore = &future
		jobs = append(jobs, delayed)
		for _, j := range jobs {
			if err := tx.InsertJob(j); err != nil {
				return err
			}
		}
		return nil
	})

	var got []string
	err := db.PendingJobs(ctx, "t1", base.Add(time.Hour), func(j *models.Job) bool {
		got = append(got, j.ID)
		return true
	})
	if err != nil {
		t.Fatalf("PendingJobs failed: %v", err)
	}
	want := []string{"high-old", "high-new", "low-old"}
	if len(got) != len(want) {
		t.Fatalf("PendingJobs = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("PendingJobs[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	tenants, err := db.PendingTenants(ctx, base.Add(time.Hour))
	if err != nil {
		t.Fatalf("PendingTenants failed: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "t1" || tenants[1] != "t2" {
		t.Errorf("PendingTenants = %v, want [t1 t2]", tenants)
	}

	depth, err := db.QueueDepth(ctx)
	if err != nil {
		t.Fatalf("QueueDepth failed: %v", err)
	}
	if depth["t1"] != 4 || depth["t2"] != 1 {
		t.Errorf("QueueDepth = %v, want t1=4 t2=1", depth)
	}
}

func TestJobs_SwapJobCompareAndSet(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		return tx.InsertJob(newTestJob("j1", "t1", 0, now))
	})

	leaseJob(t, db, "j1", "a1", "l1", now, time.Minute)

	// A second claimer still believes the job is pending.
	err := db.Transaction(ctx, func(tx *Tx) error {
		j, _ := tx.GetJob("j1")
		j.Status = models.JobStatusLeased
		j.LeaseID = "l2"
		return tx.SwapJob(models.JobStatusPending, "", j)
	})
	if !errors.Is(err, models.ErrStaleState) {
		t.Fatalf("second claim error = %v, want ErrStaleState", err)
	}

	err = db.Transaction(ctx, func(tx *Tx) error {
		j, _ := tx.GetJob("j1")
		j.Status = models.JobStatusSucceeded
		return tx.SwapJob(models.JobStatusLeased, "l1", j)
	})
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("leased->succeeded error = %v, want ErrInvalidTransition", err)
	}

	j, _ := db.GetJob(ctx, "j1")
	if j.Status != models.JobStatusLeased || j.LeaseID != "l1" || j.AgentID != "a1" {
		t.Errorf("job = %+v, want leased under l1", j)
	}
}

func TestLeases_ActiveByToken(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		return tx.InsertJob(newTestJob("j1", "t1", 0, now))
	})
	lease := leaseJob(t, db, "j1", "a1", "l1", now, time.Minute)

	mustTx(t, db, func(tx *Tx) error {
		got, err := tx.ActiveLeaseByToken(lease.Token, now)
		if err != nil {
			return err
		}
		if got.ID != "l1" || got.JobID != "j1" {
			t.Errorf("lease = %+v", got)
		}
		return nil
	})

	checkInvalid := func(token string, at time.Time) {
		t.Helper()
		err := db.Transaction(ctx, func(tx *Tx) error {
			_, err := tx.ActiveLeaseByToken(token, at)
			return err
		})
		if !errors.Is(err, models.ErrInvalidLease) {
			t.Errorf("ActiveLeaseByToken(%q) error = %v, want ErrInvalidLease", token, err)
		}
	}
	checkInvalid("unknown", now)
	checkInvalid(lease.Token, now.Add(time.Minute))

	mustTx(t, db, func(tx *Tx) error { return tx.ResolveLease("l1", models.LeaseCompleted, now) })
	checkInvalid(lease.Token, now)

	err := db.Transaction(ctx, func(tx *Tx) error { return tx.ResolveLease("l1", models.LeaseExpired, now) })
	if !errors.Is(err, models.ErrStaleState) {
		t.Errorf("second ResolveLease error = %v, want ErrStaleState", err)
	}

	res, err := db.LeaseResolution(ctx, "l1")
	if err != nil || res != models.LeaseCompleted {
		t.Errorf("LeaseResolution = %q, %v; want completed", res, err)
	}
}

func TestLeases_ExpiredAndAssignments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		if err := tx.InsertJob(newTestJob("j1", "t1", 0, now)); err != nil {
			return err
		}
		return tx.InsertJob(newTestJob("j2", "t1", 0, now))
	})
	leaseJob(t, db, "j1", "a1", "l1", now, 10*time.Second)
	leaseJob(t, db, "j2", "a1", "l2", now, time.Hour)

	expired, err := db.ExpiredLeases(ctx, now.Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("ExpiredLeases failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "l1" {
		t.Errorf("ExpiredLeases = %+v, want only l1", expired)
	}

	assignments, err := db.Assignments(ctx, "a1", now)
	if err != nil {
		t.Fatalf("Assignments failed: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("Assignments returned %d, want 2", len(assignments))
	}
	if assignments[0].Token == "" || assignments[0].Job.ID == "" {
		t.Errorf("assignment missing token or job: %+v", assignments[0])
	}

	active, err := db.ActiveLeasesForAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("ActiveLeasesForAgent failed: %v", err)
	}
	if len(active) != 2 {
		t.Errorf("ActiveLeasesForAgent returned %d, want 2", len(active))
	}

	n, err := db.CountActiveLeasesForJob(ctx, "j2", now)
	if err != nil || n != 1 {
		t.Errorf("CountActiveLeasesForJob = %d, %v; want 1", n, err)
	}
}

func TestLeases_Orphaned(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		for _, id := range []string{"a1", "a2"} {
			if err := tx.InsertAgent(newTestAgent(id, "t1", "host-"+id, now)); err != nil {
				return err
			}
		}
		if err := tx.InsertJob(newTestJob("j1", "t1", 0, now)); err != nil {
			return err
		}
		return tx.InsertJob(newTestJob("j2", "t1", 0, now))
	})
	leaseJob(t, db, "j1", "a1", "l1", now, time.Hour)
	leaseJob(t, db, "j2", "a2", "l2", now, time.Hour)

	orphaned, err := db.OrphanedLeases(ctx, 10)
	if err != nil || len(orphaned) != 0 {
		t.Fatalf("OrphanedLeases with live agents = %+v, %v", orphaned, err)
	}

	mustTx(t, db, func(tx *Tx) error {
		return tx.MarkOfflineIfStale("a2", now.Add(time.Minute), now)
	})
	orphaned, err = db.OrphanedLeases(ctx, 10)
	if err != nil {
		t.Fatalf("OrphanedLeases failed: %v", err)
	}
	if len(orphaned) != 1 || orphaned[0].ID != "l2" {
		t.Errorf("OrphanedLeases = %+v, want only l2", orphaned)
	}

	mustTx(t, db, func(tx *Tx) error {
		return tx.ResolveLease("l2", models.LeaseReclaimed, now)
	})
	if orphaned, err = db.OrphanedLeases(ctx, 10); err != nil || len(orphaned) != 0 {
		t.Errorf("OrphanedLeases after resolve = %+v, %v", orphaned, err)
	}
}

func TestEvents_SequencePerSubject(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	mustTx(t, db, func(tx *Tx) error {
		for _, e := range []*models.Event{
			{Subject: "j1", Type: models.EventJobEnqueued, JobID: "j1", CreatedAt: now},
			{Subject: "a1", Type: models.EventAgentRegistered, AgentID: "a1", CreatedAt: now},
			{Subject: "j1", Type: models.EventLeaseIssued, JobID: "j1", CreatedAt: now},
			{Subject: "j1", Type: models.EventJobRunning, JobID: "j1", CreatedAt: now},
		} {
			if err := tx.AppendEvent(e); err != nil {
				return err
			}
		}
		return nil
	})

	events, err := db.ListEvents(ctx, "j1")
	if err != nil {
		t.Fatalf("ListEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ListEvents returned %d, want 3", len(events))
	}
	for i, e := range events {
		if e.Seq != int64(i+1) {
			t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
	}

	err = db.Transaction(ctx, func(tx *Tx) error {
		return tx.AppendEvent(&models.Event{Type: models.EventJobFailed, CreatedAt: now})
	})
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("AppendEvent without subject error = %v, want ErrInvalidArgument", err)
	}
}

func TestEvents_Outbox(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	mustTx(t, db, func(tx *Tx) error {
		for i := 0; i < 3; i++ {
			if err := tx.AppendEvent(&models.Event{Subject: "j1", Type: models.EventJobEnqueued, CreatedAt: now}); err != nil {
				return err
			}
		}
		return nil
	})

	batch, err := db.UndeliveredEvents(ctx, 2)
	if err != nil {
		t.Fatalf("UndeliveredEvents failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("UndeliveredEvents returned %d, want 2", len(batch))
	}

	n, err := db.MarkDelivered(ctx, batch[len(batch)-1].ID, now)
	if err != nil || n != 2 {
		t.Fatalf("MarkDelivered = %d, %v; want 2", n, err)
	}

	rest, _ := db.UndeliveredEvents(ctx, 10)
	if len(rest) != 1 {
		t.Errorf("remaining undelivered = %d, want 1", len(rest))
	}
}

func TestIdempotencyKeys(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()

	mustTx(t, db, func(tx *Tx) error { return tx.PutIdempotencyKey("t1", "k1", "j1", now.Add(-48*time.Hour)) })

	mustTx(t, db, func(tx *Tx) error {
		id, err := tx.LookupIdempotencyKey("t1", "k1", now.Add(-24*time.Hour))
		if err != nil {
			return err
		}
		if id != "" {
			t.Errorf("expired key returned job %q", id)
		}
		id, err = tx.LookupIdempotencyKey("t1", "k1", now.Add(-72*time.Hour))
		if err != nil {
			return err
		}
		if id != "j1" {
			t.Errorf("key lookup = %q, want j1", id)
		}
		return nil
	})

	n, err := db.PurgeIdempotencyKeys(ctx, now.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Errorf("PurgeIdempotencyKeys = %d, %v; want 1", n, err)
	}
}

func TestRecover_RepairsLeaseCounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	now := time.Now()
	mustTx(t, db, func(tx *Tx) error {
		if err := tx.InsertAgent(newTestAgent("a1", "t1", "host-1", now)); err != nil {
			return err
		}
		if err := tx.InsertAgent(newTestAgent("a2", "t1", "host-2", now)); err != nil {
			return err
		}
		return tx.InsertJob(newTestJob("j1", "t1", 0, now))
	})
	leaseJob(t, db, "j1", "a1", "l1", now, time.Minute)

	// Simulate drift: a2 claims a slot it does not hold, a1 lost its count.
	if _, err := db.Exec(`UPDATE agents SET current_lease_count = 1 WHERE id = 'a2'`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE agents SET current_lease_count = 0 WHERE id = 'a1'`); err != nil {
		t.Fatal(err)
	}

	report, err := db.Recover(ctx, now)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if report.AgentsRepaired != 2 || report.ActiveLeases != 1 {
		t.Errorf("report = %+v, want 2 repaired, 1 active lease", report)
	}

	a1, _ := db.GetAgent(ctx, "a1")
	a2, _ := db.GetAgent(ctx, "a2")
	if a1.CurrentLeaseCount != 1 || a2.CurrentLeaseCount != 0 {
		t.Errorf("lease counts = %d/%d, want 1/0", a1.CurrentLeaseCount, a2.CurrentLeaseCount)
	}
}
