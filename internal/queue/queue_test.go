package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ShayCichocki/fleet/internal/state"
	"github.com/ShayCichocki/fleet/pkg/models"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func setupQueue(t *testing.T, cfg Config) (*Queue, *state.DB, *testClock) {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)}
	return New(db, cfg, WithClock(clock.Now)), db, clock
}

func TestEnqueue_AppliesDefaults(t *testing.T) {
	q, db, _ := setupQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "invoice-bot@1.2", Parameters: json.RawMessage(` {"a":1} `)})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	j, err := q.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Status != models.JobStatusPending || j.MaxAttempts != 3 || j.TimeoutSeconds != 300 {
		t.Errorf("job = %+v, want pending with default attempts and timeout", j)
	}
	if string(j.Parameters) != `{"a":1}` {
		t.Errorf("parameters = %s", j.Parameters)
	}

	evs, _ := db.ListEvents(ctx, id)
	if len(evs) != 1 || evs[0].Type != models.EventJobEnqueued || evs[0].Seq != 1 {
		t.Errorf("events = %+v, want job_enqueued seq 1", evs)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	q, _, _ := setupQueue(t, Config{})
	tests := []struct {
		name string
		req  EnqueueRequest
	}{
		{"missing tenant", EnqueueRequest{PackageRef: "p"}},
		{"missing package", EnqueueRequest{TenantID: "t1"}},
		{"negative attempts", EnqueueRequest{TenantID: "t1", PackageRef: "p", MaxAttempts: -1}},
		{"negative timeout", EnqueueRequest{TenantID: "t1", PackageRef: "p", TimeoutSeconds: -5}},
		{"array parameters", EnqueueRequest{TenantID: "t1", PackageRef: "p", Parameters: json.RawMessage(`[1]`)}},
		{"broken parameters", EnqueueRequest{TenantID: "t1", PackageRef: "p", Parameters: json.RawMessage(`{"a":`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := q.Enqueue(context.Background(), tt.req); !errors.Is(err, models.ErrInvalidArgument) {
				t.Errorf("error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestEnqueue_IdempotencyKey(t *testing.T) {
	q, db, clock := setupQueue(t, Config{IdempotencyRetention: time.Hour})
	ctx := context.Background()
	req := EnqueueRequest{TenantID: "t1", PackageRef: "p", IdempotencyKey: "order-42"}

	first, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("repeat enqueue returned %s, want %s", second, first)
	}

	// A restart loses the cache but the durable key still deduplicates.
	fresh := New(db, Config{IdempotencyRetention: time.Hour}, WithClock(clock.Now))
	third, err := fresh.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if third != first {
		t.Errorf("enqueue after restart returned %s, want %s", third, first)
	}

	// The same key in another tenant is a different job.
	other, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t2", PackageRef: "p", IdempotencyKey: "order-42"})
	if other == first {
		t.Error("idempotency keys must be scoped per tenant")
	}

	clock.now = clock.now.Add(2 * time.Hour)
	later, err := q.Enqueue(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if later == first {
		t.Error("key should expire after the retention window")
	}

	jobs, _ := q.List(ctx, state.JobFilter{TenantID: "t1"})
	if len(jobs) != 2 {
		t.Errorf("tenant t1 has %d jobs, want 2", len(jobs))
	}
}

func TestEnqueue_TenantQuota(t *testing.T) {
	limits := map[string]int{"small": 2}
	q, _, _ := setupQueue(t, Config{Quota: func(tenant string) int { return limits[tenant] }})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "small", PackageRef: "p"}); err != nil {
			t.Fatalf("enqueue %d failed: %v", i, err)
		}
	}
	if _, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "small", PackageRef: "p"}); !errors.Is(err, models.ErrTenantQuotaExceeded) {
		t.Errorf("error = %v, want ErrTenantQuotaExceeded", err)
	}

	// Other tenants are unaffected.
	if _, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "big", PackageRef: "p"}); err != nil {
		t.Errorf("other tenant enqueue failed: %v", err)
	}

	// Limits are read on every call.
	limits["small"] = 3
	if _, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "small", PackageRef: "p"}); err != nil {
		t.Errorf("enqueue after raising limit failed: %v", err)
	}
}

func TestPeekCandidates_NeedsSingleCoveringSet(t *testing.T) {
	q, _, clock := setupQueue(t, Config{})
	ctx := context.Background()

	enqueue := func(priority int, caps ...string) string {
		t.Helper()
		id, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p", Priority: priority, RequiredCapabilities: caps})
		if err != nil {
			t.Fatal(err)
		}
		clock.now = clock.now.Add(time.Second)
		return id
	}
	for range 3 {
		enqueue(10, "windows", "gpu")
	}
	plain := enqueue(1, "windows")

	pool := []models.Capabilities{models.NewCapabilities("windows"), models.NewCapabilities("gpu")}
	got, err := q.PeekCandidates(ctx, "t1", pool, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != plain {
		t.Errorf("candidates = %+v, want only %s", got, plain)
	}
}

func TestPeekCandidates_OrderAndFilter(t *testing.T) {
	q, _, clock := setupQueue(t, Config{})
	ctx := context.Background()

	enqueue := func(priority int, caps ...string) string {
		t.Helper()
		id, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p", Priority: priority, RequiredCapabilities: caps})
		if err != nil {
			t.Fatal(err)
		}
		clock.now = clock.now.Add(time.Second)
		return id
	}
	j1 := enqueue(5)
	j2 := enqueue(10)
	j3 := enqueue(5, "gpu")
	j4 := enqueue(5)
	future := clock.now.Add(time.Hour)
	if _, err := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p", Priority: 100, NotBefore: &future}); err != nil {
		t.Fatal(err)
	}

	ids := func(jobs []models.Job) []string {
		out := make([]string, len(jobs))
		for i, j := range jobs {
			out[i] = j.ID
		}
		return out
	}
	check := func(got, want []string) {
		t.Helper()
		if len(got) != len(want) {
			t.Fatalf("candidates = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("candidates[%d] = %s, want %s", i, got[i], want[i])
			}
		}
	}

	all, err := q.PeekCandidates(ctx, "t1", nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	check(ids(all), []string{j2, j1, j3, j4})

	noGPU, _ := q.PeekCandidates(ctx, "t1", []models.Capabilities{models.NewCapabilities("linux")}, 10)
	check(ids(noGPU), []string{j2, j1, j4})

	// Unservable jobs do not use up the window.
	narrow, _ := q.PeekCandidates(ctx, "t1", []models.Capabilities{models.NewCapabilities("linux")}, 3)
	check(ids(narrow), []string{j2, j1, j4})

	limited, _ := q.PeekCandidates(ctx, "t1", nil, 2)
	check(ids(limited), []string{j2, j1})

	other, _ := q.PeekCandidates(ctx, "t2", nil, 10)
	if len(other) != 0 {
		t.Errorf("tenant t2 candidates = %v, want none", ids(other))
	}

	depth, _ := q.Depth(ctx)
	if depth["t1"] != 5 {
		t.Errorf("depth = %v, want t1=5 including the delayed job", depth)
	}
}

func TestCancel(t *testing.T) {
	q, db, clock := setupQueue(t, Config{})
	ctx := context.Background()
	now := clock.now

	err := db.Transaction(ctx, func(tx *state.Tx) error {
		return tx.InsertAgent(&models.Agent{ID: "a1", TenantID: "t1", Name: "a1", Status: models.AgentStatusOnline,
			LastHeartbeatAt: now, MaxConcurrentJobs: 3, RegisteredAt: now, UpdatedAt: now})
	})
	if err != nil {
		t.Fatal(err)
	}

	lease := func(jobID string, running bool) {
		t.Helper()
		err := db.Transaction(ctx, func(tx *state.Tx) error {
			j, err := tx.GetJob(jobID)
			if err != nil {
				return err
			}
			if err := tx.AcquireSlot("a1", now); err != nil {
				return err
			}
			l := &models.Lease{ID: "l-" + jobID, Token: "tok-" + jobID, JobID: jobID, AgentID: "a1", Attempt: 1,
				IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
			if err := tx.InsertLease(l); err != nil {
				return err
			}
			j.Status, j.AgentID, j.LeaseID = models.JobStatusLeased, "a1", l.ID
			if err := tx.SwapJob(models.JobStatusPending, "", j); err != nil {
				return err
			}
			if !running {
				return nil
			}
			j.Status = models.JobStatusRunning
			return tx.SwapJob(models.JobStatusLeased, l.ID, j)
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	pending, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p"})
	leased, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p"})
	running, _ := q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p"})
	lease(leased, false)
	lease(running, true)

	for _, id := range []string{pending, leased, running} {
		if err := q.Cancel(ctx, id, ""); err != nil {
			t.Fatalf("Cancel(%s) failed: %v", id, err)
		}
		j, _ := q.Get(ctx, id)
		if j.Status != models.JobStatusCancelled || j.Reason != models.ReasonCancelled || j.FinishedAt == nil {
			t.Errorf("job %s = %+v, want cancelled", id, j)
		}
	}

	// The leased job's lease is gone and its slot released; the running job
	// keeps both until the agent reports.
	if res, _ := db.LeaseResolution(ctx, "l-"+leased); res != models.LeaseCancelled {
		t.Errorf("leased job lease resolution = %q, want cancelled", res)
	}
	if res, _ := db.LeaseResolution(ctx, "l-"+running); res != "" {
		t.Errorf("running job lease resolution = %q, want unresolved", res)
	}
	a, _ := db.GetAgent(ctx, "a1")
	if a.CurrentLeaseCount != 1 {
		t.Errorf("agent lease count = %d, want 1", a.CurrentLeaseCount)
	}

	if err := q.Cancel(ctx, pending, ""); !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("cancel terminal job error = %v, want ErrInvalidTransition", err)
	}
	if err := q.Cancel(ctx, "missing", ""); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("cancel missing job error = %v, want ErrNotFound", err)
	}
}

func TestPurgeIdempotencyKeys(t *testing.T) {
	q, _, clock := setupQueue(t, Config{IdempotencyRetention: time.Hour})
	ctx := context.Background()
	q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p", IdempotencyKey: "a"})
	clock.now = clock.now.Add(90 * time.Minute)
	q.Enqueue(ctx, EnqueueRequest{TenantID: "t1", PackageRef: "p", IdempotencyKey: "b"})

	n, err := q.PurgeIdempotencyKeys(ctx)
	if err != nil {
		t.Fatalf("PurgeIdempotencyKeys failed: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d keys, want 1", n)
	}
}

func TestList_RejectsUnknownStatus(t *testing.T) {
	q, _, _ := setupQueue(t, Config{})
	_, err := q.List(context.Background(), state.JobFilter{Statuses: []models.JobStatus{"paused"}})
	if !errors.Is(err, models.ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}
