package models

import (
	"errors"
	"testing"
	"time"
)

func TestJobStatus_Valid(t *testing.T) {
	for _, s := range []JobStatus{
		JobStatusPending, JobStatusLeased, JobStatusRunning,
		JobStatusSucceeded, JobStatusFailed, JobStatusCancelled,
	} {
		if !s.Valid() {
			t.Errorf("%q should be valid", s)
		}
	}
	if JobStatus("done").Valid() {
		t.Error("unknown status should be invalid")
	}
}

func TestJobStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		want     bool
	}{
		{JobStatusPending, JobStatusLeased, true},
		{JobStatusPending, JobStatusCancelled, true},
		{JobStatusPending, JobStatusRunning, false},
		{JobStatusPending, JobStatusSucceeded, false},
		{JobStatusLeased, JobStatusRunning, true},
		{JobStatusLeased, JobStatusPending, true},
		{JobStatusLeased, JobStatusSucceeded, false},
		{JobStatusRunning, JobStatusSucceeded, true},
		{JobStatusRunning, JobStatusFailed, true},
		{JobStatusRunning, JobStatusPending, true},
		{JobStatusRunning, JobStatusLeased, false},
		{JobStatusSucceeded, JobStatusPending, false},
		{JobStatusFailed, JobStatusPending, false},
		{JobStatusCancelled, JobStatusPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobStatusPending:   false,
		JobStatusLeased:    false,
		JobStatusRunning:   false,
		JobStatusSucceeded: true,
		JobStatusFailed:    true,
		JobStatusCancelled: true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
		if s.Terminal() && len(jobTransitions[s]) != 0 {
			t.Errorf("terminal status %s has outgoing transitions", s)
		}
	}
}

func TestJob_Ready(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending without delay", Job{Status: JobStatusPending}, true},
		{"pending delayed", Job{Status: JobStatusPending, NotBefore: &future}, false},
		{"pending delay elapsed", Job{Status: JobStatusPending, NotBefore: &past}, true},
		{"pending delay exactly now", Job{Status: JobStatusPending, NotBefore: &now}, true},
		{"leased", Job{Status: JobStatusLeased}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Ready(now); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJob_AttemptsRemaining(t *testing.T) {
	j := Job{MaxAttempts: 3}
	for attempt, want := range []bool{true, true, true, false} {
		j.AttemptCount = attempt
		if got := j.AttemptsRemaining(); got != want {
			t.Errorf("AttemptCount=%d: AttemptsRemaining() = %v, want %v", attempt, got, want)
		}
	}
}

func TestLease_Expired(t *testing.T) {
	now := time.Now()
	l := Lease{IssuedAt: now, ExpiresAt: now.Add(time.Minute)}
	if l.Expired(now) {
		t.Error("fresh lease reported expired")
	}
	if !l.Expired(now.Add(time.Minute)) {
		t.Error("lease should expire at ExpiresAt")
	}
}

func TestNewLeaseToken(t *testing.T) {
	a, err := NewLeaseToken()
	if err != nil {
		t.Fatalf("NewLeaseToken() error = %v", err)
	}
	b, _ := NewLeaseToken()
	if len(a) != 64 {
		t.Errorf("token length = %d, want 64", len(a))
	}
	if a == b {
		t.Error("two tokens should differ")
	}
}

func TestErrAgentNotFound_IsNotFound(t *testing.T) {
	if !errors.Is(ErrAgentNotFound, ErrNotFound) {
		t.Error("ErrAgentNotFound should wrap ErrNotFound")
	}
}

func TestJobErr(t *testing.T) {
	exhausted := &Job{ID: "j1", Status: JobStatusFailed, Reason: ReasonMaxAttemptsExceeded}
	if !errors.Is(exhausted.Err(), ErrMaxAttemptsExceeded) {
		t.Errorf("Err() = %v, want ErrMaxAttemptsExceeded", exhausted.Err())
	}

	agentFailed := &Job{ID: "j2", Status: JobStatusFailed, Reason: AgentFailureReason("disk full")}
	if err := agentFailed.Err(); err == nil || errors.Is(err, ErrMaxAttemptsExceeded) {
		t.Errorf("Err() = %v, want agent failure", err)
	}
	if agentFailed.Reason != "agent_failure: disk full" {
		t.Errorf("Reason = %q", agentFailed.Reason)
	}

	if (&Job{Status: JobStatusSucceeded}).Err() != nil {
		t.Error("succeeded job should have nil Err()")
	}
}

func TestOutcome_ShouldRetry(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		o    Outcome
		want bool
	}{
		{"unset defaults to retry", Outcome{}, true},
		{"explicit true", Outcome{Retryable: &yes}, true},
		{"explicit false", Outcome{Retryable: &no}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.o.ShouldRetry(); got != tt.want {
				t.Errorf("ShouldRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}
