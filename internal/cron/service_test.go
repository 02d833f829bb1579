package cron

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

func newTestService(t *testing.T, router bus.MessageRouter) (*Service, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.json")
	s, err := NewService(path, router)
	if err != nil {
		t.Fatal(err)
	}
	return s, path
}

func TestAddValidation(t *testing.T) {
	s, _ := newTestService(t, bus.NewMessageBus(8))

	tests := []struct {
		name string
		req  JobRequest
	}{
		{"missing message", JobRequest{Expr: "* * * * *", Channel: "telegram", ChatID: "1"}},
		{"missing chat", JobRequest{Expr: "* * * * *", Message: "hi", Channel: "telegram"}},
		{"no schedule", JobRequest{Message: "hi", Channel: "telegram", ChatID: "1"}},
		{"both expr and at", JobRequest{Expr: "* * * * *", At: "2030-01-01T00:00:00Z", Message: "hi", Channel: "telegram", ChatID: "1"}},
		{"both expr and every", JobRequest{Expr: "* * * * *", EveryMS: 60000, Message: "hi", Channel: "telegram", ChatID: "1"}},
		{"negative interval", JobRequest{EveryMS: -5, Message: "hi", Channel: "telegram", ChatID: "1"}},
		{"bad expr", JobRequest{Expr: "not a cron", Message: "hi", Channel: "telegram", ChatID: "1"}},
		{"bad at", JobRequest{At: "tomorrow", Message: "hi", Channel: "telegram", ChatID: "1"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Add(tc.req); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestAddLimit(t *testing.T) {
	s, _ := newTestService(t, bus.NewMessageBus(8))

	for i := 0; i < MaxJobs; i++ {
		_, err := s.Add(JobRequest{
			Expr:    "0 9 * * *",
			Message: "daily",
			Channel: "telegram",
			ChatID:  "1",
		})
		if err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}
	if _, err := s.Add(JobRequest{Expr: "0 9 * * *", Message: "one too many", Channel: "telegram", ChatID: "1"}); err == nil {
		t.Error("expected limit error")
	}
}

func TestOneShotDeletedAfterRun(t *testing.T) {
	router := bus.NewMessageBus(8)
	s, path := newTestService(t, router)

	job, err := s.Add(JobRequest{
		At:      time.Now().Add(-time.Minute).Format(time.RFC3339),
		Message: "remind me",
		Channel: "telegram",
		ChatID:  "42",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !job.DeleteAfterRun {
		t.Error("one-shot job should be delete_after_run")
	}

	s.fireMissed()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := router.ConsumeInbound(ctx, time.Second)
	if !ok {
		t.Fatal("no inbound message published")
	}
	if msg.Channel != "system" || msg.SenderID != "cron" {
		t.Errorf("channel=%q sender=%q", msg.Channel, msg.SenderID)
	}
	if msg.ChatID != "telegram:42" {
		t.Errorf("chat_id = %q, want telegram:42", msg.ChatID)
	}
	if !msg.IsInternal() {
		t.Error("fired job message should be internal")
	}
	if msg.Content != "remind me" {
		t.Errorf("content = %q", msg.Content)
	}

	if len(s.List(false)) != 0 {
		t.Error("one-shot job should be removed after firing")
	}

	// Deletion should survive a restart.
	s2, err := NewService(path, router)
	if err != nil {
		t.Fatal(err)
	}
	if len(s2.List(false)) != 0 {
		t.Error("removed job resurrected from store")
	}
}

func TestRecurringFiresAndStays(t *testing.T) {
	router := bus.NewMessageBus(8)
	s, _ := newTestService(t, router)

	if _, err := s.Add(JobRequest{Expr: "* * * * *", Message: "tick", Channel: "slack", ChatID: "C1"}); err != nil {
		t.Fatal(err)
	}

	s.tick(time.Now())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := router.ConsumeInbound(ctx, time.Second); !ok {
		t.Fatal("recurring job did not fire")
	}

	jobs := s.List(false)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].LastRunMs == 0 {
		t.Error("LastRunMs not recorded")
	}
}

func TestRecurringFiresOffMinuteBoundary(t *testing.T) {
	router := bus.NewMessageBus(8)
	s, _ := newTestService(t, router)

	if _, err := s.Add(JobRequest{Expr: "* * * * *", Message: "tick", Channel: "slack", ChatID: "C1"}); err != nil {
		t.Fatal(err)
	}

	// The minute ticker fires at whatever second offset the process
	// happened to start on.
	s.tick(time.Now().Truncate(time.Minute).Add(17 * time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := router.ConsumeInbound(ctx, time.Second); !ok {
		t.Fatal("job did not fire at second offset 17")
	}
}

func TestIntervalAnchoredToLastRun(t *testing.T) {
	router := bus.NewMessageBus(8)
	s, _ := newTestService(t, router)

	job, err := s.Add(JobRequest{EveryMS: 5 * 60 * 1000, Message: "interval", Channel: "telegram", ChatID: "7"})
	if err != nil {
		t.Fatal(err)
	}
	if !job.IsInterval() {
		t.Fatal("job should be an interval job")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Not yet due relative to creation.
	s.tick(time.Now())
	if _, ok := router.ConsumeInbound(ctx, 50*time.Millisecond); ok {
		t.Fatal("interval job fired before its interval elapsed")
	}

	// Past the interval: fires and records the run.
	s.tick(time.Now().Add(6 * time.Minute))
	if _, ok := router.ConsumeInbound(ctx, time.Second); !ok {
		t.Fatal("interval job did not fire after its interval")
	}
	jobs := s.List(false)
	if len(jobs) != 1 || jobs[0].LastRunMs == 0 {
		t.Fatalf("jobs = %+v, want one job with last_run recorded", jobs)
	}

	// The next window is anchored to the recorded run, not to creation.
	s.tick(time.Now().Add(time.Minute))
	if _, ok := router.ConsumeInbound(ctx, 50*time.Millisecond); ok {
		t.Fatal("interval job re-fired inside the anchored window")
	}
}

func TestDisabledJobsSkippedAndListed(t *testing.T) {
	router := bus.NewMessageBus(8)
	s, _ := newTestService(t, router)

	job, err := s.Add(JobRequest{Expr: "* * * * *", Message: "tick", Channel: "slack", ChatID: "C1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetEnabled(job.ID, false); err != nil {
		t.Fatal(err)
	}

	s.tick(time.Now())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := router.ConsumeInbound(ctx, 50*time.Millisecond); ok {
		t.Fatal("disabled job fired")
	}

	if got := len(s.List(false)); got != 0 {
		t.Errorf("List(false) = %d jobs, want 0", got)
	}
	listed := s.List(true)
	if len(listed) != 1 || listed[0].Enabled {
		t.Fatalf("List(true) = %+v, want the disabled job", listed)
	}

	// Disabled jobs do not count against the active limit.
	for i := 0; i < MaxJobs; i++ {
		if _, err := s.Add(JobRequest{Expr: "* * * * *", Message: "x", Channel: "slack", ChatID: "C1"}); err != nil {
			t.Fatalf("job %d: %v", i, err)
		}
	}
	if err := s.SetEnabled(job.ID, true); err == nil {
		t.Error("re-enabling past the active limit should error")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	router := bus.NewMessageBus(8)
	s, path := newTestService(t, router)

	added, err := s.Add(JobRequest{Name: "standup", Expr: "0 9 * * 1-5", Message: "standup time", Channel: "slack", ChatID: "C1"})
	if err != nil {
		t.Fatal(err)
	}

	s2, err := NewService(path, router)
	if err != nil {
		t.Fatal(err)
	}
	jobs := s2.List(false)
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].ID != added.ID || jobs[0].Expr != "0 9 * * 1-5" {
		t.Errorf("reloaded job = %+v", jobs[0])
	}
}

func TestRemove(t *testing.T) {
	s, _ := newTestService(t, bus.NewMessageBus(8))

	job, err := s.Add(JobRequest{Expr: "* * * * *", Message: "x", Channel: "telegram", ChatID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(job.ID); err == nil {
		t.Error("removing a missing job should error")
	}
}
