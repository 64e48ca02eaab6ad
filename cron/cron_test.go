package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestScheduler() (*Scheduler, *fakeClock) {
	clock := &fakeClock{now: base}
	s := NewScheduler()
	s.SetClock(clock.Now)
	return s, clock
}

func TestCalculateNextRun(t *testing.T) {
	nowMs := base.UnixMilli()
	tests := []struct {
		name string
		s    Schedule
		want int64
	}{
		{"invalid", Schedule{}, 0},
		{"plain interval", Every(time.Minute), nowMs + 60000},
		{"anchor in future", Schedule{EveryMs: 60000, AnchorMs: nowMs + 5000}, nowMs + 5000},
		{"aligned to anchor", Schedule{EveryMs: 60000, AnchorMs: nowMs - 90000}, nowMs + 30000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateNextRun(tt.s, base); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestAddValidation(t *testing.T) {
	s, _ := newTestScheduler()
	run := func(context.Context) error { return nil }

	if err := s.Add(&Job{Schedule: Every(time.Minute), Run: run}); err == nil {
		t.Error("Expected error for missing name")
	}
	if err := s.Add(&Job{Name: "a", Schedule: Every(time.Minute)}); err == nil {
		t.Error("Expected error for missing run function")
	}
	if err := s.Add(&Job{Name: "a", Run: run}); err == nil {
		t.Error("Expected error for empty schedule")
	}
	if err := s.Add(&Job{Name: "a", Schedule: Every(time.Minute), Run: run}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Add(&Job{Name: "a", Schedule: Every(time.Minute), Run: run}); !errors.Is(err, ErrJobExists) {
		t.Errorf("Expected ErrJobExists, got %v", err)
	}

	jobs := s.List()
	if len(jobs) != 1 || jobs[0].ID == "" || jobs[0].State.LastStatus != StatusIdle {
		t.Errorf("Unexpected jobs %+v", jobs)
	}
	if jobs[0].State.NextRunAtMs != base.Add(time.Minute).UnixMilli() {
		t.Errorf("Unexpected next run %d", jobs[0].State.NextRunAtMs)
	}
}

func TestTickRunsDueJobs(t *testing.T) {
	s, clock := newTestScheduler()
	var mu sync.Mutex
	ran := map[string]int{}
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			ran[name]++
			mu.Unlock()
			return nil
		}
	}
	s.Add(&Job{Name: "fast", Schedule: Every(time.Minute), Run: record("fast")})
	s.Add(&Job{Name: "slow", Schedule: Every(time.Hour), Run: record("slow")})

	s.tick(context.Background())
	if len(ran) != 0 {
		t.Fatalf("Expected nothing due yet, ran %v", ran)
	}

	clock.Advance(2 * time.Minute)
	s.tick(context.Background())
	if ran["fast"] != 1 || ran["slow"] != 0 {
		t.Errorf("Unexpected runs %v", ran)
	}

	// Next run is computed from the completion time
	s.tick(context.Background())
	if ran["fast"] != 1 {
		t.Errorf("Job ran again before its interval: %v", ran)
	}

	for _, j := range s.List() {
		if j.Name == "fast" {
			if j.State.LastStatus != StatusOK || j.State.Runs != 1 {
				t.Errorf("Unexpected state %+v", j.State)
			}
			if j.State.NextRunAtMs != clock.Now().Add(time.Minute).UnixMilli() {
				t.Errorf("Unexpected next run %d", j.State.NextRunAtMs)
			}
		}
	}
}

func TestRunJobRecordsFailures(t *testing.T) {
	s, _ := newTestScheduler()
	s.Add(&Job{Name: "broken", Schedule: Every(time.Hour), Run: func(context.Context) error {
		return errors.New("disk full")
	}})
	s.Add(&Job{Name: "panics", Schedule: Every(time.Hour), Run: func(context.Context) error {
		panic("boom")
	}})

	if err := s.RunJob(context.Background(), "broken"); err == nil || err.Error() != "disk full" {
		t.Errorf("Expected job error, got %v", err)
	}
	s.RunJob(context.Background(), "broken")
	if err := s.RunJob(context.Background(), "panics"); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Expected recovered panic, got %v", err)
	}
	if err := s.RunJob(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("Expected ErrJobNotFound, got %v", err)
	}

	jobs := s.List()
	if jobs[0].Name != "broken" || jobs[0].State.ConsecutiveErrors != 2 || jobs[0].State.LastError != "disk full" {
		t.Errorf("Unexpected broken state %+v", jobs[0].State)
	}
	if jobs[1].State.LastStatus != StatusError {
		t.Errorf("Unexpected panics state %+v", jobs[1].State)
	}

	text := s.StatusText()
	if !strings.Contains(text, "Maintenance jobs (2):") || !strings.Contains(text, "error: disk full") {
		t.Errorf("Unexpected status text %q", text)
	}
}

func TestStartStop(t *testing.T) {
	s := NewScheduler()
	s.interval = 10 * time.Millisecond

	done := make(chan struct{})
	var once sync.Once
	s.Add(&Job{Name: "tick", Schedule: Schedule{EveryMs: 1}, Run: func(context.Context) error {
		once.Do(func() { close(done) })
		return nil
	}})

	s.Start()
	if !s.IsRunning() {
		t.Fatal("Expected scheduler to be running")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Job never ran")
	}
	s.Stop()
	if s.IsRunning() {
		t.Error("Expected scheduler to be stopped")
	}
	s.Stop()
}

func TestStatusTextEmpty(t *testing.T) {
	if got := NewScheduler().StatusText(); got != "No maintenance jobs scheduled." {
		t.Errorf("Unexpected text %q", got)
	}
}
