// Package cron runs the gateway's periodic maintenance jobs on fixed
// intervals, optionally aligned to an anchor time.
package cron

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// Job status values
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusOK      = "ok"
	StatusError   = "error"
)

// maxConcurrentJobs bounds how many due jobs one tick starts
const maxConcurrentJobs = 4

var (
	ErrJobExists   = errors.New("job already exists")
	ErrJobNotFound = errors.New("job not found")
)

// Schedule defines when a job should run
type Schedule struct {
	EveryMs  int64 `json:"everyMs"`            // milliseconds
	AnchorMs int64 `json:"anchorMs,omitempty"` // anchor point for every scheduling
}

// Every is a schedule firing once per d
func Every(d time.Duration) Schedule {
	return Schedule{EveryMs: d.Milliseconds()}
}

// JobState is the observable run state of a job
type JobState struct {
	NextRunAtMs       int64  `json:"nextRunAtMs"`
	LastRunAtMs       int64  `json:"lastRunAtMs"`
	LastStatus        string `json:"lastStatus"`
	LastError         string `json:"lastError,omitempty"`
	LastDurationMs    int64  `json:"lastDurationMs"`
	Runs              int    `json:"runs"`
	ConsecutiveErrors int    `json:"consecutiveErrors"`
}

// Job is a named maintenance task
type Job struct {
	ID       string                          `json:"id"`
	Name     string                          `json:"name"`
	Schedule Schedule                        `json:"schedule"`
	Run      func(ctx context.Context) error `json:"-"`
	State    JobState                        `json:"state"`
}

// CalculateNextRun returns the next fire time in unix milliseconds after now,
// or 0 when the schedule is invalid
func CalculateNextRun(s Schedule, now time.Time) int64 {
	if s.EveryMs <= 0 {
		return 0
	}
	nowMs := now.UnixMilli()
	if s.AnchorMs <= 0 {
		return nowMs + s.EveryMs
	}
	if nowMs < s.AnchorMs {
		return s.AnchorMs
	}
	intervals := (nowMs - s.AnchorMs) / s.EveryMs
	return s.AnchorMs + (intervals+1)*s.EveryMs
}

// Scheduler runs due jobs from a ticker loop
type Scheduler struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	interval time.Duration
	now      func() time.Time
}

// NewScheduler creates a scheduler checking for due jobs every second
func NewScheduler() *Scheduler {
	return &Scheduler{
		jobs:     make(map[string]*Job),
		interval: 1 * time.Second,
		now:      time.Now,
	}
}

// SetClock replaces the time source
func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job *Job) error {
	if job == nil || strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %s: run function is required", job.Name)
	}
	if job.Schedule.EveryMs <= 0 {
		return fmt.Errorf("job %s: everyMs must be positive", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrJobExists, job.Name)
	}
	if job.ID == "" {
		job.ID = generateJobID()
	}
	job.State.LastStatus = StatusIdle
	job.State.NextRunAtMs = CalculateNextRun(job.Schedule, s.now())
	s.jobs[job.Name] = job
	log.Printf("[Cron] Added job: %s (every %s)", job.Name, time.Duration(job.Schedule.EveryMs)*time.Millisecond)
	return nil
}

// List returns a snapshot of all jobs sorted by name
func (s *Scheduler) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// Start starts the scheduler loop. Jobs receive a context that Stop cancels.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	log.Printf("[Cron] Starting scheduler")
	s.wg.Add(1)
	go s.runLoop(ctx)
}

// Stop cancels running jobs and waits for them to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	log.Printf("[Cron] Stopped scheduler")
}

// IsRunning returns whether the loop is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) runLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// dueJobs claims every job whose next run has passed
func (s *Scheduler) dueJobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	nowMs := s.now().UnixMilli()
	var due []*Job
	for _, j := range s.jobs {
		if j.State.LastStatus == StatusRunning {
			continue
		}
		if j.State.NextRunAtMs > 0 && j.State.NextRunAtMs <= nowMs {
			j.State.LastStatus = StatusRunning
			due = append(due, j)
		}
	}
	return due
}

// tick runs due jobs in parallel and waits for them
func (s *Scheduler) tick(ctx context.Context) {
	due := s.dueJobs()
	if len(due) == 0 {
		return
	}

	sem := make(chan struct{}, maxConcurrentJobs)
	var wg sync.WaitGroup
	for _, job := range due {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			s.executeJob(ctx, j)
		}(job)
	}
	wg.Wait()
}

// RunJob runs the named job immediately, outside its schedule
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	if job.State.LastStatus == StatusRunning {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	job.State.LastStatus = StatusRunning
	s.mu.Unlock()

	return s.executeJob(ctx, job)
}

func (s *Scheduler) executeJob(ctx context.Context, job *Job) (err error) {
	s.mu.RLock()
	start := s.now()
	s.mu.RUnlock()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}

		s.mu.Lock()
		end := s.now()
		job.State.LastRunAtMs = start.UnixMilli()
		job.State.LastDurationMs = end.Sub(start).Milliseconds()
		job.State.Runs++
		job.State.NextRunAtMs = CalculateNextRun(job.Schedule, end)
		if err != nil {
			job.State.LastStatus = StatusError
			job.State.LastError = err.Error()
			job.State.ConsecutiveErrors++
		} else {
			job.State.LastStatus = StatusOK
			job.State.LastError = ""
			job.State.ConsecutiveErrors = 0
		}
		s.mu.Unlock()

		if err != nil {
			log.Printf("[Cron] Job %s failed: %v", job.Name, err)
		}
	}()

	return job.Run(ctx)
}

// StatusText renders job states for operators
func (s *Scheduler) StatusText() string {
	jobs := s.List()
	if len(jobs) == 0 {
		return "No maintenance jobs scheduled."
	}
	lines := []string{fmt.Sprintf("Maintenance jobs (%d):", len(jobs))}
	for _, j := range jobs {
		line := fmt.Sprintf("  %s  every %s  status: %s  runs: %d",
			j.Name, time.Duration(j.Schedule.EveryMs)*time.Millisecond, j.State.LastStatus, j.State.Runs)
		if j.State.NextRunAtMs > 0 {
			line += "  next: " + time.UnixMilli(j.State.NextRunAtMs).UTC().Format(time.RFC3339)
		}
		if j.State.LastError != "" {
			line += "  error: " + j.State.LastError
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

// generateJobID generates a unique job ID
func generateJobID() string {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("job-%d-%d", time.Now().UnixMilli(), time.Now().UnixNano()%10000)
	}
	return fmt.Sprintf("job-%d-%x", time.Now().UnixMilli(), b)
}
