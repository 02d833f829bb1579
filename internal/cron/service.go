package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/nanoclaw/internal/bus"
)

// MaxJobs bounds the number of stored jobs.
const MaxJobs = 10

const tickInterval = time.Minute

// Service owns the job store and the timer loop. Fired jobs are published
// as internal system messages; the agent loop routes them back to the
// originating chat.
type Service struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	storePath string
	router    bus.MessageRouter
	gron      *gronx.Gronx
}

func NewService(storePath string, router bus.MessageRouter) (*Service, error) {
	s := &Service{
		jobs:      make(map[string]*Job),
		storePath: storePath,
		router:    router,
		gron:      gronx.New(),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Add validates and stores a new job. One-shot jobs are always removed
// after their single run.
func (s *Service) Add(req JobRequest) (*Job, error) {
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if req.Channel == "" || req.ChatID == "" {
		return nil, fmt.Errorf("channel and chat_id are required")
	}
	kinds := 0
	if req.Expr != "" {
		kinds++
	}
	if req.EveryMS != 0 {
		kinds++
	}
	if req.At != "" {
		kinds++
	}
	if kinds != 1 {
		return nil, fmt.Errorf("exactly one of a cron expression, an interval or an at-time is required")
	}

	job := &Job{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Message:     req.Message,
		Channel:     req.Channel,
		ChatID:      req.ChatID,
		Enabled:     true,
		CreatedAtMs: time.Now().UnixMilli(),
	}

	switch {
	case req.Expr != "":
		if !s.gron.IsValid(req.Expr) {
			return nil, fmt.Errorf("invalid cron expression: %s", req.Expr)
		}
		job.Expr = req.Expr
	case req.EveryMS != 0:
		if req.EveryMS < 0 {
			return nil, fmt.Errorf("interval must be positive, got %dms", req.EveryMS)
		}
		job.EveryMillis = req.EveryMS
	default:
		at, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			return nil, fmt.Errorf("invalid at-time (want RFC3339): %w", err)
		}
		job.AtMillis = at.UnixMilli()
		job.DeleteAfterRun = true
	}
	if job.Name == "" {
		job.Name = job.ID[:8]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCount() >= MaxJobs {
		return nil, fmt.Errorf("job limit reached (%d)", MaxJobs)
	}
	s.jobs[job.ID] = job
	if err := s.persist(); err != nil {
		delete(s.jobs, job.ID)
		return nil, err
	}

	slog.Info("cron job added", "id", job.ID, "name", job.Name,
		"expr", job.Expr, "every_ms", job.EveryMillis, "at_ms", job.AtMillis)
	return job, nil
}

// activeCount counts enabled jobs. Caller holds s.mu.
func (s *Service) activeCount() int {
	n := 0
	for _, j := range s.jobs {
		if j.Enabled {
			n++
		}
	}
	return n
}

// List returns jobs sorted by creation time. Disabled jobs are included
// only when asked for.
func (s *Service) List(includeDisabled bool) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.Enabled && !includeDisabled {
			continue
		}
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAtMs < out[k].CreatedAtMs })
	return out
}

// SetEnabled pauses or resumes a job without losing its state.
func (s *Service) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.Enabled == enabled {
		return nil
	}
	if enabled && s.activeCount() >= MaxJobs {
		return fmt.Errorf("job limit reached (%d)", MaxJobs)
	}
	job.Enabled = enabled
	return s.persist()
}

// Remove deletes a job by id.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	delete(s.jobs, id)
	return s.persist()
}

// Run drives the timer loop until ctx is cancelled. One-shot jobs whose
// time passed while the process was down fire immediately on startup.
func (s *Service) Run(ctx context.Context) error {
	s.fireMissed()

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

// fireMissed fires one-shot jobs whose scheduled time already passed.
func (s *Service) fireMissed() {
	s.mu.Lock()
	now := time.Now().UnixMilli()
	var due []*Job
	for _, j := range s.jobs {
		if j.Enabled && j.IsOneShot() && j.AtMillis <= now {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		slog.Info("cron firing missed job", "id", j.ID, "name", j.Name)
		s.fire(j)
	}
}

func (s *Service) tick(now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.Enabled {
			continue
		}
		if j.IsOneShot() {
			if j.AtMillis <= now.UnixMilli() {
				due = append(due, j)
			}
			continue
		}
		if j.IsInterval() {
			// Anchored to the previous run, or to creation before the
			// first one.
			anchor := j.LastRunMs
			if anchor == 0 {
				anchor = j.CreatedAtMs
			}
			if now.UnixMilli()-anchor >= j.EveryMillis {
				due = append(due, j)
			}
			continue
		}
		// gronx expands 5-field expressions with a 0 seconds field, so the
		// reference time must sit on the minute boundary.
		ok, err := s.gron.IsDue(j.Expr, now.Truncate(time.Minute))
		if err != nil {
			slog.Warn("cron expression check failed", "id", j.ID, "expr", j.Expr, "error", err)
			continue
		}
		if ok {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(j)
	}
}

// fire publishes the job's message as an internal system inbound and
// updates or removes the job.
func (s *Service) fire(job *Job) {
	slog.Info("cron job fired", "id", job.ID, "name", job.Name, "target", job.Channel+":"+job.ChatID)

	s.router.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: "cron",
		ChatID:   job.Channel + ":" + job.ChatID,
		Content:  job.Message,
		Metadata: map[string]string{
			bus.MetaInternal: "true",
		},
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	job.LastRunMs = time.Now().UnixMilli()
	if job.DeleteAfterRun {
		delete(s.jobs, job.ID)
	}
	if err := s.persist(); err != nil {
		slog.Error("cron persist failed", "error", err)
	}
}

// load reads the job store. A missing file means no jobs yet.
func (s *Service) load() error {
	data, err := os.ReadFile(s.storePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cron store: %w", err)
	}

	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		return fmt.Errorf("parse cron store: %w", err)
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return nil
}

// persist writes the store atomically. Caller holds s.mu.
func (s *Service) persist() error {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAtMs < jobs[k].CreatedAtMs })

	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.storePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".jobs-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.storePath)
}
