package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/sethdford/vibex-sub011/internal/logging"
	"github.com/sethdford/vibex-sub011/pkg/schema"
)

// Runner runs one definition file to completion. Satisfied by the
// orchestrator.
type Runner interface {
	Active() bool
	RunFile(ctx context.Context, path string) (*schema.RunReport, error)
}

// Entry is one scheduled workflow file.
type Entry struct {
	Name     string `yaml:"name" json:"name"`
	Spec     string `yaml:"spec" json:"spec"`
	File     string `yaml:"file" json:"file"`
	Disabled bool   `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Last run outcomes recorded on a Job besides the run statuses.
const (
	StatusSkipped = "skipped" // a run was already active
	StatusError   = "error"   // the file could not be loaded or run
)

// Job is the live state of an Entry.
type Job struct {
	Entry
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Skipped    int        `json:"skipped"`
}

type scheduleFile struct {
	Schedules []Entry `yaml:"schedules"`
}

// LoadEntries reads a schedule file. Relative workflow paths resolve
// against the schedule file's directory.
func LoadEntries(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "read schedule file: %s", err.Error()).WithCause(err)
	}
	var sf scheduleFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse schedule file: %s", err.Error()).WithCause(err)
	}
	dir := filepath.Dir(path)
	for i := range sf.Schedules {
		if f := sf.Schedules[i].File; f != "" && !filepath.IsAbs(f) {
			sf.Schedules[i].File = filepath.Join(dir, f)
		}
	}
	return sf.Schedules, nil
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often due jobs are checked. Default 1m.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler checks its jobs on a ticker and runs those that are due.
type Scheduler struct {
	runner   Runner
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler for entries. Every entry needs a unique name, a
// valid cron spec and a file.
func New(runner Runner, entries []Entry, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.Discard(),
		interval: time.Minute,
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(map[string]*Job, len(entries)),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	now := s.now()
	for i, e := range entries {
		switch {
		case e.Name == "":
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "schedule %d has no name", i)
		case e.File == "":
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "schedule %q has no file", e.Name)
		}
		if _, dup := s.jobs[e.Name]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "duplicate schedule %q", e.Name)
		}
		next, err := s.CalculateNextRun(e.Spec, now)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "schedule %q: %s", e.Name, err.Error())
		}
		s.jobs[e.Name] = &Job{Entry: e, NextRunAt: &next}
	}
	return s, nil
}

// Start launches the background loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.jobs)))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx, s.now())
		}
	}
}

// RunDue runs every enabled job whose next run is at or before now, in
// name order, and returns how many ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) int {
	ran := 0
	for _, job := range s.dueJobs(now) {
		if ctx.Err() != nil {
			break
		}
		if !s.tryAcquire(job.Name) {
			continue
		}
		if s.runJob(ctx, job, now) {
			ran++
		}
		s.releaseJob(job.Name)
	}
	return ran
}

func (s *Scheduler) dueJobs(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Entry
	for _, j := range s.jobs {
		if j.Disabled || j.NextRunAt == nil || j.NextRunAt.After(now) {
			continue
		}
		due = append(due, j.Entry)
	}
	sort.Slice(due, func(a, b int) bool { return due[a].Name < due[b].Name })
	return due
}

// runJob runs one due entry and reports whether a run happened. A tick
// that finds a run already active is skipped, not queued.
func (s *Scheduler) runJob(ctx context.Context, e Entry, now time.Time) bool {
	log := s.logger.With(slog.String("schedule", e.Name), slog.String("file", e.File))

	if s.runner.Active() {
		log.Warn("scheduled run skipped, a run is already active")
		s.update(e, now, StatusSkipped, "", nil)
		return false
	}

	log.Info("running scheduled workflow")
	report, err := s.runner.RunFile(ctx, e.File)
	switch {
	case schema.CodeOf(err) == schema.ErrCodeConflict:
		log.Warn("scheduled run skipped, a run is already active")
		s.update(e, now, StatusSkipped, "", nil)
		return false
	case err != nil:
		log.Error("scheduled run failed", slog.String("error", err.Error()))
		s.update(e, now, StatusError, "", err)
		return false
	}
	log.Info("scheduled run finished",
		slog.String("run_id", report.RunID),
		slog.String("status", string(report.Status)))
	s.update(e, now, string(report.Status), report.RunID, nil)
	return true
}

func (s *Scheduler) update(e Entry, now time.Time, status, runID string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[e.Name]
	if j == nil {
		return
	}
	ranAt := now
	j.LastRunAt = &ranAt
	j.LastStatus = status
	if status == StatusSkipped {
		j.Skipped++
	} else {
		j.LastRunID = runID
	}
	j.LastError = ""
	if runErr != nil {
		j.LastError = runErr.Error()
	}
	if next, err := s.CalculateNextRun(e.Spec, now); err == nil {
		j.NextRunAt = &next
	}
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) releaseJob(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return sched.Next(from), nil
}

// Jobs returns a snapshot of every job, sorted by name.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Stop cancels the loop, which aborts an in-flight run, and waits for it
// to exit.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}
