// Package scheduler runs named background tasks on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/easeaico/her-companion/internal/metrics"
)

var (
	ErrTaskExists  = errors.New("task already exists")
	ErrTaskUnknown = errors.New("unknown task")
)

// Func is the body of a task.
type Func func(ctx context.Context) error

// TaskInfo describes a registered task.
type TaskInfo struct {
	Name    string    `json:"name"`
	Spec    string    `json:"spec"`
	Enabled bool      `json:"enabled"`
	LastRun time.Time `json:"last_run,omitzero"`
	Next    time.Time `json:"next,omitzero"`
	LastErr string    `json:"last_error,omitempty"`
}

type task struct {
	name    string
	spec    string
	fn      Func
	id      cron.EntryID
	enabled bool
	lastRun time.Time
	lastErr string
}

// Scheduler wraps a cron runner with named, switchable tasks.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	tasks  map[string]*task
	ctx    context.Context
	cancel context.CancelFunc
	now    func() time.Time
}

// New returns a Scheduler evaluating schedules in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
		now:    func() time.Time { return time.Now().In(loc) },
	}
}

// AddDaily runs fn every day at hour:minute.
func (s *Scheduler) AddDaily(name string, hour, minute int, fn Func) error {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return fmt.Errorf("invalid time %02d:%02d for task %s", hour, minute, name)
	}
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("failed to parse schedule for task %s: %w", name, err)
	}
	return s.add(name, spec, sched, fn)
}

// AddEvery runs fn at a fixed interval, rounded to whole seconds.
func (s *Scheduler) AddEvery(name string, interval time.Duration, fn Func) error {
	if interval < time.Second {
		return fmt.Errorf("interval of task %s must be at least one second", name)
	}
	return s.add(name, "@every "+interval.String(), cron.Every(interval), fn)
}

func (s *Scheduler) add(name, spec string, sched cron.Schedule, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrTaskExists, name)
	}
	t := &task{name: name, spec: spec, fn: fn, enabled: true}
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { s.run(t) }))
	t.id = s.cron.Schedule(sched, job)
	s.tasks[name] = t
	slog.Info("scheduled task added", "task", name, "spec", spec)
	return nil
}

// Run executes the named task immediately, even when disabled.
func (s *Scheduler) Run(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskUnknown, name)
	}
	return s.execute(t)
}

func (s *Scheduler) run(t *task) {
	s.mu.Lock()
	enabled := t.enabled
	s.mu.Unlock()
	if !enabled {
		metrics.ScheduledRuns.WithLabelValues(t.name, metrics.OutcomeSkip).Inc()
		return
	}
	_ = s.execute(t)
}

func (s *Scheduler) execute(t *task) (err error) {
	start := s.now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
		if err != nil {
			slog.Error("scheduled task failed", "task", t.name, "error", err)
		} else {
			slog.Debug("scheduled task completed", "task", t.name, "duration", time.Since(start))
		}
		metrics.ScheduledRuns.WithLabelValues(t.name, metrics.Outcome(err)).Inc()

		s.mu.Lock()
		t.lastRun = start
		t.lastErr = ""
		if err != nil {
			t.lastErr = err.Error()
		}
		s.mu.Unlock()
	}()
	return t.fn(s.ctx)
}

// Enable turns the named task back on.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable keeps the task registered but skips its runs.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskUnknown, name)
	}
	t.enabled = enabled
	return nil
}

// Remove unregisters the named task.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTaskUnknown, name)
	}
	s.cron.Remove(t.id)
	delete(s.tasks, name)
	slog.Info("scheduled task removed", "task", name)
	return nil
}

// List returns the registered tasks ordered by name.
func (s *Scheduler) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, TaskInfo{
			Name:    t.name,
			Spec:    t.spec,
			Enabled: t.enabled,
			LastRun: t.lastRun,
			Next:    s.cron.Entry(t.id).Next,
			LastErr: t.lastErr,
		})
	}
	slices.SortFunc(out, func(a, b TaskInfo) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Start begins running tasks in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	slog.Info("scheduler started", "tasks", len(s.List()))
}

// Stop halts scheduling, cancels the task context and waits for running
// tasks until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
	case <-ctx.Done():
		slog.Warn("scheduler stop timed out")
	}
}
