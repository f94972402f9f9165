// Package scheduler runs periodic reconciliation jobs on 5-field cron
// expressions, with per-task bookkeeping and an overlap guard so a slow
// run never stacks behind the next tick.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	ErrBadExpression = errors.New("scheduler: invalid cron expression")
	ErrStopped       = errors.New("scheduler: stopped")
)

// Schedule describes one recurring job.
type Schedule struct {
	// CronExpression is standard 5-field (minute granularity), evaluated
	// in UTC unless Timezone overrides it.
	CronExpression string

	Description string

	// Timezone is an optional IANA zone name, e.g. "America/New_York".
	Timezone string

	// RunOnStart triggers one immediate execution when the scheduler
	// starts, in addition to the cron ticks.
	RunOnStart bool
}

// JobFunc is the work a schedule runs. Errors are recorded on the task and
// logged, never fatal.
type JobFunc func(ctx context.Context) error

// Task is a bookkeeping snapshot for status reports.
type Task struct {
	ID              string     `json:"id"`
	RuleName        string     `json:"ruleName"`
	Description     string     `json:"description"`
	CronExpression  string     `json:"cronExpression"`
	RegisteredAt    time.Time  `json:"registeredAt"`
	LastExecutionAt *time.Time `json:"lastExecutionAt,omitempty"`
	ExecutionCount  uint64     `json:"executionCount"`
	LastError       string     `json:"lastError,omitempty"`
	Running         bool       `json:"running"`
}

type task struct {
	id         string
	ruleName   string
	schedule   Schedule
	fn         JobFunc
	entryID    cron.EntryID
	registered time.Time

	running  atomic.Bool
	mu       sync.Mutex
	lastRun  *time.Time
	count    uint64
	lastErr  string
}

type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	stopped bool
	runCtx  context.Context
}

func New(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		cron:  cron.New(cron.WithLocation(time.UTC)),
		log:   log,
		tasks: map[string]*task{},
	}
}

// RegisterSchedule validates the expression and adds the job. Returns the
// task id used for unregistration. Registration is allowed before or after
// Start.
func (s *Scheduler) RegisterSchedule(ruleName string, schedule Schedule, fn JobFunc) (string, error) {
	expr := schedule.CronExpression
	if schedule.Timezone != "" {
		expr = fmt.Sprintf("CRON_TZ=%s %s", schedule.Timezone, schedule.CronExpression)
	}
	if _, err := cron.ParseStandard(expr); err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadExpression, schedule.CronExpression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", ErrStopped
	}

	t := &task{
		id:         uuid.NewString(),
		ruleName:   ruleName,
		schedule:   schedule,
		fn:         fn,
		registered: time.Now().UTC(),
	}

	entryID, err := s.cron.AddFunc(expr, func() { s.runTask(t) })
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBadExpression, schedule.CronExpression, err)
	}
	t.entryID = entryID
	s.tasks[t.id] = t

	s.log.Info(fmt.Sprintf("scheduler: registered %q for rule %s (%s)", schedule.CronExpression, ruleName, schedule.Description))

	if schedule.RunOnStart && s.started {
		go s.runTask(t)
	}
	return t.id, nil
}

// runTask executes one tick. A tick that arrives while the previous run is
// still going is skipped, so executionCount grows by at most one per tick.
func (s *Scheduler) runTask(t *task) {
	if !t.running.CompareAndSwap(false, true) {
		s.log.Warn(fmt.Sprintf("scheduler: rule %s still running, skipping tick", t.ruleName))
		return
	}
	defer t.running.Store(false)

	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now().UTC()
	err := t.fn(ctx)

	t.mu.Lock()
	t.lastRun = &started
	t.count++
	if err != nil {
		t.lastErr = err.Error()
	} else {
		t.lastErr = ""
	}
	t.mu.Unlock()

	if err != nil {
		s.log.Error(fmt.Sprintf("scheduler: rule %s run failed: %v", t.ruleName, err))
	} else {
		s.log.Debug(fmt.Sprintf("scheduler: rule %s run completed in %s", t.ruleName, time.Since(started)))
	}
}

// UnregisterSchedule removes one task. Unknown ids are a no-op.
func (s *Scheduler) UnregisterSchedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return
	}
	s.cron.Remove(t.entryID)
	delete(s.tasks, id)
}

// UnregisterAllForRule removes every task registered under a rule name.
func (s *Scheduler) UnregisterAllForRule(ruleName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tasks {
		if t.ruleName == ruleName {
			s.cron.Remove(t.entryID)
			delete(s.tasks, id)
		}
	}
}

// Start begins ticking and fires any RunOnStart tasks once.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx = ctx
	var onStart []*task
	for _, t := range s.tasks {
		if t.schedule.RunOnStart {
			onStart = append(onStart, t)
		}
	}
	s.mu.Unlock()

	s.cron.Start()
	for _, t := range onStart {
		go s.runTask(t)
	}
}

// Shutdown stops ticking and waits for in-flight runs, bounded by ctx.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler: shutdown wait: %w", ctx.Err())
	}
}

// Tasks snapshots every registered task for status reports.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		snap := Task{
			ID:              t.id,
			RuleName:        t.ruleName,
			Description:     t.schedule.Description,
			CronExpression:  t.schedule.CronExpression,
			RegisteredAt:    t.registered,
			LastExecutionAt: t.lastRun,
			ExecutionCount:  t.count,
			LastError:       t.lastErr,
			Running:         t.running.Load(),
		}
		t.mu.Unlock()
		out = append(out, snap)
	}
	return out
}
