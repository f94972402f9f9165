// Package rules holds the scheduled reconciliation jobs on the business
// side of the pipeline: periodic work that trues up state the streaming
// path cannot, like daily NAV snapshots and token-list refreshes.
package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meridianfi/chainfeed/scheduler"
)

// Rule is one reconciliation job. OnStartup registers its schedules;
// OnShutdown unregisters them.
type Rule interface {
	Name() string
	Description() string
	OnStartup(ctx context.Context, sched *scheduler.Scheduler) error
	OnShutdown(ctx context.Context) error
}

// Base carries the shared registration bookkeeping. Embed it and call
// register from OnStartup.
type Base struct {
	name        string
	description string
	sched       *scheduler.Scheduler
}

func NewBase(name, description string) Base {
	return Base{name: name, description: description}
}

func (b *Base) Name() string        { return b.name }
func (b *Base) Description() string { return b.description }

func (b *Base) register(sched *scheduler.Scheduler, schedule scheduler.Schedule, fn scheduler.JobFunc) error {
	if schedule.Description == "" {
		schedule.Description = b.description
	}
	if _, err := sched.RegisterSchedule(b.name, schedule, fn); err != nil {
		return fmt.Errorf("rules: %s: %w", b.name, err)
	}
	b.sched = sched
	return nil
}

func (b *Base) OnShutdown(ctx context.Context) error {
	if b.sched != nil {
		b.sched.UnregisterAllForRule(b.name)
	}
	return nil
}

// Registry starts and stops a set of rules against one scheduler.
type Registry struct {
	sched *scheduler.Scheduler
	log   *slog.Logger
	rules []Rule
}

func NewRegistry(sched *scheduler.Scheduler, log *slog.Logger, rules ...Rule) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{sched: sched, log: log, rules: rules}
}

// Startup starts the scheduler and registers every rule. A rule that
// fails to register fails startup.
func (r *Registry) Startup(ctx context.Context) error {
	r.sched.Start(ctx)
	for _, rule := range r.rules {
		if err := rule.OnStartup(ctx, r.sched); err != nil {
			return err
		}
		r.log.Info(fmt.Sprintf("rules: started %s (%s)", rule.Name(), rule.Description()))
	}
	return nil
}

// Shutdown unregisters every rule and stops the scheduler.
func (r *Registry) Shutdown(ctx context.Context) error {
	for i := len(r.rules) - 1; i >= 0; i-- {
		if err := r.rules[i].OnShutdown(ctx); err != nil {
			r.log.Warn(fmt.Sprintf("rules: shutdown %s: %v", r.rules[i].Name(), err))
		}
	}
	return r.sched.Shutdown(ctx)
}
