// Package worker turns store entities (positions, pools, subscriber rows,
// closer contracts, wallets) into live subscription batches and pollers,
// and keeps them in sync as the entity set evolves.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/meridianfi/chainfeed/subbatch"
	"github.com/meridianfi/chainfeed/util"
)

// Worker is one ingestion subsystem. Run blocks until ctx is cancelled or
// the worker fails fatally; Stop is idempotent.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
	Stop()
	Status() Status
}

// Status is a point-in-time report for one worker.
type Status struct {
	Name    string           `json:"name"`
	Running bool             `json:"running"`
	Batches []subbatch.Stats `json:"batches,omitempty"`
	Detail  map[string]any   `json:"detail,omitempty"`
}

// Coordinator starts all workers in parallel and stops them together.
type Coordinator struct {
	log     *slog.Logger
	alerter util.Alerter
	workers []Worker

	mu      sync.Mutex
	running bool
}

func NewCoordinator(log *slog.Logger, workers ...Worker) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{log: log, alerter: util.NoopAlerter(), workers: workers}
}

// SetAlerter plugs in a pager for fatal worker failures. Call before Run.
func (c *Coordinator) SetAlerter(alerter util.Alerter) {
	if alerter != nil {
		c.alerter = alerter
	}
}

// Run starts every worker and blocks until the first fatal failure or ctx
// cancellation, then stops the rest.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("worker: coordinator already running")
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range c.workers {
		g.Go(func() error {
			c.log.Info(fmt.Sprintf("worker: starting %s", w.Name()))
			if err := w.Run(gctx); err != nil {
				if !errors.Is(err, context.Canceled) {
					c.alerter.Alert(gctx, "worker %s stopped fatally: %v", w.Name(), err)
				}
				return fmt.Errorf("worker: %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	// stop in reverse registration order
	for i := len(c.workers) - 1; i >= 0; i-- {
		c.workers[i].Stop()
	}
	return err
}

func (c *Coordinator) Status() []Status {
	out := make([]Status, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, w.Status())
	}
	return out
}
