package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meridianfi/chainfeed/eventbus"
)

// PositionEventHandler is implemented by workers that react to position
// lifecycle events. Handlers must be idempotent, the bus may redeliver.
type PositionEventHandler interface {
	Name() string
	HandlePositionEvent(ctx context.Context, ev eventbus.PositionEvent) error
}

// StartPositionEventConsumer binds one durable queue to the domain-events
// exchange and fans each position event out to every interested worker.
// Keys that do not parse as position events are dropped with a warning;
// per-worker handler failures are logged and do not block the others.
func StartPositionEventConsumer(ctx context.Context, bus *eventbus.Bus, handlers []PositionEventHandler, log *slog.Logger) (*eventbus.Consumer, error) {
	if log == nil {
		log = slog.Default()
	}

	handler := func(ctx context.Context, key string, body []byte) error {
		ev, err := eventbus.ParsePositionEventKey(key)
		if err != nil {
			if errors.Is(err, eventbus.ErrBadRoutingKey) {
				log.Warn(fmt.Sprintf("worker: ignoring unparseable domain event key %q", key))
				return nil
			}
			return err
		}
		for _, h := range handlers {
			if err := h.HandlePositionEvent(ctx, ev); err != nil {
				log.Error(fmt.Sprintf("worker: %s failed on %s: %v", h.Name(), key, err))
			}
		}
		return nil
	}

	return eventbus.NewConsumer(ctx, bus, eventbus.ExchangeDomainEvents, "chainfeed.position-events",
		[]string{"position.*.*.*"}, handler, log)
}
