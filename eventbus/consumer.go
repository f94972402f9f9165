package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Handler processes one delivery. Returning an error nacks without requeue
// (the event is dropped, not retried; consumers are expected to be
// idempotent and tolerant of duplicates instead).
type Handler func(ctx context.Context, key string, body []byte) error

// Consumer subscribes a durable queue to an exchange with a set of
// routing-key binding patterns and dispatches deliveries to a handler.
type Consumer struct {
	bus   *Bus
	log   *slog.Logger
	queue string
	tag   string

	cancel context.CancelFunc
}

// NewConsumer declares the queue, binds it, and starts the dispatch
// goroutine. queue should be stable across restarts so the broker retains
// messages while the worker is down.
func NewConsumer(ctx context.Context, bus *Bus, exchange, queue string, bindings []string, handler Handler, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		log = slog.Default()
	}

	channel := bus.Channel()
	if channel == nil {
		return nil, ErrNotConnected
	}

	if _, err := channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("eventbus: unable to declare queue %q: %w", queue, err)
	}
	for _, binding := range bindings {
		if err := channel.QueueBind(queue, binding, exchange, false, nil); err != nil {
			return nil, fmt.Errorf("eventbus: unable to bind %q to %s with %q: %w", queue, exchange, binding, err)
		}
	}

	tag := fmt.Sprintf("%s-%s", queue, uuid.NewString()[:8])
	deliveries, err := channel.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("eventbus: unable to consume %q: %w", queue, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Consumer{bus: bus, log: log, queue: queue, tag: tag, cancel: cancel}

	go func() {
		for {
			select {
			case <-cctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn(fmt.Sprintf("eventbus: consumer %q delivery channel closed", queue))
					return
				}
				c.dispatch(cctx, d, handler)
			}
		}
	}()

	return c, nil
}

func (c *Consumer) dispatch(ctx context.Context, d amqp.Delivery, handler Handler) {
	if err := handler(ctx, d.RoutingKey, d.Body); err != nil {
		c.log.Error(fmt.Sprintf("eventbus: consumer %q handler failed for key %q: %v", c.queue, d.RoutingKey, err))
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}

func (c *Consumer) Stop() {
	c.cancel()
	if channel := c.bus.Channel(); channel != nil {
		_ = channel.Cancel(c.tag, false)
	}
}
