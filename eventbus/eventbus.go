// Package eventbus maintains the process's single RabbitMQ connection and
// channel, declares the topic exchange topology idempotently, and publishes
// domain event envelopes with persistent delivery.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names. All are durable topic exchanges.
const (
	ExchangePoolPrices        = "pool-prices"
	ExchangePositionLiquidity = "position-liquidity-events"
	ExchangeCloseOrders       = "close-order-events"
	ExchangeNFPMTransfers     = "nfpm-transfer-events"
	ExchangeDomainEvents      = "domain-events"
)

var exchanges = []string{
	ExchangePoolPrices,
	ExchangePositionLiquidity,
	ExchangeCloseOrders,
	ExchangeNFPMTransfers,
	ExchangeDomainEvents,
}

var (
	ErrNotConnected = errors.New("eventbus: not connected")
	ErrClosed       = errors.New("eventbus: closed")
)

// Publisher is the bus surface consumed by batches, the catch-up scanner
// and the workers.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body []byte) error
}

// Config is the bus connection configuration from the environment.
type Config struct {
	Host  string
	Port  string
	User  string
	Pass  string
	VHost string
}

// URL builds the amqp URL with the user and pass URL-encoded.
func (c Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Pass), c.Host, c.Port, url.PathEscape(vhost))
}

type Options struct {
	Logger *slog.Logger

	// MaxConnectAttempts bounds both the initial connect and each
	// reconnect cycle. Delay is linear: attempt x ReconnectBaseDelay.
	MaxConnectAttempts int
	ReconnectBaseDelay time.Duration

	// Confirms enables publisher confirms on the channel. Publish then
	// blocks until the broker acks.
	Confirms bool
}

var DefaultOptions = Options{
	MaxConnectAttempts: 10,
	ReconnectBaseDelay: 2 * time.Second,
	Confirms:           true,
}

type Bus struct {
	cfg  Config
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	// reconnecting dedupes error-triggered reconnects; only one delayed
	// reconnect is ever scheduled at a time.
	reconnecting bool
}

func New(cfg Config, opts ...Options) *Bus {
	o := DefaultOptions
	if len(opts) > 0 {
		o = opts[0]
		if o.MaxConnectAttempts <= 0 {
			o.MaxConnectAttempts = DefaultOptions.MaxConnectAttempts
		}
		if o.ReconnectBaseDelay <= 0 {
			o.ReconnectBaseDelay = DefaultOptions.ReconnectBaseDelay
		}
	}
	log := o.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Bus{cfg: cfg, opts: o, log: log}
}

// Connect dials the broker with linear backoff (attempt x base delay, up to
// MaxConnectAttempts) and declares the exchange topology. Returns an error
// only after the attempts are exhausted, which callers treat as fatal.
func (b *Bus) Connect(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxConnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := b.connect()
		if err == nil {
			return nil
		}
		lastErr = err
		b.log.Warn(fmt.Sprintf("eventbus: connect attempt %d/%d failed: %v", attempt, b.opts.MaxConnectAttempts, err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * b.opts.ReconnectBaseDelay):
		}
	}
	return fmt.Errorf("eventbus: unable to connect after %d attempts: %w", b.opts.MaxConnectAttempts, lastErr)
}

func (b *Bus) connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	conn, err := amqp.Dial(b.cfg.URL())
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	// Topology is (re)declared before the channel is usable.
	for _, exchange := range exchanges {
		if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("eventbus: unable to declare exchange %q: %w", exchange, err)
		}
	}

	if b.opts.Confirms {
		if err := channel.Confirm(false); err != nil {
			conn.Close()
			return fmt.Errorf("eventbus: unable to enable publisher confirms: %w", err)
		}
	}

	b.conn = conn
	b.channel = channel

	// Watch both the connection and the channel for async closure; a
	// channel-level close (e.g. a precondition failure) leaves the
	// connection open but the channel unusable, and needs the same
	// reconnect. Both watchers funnel into one delayed reconnect.
	connCloseCh := make(chan *amqp.Error, 1)
	conn.NotifyClose(connCloseCh)
	go b.watchClose(conn, connCloseCh)

	chanCloseCh := make(chan *amqp.Error, 1)
	channel.NotifyClose(chanCloseCh)
	go b.watchClose(conn, chanCloseCh)

	b.log.Info(fmt.Sprintf("eventbus: connected to %s:%s", b.cfg.Host, b.cfg.Port))
	return nil
}

// watchClose tears down and reconnects when the watched connection's conn
// or channel dies. watched guards against stale watchers firing after a
// newer connection has already replaced theirs.
func (b *Bus) watchClose(watched *amqp.Connection, closeCh chan *amqp.Error) {
	amqpErr, ok := <-closeCh
	if !ok {
		// clean shutdown
		return
	}

	b.mu.Lock()
	if b.closed || b.reconnecting || b.conn != watched {
		b.mu.Unlock()
		return
	}
	b.reconnecting = true
	b.conn = nil
	b.channel = nil
	b.mu.Unlock()

	// on a channel-level close the connection is still open; release it
	_ = watched.Close()

	b.log.Warn(fmt.Sprintf("eventbus: connection lost: %v, reconnecting", amqpErr))

	go func() {
		defer func() {
			b.mu.Lock()
			b.reconnecting = false
			b.mu.Unlock()
		}()

		for attempt := 1; attempt <= b.opts.MaxConnectAttempts; attempt++ {
			time.Sleep(time.Duration(attempt) * b.opts.ReconnectBaseDelay)

			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}

			if err := b.connect(); err != nil {
				b.log.Warn(fmt.Sprintf("eventbus: reconnect attempt %d/%d failed: %v", attempt, b.opts.MaxConnectAttempts, err))
				continue
			}
			return
		}
		b.log.Error(fmt.Sprintf("eventbus: giving up reconnecting after %d attempts", b.opts.MaxConnectAttempts))
	}()
}

// Publish sends a persistent JSON message to the exchange. With confirms
// enabled it waits for the broker ack.
func (b *Bus) Publish(ctx context.Context, exchange, routingKey string, body []byte) error {
	b.mu.Lock()
	channel := b.channel
	confirms := b.opts.Confirms
	b.mu.Unlock()

	if channel == nil {
		return ErrNotConnected
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if !confirms {
		return channel.PublishWithContext(ctx, exchange, routingKey, false, false, msg)
	}

	confirm, err := channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		return err
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return fmt.Errorf("eventbus: publish to %s/%s nacked by broker", exchange, routingKey)
	}
	return nil
}

// Channel exposes the underlying channel for consumers. It is nil while
// disconnected.
func (b *Bus) Channel() *amqp.Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channel
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.conn != nil {
		err := b.conn.Close()
		b.conn = nil
		b.channel = nil
		return err
	}
	return nil
}
