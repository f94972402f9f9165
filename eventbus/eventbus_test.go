package eventbus

import (
	"context"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestWatchCloseIgnoresStaleWatcher(t *testing.T) {
	bus := New(Config{Host: "localhost", Port: "5672"})

	current := &amqp.Connection{}
	bus.conn = current

	// a watcher for a connection that has already been replaced must not
	// tear down the current one
	stale := &amqp.Connection{}
	closeCh := make(chan *amqp.Error, 1)
	closeCh <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}
	bus.watchClose(stale, closeCh)

	assert.Same(t, current, bus.conn)
	assert.False(t, bus.reconnecting)
}

func TestWatchCloseCleanShutdown(t *testing.T) {
	bus := New(Config{Host: "localhost", Port: "5672"})

	current := &amqp.Connection{}
	bus.conn = current

	// Close() closes the notify channels without an error value
	closeCh := make(chan *amqp.Error)
	close(closeCh)
	bus.watchClose(current, closeCh)

	assert.Same(t, current, bus.conn)
	assert.False(t, bus.reconnecting)
}

func TestPublishWhileDisconnected(t *testing.T) {
	bus := New(Config{Host: "localhost", Port: "5672"})
	err := bus.Publish(context.Background(), ExchangeDomainEvents, "position.created.1.42", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
}
