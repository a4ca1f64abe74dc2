package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker hands out connections whose channels record publishes. Closing
// a connection from the broker side fails every channel opened on it.
type fakeBroker struct {
	mu        sync.Mutex
	dials     int
	dialErr   error
	conns     []*fakeConn
	published []amqp.Publishing
}

func (b *fakeBroker) dial(addr string) (amqpConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// drop closes every connection, as a broker restart would.
func (b *fakeBroker) drop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conns {
		c.closed = true
	}
}

type fakeConn struct {
	broker *fakeBroker
	closed bool
}

func (c *fakeConn) Channel() (amqpChannel, error) {
	if c.IsClosed() {
		return nil, amqp.ErrClosed
	}
	return &fakeChannel{conn: c}, nil
}

func (c *fakeConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	c.closed = true
	return nil
}

type fakeChannel struct {
	conn *fakeConn
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.conn.IsClosed() {
		return amqp.ErrClosed
	}
	ch.conn.broker.mu.Lock()
	defer ch.conn.broker.mu.Unlock()
	ch.conn.broker.published = append(ch.conn.broker.published, msg)
	return nil
}

func (ch *fakeChannel) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAMQPPublisher_RedialsAfterBrokerDrop(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	p, err := newAMQPPublisher("amqp://localhost", "meanas.events", broker.dial, discardLogger())
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, SubscriptionActivated, map[string]string{"n": "1"}))

	broker.drop()
	require.NoError(t, p.Publish(ctx, SubscriptionActivated, map[string]string{"n": "2"}))
	require.NoError(t, p.Publish(ctx, SubscriptionActivated, map[string]string{"n": "3"}))

	assert.Equal(t, 2, broker.dials, "one redial serves every later publish")
	require.Len(t, broker.published, 3)
	var env Envelope
	require.NoError(t, json.Unmarshal(broker.published[2].Body, &env))
	assert.Equal(t, SubscriptionActivated, env.Type)
	assert.JSONEq(t, `{"n":"3"}`, string(env.Data))
	assert.NoError(t, p.Close())
}

func TestAMQPPublisher_BrokerStillDown(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	p, err := newAMQPPublisher("amqp://localhost", "meanas.events", broker.dial, discardLogger())
	require.NoError(t, err)

	broker.drop()
	broker.mu.Lock()
	broker.dialErr = errors.New("connection refused")
	broker.mu.Unlock()

	err = p.Publish(ctx, SubscriptionActivated, map[string]string{"n": "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	// The broker comes back; the next publish goes through.
	broker.mu.Lock()
	broker.dialErr = nil
	broker.mu.Unlock()
	require.NoError(t, p.Publish(ctx, SubscriptionActivated, map[string]string{"n": "2"}))
	assert.Equal(t, 3, broker.dials)
	assert.Len(t, broker.published, 1)
}
