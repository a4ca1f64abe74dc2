package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// amqpConnection and amqpChannel are the parts of the broker client the
// publisher uses.
type amqpConnection interface {
	Channel() (amqpChannel, error)
	IsClosed() bool
	Close() error
}

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type brokerConn struct {
	*amqp.Connection
}

func (c brokerConn) Channel() (amqpChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func dialBroker(addr string) (amqpConnection, error) {
	conn, err := amqp.DialConfig(addr, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	return brokerConn{conn}, nil
}

// AMQPPublisher publishes events to a durable topic exchange. A connection
// closed by the broker is redialed on the next publish.
type AMQPPublisher struct {
	addr     string
	exchange string
	logger   *slog.Logger
	dial     func(addr string) (amqpConnection, error)

	mu      sync.Mutex
	conn    amqpConnection
	channel amqpChannel
}

// NewAMQPPublisher dials the broker and declares the exchange.
func NewAMQPPublisher(amqpURL, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	return newAMQPPublisher(cleanURL, exchange, dialBroker, logger)
}

func newAMQPPublisher(addr, exchange string, dial func(string) (amqpConnection, error), logger *slog.Logger) (*AMQPPublisher, error) {
	conn, err := dial(addr)
	if err != nil {
		return nil, err
	}

	p := &AMQPPublisher{addr: addr, exchange: exchange, logger: logger, dial: dial, conn: conn}
	if err := p.openChannel(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

// Connect returns an AMQP publisher, or a LogPublisher when amqpURL is
// empty or the broker cannot be reached, so startup does not depend on
// the broker.
func Connect(amqpURL, exchange string, logger *slog.Logger) Publisher {
	if strings.TrimSpace(amqpURL) == "" {
		logger.Info("AMQP_URL not set, events will be logged only")
		return NewLogPublisher(logger)
	}

	p, err := NewAMQPPublisher(amqpURL, exchange, logger)
	if err != nil {
		logger.Warn("event broker unavailable, events will be logged only", "error", err)
		return NewLogPublisher(logger)
	}

	logger.Info("event publisher connected", "exchange", exchange)
	return p
}

// openChannel must be called with mu held or before the publisher is shared.
func (p *AMQPPublisher) openChannel() error {
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return fmt.Errorf("declare exchange %q: %w", p.exchange, err)
	}
	p.channel = ch
	return nil
}

// reconnect replaces the channel, redialing first when the connection is
// gone. mu must be held.
func (p *AMQPPublisher) reconnect() error {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn.IsClosed() {
		conn, err := p.dial(p.addr)
		if err != nil {
			return fmt.Errorf("redial: %w", err)
		}
		p.conn = conn
		p.logger.Info("event broker reconnected", "exchange", p.exchange)
	}
	return p.openChannel()
}

// Publish wraps data in an Envelope and publishes it. A failed publish
// reconnects and tries once more.
func (p *AMQPPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	env, err := newEnvelope(routingKey, data)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.ID.String(),
		Timestamp:    env.OccurredAt,
		Type:         routingKey,
		Body:         body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.conn.IsClosed() {
		if err := p.reconnect(); err != nil {
			return fmt.Errorf("publish %s: %w", routingKey, err)
		}
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
	if err == nil {
		return nil
	}

	p.logger.Warn("publish failed, reconnecting", "routing_key", routingKey, "error", err)
	if reconnectErr := p.reconnect(); reconnectErr != nil {
		return errors.Join(err, reconnectErr)
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg)
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.channel != nil {
		errs = append(errs, p.channel.Close())
	}
	if p.conn != nil && !p.conn.IsClosed() {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP URL scheme must be amqp:// or amqps://")
	}
	return clean, nil
}

var _ Publisher = (*AMQPPublisher)(nil)
