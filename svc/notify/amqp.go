package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/dmitrymomot/campaignbilling/pkg/logger"
)

// AMQPConfig configures event publishing to a topic exchange. Publishing is
// off while URL is empty.
type AMQPConfig struct {
	URL      string `env:"AMQP_URL"`
	Exchange string `env:"AMQP_EXCHANGE" envDefault:"billing.notifications"`
}

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events as JSON with routing key "billing.<kind>" so an
// external delivery service can fan them out to other channels.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  Channel
	exchange string
	log      *slog.Logger
}

// DialAMQP connects and declares the durable topic exchange.
func DialAMQP(cfg AMQPConfig, log *slog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	p := NewAMQP(ch, cfg.Exchange, log)
	p.conn = conn
	return p, nil
}

// NewAMQP publishes on an already open channel.
func NewAMQP(ch Channel, exchange string, log *slog.Logger) *AMQP {
	return &AMQP{channel: ch, exchange: exchange, log: log.With(logger.Component("notify.amqp"))}
}

// RoutingKey returns the key events of kind are published with.
func RoutingKey(kind Kind) string {
	return "billing." + string(kind)
}

func (p *AMQP) Send(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Kind, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.channel.PublishWithContext(ctx, p.exchange, RoutingKey(e.Kind), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID.String(),
		Timestamp:    time.Now(),
		Type:         string(e.Kind),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	p.log.DebugContext(ctx, "event published", slog.String("kind", string(e.Kind)), slog.Int("size", len(body)))
	return nil
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		p.log.Warn("close channel", logger.Error(err))
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
