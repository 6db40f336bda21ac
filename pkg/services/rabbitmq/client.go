package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
	"github.com/scalarorg/session-relayer/config"
)

const (
	KIND_DEPOSIT_DELIVERED = "deposit.delivered"
	KIND_DEPOSIT_FAILED    = "deposit.failed"
	KIND_CHAIN_FALLBACK    = "alert.chain_fallback"
	KIND_INVALID_SIGNATURE = "alert.invalid_signature"
	KIND_STARTUP_CHECK     = "alert.startup_check"
	DIAL_MAX_ELAPSED       = 30 * time.Second
)

// Event is the envelope published for deposit lifecycle changes and operator alerts.
type Event struct {
	Kind      string         `json:"kind"`
	DepositID string         `json:"depositId,omitempty"`
	ChainID   uint64         `json:"chainId,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	At        time.Time      `json:"at"`
}

// Publisher is implemented by the amqp client and by the log-only fallback.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

type Client struct {
	exchange string
	mu       sync.Mutex
	conn     *amqp.Connection
	channel  *amqp.Channel
}

// NewPublisher returns an amqp publisher when rabbitmq is enabled, otherwise a publisher
// that only logs events.
func NewPublisher(cfg config.RabbitMQConfig) (Publisher, error) {
	if !cfg.Enabled || cfg.URL == "" {
		log.Info().Msg("[RabbitMQ] [NewPublisher] rabbitmq disabled, events are logged only")
		return LogPublisher{}, nil
	}
	return NewClient(cfg)
}

func NewClient(cfg config.RabbitMQConfig) (*Client, error) {
	var conn *amqp.Connection
	dial := func() error {
		var err error
		conn, err = amqp.Dial(cfg.URL)
		return err
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = DIAL_MAX_ELAPSED
	if err := backoff.Retry(dial, policy); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // kind
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	return &Client{
		exchange: cfg.Exchange,
		conn:     conn,
		channel:  ch,
	}, nil
}

// Publish routes the event by its kind. Failures are returned; callers log and move on.
func (c *Client) Publish(ctx context.Context, event Event) error {
	body, err := encode(event)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.channel.PublishWithContext(ctx,
		c.exchange, // exchange
		event.Kind, // routing key
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.At,
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", event.Kind, err)
	}
	log.Debug().Str("kind", event.Kind).Str("depositId", event.DepositID).Msg("[RabbitMQ] [Publish] event published")
	return nil
}

func (c *Client) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}

type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event Event) error {
	body, err := encode(event)
	if err != nil {
		return err
	}
	log.Warn().Str("kind", event.Kind).RawJSON("event", body).Msg("[RabbitMQ] [Publish] event")
	return nil
}

func (LogPublisher) Close() {}

func encode(event Event) ([]byte, error) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.Kind, err)
	}
	return body, nil
}

// Notify publishes and logs any failure. Publishing never fails the caller's operation.
func Notify(ctx context.Context, publisher Publisher, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		log.Error().Err(err).Str("kind", event.Kind).Msg("[RabbitMQ] [Notify] failed to publish event")
	}
}
