package queue

import (
	"context"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
)

// Handler processes one message body. A nil return acks the message; an
// error dead-letters it.
type Handler func(ctx context.Context, routingKey string, body []byte) error

// ConsumerConfig describes the queue a Consumer reads.
type ConsumerConfig struct {
	Exchange string
	Queue    string
	Keys     []string
	// Concurrency bounds in-flight messages and the channel prefetch.
	Concurrency int
}

// Consumer reads a durable queue bound to a topic exchange. Rejected
// messages go to <exchange>.dlx and land in <queue>.dead.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	cfg    ConsumerConfig
	logger zerolog.Logger
}

func NewConsumer(url string, cfg ConsumerConfig, logger zerolog.Logger) (*Consumer, error) {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := declareTopology(ch, cfg); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, cfg: cfg, logger: logger}, nil
}

func declareTopology(ch *amqp.Channel, cfg ConsumerConfig) error {
	dlx := cfg.Exchange + ".dlx"
	dead := cfg.Queue + ".dead"

	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(dead, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(dead, "", dlx, false, nil); err != nil {
		return fmt.Errorf("bind dead-letter queue: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	})
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, rk := range cfg.Keys {
		if err := ch.QueueBind(q.Name, rk, cfg.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", rk, err)
		}
	}
	return nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info().Str("queue", c.cfg.Queue).Strs("keys", c.cfg.Keys).Msg("consumer started")
	return consume(ctx, deliveries, c.cfg.Concurrency, h, c.logger)
}

var errChannelClosed = errors.New("delivery channel closed by broker")

func consume(ctx context.Context, deliveries <-chan amqp.Delivery, concurrency int, h Handler, logger zerolog.Logger) error {
	g := new(errgroup.Group)
	g.SetLimit(concurrency)
	defer g.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errChannelClosed
			}
			g.Go(func() error {
				handle(ctx, d, h, logger)
				return nil
			})
		}
	}
}

func handle(ctx context.Context, d amqp.Delivery, h Handler, logger zerolog.Logger) {
	if d.Headers != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
	}
	l := logger.With().Str("message_id", d.MessageId).Str("routing_key", d.RoutingKey).Logger()
	ctx = l.WithContext(ctx)

	if err := h(ctx, d.RoutingKey, d.Body); err != nil {
		l.Error().Err(err).Bool("redelivered", d.Redelivered).Msg("message dead-lettered")
		if nerr := d.Nack(false, false); nerr != nil {
			l.Error().Err(nerr).Msg("nack failed")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		l.Error().Err(err).Msg("ack failed")
	}
}

func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
