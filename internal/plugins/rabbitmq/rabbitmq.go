package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hearth/internal/config"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Bus publishes events to a durable topic exchange routed by target and
// consumes them from one shared queue with manual acknowledgements.
type Bus struct {
	cfg  config.RabbitMQConfig
	tag  string
	log  *slog.Logger
	conn *amqp091.Connection

	mu    sync.Mutex
	pubCh *amqp091.Channel
}

var _ contracts.EventBus = (*Bus)(nil)

func Dial(cfg config.RabbitMQConfig, tag string, log *slog.Logger) (*Bus, error) {
	if cfg.Exchange == "" || cfg.Queue == "" {
		return nil, errors.New("rabbitmq exchange and queue are required")
	}
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	props := amqp091.NewConnectionProperties()
	props.SetClientConnectionName(tag)
	conn, err := amqp091.DialConfig(cfg.URL, amqp091.Config{Properties: props, Heartbeat: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Bus{cfg: cfg, tag: tag, log: log, conn: conn, pubCh: ch}, nil
}

// RoutingKey is "<kind>.<id>", or "broadcast" for broadcast targets.
func RoutingKey(t domain.Target) string {
	if t.ID == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + "." + t.ID
}

func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pubCh.PublishWithContext(ctx, b.cfg.Exchange, RoutingKey(evt.Target), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    evt.ID,
		Type:         evt.Name,
		Timestamp:    evt.CreatedAt,
		Body:         raw,
	})
}

// Subscribe consumes until ctx is done. Undecodable deliveries are dropped,
// handler failures are requeued.
func (b *Bus) Subscribe(ctx context.Context, handler contracts.EventHandler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer ch.Close()
	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	if _, err := ch.QueueDeclare(b.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(b.cfg.Queue, "#", b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	deliveries, err := ch.Consume(b.cfg.Queue, b.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume queue: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(b.tag, false)
			return nil
		case d, ok := <-deliveries:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("rabbitmq delivery channel closed")
			}
			b.process(ctx, d, handler)
		}
	}
}

func (b *Bus) process(ctx context.Context, d amqp091.Delivery, handler contracts.EventHandler) {
	evt, err := domain.DecodeEvent(d.Body)
	if err != nil {
		b.log.Warn("rabbitmq bus - handle - undecodable delivery dropped", "routing_key", d.RoutingKey, "err", err)
		_ = d.Nack(false, false)
		return
	}
	if err := handler(ctx, evt); err != nil {
		b.log.Error("rabbitmq bus - handle - handler failed, requeued", "event", evt.Name, "event_id", evt.ID, "err", err)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var errs []error
	if err := b.pubCh.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	if err := b.conn.Close(); err != nil && !errors.Is(err, amqp091.ErrClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
