package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"hearth/internal/config"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Bus publishes events on one subject. Gateways share the subject through a
// queue group, so each event reaches one gateway at most once.
type Bus struct {
	nc      *nats.Conn
	subject string
	queue   string
	log     *slog.Logger
}

var _ contracts.EventBus = (*Bus)(nil)

func Connect(cfg config.NATSConfig, queue string, log *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("hearth-gateway"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats bus - connection - disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats bus - connection - reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bus{nc: nc, subject: cfg.Subject, queue: queue, log: log}, nil
}

func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(b.subject)
	msg.Header.Set("Event-Id", evt.ID)
	msg.Header.Set("Event-Name", evt.Name)
	msg.Data = raw
	return b.nc.PublishMsg(msg)
}

// Subscribe blocks until ctx is done. Messages of one subscription are
// handled sequentially, which keeps per-target publish order.
func (b *Bus) Subscribe(ctx context.Context, handler contracts.EventHandler) error {
	sub, err := b.nc.QueueSubscribe(b.subject, b.queue, func(msg *nats.Msg) {
		evt, err := domain.DecodeEvent(msg.Data)
		if err != nil {
			b.log.Warn("nats bus - handle - undecodable message dropped", "subject", msg.Subject, "err", err)
			return
		}
		if err := handler(ctx, evt); err != nil {
			b.log.Error("nats bus - handle - handler failed", "event", evt.Name, "event_id", evt.ID, "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	<-ctx.Done()
	if err := sub.Drain(); err != nil && err != nats.ErrConnectionClosed {
		return err
	}
	return nil
}

func (b *Bus) Close() error {
	if b.nc.IsClosed() {
		return nil
	}
	return b.nc.Drain()
}
