package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hearth/internal/config"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// StreamBus carries events over one Redis Stream read by a consumer group.
// An entry is acknowledged and deleted once the handler accepts it.
type StreamBus struct {
	rdb      *redis.Client
	stream   string
	maxLen   int64
	block    time.Duration
	group    string
	consumer string
	log      *slog.Logger
}

func NewStreamBus(rdb *redis.Client, cfg config.RedisBusConfig, group, consumer string, log *slog.Logger) *StreamBus {
	block := cfg.Block
	if block <= 0 {
		block = 2 * time.Second
	}
	return &StreamBus{
		rdb:      rdb,
		stream:   cfg.Stream,
		maxLen:   cfg.MaxLen,
		block:    block,
		group:    group,
		consumer: consumer,
		log:      log,
	}
}

var _ contracts.EventBus = (*StreamBus)(nil)

func (q *StreamBus) Publish(ctx context.Context, evt domain.Event) error {
	raw, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{"data": raw},
	}).Err()
}

// Subscribe first drains entries left pending for this consumer by a
// previous run, then blocks reading new entries until ctx is done.
func (q *StreamBus) Subscribe(ctx context.Context, handler contracts.EventHandler) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	if err := q.read(ctx, "0", handler); err != nil && ctx.Err() == nil {
		q.log.Error("stream bus - subscribe - pending replay failed", "stream", q.stream, "err", err)
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := q.read(ctx, ">", handler); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.log.Error("stream bus - subscribe - read failed", "stream", q.stream, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

func (q *StreamBus) read(ctx context.Context, from string, handler contracts.EventHandler) error {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, from},
		Count:    64,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, stream := range res {
		for _, msg := range stream.Messages {
			q.handle(ctx, msg, handler)
		}
	}
	return nil
}

func (q *StreamBus) handle(ctx context.Context, msg redis.XMessage, handler contracts.EventHandler) {
	raw, ok := msg.Values["data"].(string)
	if !ok {
		q.log.Warn("stream bus - handle - entry without data dropped", "message_id", msg.ID)
		q.ack(ctx, msg.ID)
		return
	}
	evt, err := domain.DecodeEvent([]byte(raw))
	if err != nil {
		q.log.Warn("stream bus - handle - undecodable entry dropped", "message_id", msg.ID, "err", err)
		q.ack(ctx, msg.ID)
		return
	}
	if err := handler(ctx, evt); err != nil {
		q.log.Error("stream bus - handle - handler failed", "message_id", msg.ID, "event", evt.Name, "err", err)
		return
	}
	q.ack(ctx, msg.ID)
}

func (q *StreamBus) ack(ctx context.Context, id string) {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		q.log.Error("stream bus - ack - failed", "message_id", id, "err", err)
		return
	}
	if err := q.rdb.XDel(ctx, q.stream, id).Err(); err != nil {
		q.log.Error("stream bus - ack - delete failed", "message_id", id, "err", err)
	}
}

// Close is a no-op; the client is owned by the caller.
func (q *StreamBus) Close() error { return nil }
