package kafka

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

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	maxPollRecords = 500
	retryBackoff   = time.Second
)

// Bus produces events to one topic keyed by target, so every event for the
// same user or guild lands on one partition in publish order.
type Bus struct {
	brokers []string
	topic   string
	group   string
	opts    []kgo.Opt
	log     *slog.Logger

	producer *kgo.Client

	mu       sync.Mutex
	consumer *kgo.Client
}

var _ contracts.EventBus = (*Bus)(nil)

func NewBus(cfg config.KafkaConfig, group string, log *slog.Logger, opts ...kgo.Opt) (*Bus, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka.brokers is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka.topic is required")
	}
	popts := append([]kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.AllowAutoTopicCreation(),
	}, opts...)
	producer, err := kgo.NewClient(popts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka producer: %w", err)
	}
	return &Bus{
		brokers:  cfg.Brokers,
		topic:    cfg.Topic,
		group:    group,
		opts:     opts,
		log:      log,
		producer: producer,
	}, nil
}

func (b *Bus) Publish(ctx context.Context, evt domain.Event) error {
	rec, err := recordFor(evt)
	if err != nil {
		return err
	}
	return b.producer.ProduceSync(ctx, rec).FirstErr()
}

// recordFor keys the record by its routing target.
func recordFor(evt domain.Event) (*kgo.Record, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	key := string(evt.Target.Kind)
	if evt.Target.ID != "" {
		key += ":" + evt.Target.ID
	}
	return &kgo.Record{
		Key:   []byte(key),
		Value: raw,
		Headers: []kgo.RecordHeader{
			{Key: "event_id", Value: []byte(evt.ID)},
			{Key: "event_name", Value: []byte(evt.Name)},
		},
	}, nil
}

// Subscribe polls until ctx is done. Offsets are committed only for records
// the handler accepted.
func (b *Bus) Subscribe(ctx context.Context, handler contracts.EventHandler) error {
	copts := append([]kgo.Opt{
		kgo.SeedBrokers(b.brokers...),
		kgo.ConsumerGroup(b.group),
		kgo.ConsumeTopics(b.topic),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}, b.opts...)
	cl, err := kgo.NewClient(copts...)
	if err != nil {
		return fmt.Errorf("new kafka consumer: %w", err)
	}
	b.mu.Lock()
	b.consumer = cl
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.consumer = nil
		b.mu.Unlock()
		cl.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		fetches := cl.PollRecords(ctx, maxPollRecords)
		if fetches.IsClientClosed() {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if ctx.Err() == nil {
				b.log.Error("kafka bus - poll - fetch failed", "topic", topic, "partition", partition, "err", err)
			}
		})
		// a failed record stops its partition for this batch and is fetched again
		failed := make(map[int32]kgo.EpochOffset)
		fetches.EachRecord(func(rec *kgo.Record) {
			if _, stopped := failed[rec.Partition]; stopped {
				return
			}
			if b.handle(ctx, rec, handler) {
				cl.MarkCommitRecords(rec)
				return
			}
			failed[rec.Partition] = kgo.EpochOffset{Epoch: rec.LeaderEpoch, Offset: rec.Offset}
		})
		if err := cl.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			b.log.Error("kafka bus - commit - failed", "err", err)
		}
		if len(failed) > 0 {
			cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{b.topic: failed})
		}
		cl.AllowRebalance()
		if len(failed) > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retryBackoff):
			}
		}
	}
}

func (b *Bus) handle(ctx context.Context, rec *kgo.Record, handler contracts.EventHandler) bool {
	evt, err := domain.DecodeEvent(rec.Value)
	if err != nil {
		b.log.Warn("kafka bus - handle - undecodable record dropped",
			"partition", rec.Partition, "offset", rec.Offset, "err", err)
		return true
	}
	if err := handler(ctx, evt); err != nil {
		b.log.Error("kafka bus - handle - handler failed",
			"event", evt.Name, "partition", rec.Partition, "offset", rec.Offset, "err", err)
		return false
	}
	return true
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.consumer != nil {
		b.consumer.Close()
	}
	b.mu.Unlock()
	b.producer.Close()
	return nil
}
