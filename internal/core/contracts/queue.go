package contracts

import (
	"context"
	"hearth/internal/core/domain"
)

// Publisher is the single inbound API the REST layer uses to raise events.
type Publisher interface {
	Publish(ctx context.Context, evt domain.Event) error
}

// EventHandler processes one event pulled off a bus.
type EventHandler func(ctx context.Context, evt domain.Event) error

// EventBus carries events from REST producers to gateway consumers.
type EventBus interface {
	Publisher
	// Subscribe starts delivering events to handler until ctx is cancelled.
	// An event is acknowledged only when handler returns nil.
	Subscribe(ctx context.Context, handler EventHandler) error
	Close() error
}
