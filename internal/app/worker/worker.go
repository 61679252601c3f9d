package worker

import (
	"context"
	"errors"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
)

// EventWorker feeds events arriving on the bus into the local dispatcher.
type EventWorker struct {
	log        *slog.Logger
	bus        contracts.EventBus
	dispatcher contracts.Publisher
}

func NewEventWorker(
	log *slog.Logger,
	bus contracts.EventBus,
	dispatcher contracts.Publisher,
) contracts.AsyncWorker {
	return &EventWorker{
		log:        log,
		bus:        bus,
		dispatcher: dispatcher,
	}
}

func (w *EventWorker) Run(ctx context.Context) error {
	w.log.InfoContext(ctx, "worker - run - subscribing to event bus")
	err := w.bus.Subscribe(ctx, w.ProcessEvent)
	if err != nil {
		w.log.ErrorContext(ctx, "worker - run - subscribe failed", "err", err)
		return err
	}
	w.log.InfoContext(ctx, "worker - run - stopped")
	return nil
}

// ProcessEvent dispatches one event. Invalid events are dropped so that a
// poison message is acknowledged instead of being redelivered forever.
func (w *EventWorker) ProcessEvent(ctx context.Context, evt domain.Event) error {
	if err := w.dispatcher.Publish(ctx, evt); err != nil {
		if errors.Is(err, domain.ErrInvalidEvent) {
			w.log.WarnContext(ctx, "worker - process event - invalid event dropped", "event_id", evt.ID, "err", err)
			return nil
		}
		w.log.ErrorContext(ctx, "worker - process event - dispatch failed", "event_id", evt.ID, "event", evt.Name, "err", err)
		return err
	}
	w.log.DebugContext(ctx, "worker - process event - dispatched", "event_id", evt.ID, "event", evt.Name)
	return nil
}
