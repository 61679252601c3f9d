package dispatcher

import (
	"context"
	"hearth/internal/app/registry"
	"hearth/internal/app/session"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("hearth/dispatcher")

// Dispatcher fans events out to the sessions the registry resolves for their
// target. It implements contracts.Publisher.
type Dispatcher struct {
	registry *registry.Registry
	filter   contracts.DeliveryFilter
	members  contracts.MembershipObserver
	log      *slog.Logger
}

func NewDispatcher(reg *registry.Registry, filter contracts.DeliveryFilter, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: reg, filter: filter, log: log}
}

var _ contracts.Publisher = (*Dispatcher)(nil)

// Observe forwards every applied membership change to obs. Call it before
// the first Publish.
func (d *Dispatcher) Observe(obs contracts.MembershipObserver) {
	d.members = obs
}

func (d *Dispatcher) Publish(ctx context.Context, evt domain.Event) error {
	_, err := d.Deliver(ctx, evt)
	return err
}

// Deliver routes evt and returns how many sessions accepted it. Guild
// subscriptions carried by evt are applied before routing on join and after
// routing on leave, so the joining and the leaving member both see it.
func (d *Dispatcher) Deliver(ctx context.Context, evt domain.Event) (int, error) {
	ctx, span := tracer.Start(ctx, "Dispatcher.Deliver")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.name", evt.Name),
		attribute.String("target.kind", string(evt.Target.Kind)),
		attribute.String("target.id", evt.Target.ID),
	)

	if err := evt.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid event")
		d.log.Warn("dispatcher - deliver - invalid event", slog.String("event", evt.Name), slog.Any("error", err))
		return 0, err
	}

	if m := evt.Membership; m != nil && m.Joined {
		d.registry.Subscribe(m.UserID, m.GuildID)
		if d.members != nil {
			d.members.Join(m.UserID, m.GuildID)
		}
	}

	recipients := d.resolve(evt.Target)
	if evt.Target.Kind == domain.TargetGuild && evt.SourceID != "" {
		recipients = d.allowed(ctx, evt, recipients)
	}

	delivered := 0
	for _, s := range recipients {
		if s.Deliver(evt) {
			delivered++
		}
	}

	if m := evt.Membership; m != nil && !m.Joined {
		d.registry.Unsubscribe(m.UserID, m.GuildID)
		if d.members != nil {
			d.members.Leave(m.UserID, m.GuildID)
		}
	}

	span.SetAttributes(attribute.Int("delivered", delivered))
	d.log.Debug("dispatcher - deliver - routed",
		slog.String("event", evt.Name),
		slog.String("target", string(evt.Target.Kind)),
		slog.Int("recipients", len(recipients)),
		slog.Int("delivered", delivered),
	)
	return delivered, nil
}

func (d *Dispatcher) resolve(t domain.Target) []*session.Session {
	switch t.Kind {
	case domain.TargetUser:
		return d.registry.ByUser(t.ID)
	case domain.TargetGuild:
		return d.registry.ByGuild(t.ID)
	case domain.TargetBroadcast:
		return d.registry.Identified()
	}
	return nil
}

// allowed drops sessions whose user opted out of events from evt.SourceID.
// A failing filter lets the event through.
func (d *Dispatcher) allowed(ctx context.Context, evt domain.Event, in []*session.Session) []*session.Session {
	if d.filter == nil {
		return in
	}
	verdict := make(map[string]bool)
	out := in[:0]
	for _, s := range in {
		uid := s.UserID()
		blocked, seen := verdict[uid]
		if !seen {
			var err error
			blocked, err = d.filter.Blocked(ctx, uid, evt.SourceID)
			if err != nil {
				d.log.Warn("dispatcher - allowed - filter failed, delivering",
					slog.String("recipient", uid),
					slog.String("source", evt.SourceID),
					slog.Any("error", err),
				)
				blocked = false
			}
			verdict[uid] = blocked
		}
		if !blocked {
			out = append(out, s)
		}
	}
	return out
}
