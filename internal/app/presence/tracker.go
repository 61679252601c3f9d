package presence

import (
	"context"
	"fmt"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
	"slices"
	"sync"
	"time"
)

type entry struct {
	presence domain.Presence
	guilds   []string
	settle   *time.Timer
	gen      uint64
}

// emitter orders the emissions of one user. Each change is stamped under
// Tracker.mu; an emission older than the last one published is dropped.
type emitter struct {
	mu   sync.Mutex
	last uint64
	refs int
}

// GuildSource reports the guilds a user's sessions are subscribed to. ok is
// false when the user has no indexed session.
type GuildSource func(userID string) (guilds []string, ok bool)

// Tracker aggregates every session of a user into one presence. Going
// offline is debounced so a quick reconnect never flickers; everything else
// propagates immediately.
type Tracker struct {
	mu       sync.Mutex
	users    map[string]*entry
	emitters map[string]*emitter
	clock    uint64
	debounce time.Duration
	pub      contracts.Publisher
	store    contracts.PresenceStore
	source   GuildSource
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Tracker)

// WithStore mirrors every change into an external store, best effort.
func WithStore(store contracts.PresenceStore) Option {
	return func(t *Tracker) { t.store = store }
}

// WithGuildSource resolves fan-out guilds at emission time, so membership
// changes after connect are honoured. Without one, the guilds passed to
// Connect are used.
func WithGuildSource(src GuildSource) Option {
	return func(t *Tracker) { t.source = src }
}

func WithLogger(log *slog.Logger) Option {
	return func(t *Tracker) { t.log = log }
}

func NewTracker(pub contracts.Publisher, debounce time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		users:    make(map[string]*entry),
		emitters: make(map[string]*emitter),
		debounce: debounce,
		pub:      pub,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) entryLocked(userID string) *entry {
	e, ok := t.users[userID]
	if !ok {
		e = &entry{presence: domain.OfflinePresence(userID)}
		t.users[userID] = e
	}
	return e
}

// change is a presence transition waiting to be published.
type change struct {
	em       *emitter
	ver      uint64
	presence domain.Presence
	guilds   []string
}

// stampLocked captures e's current presence for emission.
func (t *Tracker) stampLocked(e *entry) change {
	uid := e.presence.UserID
	em, ok := t.emitters[uid]
	if !ok {
		em = &emitter{}
		t.emitters[uid] = em
	}
	em.refs++
	t.clock++
	return change{em: em, ver: t.clock, presence: e.presence, guilds: slices.Clone(e.guilds)}
}

// Connect counts a newly attached session. The first one brings the user
// online; a pending offline transition is cancelled instead.
func (t *Tracker) Connect(ctx context.Context, userID string, guilds []string, initial *domain.StatusUpdate) {
	t.mu.Lock()
	e := t.entryLocked(userID)
	e.guilds = merge(e.guilds, guilds)
	if e.settle != nil {
		e.settle.Stop()
		e.settle = nil
		e.gen++
		t.mu.Unlock()
		t.log.Debug("presence - connect - offline transition cancelled", slog.String("user_id", userID))
		return
	}
	e.presence.SessionCount++
	if e.presence.SessionCount > 1 {
		t.mu.Unlock()
		return
	}
	e.presence.Status = domain.StatusOnline
	e.presence.Activity = nil
	if initial != nil {
		applyStatus(&e.presence, *initial)
	}
	e.presence.UpdatedAt = t.now()
	c := t.stampLocked(e)
	t.mu.Unlock()

	t.emit(ctx, c)
}

// Disconnect uncounts a session that lost its transport. Dropping the last
// one starts the debounce; immediate skips it.
func (t *Tracker) Disconnect(ctx context.Context, userID string, immediate bool) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || e.presence.SessionCount == 0 {
		t.mu.Unlock()
		return
	}
	if e.presence.SessionCount > 1 {
		e.presence.SessionCount--
		t.mu.Unlock()
		return
	}
	if !immediate {
		if e.settle == nil {
			e.gen++
			gen := e.gen
			e.settle = time.AfterFunc(t.debounce, func() { t.goOffline(userID, gen) })
		}
		t.mu.Unlock()
		return
	}
	if e.settle != nil {
		e.settle.Stop()
		e.settle = nil
	}
	e.gen++
	c := t.offlineLocked(e)
	t.mu.Unlock()

	t.emit(ctx, c)
}

func (t *Tracker) goOffline(userID string, gen uint64) {
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || e.settle == nil || e.gen != gen {
		t.mu.Unlock()
		return
	}
	e.settle = nil
	c := t.offlineLocked(e)
	t.mu.Unlock()

	t.emit(context.Background(), c)
}

func (t *Tracker) offlineLocked(e *entry) change {
	e.presence.SessionCount = 0
	e.presence.Status = domain.StatusOffline
	e.presence.Activity = nil
	e.presence.UpdatedAt = t.now()
	c := t.stampLocked(e)
	delete(t.users, e.presence.UserID)
	return c
}

// Update applies a client status change. The most recent update wins across
// all of the user's sessions.
func (t *Tracker) Update(ctx context.Context, userID string, upd domain.StatusUpdate) (domain.Presence, error) {
	if !upd.Status.Valid() || upd.Status == domain.StatusOffline {
		return domain.Presence{}, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, upd.Status)
	}
	t.mu.Lock()
	e, ok := t.users[userID]
	if !ok || e.presence.SessionCount == 0 {
		t.mu.Unlock()
		return domain.Presence{}, fmt.Errorf("%w: %s has no live session", domain.ErrInvalidStatus, userID)
	}
	applyStatus(&e.presence, upd)
	e.presence.UpdatedAt = t.now()
	c := t.stampLocked(e)
	t.mu.Unlock()

	t.emit(ctx, c)
	return c.presence, nil
}

var _ contracts.MembershipObserver = (*Tracker)(nil)

// Join adds guildID to the fan-out list of a tracked user.
func (t *Tracker) Join(userID, guildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userID]; ok {
		e.guilds = merge(e.guilds, []string{guildID})
	}
}

func (t *Tracker) Leave(userID, guildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userID]; ok {
		e.guilds = slices.DeleteFunc(e.guilds, func(g string) bool { return g == guildID })
	}
}

func merge(have, add []string) []string {
	for _, g := range add {
		if !slices.Contains(have, g) {
			have = append(have, g)
		}
	}
	return have
}

func applyStatus(p *domain.Presence, upd domain.StatusUpdate) {
	p.Status = upd.Status
	if upd.AFK || (upd.Since != nil && *upd.Since > 0) {
		p.Status = domain.StatusIdle
	}
	p.Activity = upd.Game
}

func (t *Tracker) Get(userID string) domain.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.users[userID]; ok {
		return e.presence
	}
	return domain.OfflinePresence(userID)
}

// Online returns the presences of the given users that are not offline.
func (t *Tracker) Online(userIDs []string) []domain.Presence {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.Presence
	for _, id := range userIDs {
		if e, ok := t.users[id]; ok && e.presence.SessionCount > 0 {
			out = append(out, e.presence)
		}
	}
	return out
}

// OnlineCount is the number of users with at least one counted session.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.users {
		if e.presence.SessionCount > 0 {
			n++
		}
	}
	return n
}

// Close cancels pending offline transitions without emitting them.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.users {
		if e.settle != nil {
			e.settle.Stop()
			e.settle = nil
		}
	}
}

// Payload renders a presence as a PRESENCE_UPDATE body.
func Payload(p domain.Presence, guildID string) domain.PresenceUpdate {
	return domain.PresenceUpdate{
		User:     domain.PartialUser{ID: p.UserID},
		GuildID:  guildID,
		Status:   p.Status,
		Activity: p.Activity,
	}
}

// emit publishes c unless a later change of the same user already went out.
// Holding the emitter across the publish keeps guild-mates in apply order.
func (t *Tracker) emit(ctx context.Context, c change) {
	p := c.presence
	c.em.mu.Lock()
	if c.ver > c.em.last {
		c.em.last = c.ver
		guilds := c.guilds
		if t.source != nil {
			if gs, ok := t.source(p.UserID); ok {
				guilds = gs
			}
		}
		if t.store != nil {
			if err := t.store.SavePresence(ctx, p); err != nil {
				t.log.Warn("presence - emit - mirror failed",
					slog.String("user_id", p.UserID),
					slog.Any("error", err),
				)
			}
		}
		for _, g := range guilds {
			t.publish(ctx, domain.ToGuild(g), Payload(p, g))
		}
		t.publish(ctx, domain.ToUser(p.UserID), Payload(p, ""))
	} else {
		t.log.Debug("presence - emit - superseded", slog.String("user_id", p.UserID))
	}
	c.em.mu.Unlock()

	t.mu.Lock()
	c.em.refs--
	if c.em.refs == 0 && t.emitters[p.UserID] == c.em {
		delete(t.emitters, p.UserID)
	}
	t.mu.Unlock()
}

func (t *Tracker) publish(ctx context.Context, target domain.Target, body domain.PresenceUpdate) {
	evt, err := domain.NewEvent(domain.EventPresenceUpdate, target, body)
	if err == nil {
		err = t.pub.Publish(ctx, evt.From(body.User.ID))
	}
	if err != nil {
		t.log.Error("presence - publish - failed",
			slog.String("user_id", body.User.ID),
			slog.String("target", target.ID),
			slog.Any("error", err),
		)
	}
}
