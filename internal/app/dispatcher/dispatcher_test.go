package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hearth/internal/app/registry"
	"hearth/internal/app/session"
	"hearth/internal/core/domain"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLink struct{}

func (nopLink) Close(domain.CloseCode, string) {}

type blockList struct {
	mu      sync.Mutex
	blocked map[string]string // recipient → source
	err     error
	calls   int
}

func (b *blockList) Blocked(_ context.Context, recipientID, sourceID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return false, b.err
	}
	return b.blocked[recipientID] == sourceID, nil
}

type memberLog struct {
	mu      sync.Mutex
	changes []string
}

func (m *memberLog) Join(userID, guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, "+"+userID+"@"+guildID)
}

func (m *memberLog) Leave(userID, guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = append(m.changes, "-"+userID+"@"+guildID)
}

type harness struct {
	reg   *registry.Registry
	d     *Dispatcher
	links map[string]session.Link
}

func newHarness(filter *blockList) *harness {
	reg := registry.NewRegistry(time.Minute)
	var d *Dispatcher
	if filter != nil {
		d = NewDispatcher(reg, filter, nil)
	} else {
		d = NewDispatcher(reg, nil, nil)
	}
	return &harness{reg: reg, d: d, links: make(map[string]session.Link)}
}

func (h *harness) connect(t *testing.T, userID string, guilds ...string) *session.Session {
	t.Helper()
	s := session.New(session.NewID(), userID, guilds, session.Options{BufferSize: 1024, QueueSize: 1024})
	link := &nopLink{}
	require.NoError(t, s.Activate(link))
	h.reg.Register(s)
	h.links[s.ID()] = link
	return s
}

func (h *harness) drain(t *testing.T, s *session.Session) []session.Entry {
	t.Helper()
	entries, err := s.Drain(h.links[s.ID()])
	require.NoError(t, err)
	return entries
}

func newEvent(t *testing.T, name string, target domain.Target, payload any) domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(name, target, payload)
	require.NoError(t, err)
	return evt
}

func TestDispatcher_GuildDeliveryHonoursOptOut(t *testing.T) {
	t.Parallel()

	filter := &blockList{blocked: map[string]string{"u3": "author", "u4": "author"}}
	h := newHarness(filter)

	author := h.connect(t, "author", "g1")
	var members []*session.Session
	for i := 1; i <= 5; i++ {
		members = append(members, h.connect(t, fmt.Sprintf("u%d", i), "g1"))
	}
	outsider := h.connect(t, "u9", "g2")

	evt := newEvent(t, domain.EventMessageCreate, domain.ToGuild("g1"), map[string]string{"content": "hi"}).From("author")
	n, err := h.d.Deliver(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "5 members + author - 2 opted out")

	assert.Len(t, h.drain(t, author), 1)
	for _, s := range members {
		want := 1
		if s.UserID() == "u3" || s.UserID() == "u4" {
			want = 0
		}
		assert.Len(t, h.drain(t, s), want, s.UserID())
	}
	assert.Empty(t, h.drain(t, outsider))
}

func TestDispatcher_FilterConsultedOncePerUser(t *testing.T) {
	t.Parallel()

	filter := &blockList{}
	h := newHarness(filter)
	h.connect(t, "u1", "g1")
	h.connect(t, "u1", "g1")
	h.connect(t, "u1", "g1")

	evt := newEvent(t, domain.EventMessageCreate, domain.ToGuild("g1"), nil).From("u2")
	n, err := h.d.Deliver(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, filter.calls)
}

func TestDispatcher_FilterErrorFailsOpen(t *testing.T) {
	t.Parallel()

	h := newHarness(&blockList{err: errors.New("db down")})
	h.connect(t, "u1", "g1")

	evt := newEvent(t, domain.EventMessageCreate, domain.ToGuild("g1"), nil).From("u2")
	n, err := h.d.Deliver(context.Background(), evt)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDispatcher_UserTargetReachesEverySession(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	a := h.connect(t, "u1")
	b := h.connect(t, "u1")
	other := h.connect(t, "u2")

	n, err := h.d.Deliver(context.Background(), newEvent(t, "NOTE", domain.ToUser("u1"), nil))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, h.drain(t, a), 1)
	assert.Len(t, h.drain(t, b), 1)
	assert.Empty(t, h.drain(t, other))
}

func TestDispatcher_BroadcastOnlyReachesIdentified(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	live := h.connect(t, "u1")
	gone := h.connect(t, "u2")
	require.True(t, gone.Detach(h.links[gone.ID()]))

	n, err := h.d.Deliver(context.Background(), newEvent(t, "ANNOUNCE", domain.ToEveryone(), nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, h.drain(t, live), 1)
	assert.Equal(t, int64(0), gone.Seq())
}

func TestDispatcher_DisconnectedGuildMemberBuffers(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	s := h.connect(t, "u1", "g1")
	require.True(t, s.Detach(h.links[s.ID()]))

	n, err := h.d.Deliver(context.Background(), newEvent(t, domain.EventMessageCreate, domain.ToGuild("g1"), nil))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), s.Seq())
}

func TestDispatcher_MembershipChanges(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	joiner := h.connect(t, "u1")
	existing := h.connect(t, "u2", "g1")

	join := newEvent(t, domain.EventGuildMemberAdd, domain.ToGuild("g1"), nil).
		WithMembership(domain.MembershipChange{UserID: "u1", GuildID: "g1", Joined: true})
	n, err := h.d.Deliver(context.Background(), join)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "joiner sees its own join")
	assert.True(t, joiner.HasGuild("g1"))

	msg := newEvent(t, domain.EventMessageCreate, domain.ToGuild("g1"), nil)
	n, err = h.d.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "no stale dispatch after join")

	leave := newEvent(t, domain.EventGuildMemberRemove, domain.ToGuild("g1"), nil).
		WithMembership(domain.MembershipChange{UserID: "u1", GuildID: "g1"})
	n, err = h.d.Deliver(context.Background(), leave)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "leaver sees its own removal")
	assert.False(t, joiner.HasGuild("g1"))

	n, err = h.d.Deliver(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Len(t, h.drain(t, joiner), 3)
	assert.Len(t, h.drain(t, existing), 4)
}

func TestDispatcher_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	_, err := h.d.Deliver(context.Background(), domain.Event{Name: "X", Target: domain.Target{Kind: "planet"}})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	_, err = h.d.Deliver(context.Background(), domain.Event{Name: "X", Target: domain.Target{Kind: domain.TargetGuild}})
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestDispatcher_ConcurrentPublishersKeepPerSessionOrder(t *testing.T) {
	t.Parallel()

	const publishers, perPublisher = 4, 100
	h := newHarness(nil)
	var sessions []*session.Session
	for i := 0; i < 3; i++ {
		sessions = append(sessions, h.connect(t, fmt.Sprintf("u%d", i), "g1"))
	}

	events := make([][]domain.Event, publishers)
	for p := range events {
		for i := 0; i < perPublisher; i++ {
			events[p] = append(events[p], newEvent(t, fmt.Sprintf("P%d", p), domain.ToGuild("g1"), map[string]int{"n": i}))
		}
	}

	var wg sync.WaitGroup
	for _, batch := range events {
		wg.Add(1)
		go func(batch []domain.Event) {
			defer wg.Done()
			for _, evt := range batch {
				_, _ = h.d.Deliver(context.Background(), evt)
			}
		}(batch)
	}
	wg.Wait()

	for _, s := range sessions {
		entries := h.drain(t, s)
		require.Len(t, entries, publishers*perPublisher)
		last := map[string]int{}
		for i, e := range entries {
			require.Equal(t, int64(i+1), e.Seq, "gapless")
			var body map[string]int
			require.NoError(t, json.Unmarshal(e.Payload, &body))
			if prev, ok := last[e.Name]; ok {
				require.Equal(t, prev+1, body["n"], "publisher order preserved")
			}
			last[e.Name] = body["n"]
		}
	}
}

func TestDispatcher_MembershipObserved(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	obs := &memberLog{}
	h.d.Observe(obs)
	h.connect(t, "u1")

	ctx := context.Background()
	_, err := h.d.Deliver(ctx, newEvent(t, domain.EventGuildMemberAdd, domain.ToGuild("g1"), nil).
		WithMembership(domain.MembershipChange{UserID: "u1", GuildID: "g1", Joined: true}))
	require.NoError(t, err)
	_, err = h.d.Deliver(ctx, newEvent(t, domain.EventMessageCreate, domain.ToGuild("g1"), nil))
	require.NoError(t, err)
	_, err = h.d.Deliver(ctx, newEvent(t, domain.EventGuildMemberRemove, domain.ToGuild("g1"), nil).
		WithMembership(domain.MembershipChange{UserID: "u1", GuildID: "g1"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"+u1@g1", "-u1@g1"}, obs.changes)
}
