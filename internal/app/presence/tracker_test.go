package presence

import (
	"context"
	"encoding/json"
	"errors"
	"hearth/internal/core/domain"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) Publish(_ context.Context, evt domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// statuses returns the statuses published to target, in order.
func (r *recorder) statuses(t *testing.T, target domain.Target) []domain.Status {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Status
	for _, evt := range r.events {
		if evt.Target != target {
			continue
		}
		var body domain.PresenceUpdate
		require.NoError(t, json.Unmarshal(evt.Payload, &body))
		out = append(out, body.Status)
	}
	return out
}

// gate holds the first offline publish until release is closed.
type gate struct {
	recorder
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) Publish(ctx context.Context, evt domain.Event) error {
	var body domain.PresenceUpdate
	if err := json.Unmarshal(evt.Payload, &body); err == nil && g.armed.Load() && body.Status == domain.StatusOffline {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.recorder.Publish(ctx, evt)
}

type memStore struct {
	mu    sync.Mutex
	saved map[string]domain.Presence
	err   error
}

func (m *memStore) SavePresence(_ context.Context, p domain.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved[p.UserID] = p
	return nil
}

func (m *memStore) GetPresence(_ context.Context, userID string) (domain.Presence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[userID], nil
}

func (m *memStore) OnlineUsers(context.Context) ([]string, error) { return nil, nil }

func TestTracker_FirstSessionGoesOnline(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Minute)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1", "g2"}, nil)
	tr.Connect(ctx, "u1", []string{"g1", "g2"}, nil)

	assert.Equal(t, []domain.Status{domain.StatusOnline}, rec.statuses(t, domain.ToGuild("g1")))
	assert.Equal(t, []domain.Status{domain.StatusOnline}, rec.statuses(t, domain.ToGuild("g2")))
	assert.Equal(t, []domain.Status{domain.StatusOnline}, rec.statuses(t, domain.ToUser("u1")))
	assert.Equal(t, 2, tr.Get("u1").SessionCount)
	assert.Equal(t, 1, tr.OnlineCount())
}

func TestTracker_InitialStatusFromIdentify(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Minute)
	tr.Connect(context.Background(), "u1", []string{"g1"}, &domain.StatusUpdate{Status: domain.StatusDND})

	assert.Equal(t, domain.StatusDND, tr.Get("u1").Status)
}

func TestTracker_QuickReconnectDoesNotFlicker(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, 50*time.Millisecond)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Disconnect(ctx, "u1", false)
	time.Sleep(10 * time.Millisecond)
	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, []domain.Status{domain.StatusOnline}, rec.statuses(t, domain.ToGuild("g1")))
	assert.Equal(t, domain.StatusOnline, tr.Get("u1").Status)
	assert.Equal(t, 1, tr.Get("u1").SessionCount)
}

func TestTracker_OfflineAfterDebounce(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, 20*time.Millisecond)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Disconnect(ctx, "u1", false)
	assert.Equal(t, domain.StatusOnline, tr.Get("u1").Status, "still online inside the window")

	require.Eventually(t, func() bool {
		return tr.Get("u1").Status == domain.StatusOffline
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusOffline}, rec.statuses(t, domain.ToGuild("g1")))
	assert.Zero(t, tr.OnlineCount())
}

func TestTracker_OnlyLastSessionTriggersOffline(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Millisecond)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Disconnect(ctx, "u1", false)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, domain.StatusOnline, tr.Get("u1").Status)
	assert.Equal(t, 1, tr.Get("u1").SessionCount)
}

func TestTracker_ImmediateDisconnect(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Hour)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Disconnect(ctx, "u1", false)
	tr.Disconnect(ctx, "u1", true)

	assert.Equal(t, domain.StatusOffline, tr.Get("u1").Status)
	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusOffline}, rec.statuses(t, domain.ToGuild("g1")))
}

func TestTracker_LastWriteWinsAcrossSessions(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Minute)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Connect(ctx, "u1", []string{"g1"}, nil)

	_, err := tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusDND})
	require.NoError(t, err)
	p, err := tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusOnline, Game: &domain.Activity{Name: "chess"}})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusOnline, p.Status)
	assert.Equal(t, "chess", tr.Get("u1").Activity.Name)
	assert.Equal(t,
		[]domain.Status{domain.StatusOnline, domain.StatusDND, domain.StatusOnline},
		rec.statuses(t, domain.ToGuild("g1")),
	)
	assert.Equal(t,
		[]domain.Status{domain.StatusOnline, domain.StatusDND, domain.StatusOnline},
		rec.statuses(t, domain.ToUser("u1")),
		"the user's other sessions see the change too",
	)
}

func TestTracker_AFKForcesIdle(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&recorder{}, time.Minute)
	ctx := context.Background()
	tr.Connect(ctx, "u1", nil, nil)

	p, err := tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusOnline, AFK: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, p.Status)

	since := time.Now().UnixMilli()
	p, err = tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusDND, Since: &since})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIdle, p.Status)
}

func TestTracker_UpdateRejections(t *testing.T) {
	t.Parallel()

	tr := NewTracker(&recorder{}, time.Minute)
	ctx := context.Background()

	_, err := tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusOnline})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus, "no live session")

	tr.Connect(ctx, "u1", nil, nil)
	_, err = tr.Update(ctx, "u1", domain.StatusUpdate{Status: "away"})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
	_, err = tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusOffline})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestTracker_MirrorsToStoreBestEffort(t *testing.T) {
	t.Parallel()

	store := &memStore{saved: map[string]domain.Presence{}}
	rec := &recorder{}
	tr := NewTracker(rec, time.Minute, WithStore(store))
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	got, err := store.GetPresence(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOnline, got.Status)

	store.err = errors.New("redis down")
	_, err = tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusIdle})
	require.NoError(t, err, "mirror failure does not fail the update")
	assert.Len(t, rec.statuses(t, domain.ToGuild("g1")), 2)
}

func TestTracker_ReconnectDuringOfflineEmitEndsOnline(t *testing.T) {
	t.Parallel()

	pub := newGate()
	tr := NewTracker(pub, time.Millisecond)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	pub.armed.Store(true)
	tr.Disconnect(ctx, "u1", false)
	select {
	case <-pub.entered:
	case <-time.After(time.Second):
		t.Fatal("offline transition never published")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.Connect(ctx, "u1", []string{"g1"}, nil)
	}()
	select {
	case <-done:
		t.Fatal("online emitted while the offline emit was still in flight")
	case <-time.After(30 * time.Millisecond):
	}
	close(pub.release)
	<-done

	got := pub.statuses(t, domain.ToGuild("g1"))
	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusOffline, domain.StatusOnline}, got)
	assert.Equal(t, domain.StatusOnline, tr.Get("u1").Status)
	assert.Equal(t, 1, tr.Get("u1").SessionCount)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	assert.Empty(t, tr.emitters, "emitters are dropped once idle")
}

func TestTracker_ConcurrentUpdatesLandInApplyOrder(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Minute)
	ctx := context.Background()
	tr.Connect(ctx, "u1", []string{"g1"}, nil)

	statuses := []domain.Status{domain.StatusIdle, domain.StatusDND, domain.StatusOnline}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(st domain.Status) {
			defer wg.Done()
			_, err := tr.Update(ctx, "u1", domain.StatusUpdate{Status: st})
			assert.NoError(t, err)
		}(statuses[i%len(statuses)])
	}
	wg.Wait()

	got := rec.statuses(t, domain.ToGuild("g1"))
	require.NotEmpty(t, got)
	assert.Equal(t, tr.Get("u1").Status, got[len(got)-1], "guild-mates last saw the current presence")
}

func TestTracker_JoinAndLeaveFollowMembership(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Minute)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Join("u1", "g2")
	tr.Join("u1", "g2")
	_, err := tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusDND})
	require.NoError(t, err)

	tr.Leave("u1", "g1")
	_, err = tr.Update(ctx, "u1", domain.StatusUpdate{Status: domain.StatusIdle})
	require.NoError(t, err)

	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusDND}, rec.statuses(t, domain.ToGuild("g1")))
	assert.Equal(t, []domain.Status{domain.StatusDND, domain.StatusIdle}, rec.statuses(t, domain.ToGuild("g2")))

	tr.Join("u2", "g1")
	assert.Equal(t, domain.StatusOffline, tr.Get("u2").Status, "untracked users are not created")
	assert.Equal(t, 1, tr.OnlineCount())
}

func TestTracker_ConnectMergesGuilds(t *testing.T) {
	t.Parallel()

	rec := &recorder{}
	tr := NewTracker(rec, time.Minute)
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1", "g2"}, nil)
	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	tr.Disconnect(ctx, "u1", false)
	tr.Disconnect(ctx, "u1", true)

	assert.Equal(t, []domain.Status{domain.StatusOnline, domain.StatusOffline}, rec.statuses(t, domain.ToGuild("g2")))
}

func TestTracker_GuildSourceResolvesAtEmission(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	live := map[string][]string{"u1": {"g9"}}
	src := func(userID string) ([]string, bool) {
		mu.Lock()
		defer mu.Unlock()
		gs, ok := live[userID]
		return gs, ok
	}
	rec := &recorder{}
	tr := NewTracker(rec, time.Minute, WithGuildSource(src))
	ctx := context.Background()

	tr.Connect(ctx, "u1", []string{"g1"}, nil)
	assert.Empty(t, rec.statuses(t, domain.ToGuild("g1")))
	assert.Equal(t, []domain.Status{domain.StatusOnline}, rec.statuses(t, domain.ToGuild("g9")))

	// no indexed session left: fall back to the guilds seen at connect
	mu.Lock()
	delete(live, "u1")
	mu.Unlock()
	tr.Disconnect(ctx, "u1", true)
	assert.Equal(t, []domain.Status{domain.StatusOffline}, rec.statuses(t, domain.ToGuild("g1")))
}
