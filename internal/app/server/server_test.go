package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hearth/internal/app/gateway"
	"hearth/internal/app/registry"
	"hearth/internal/app/server"
	"hearth/internal/app/session"
	"hearth/internal/config"
	"hearth/internal/core/domain"
	"hearth/internal/core/services"
	"hearth/internal/plugins/sqldb"
	"hearth/pkg/logging"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminToken = "operator-secret"

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Name)
	}
	return out
}

type staticPresence struct{}

func (staticPresence) Get(userID string) domain.Presence { return domain.OfflinePresence(userID) }

type fakeSessions struct {
	kicked []string
}

func (f *fakeSessions) Sessions() []session.Info { return []session.Info{} }

func (f *fakeSessions) Stats() gateway.Stats {
	return gateway.Stats{Connections: 2, Registry: registry.Counts{Sessions: 3}}
}

func (f *fakeSessions) Kick(_ context.Context, id string) error {
	if id != "known" {
		return domain.ErrSessionNotFound
	}
	f.kicked = append(f.kicked, id)
	return nil
}

type harness struct {
	handler  http.Handler
	pub      *recordingPublisher
	sessions *fakeSessions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.New(ctx, config.StorageConfig{
		Driver:      "sqlite",
		DSN:         fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", filepath.Join(t.TempDir(), "api.db")),
		PingTimeout: time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqldb.Migrate(ctx, db))

	log := logging.Discard()
	users := sqldb.NewUserRepository(db)
	guilds := sqldb.NewGuildRepo(db)
	blocks := sqldb.NewBlockRepo(db)
	pub := &recordingPublisher{}
	tokens := services.NewTokenService("test-secret", "hearth", time.Hour)
	dir := services.NewDirectoryService(log, users, guilds, blocks)
	sessions := &fakeSessions{}

	srv := server.NewServer(log, "hearth-test", ":0", server.Deps{
		Users:      services.NewUserService(log, users, blocks, tokens),
		Tokens:     tokens,
		Guilds:     services.NewGuildService(log, guilds, dir, pub, sqldb.NewTxManager(db)),
		Messages:   services.NewMessageService(log, sqldb.NewMessageRepo(db), guilds, pub),
		Presence:   staticPresence{},
		Sessions:   sessions,
		Publisher:  pub,
		AdminToken: adminToken,
	})
	return &harness{handler: srv.Handler(), pub: pub, sessions: sessions}
}

func (h *harness) do(t *testing.T, method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) register(t *testing.T, name string) (domain.User, string) {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/api/users", "", map[string]string{"username": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	return resp.User, resp.Token
}

func TestRegisterAndMe(t *testing.T) {
	h := newHarness(t)
	user, token := h.register(t, "alice")

	rec := h.do(t, http.MethodGet, "/api/users/@me", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var me domain.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &me))
	assert.Equal(t, user.ID, me.ID)
	assert.Equal(t, "alice", me.Username)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/users/@me", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(t, http.MethodGet, "/api/users/@me", "garbage", nil).Code)
}

func TestRegisterRejections(t *testing.T) {
	h := newHarness(t)
	h.register(t, "alice")

	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPost, "/api/users", "", map[string]string{"username": "alice"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/users", "", map[string]string{"username": "  "}).Code)

	req := httptest.NewRequest(http.MethodPost, "/api/users", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuildAndMessageFlow(t *testing.T) {
	h := newHarness(t)
	alice, aliceToken := h.register(t, "alice")
	bob, bobToken := h.register(t, "bob")
	_, carolToken := h.register(t, "carol")

	rec := h.do(t, http.MethodPost, "/api/guilds", aliceToken, map[string]string{"name": "hearthside"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var snap domain.GuildSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, alice.ID, snap.OwnerID)
	require.Len(t, snap.Channels, 1)
	general := snap.Channels[0].ID

	rec = h.do(t, http.MethodPut, "/api/guilds/"+snap.ID+"/members/@me", bobToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, http.StatusConflict, h.do(t, http.MethodPut, "/api/guilds/"+snap.ID+"/members/@me", bobToken, nil).Code)

	rec = h.do(t, http.MethodPost, "/api/channels/"+general+"/messages", bobToken, map[string]string{"content": "hi all"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, bob.ID, msg.AuthorID)
	assert.Equal(t, snap.ID, msg.GuildID)

	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodPost, "/api/channels/"+general+"/messages", carolToken, map[string]string{"content": "let me in"}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/api/channels/"+general+"/messages", bobToken, map[string]string{"content": ""}).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPost, "/api/channels/missing/messages", bobToken, map[string]string{"content": "x"}).Code)

	rec = h.do(t, http.MethodGet, "/api/channels/"+general+"/messages?limit=10", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []domain.Message
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "hi all", history[0].Content)

	rec = h.do(t, http.MethodPost, "/api/guilds/"+snap.ID+"/channels", aliceToken, map[string]string{"name": "random"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/guilds/"+snap.ID+"/members/@me", bobToken, nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodDelete, "/api/guilds/"+snap.ID+"/members/@me", bobToken, nil).Code)

	assert.Equal(t, []string{
		"GUILD_CREATE",
		"GUILD_MEMBER_ADD", "GUILD_CREATE",
		"MESSAGE_CREATE",
		"CHANNEL_CREATE",
		"GUILD_MEMBER_REMOVE", "GUILD_DELETE",
	}, h.pub.names())
}

func TestBlocksAndPresence(t *testing.T) {
	h := newHarness(t)
	_, aliceToken := h.register(t, "alice")
	bob, _ := h.register(t, "bob")

	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodPut, "/api/users/@me/blocks/"+bob.ID, aliceToken, nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodPut, "/api/users/@me/blocks/nobody", aliceToken, nil).Code)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/api/users/@me/blocks/"+bob.ID, aliceToken, nil).Code)

	rec := h.do(t, http.MethodGet, "/api/users/"+bob.ID+"/presence", aliceToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var p domain.Presence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	assert.Equal(t, domain.StatusOffline, p.Status)
	assert.Equal(t, bob.ID, p.UserID)
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t)
	auth := []string{"X-Admin-Token", adminToken}

	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/admin/stats", "", nil).Code)
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodGet, "/admin/stats", "", nil, "X-Admin-Token", "wrong").Code)

	rec := h.do(t, http.MethodGet, "/admin/stats", "", nil, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Gateway gateway.Stats `json:"gateway"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, int64(2), stats.Gateway.Connections)
	assert.Equal(t, 3, stats.Gateway.Registry.Sessions)

	assert.Equal(t, http.StatusOK, h.do(t, http.MethodGet, "/admin/sessions", "", nil, auth...).Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/admin/sessions/unknown", "", nil, auth...).Code)
	assert.Equal(t, http.StatusNoContent, h.do(t, http.MethodDelete, "/admin/sessions/known", "", nil, auth...).Code)
	assert.Equal(t, []string{"known"}, h.sessions.kicked)

	rec = h.do(t, http.MethodPost, "/admin/broadcast", "", map[string]any{"t": "MAINTENANCE", "d": map[string]int{"minutes": 5}}, auth...)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Len(t, h.pub.events, 1)
	assert.Equal(t, domain.TargetBroadcast, h.pub.events[0].Target.Kind)
	assert.JSONEq(t, `{"minutes":5}`, string(h.pub.events[0].Payload))

	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodPost, "/admin/broadcast", "", map[string]any{"d": 1}, auth...).Code)
}
