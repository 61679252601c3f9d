package services_test

import (
	"context"
	"errors"
	"hearth/internal/core/domain"
	"sort"
	"sync"
	"time"
)

var errDown = errors.New("connection refused")

type memStore struct {
	mu       sync.Mutex
	users    map[string]*domain.User
	guilds   map[string]*domain.Guild
	members  map[string]map[string]time.Time
	channels map[string]*domain.Channel
	messages []domain.Message
	blocks   map[[2]string]bool
	fail     error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]*domain.User),
		guilds:   make(map[string]*domain.Guild),
		members:  make(map[string]map[string]time.Time),
		channels: make(map[string]*domain.Channel),
		blocks:   make(map[[2]string]bool),
	}
}

func (m *memStore) addUser(id, name string) {
	m.users[id] = &domain.User{ID: id, Username: name}
}

func (m *memStore) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memStore) CreateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Username == u.Username {
			return domain.ErrUsernameTaken
		}
	}
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

func (m *memStore) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
	return nil
}

func (m *memStore) CreateGuild(_ context.Context, g *domain.Guild) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	m.guilds[g.ID] = &cp
	m.members[g.ID] = make(map[string]time.Time)
	return nil
}

func (m *memStore) GetGuildByID(_ context.Context, id string) (*domain.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guilds[id]
	if !ok {
		return nil, domain.ErrGuildNotFound
	}
	cp := *g
	return &cp, nil
}

func (m *memStore) GuildsForUser(_ context.Context, userID string) ([]domain.Guild, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []domain.Guild
	for id, ms := range m.members {
		if _, ok := ms[userID]; ok {
			out = append(out, *m.guilds[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) Members(_ context.Context, guildID string) ([]domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []domain.Member
	for uid, at := range m.members[guildID] {
		out = append(out, domain.Member{GuildID: guildID, User: *m.users[uid], JoinedAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].User.ID < out[j].User.ID })
	return out, nil
}

func (m *memStore) IsMember(_ context.Context, guildID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	_, ok := m.members[guildID][userID]
	return ok, nil
}

func (m *memStore) AddMember(_ context.Context, guildID, userID string) (*domain.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[guildID][userID]; ok {
		return nil, domain.ErrAlreadyMember
	}
	u, ok := m.users[userID]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	now := time.Now().UTC()
	m.members[guildID][userID] = now
	return &domain.Member{GuildID: guildID, User: *u, JoinedAt: now}, nil
}

func (m *memStore) RemoveMember(_ context.Context, guildID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.members[guildID][userID]; !ok {
		return domain.ErrNotMember
	}
	delete(m.members[guildID], userID)
	return nil
}

func (m *memStore) CreateChannel(_ context.Context, c *domain.Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.channels[c.ID] = &cp
	return nil
}

func (m *memStore) GetChannelByID(_ context.Context, id string) (*domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[id]
	if !ok {
		return nil, domain.ErrChannelNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) Channels(_ context.Context, guildID string) ([]domain.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	var out []domain.Channel
	for _, c := range m.channels {
		if c.GuildID == guildID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (m *memStore) SaveMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, *msg)
	return nil
}

func (m *memStore) RecentMessages(_ context.Context, channelID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ChannelID == channelID {
			out = append(out, msg)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) Block(_ context.Context, userID, blockedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[[2]string{userID, blockedID}] = true
	return nil
}

func (m *memStore) Unblock(_ context.Context, userID, blockedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocks, [2]string{userID, blockedID})
	return nil
}

func (m *memStore) IsBlocked(_ context.Context, userID, blockedID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return false, m.fail
	}
	return m.blocks[[2]string{userID, blockedID}], nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, evt domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
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

type inlineTx struct{ calls int }

func (t *inlineTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	t.calls++
	return fn(ctx)
}
