package registry

import (
	"hearth/internal/app/session"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// Registry indexes live and resumable sessions by id, user and guild. One
// lock guards all three indices so a session is never visible in one index
// and missing from another.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session            // session_id → session
	users    map[string]map[string]*session.Session // user_id → session_id → session
	guilds   map[string]map[string]*session.Session // guild_id → session_id → session
	pending  map[string]map[*Reservation]struct{}   // user_id → open reservations

	window   time.Duration
	onExpire func(s *session.Session)
	log      *slog.Logger
}

type Option func(*Registry)

// WithExpiryHook runs after a session leaves every index on window expiry.
func WithExpiryHook(fn func(s *session.Session)) Option {
	return func(r *Registry) { r.onExpire = fn }
}

func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(window time.Duration, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*session.Session),
		users:    make(map[string]map[string]*session.Session),
		guilds:   make(map[string]map[string]*session.Session),
		pending:  make(map[string]map[*Reservation]struct{}),
		window:   window,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Window() time.Duration { return r.window }

// Register indexes an Identified session under its id, user and guilds.
func (r *Registry) Register(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerLocked(s)
}

func (r *Registry) registerLocked(s *session.Session) {
	r.sessions[s.ID()] = s
	add(r.users, s.UserID(), s)
	for _, g := range s.Guilds() {
		add(r.guilds, g, s)
	}
}

// Unregister drops s from every index without touching its state.
func (r *Registry) Unregister(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(s)
}

type membershipOp struct {
	guildID string
	joined  bool
}

// Reservation records membership changes for a user whose session is still
// being built, so nothing applied between the directory snapshot and
// registration is lost.
type Reservation struct {
	userID string
	ops    []membershipOp
}

// Reserve opens a reservation for userID. Take it before reading the
// membership snapshot, then Commit or Release it exactly once.
func (r *Registry) Reserve(userID string) *Reservation {
	res := &Reservation{userID: userID}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending[userID] == nil {
		r.pending[userID] = make(map[*Reservation]struct{})
	}
	r.pending[userID][res] = struct{}{}
	return res
}

// Commit replays the recorded membership changes onto s in arrival order
// and registers it.
func (r *Registry) Commit(res *Reservation, s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(res)
	for _, op := range res.ops {
		if op.joined {
			s.AddGuild(op.guildID)
		} else {
			s.RemoveGuild(op.guildID)
		}
	}
	r.registerLocked(s)
}

// Release drops a reservation whose session was never registered.
func (r *Registry) Release(res *Reservation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseLocked(res)
}

func (r *Registry) releaseLocked(res *Reservation) {
	set := r.pending[res.userID]
	delete(set, res)
	if len(set) == 0 {
		delete(r.pending, res.userID)
	}
}

func (r *Registry) recordLocked(userID, guildID string, joined bool) {
	for res := range r.pending[userID] {
		res.ops = append(res.ops, membershipOp{guildID: guildID, joined: joined})
	}
}

func (r *Registry) unregisterLocked(s *session.Session) {
	if r.sessions[s.ID()] != s {
		return
	}
	delete(r.sessions, s.ID())
	remove(r.users, s.UserID(), s)
	for _, g := range s.Guilds() {
		remove(r.guilds, g, s)
	}
}

func (r *Registry) Lookup(sessionID string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

func (r *Registry) ByUser(userID string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.users[userID])
}

func (r *Registry) ByGuild(guildID string) []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.guilds[guildID])
}

// All returns every indexed session regardless of state.
func (r *Registry) All() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return values(r.sessions)
}

// GuildsOf is the sorted union of guilds across every indexed session of
// userID. ok is false when the user has no indexed session.
func (r *Registry) GuildsOf(userID string) (guilds []string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID, ok := r.users[userID]
	if !ok {
		return nil, false
	}
	seen := make(map[string]struct{})
	for _, s := range byID {
		for _, g := range s.Guilds() {
			if _, dup := seen[g]; !dup {
				seen[g] = struct{}{}
				guilds = append(guilds, g)
			}
		}
	}
	slices.Sort(guilds)
	return guilds, true
}

// Identified returns the sessions currently attached to a transport.
func (r *Registry) Identified() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.State() == session.StateIdentified {
			out = append(out, s)
		}
	}
	return out
}

// Subscribe adds guildID to every session of userID, and to any session of
// userID still under reservation. Returns how many indexed sessions were
// touched.
func (r *Registry) Subscribe(userID, guildID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(userID, guildID, true)
	n := 0
	for _, s := range r.users[userID] {
		s.AddGuild(guildID)
		add(r.guilds, guildID, s)
		n++
	}
	return n
}

// Unsubscribe is the inverse of Subscribe.
func (r *Registry) Unsubscribe(userID, guildID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recordLocked(userID, guildID, false)
	n := 0
	for _, s := range r.users[userID] {
		s.RemoveGuild(guildID)
		remove(r.guilds, guildID, s)
		n++
	}
	return n
}

// Retain starts the resume window for a session that just detached. The
// session expires unless it is resumed before the window closes.
func (r *Registry) Retain(s *session.Session) {
	gen := s.Gen()
	s.SetExpiry(time.AfterFunc(r.window, func() { r.expireIdle(s, gen) }))
}

func (r *Registry) expireIdle(s *session.Session, gen uint64) {
	r.mu.Lock()
	expired := s.ExpireIfIdle(gen)
	if expired {
		r.unregisterLocked(s)
	}
	r.mu.Unlock()

	if !expired {
		return
	}
	r.log.Debug("registry - expire idle - resume window elapsed",
		slog.String("session_id", s.ID()),
		slog.String("user_id", s.UserID()),
	)
	if r.onExpire != nil {
		r.onExpire(s)
	}
}

// Expire removes s from every index and makes it terminal, whatever its
// state. The returned link, if any, is still open and belongs to the caller.
func (r *Registry) Expire(s *session.Session) (session.State, session.Link) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, link := s.Expire()
	r.unregisterLocked(s)
	return prev, link
}

// Close expires every session. Used on shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.Expire()
	}
	clear(r.sessions)
	clear(r.users)
	clear(r.guilds)
	clear(r.pending)
}

type Counts struct {
	Sessions     int `json:"sessions"`
	Identified   int `json:"identified"`
	Resuming     int `json:"resuming"`
	Disconnected int `json:"disconnected"`
	Users        int `json:"users"`
	Guilds       int `json:"guilds"`
}

func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := Counts{
		Sessions: len(r.sessions),
		Users:    len(r.users),
		Guilds:   len(r.guilds),
	}
	for _, s := range r.sessions {
		switch s.State() {
		case session.StateIdentified:
			c.Identified++
		case session.StateResuming:
			c.Resuming++
		case session.StateDisconnected:
			c.Disconnected++
		}
	}
	return c
}

func add(index map[string]map[string]*session.Session, key string, s *session.Session) {
	if index[key] == nil {
		index[key] = make(map[string]*session.Session)
	}
	index[key][s.ID()] = s
}

func remove(index map[string]map[string]*session.Session, key string, s *session.Session) {
	delete(index[key], s.ID())
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

func values(m map[string]*session.Session) []*session.Session {
	out := make([]*session.Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}
