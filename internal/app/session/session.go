package session

import (
	"errors"
	"fmt"
	"hearth/internal/core/domain"
	"sync"
	"time"

	"github.com/google/uuid"
)

type State int32

const (
	StateConnecting State = iota
	StateIdentified
	StateResuming
	StateDisconnected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateIdentified:
		return "identified"
	case StateResuming:
		return "resuming"
	case StateDisconnected:
		return "disconnected"
	case StateExpired:
		return "expired"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var transitions = map[State][]State{
	StateConnecting:   {StateIdentified, StateExpired},
	StateIdentified:   {StateDisconnected, StateExpired},
	StateResuming:     {StateIdentified, StateDisconnected, StateExpired},
	StateDisconnected: {StateResuming, StateExpired},
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrStaleLink = errors.New("session: link is no longer attached")
	ErrOverflow  = errors.New("session: outbound queue overflow")
)

// Link is the live transport a session is attached to.
type Link interface {
	Close(code domain.CloseCode, reason string)
}

// NewID returns an opaque, unguessable session token.
func NewID() string { return uuid.NewString() }

type Options struct {
	BufferSize int
	QueueSize  int
}

// Session is one logical gateway connection. It outlives its transport for
// the resume window, buffering what it missed.
//
// Lock order: the registry lock is always taken before mu.
type Session struct {
	id        string
	userID    string
	createdAt time.Time
	queueSize int

	mu         sync.Mutex
	state      State
	guilds     map[string]struct{}
	buffer     *ResumeBuffer
	pending    []domain.Event
	overflowed bool
	notify     chan struct{}
	link       Link
	gen        uint64
	expiry     *time.Timer
	lastBeat   time.Time
	detachedAt time.Time
}

func New(id, userID string, guilds []string, opts Options) *Session {
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	s := &Session{
		id:        id,
		userID:    userID,
		createdAt: time.Now(),
		queueSize: opts.QueueSize,
		state:     StateConnecting,
		guilds:    make(map[string]struct{}, len(guilds)),
		buffer:    NewResumeBuffer(opts.BufferSize),
		notify:    make(chan struct{}, 1),
	}
	for _, g := range guilds {
		s.guilds[g] = struct{}{}
	}
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) UserID() string       { return s.userID }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Seq is the last sequence number assigned to this session.
func (s *Session) Seq() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Last()
}

func (s *Session) Guilds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.guilds))
	for g := range s.guilds {
		out = append(out, g)
	}
	return out
}

func (s *Session) HasGuild(guildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.guilds[guildID]
	return ok
}

// Link returns the attached transport, nil while detached.
func (s *Session) Link() Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link
}

// Notify fires whenever the current link has pending events to drain. The
// channel is replaced on every attach.
func (s *Session) Notify() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notify
}

func (s *Session) Touch(at time.Time) {
	s.mu.Lock()
	s.lastBeat = at
	s.mu.Unlock()
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBeat
}

func (s *Session) DetachedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detachedAt
}

// Gen changes every time the session detaches.
func (s *Session) Gen() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen
}

func (s *Session) setStateLocked(to State) error {
	if !CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrIllegalTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Activate completes IDENTIFY: Connecting -> Identified on link.
func (s *Session) Activate(link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setStateLocked(StateIdentified); err != nil {
		return err
	}
	s.link = link
	s.lastBeat = time.Now()
	return nil
}

// Deliver routes one event into the session. While attached the event is
// queued for the writer; while detached it goes straight into the resume
// buffer. Connecting and Expired sessions drop it.
func (s *Session) Deliver(evt domain.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdentified, StateResuming:
		if s.overflowed {
			s.buffer.Append(evt.Name, evt.Payload)
			return true
		}
		if len(s.pending) >= s.queueSize {
			s.sealLocked()
			s.buffer.Append(evt.Name, evt.Payload)
			s.overflowed = true
			s.signalLocked()
			return true
		}
		s.pending = append(s.pending, evt)
		s.signalLocked()
		return true
	case StateDisconnected:
		s.buffer.Append(evt.Name, evt.Payload)
		return true
	}
	return false
}

func (s *Session) signalLocked() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// sealLocked moves queued events into the buffer, assigning their sequences.
func (s *Session) sealLocked() []Entry {
	if len(s.pending) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(s.pending))
	for _, evt := range s.pending {
		out = append(out, s.buffer.Append(evt.Name, evt.Payload))
	}
	clear(s.pending)
	s.pending = s.pending[:0]
	return out
}

// Drain hands the writer of link everything queued so far, sequenced and
// already recorded in the resume buffer. It fails once link is stale or the
// queue overflowed, after which the writer must stop.
func (s *Session) Drain(link Link) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.link != link {
		return nil, ErrStaleLink
	}
	if s.overflowed {
		return nil, ErrOverflow
	}
	return s.sealLocked(), nil
}

// Detach records transport loss for link. It is a no-op, returning false,
// when link is not the attached one.
func (s *Session) Detach(link Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil || s.link != link {
		return false
	}
	if err := s.setStateLocked(StateDisconnected); err != nil {
		return false
	}
	s.sealLocked()
	s.link = nil
	s.overflowed = false
	s.gen++
	s.detachedAt = time.Now()
	return true
}

// Attach binds a resuming link and returns the events after seq to replay.
// The session stays Resuming until Resumed is called.
func (s *Session) Attach(link Link, seq int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected {
		return nil, fmt.Errorf("%w: session is %s", domain.ErrUnknownSession, s.state)
	}
	entries, ok := s.buffer.Since(seq)
	if !ok {
		return nil, fmt.Errorf("%w: seq %d outside [%d, %d]",
			domain.ErrResumeWindowExpired, seq, s.buffer.Oldest()-1, s.buffer.Last())
	}
	if err := s.setStateLocked(StateResuming); err != nil {
		return nil, err
	}
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	s.link = link
	s.notify = make(chan struct{}, 1)
	s.lastBeat = time.Now()
	return entries, nil
}

// Resumed finishes the replay: Resuming -> Identified.
func (s *Session) Resumed(link Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link != link {
		return ErrStaleLink
	}
	if err := s.setStateLocked(StateIdentified); err != nil {
		return err
	}
	if len(s.pending) > 0 {
		s.signalLocked()
	}
	return nil
}

// Expire makes the session terminal and returns what it was attached to.
func (s *Session) Expire() (prev State, link Link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expireLocked()
}

// ExpireIfIdle expires the session only if it is still Disconnected in
// generation gen.
func (s *Session) ExpireIfIdle(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected || s.gen != gen {
		return false
	}
	s.expireLocked()
	return true
}

func (s *Session) expireLocked() (State, Link) {
	prev, link := s.state, s.link
	if prev == StateExpired {
		return prev, nil
	}
	s.state = StateExpired
	s.link = nil
	s.pending = nil
	s.buffer.Reset()
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry = nil
	}
	return prev, link
}

// SetExpiry installs the retention timer, replacing any previous one.
func (s *Session) SetExpiry(t *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.expiry = t
}

// AddGuild and RemoveGuild are called by the registry under its own lock.
func (s *Session) AddGuild(guildID string) {
	s.mu.Lock()
	s.guilds[guildID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) RemoveGuild(guildID string) {
	s.mu.Lock()
	delete(s.guilds, guildID)
	s.mu.Unlock()
}

// Info is a point-in-time view for admin listings.
type Info struct {
	ID         string    `json:"session_id"`
	UserID     string    `json:"user_id"`
	State      string    `json:"state"`
	Seq        int64     `json:"seq"`
	Buffered   int       `json:"buffered"`
	Guilds     int       `json:"guilds"`
	CreatedAt  time.Time `json:"created_at"`
	LastBeatAt time.Time `json:"last_heartbeat_at"`
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		UserID:     s.userID,
		State:      s.state.String(),
		Seq:        s.buffer.Last(),
		Buffered:   s.buffer.Len(),
		Guilds:     len(s.guilds),
		CreatedAt:  s.createdAt,
		LastBeatAt: s.lastBeat,
	}
}
