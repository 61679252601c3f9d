package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hearth/internal/app/presence"
	"hearth/internal/app/session"
	"hearth/internal/core/domain"
	"hearth/pkg/logging"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errConnClosed = errors.New("gateway: connection closed")

// conn is one transport's view of the protocol. It is the session.Link of
// the session it identifies or resumes.
type conn struct {
	engine    *Engine
	transport Transport
	log       *slog.Logger
	heartbeat *HeartbeatMonitor

	sess       atomic.Pointer[session.Session]
	wmu        sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}
}

func newConn(e *Engine, t Transport) *conn {
	return &conn{
		engine:    e,
		transport: t,
		log:       e.log,
		closed:    make(chan struct{}),
	}
}

func (c *conn) current() *session.Session { return c.sess.Load() }

// Close implements session.Link.
func (c *conn) Close(code domain.CloseCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.transport.Close(code, reason); err != nil {
			c.log.Debug("gateway - close - transport close failed", logging.Err(err))
		}
	})
}

func (c *conn) write(ctx context.Context, frame []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	return c.transport.Write(ctx, frame)
}

func (c *conn) writeEntry(ctx context.Context, e session.Entry) error {
	seq := e.Seq
	frame, err := domain.NewDispatchFrame(e.Name, &seq, e.Payload)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *conn) run(ctx context.Context) error {
	for {
		raw, err := c.transport.Read(ctx)
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			var ce *domain.CloseError
			if errors.As(err, &ce) {
				c.Close(ce.Code, ce.Reason)
			}
			return err
		}
		if err := c.handle(ctx, raw); err != nil {
			ce := closeFor(err, domain.CloseUnknownError)
			c.log.Info("gateway - run - closing connection",
				logging.Close(int(ce.Code), ce.Reason),
				logging.Err(ce.Err),
			)
			c.Close(ce.Code, ce.Reason)
			return ce
		}
	}
}

// finish waits for the writer, then detaches the session so it can be
// resumed.
func (c *conn) finish(ctx context.Context) {
	c.Close(domain.CloseNormal, domain.CloseNormal.Reason())
	if c.writerDone != nil {
		<-c.writerDone
	}
	if s := c.current(); s != nil {
		c.engine.detach(ctx, s, c)
	}
}

func (c *conn) startWriter(ctx context.Context, s *session.Session) {
	c.writerDone = make(chan struct{})
	notify := s.Notify()
	go func() {
		defer close(c.writerDone)
		for {
			select {
			case <-c.closed:
				return
			case <-notify:
			}
			entries, err := s.Drain(c)
			if err != nil {
				if errors.Is(err, session.ErrOverflow) {
					c.log.Warn("gateway - writer - outbound queue overflow",
						logging.Session(s.ID()),
						logging.Sequence(s.Seq()),
					)
					c.Close(domain.CloseUnknownError, "outbound queue overflow")
				}
				return
			}
			for _, e := range entries {
				if err := c.writeEntry(ctx, e); err != nil {
					if !errors.Is(err, errConnClosed) {
						c.log.Debug("gateway - writer - write failed", logging.Session(s.ID()), logging.Err(err))
						c.Close(domain.CloseUnknownError, "write failed")
					}
					return
				}
			}
		}
	}()
}

func decode(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.NewCloseError(domain.CloseDecodeError, fmt.Errorf("%w: %v", domain.ErrProtocolViolation, err))
	}
	return nil
}

func protocolViolation(code domain.CloseCode, format string, args ...any) error {
	return domain.NewCloseError(code, fmt.Errorf("%w: "+format, append([]any{domain.ErrProtocolViolation}, args...)...))
}

func (c *conn) handle(ctx context.Context, raw []byte) error {
	var f domain.Frame
	if err := decode(raw, &f); err != nil {
		return err
	}

	s := c.current()
	if s == nil {
		switch f.Op {
		case domain.OpIdentify:
			return c.identify(ctx, f.Data)
		case domain.OpResume:
			return c.resume(ctx, f.Data)
		case domain.OpHeartbeat, domain.OpStatusUpdate, domain.OpVoiceStateUpdate,
			domain.OpRequestGuildMembers, domain.OpGuildSync:
			return protocolViolation(domain.CloseNotAuthenticated, "op %d before identify", f.Op)
		}
		return protocolViolation(domain.CloseUnknownOpcode, "op %d", f.Op)
	}

	switch f.Op {
	case domain.OpHeartbeat:
		return c.beat(ctx, s)
	case domain.OpIdentify, domain.OpResume:
		return protocolViolation(domain.CloseAlreadyAuth, "op %d on identified connection", f.Op)
	case domain.OpStatusUpdate:
		return c.statusUpdate(ctx, s, f.Data)
	case domain.OpVoiceStateUpdate:
		return c.voiceStateUpdate(ctx, s, f.Data)
	case domain.OpRequestGuildMembers:
		return c.requestGuildMembers(ctx, s, f.Data)
	case domain.OpGuildSync:
		return c.guildSync(ctx, s, f.Data)
	}
	return protocolViolation(domain.CloseUnknownOpcode, "op %d", f.Op)
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func (c *conn) identify(ctx context.Context, raw json.RawMessage) error {
	e := c.engine
	ctx, span := tracer.Start(ctx, "Engine.Identify")
	defer span.End()

	var p domain.Identify
	if err := decode(raw, &p); err != nil {
		return err
	}
	if p.Token == "" {
		return domain.NewCloseError(domain.CloseAuthFailed, fmt.Errorf("%w: missing token", domain.ErrAuthFailure))
	}

	userID, err := e.auth.Authenticate(ctx, p.Token)
	if err != nil {
		fail(span, err, "authenticate")
		return closeFor(authErr(err), domain.CloseAuthFailed)
	}
	span.SetAttributes(attribute.String("user.id", userID))

	if e.admit != nil {
		if err := e.admit(ctx, userID); err != nil {
			fail(span, err, "admission")
			return domain.NewCloseError(domain.CloseUnknownError, err)
		}
	}

	user, err := e.dir.GetUser(ctx, userID)
	if err != nil {
		fail(span, err, "load user")
		if errors.Is(err, domain.ErrUserNotFound) {
			return domain.NewCloseError(domain.CloseAuthFailed, fmt.Errorf("%w: %v", domain.ErrAuthFailure, err))
		}
		return closeFor(err, domain.CloseUnknownError)
	}
	res := e.registry.Reserve(userID)
	committed := false
	defer func() {
		if !committed {
			e.registry.Release(res)
		}
	}()
	guilds, err := e.dir.Snapshot(ctx, userID)
	if err != nil {
		fail(span, err, "load guilds")
		return closeFor(err, domain.CloseUnknownError)
	}

	guildIDs := make([]string, 0, len(guilds))
	memberIDs := make(map[string]struct{})
	for _, g := range guilds {
		guildIDs = append(guildIDs, g.ID)
		for _, m := range g.Members {
			if m.User.ID != userID {
				memberIDs[m.User.ID] = struct{}{}
			}
		}
	}

	s := session.New(session.NewID(), userID, guildIDs, session.Options{
		BufferSize: e.cfg.ResumeBufferSize,
		QueueSize:  e.cfg.OutboundQueueSize,
	})
	if err := s.Activate(c); err != nil {
		return domain.NewCloseError(domain.CloseUnknownError, err)
	}

	initial := p.Presence
	if initial != nil && (!initial.Status.Valid() || initial.Status == domain.StatusOffline) {
		initial = nil
	}
	// presence first, so the new session does not receive its own online event
	c.log = c.log.With(logging.Session(s.ID()), logging.User(userID))
	e.presence.Connect(ctx, userID, guildIDs, initial)
	e.registry.Commit(res, s)
	committed = true
	c.sess.Store(s)
	c.heartbeat.Start()

	ready := domain.Ready{
		Version:   domain.GatewayVersion,
		User:      *user,
		Guilds:    guilds,
		SessionID: s.ID(),
		Presences: c.presences(keys(memberIDs), ""),
		Trace:     e.trace,
	}
	payload, err := json.Marshal(ready)
	if err != nil {
		return err
	}
	var zero int64
	frame, err := domain.NewDispatchFrame(domain.EventReady, &zero, payload)
	if err != nil {
		return err
	}
	if err := c.write(ctx, frame); err != nil {
		return err
	}
	c.startWriter(ctx, s)

	span.SetAttributes(attribute.String("session.id", s.ID()))
	c.log.Info("gateway - identify - ready", slog.Int("guilds", len(guilds)))
	return nil
}

func (c *conn) resume(ctx context.Context, raw json.RawMessage) error {
	e := c.engine
	ctx, span := tracer.Start(ctx, "Engine.Resume")
	defer span.End()

	var p domain.Resume
	if err := decode(raw, &p); err != nil {
		return err
	}
	span.SetAttributes(attribute.String("session.id", p.SessionID), attribute.Int64("seq", p.Seq))

	userID, err := e.auth.Authenticate(ctx, p.Token)
	if err != nil {
		if errors.Is(err, domain.ErrStorageUnavailable) {
			fail(span, err, "authenticate")
			return closeFor(err, domain.CloseUnknownError)
		}
		return c.invalidate(ctx, span, authErr(err))
	}

	s, ok := e.registry.Lookup(p.SessionID)
	if !ok || s.UserID() != userID {
		return c.invalidate(ctx, span, fmt.Errorf("%w: %s", domain.ErrUnknownSession, p.SessionID))
	}

	// a session still attached elsewhere is taken over
	if old := s.Link(); old != nil && s.State() == session.StateIdentified {
		e.detach(ctx, s, old)
		old.Close(domain.CloseUnknownError, "session resumed elsewhere")
	}

	log := c.log
	c.log = c.log.With(logging.Session(s.ID()), logging.User(userID))
	entries, err := s.Attach(c, p.Seq)
	if err != nil {
		c.log = log
		return c.invalidate(ctx, span, err)
	}
	c.sess.Store(s)
	c.heartbeat.Start()
	e.presence.Connect(ctx, userID, s.Guilds(), nil)

	for _, entry := range entries {
		if err := c.writeEntry(ctx, entry); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(domain.Resumed{Trace: e.trace})
	if err != nil {
		return err
	}
	frame, err := domain.NewDispatchFrame(domain.EventResumed, nil, payload)
	if err != nil {
		return err
	}
	if err := c.write(ctx, frame); err != nil {
		return err
	}
	if err := s.Resumed(c); err != nil {
		return domain.NewCloseError(domain.CloseUnknownError, err)
	}
	c.startWriter(ctx, s)

	c.log.Info("gateway - resume - replayed",
		slog.Int64("from_seq", p.Seq),
		slog.Int("replayed", len(entries)),
	)
	return nil
}

// invalidate answers a failed RESUME. The connection stays open and may
// IDENTIFY afresh.
func (c *conn) invalidate(ctx context.Context, span trace.Span, reason error) error {
	span.RecordError(reason)
	c.log.Info("gateway - resume - invalid session", logging.Err(reason))
	frame, err := domain.NewFrame(domain.OpInvalidSession, false)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func authErr(err error) error {
	if errors.Is(err, domain.ErrAuthFailure) || errors.Is(err, domain.ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrAuthFailure, err)
}

func (c *conn) beat(ctx context.Context, s *session.Session) error {
	c.heartbeat.Beat()
	s.Touch(time.Now())
	frame, err := domain.NewFrame(domain.OpHeartbeatAck, nil)
	if err != nil {
		return err
	}
	return c.write(ctx, frame)
}

func (c *conn) statusUpdate(ctx context.Context, s *session.Session, raw json.RawMessage) error {
	var p domain.StatusUpdate
	if err := decode(raw, &p); err != nil {
		return err
	}
	if _, err := c.engine.presence.Update(ctx, s.UserID(), p); err != nil {
		c.log.Warn("gateway - status update - ignored", logging.Err(err))
	}
	return nil
}

func (c *conn) voiceStateUpdate(ctx context.Context, s *session.Session, raw json.RawMessage) error {
	var p domain.VoiceStateUpdate
	if err := decode(raw, &p); err != nil {
		return err
	}
	if !s.HasGuild(p.GuildID) {
		c.log.Warn("gateway - voice state update - not a member", logging.Guild(p.GuildID))
		return nil
	}
	evt, err := domain.NewEvent(domain.EventVoiceStateUpdate, domain.ToGuild(p.GuildID), domain.VoiceState{
		VoiceStateUpdate: p,
		UserID:           s.UserID(),
		SessionID:        s.ID(),
	})
	if err != nil {
		return err
	}
	if err := c.engine.pub.Publish(ctx, evt.From(s.UserID())); err != nil {
		c.log.Error("gateway - voice state update - publish failed", logging.Err(err))
	}
	return nil
}

func (c *conn) requestGuildMembers(ctx context.Context, s *session.Session, raw json.RawMessage) error {
	var p domain.RequestGuildMembers
	if err := decode(raw, &p); err != nil {
		return err
	}
	if !s.HasGuild(p.GuildID) {
		c.log.Warn("gateway - request guild members - not a member", logging.Guild(p.GuildID))
		return nil
	}
	members, err := c.engine.dir.Members(ctx, p.GuildID)
	if err != nil {
		return closeFor(err, domain.CloseUnknownError)
	}

	query := strings.ToLower(p.Query)
	matched := make([]domain.Member, 0, len(members))
	for _, m := range members {
		if p.Limit > 0 && len(matched) == p.Limit {
			break
		}
		if strings.HasPrefix(strings.ToLower(m.User.Username), query) {
			matched = append(matched, m)
		}
	}

	size := c.engine.cfg.MemberChunkSize
	for start := 0; ; start += size {
		end := min(start+size, len(matched))
		if err := c.deliver(s, domain.EventGuildMembersChunk, domain.GuildMembersChunk{
			GuildID: p.GuildID,
			Members: matched[start:end],
		}); err != nil {
			return err
		}
		if end == len(matched) {
			return nil
		}
	}
}

func (c *conn) guildSync(ctx context.Context, s *session.Session, raw json.RawMessage) error {
	var ids []string
	if err := decode(raw, &ids); err != nil {
		return err
	}
	for _, id := range ids {
		if !s.HasGuild(id) {
			continue
		}
		members, err := c.engine.dir.Members(ctx, id)
		if err != nil {
			return closeFor(err, domain.CloseUnknownError)
		}
		userIDs := make([]string, 0, len(members))
		for _, m := range members {
			userIDs = append(userIDs, m.User.ID)
		}
		if err := c.deliver(s, domain.EventGuildSync, domain.GuildSync{
			ID:        id,
			Presences: c.presences(userIDs, id),
			Members:   members,
		}); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends a reply to this session only, through its ordered queue.
func (c *conn) deliver(s *session.Session, name string, payload any) error {
	evt, err := domain.NewEvent(name, domain.ToUser(s.UserID()), payload)
	if err != nil {
		return err
	}
	s.Deliver(evt)
	return nil
}

func (c *conn) presences(userIDs []string, guildID string) []domain.PresenceUpdate {
	online := c.engine.presence.Online(userIDs)
	out := make([]domain.PresenceUpdate, 0, len(online))
	for _, p := range online {
		out = append(out, presence.Payload(p, guildID))
	}
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
