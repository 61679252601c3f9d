package services

import (
	"context"
	"fmt"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("hearth/services")

// GuildService persists membership changes and raises the matching events.
type GuildService struct {
	log       *slog.Logger
	repo      domain.GuildRepository
	dir       *DirectoryService
	pub       contracts.Publisher
	txManager Transactor
}

func NewGuildService(
	log *slog.Logger,
	repo domain.GuildRepository,
	dir *DirectoryService,
	pub contracts.Publisher,
	txManager Transactor,
) *GuildService {
	return &GuildService{
		log:       log,
		repo:      repo,
		dir:       dir,
		pub:       pub,
		txManager: txManager,
	}
}

func (s *GuildService) CreateGuild(ctx context.Context, ownerID, name string) (*domain.GuildSnapshot, error) {
	ctx, span := tracer.Start(ctx, "GuildService.CreateGuild", trace.WithAttributes(
		attribute.String("user_id", ownerID),
	))
	defer span.End()
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, fmt.Errorf("%w: guild name must be 1-100 characters", domain.ErrInvalidEvent)
	}
	g := domain.NewGuild(name, ownerID)
	general := domain.NewChannel(g.ID, "general")
	var owner *domain.Member
	if err := s.txManager.WithTx(ctx, func(txCtx context.Context) error {
		if err := s.repo.CreateGuild(txCtx, g); err != nil {
			return err
		}
		if err := s.repo.CreateChannel(txCtx, general); err != nil {
			return err
		}
		m, err := s.repo.AddMember(txCtx, g.ID, ownerID)
		owner = m
		return err
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transaction failed")
		s.log.ErrorContext(ctx, "guild - create guild - transaction failed", "user_id", ownerID, "err", err)
		return nil, err
	}
	snap := &domain.GuildSnapshot{
		Guild:       *g,
		Channels:    []domain.Channel{*general},
		Members:     []domain.Member{*owner},
		MemberCount: 1,
	}
	join := domain.MembershipChange{UserID: ownerID, GuildID: g.ID, Joined: true}
	if err := s.publish(ctx, domain.EventGuildCreate, domain.ToUser(ownerID), snap, &join, ""); err != nil {
		span.RecordError(err)
		return snap, err
	}
	s.log.InfoContext(ctx, "guild - create guild - success", "guild_id", g.ID, "user_id", ownerID)
	span.SetStatus(codes.Ok, "created")
	return snap, nil
}

// Join adds userID to the guild. Existing members observe GUILD_MEMBER_ADD,
// the joiner's own sessions additionally receive GUILD_CREATE.
func (s *GuildService) Join(ctx context.Context, guildID, userID string) (*domain.Member, error) {
	ctx, span := tracer.Start(ctx, "GuildService.Join", trace.WithAttributes(
		attribute.String("guild_id", guildID),
		attribute.String("user_id", userID),
	))
	defer span.End()
	if _, err := s.repo.GetGuildByID(ctx, guildID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	m, err := s.repo.AddMember(ctx, guildID, userID)
	if err != nil {
		span.RecordError(err)
		s.log.ErrorContext(ctx, "guild - join - add member failed", "guild_id", guildID, "user_id", userID, "err", err)
		return nil, err
	}
	join := domain.MembershipChange{UserID: userID, GuildID: guildID, Joined: true}
	if err := s.publish(ctx, domain.EventGuildMemberAdd, domain.ToGuild(guildID), m, &join, userID); err != nil {
		span.RecordError(err)
		return m, err
	}
	if snap, err := s.snapshot(ctx, guildID); err == nil {
		if err := s.publish(ctx, domain.EventGuildCreate, domain.ToUser(userID), snap, nil, ""); err != nil {
			span.RecordError(err)
			return m, err
		}
	}
	s.log.InfoContext(ctx, "guild - join - success", "guild_id", guildID, "user_id", userID)
	return m, nil
}

// Leave removes userID from the guild. The leaver's sessions still observe
// GUILD_MEMBER_REMOVE and stop receiving guild events afterwards.
func (s *GuildService) Leave(ctx context.Context, guildID, userID string) error {
	ctx, span := tracer.Start(ctx, "GuildService.Leave", trace.WithAttributes(
		attribute.String("guild_id", guildID),
		attribute.String("user_id", userID),
	))
	defer span.End()
	if err := s.repo.RemoveMember(ctx, guildID, userID); err != nil {
		span.RecordError(err)
		s.log.ErrorContext(ctx, "guild - leave - remove member failed", "guild_id", guildID, "user_id", userID, "err", err)
		return err
	}
	leave := domain.MembershipChange{UserID: userID, GuildID: guildID, Joined: false}
	payload := map[string]any{"guild_id": guildID, "user": domain.PartialUser{ID: userID}}
	if err := s.publish(ctx, domain.EventGuildMemberRemove, domain.ToGuild(guildID), payload, &leave, userID); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.publish(ctx, domain.EventGuildDelete, domain.ToUser(userID), map[string]string{"id": guildID}, nil, ""); err != nil {
		span.RecordError(err)
		return err
	}
	s.log.InfoContext(ctx, "guild - leave - success", "guild_id", guildID, "user_id", userID)
	return nil
}

func (s *GuildService) CreateChannel(ctx context.Context, userID, guildID, name string) (*domain.Channel, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 100 {
		return nil, fmt.Errorf("%w: channel name must be 1-100 characters", domain.ErrInvalidEvent)
	}
	if err := s.requireMember(ctx, guildID, userID); err != nil {
		return nil, err
	}
	ch := domain.NewChannel(guildID, name)
	if err := s.repo.CreateChannel(ctx, ch); err != nil {
		s.log.ErrorContext(ctx, "guild - create channel - save failed", "guild_id", guildID, "err", err)
		return nil, err
	}
	if err := s.publish(ctx, domain.EventChannelCreate, domain.ToGuild(guildID), ch, nil, userID); err != nil {
		return ch, err
	}
	return ch, nil
}

func (s *GuildService) requireMember(ctx context.Context, guildID, userID string) error {
	if _, err := s.repo.GetGuildByID(ctx, guildID); err != nil {
		return err
	}
	ok, err := s.repo.IsMember(ctx, guildID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrNotMember
	}
	return nil
}

func (s *GuildService) snapshot(ctx context.Context, guildID string) (*domain.GuildSnapshot, error) {
	g, err := s.repo.GetGuildByID(ctx, guildID)
	if err != nil {
		return nil, err
	}
	channels, err := s.repo.Channels(ctx, guildID)
	if err != nil {
		return nil, err
	}
	members, err := s.dir.Members(ctx, guildID)
	if err != nil {
		return nil, err
	}
	return &domain.GuildSnapshot{Guild: *g, Channels: channels, Members: members, MemberCount: len(members)}, nil
}

func (s *GuildService) publish(
	ctx context.Context,
	name string,
	target domain.Target,
	payload any,
	membership *domain.MembershipChange,
	sourceID string,
) error {
	evt, err := domain.NewEvent(name, target, payload)
	if err != nil {
		return err
	}
	if membership != nil {
		evt = evt.WithMembership(*membership)
	}
	if sourceID != "" {
		evt = evt.From(sourceID)
	}
	if err := s.pub.Publish(ctx, evt); err != nil {
		s.log.ErrorContext(ctx, "guild - publish - failed", "event", name, "err", err)
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}
