package services

import (
	"context"
	"fmt"
	"hearth/internal/core/contracts"
	"hearth/internal/core/domain"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxContentLength = 2000
	maxHistoryLimit  = 100
)

type MessageService struct {
	log    *slog.Logger
	repo   domain.MessageRepository
	guilds domain.GuildRepository
	pub    contracts.Publisher
}

func NewMessageService(
	log *slog.Logger,
	repo domain.MessageRepository,
	guilds domain.GuildRepository,
	pub contracts.Publisher,
) *MessageService {
	return &MessageService{
		log:    log,
		repo:   repo,
		guilds: guilds,
		pub:    pub,
	}
}

// Post persists a message and dispatches MESSAGE_CREATE to the channel's guild.
func (s *MessageService) Post(ctx context.Context, authorID, channelID, content string) (*domain.Message, error) {
	ctx, span := tracer.Start(ctx, "MessageService.Post", trace.WithAttributes(
		attribute.String("user_id", authorID),
		attribute.String("channel_id", channelID),
	))
	defer span.End()
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, domain.ErrEmptyContent
	}
	if len(content) > maxContentLength {
		return nil, fmt.Errorf("%w: content exceeds %d characters", domain.ErrInvalidEvent, maxContentLength)
	}
	ch, err := s.channelFor(ctx, channelID, authorID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	msg := &domain.Message{
		ID:        domain.NewID(),
		ChannelID: ch.ID,
		GuildID:   ch.GuildID,
		AuthorID:  authorID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.SaveMessage(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save failed")
		s.log.ErrorContext(ctx, "messages - post - save message failed", "channel_id", ch.ID, "err", err)
		return nil, err
	}
	evt, err := domain.NewEvent(domain.EventMessageCreate, domain.ToGuild(ch.GuildID), msg)
	if err != nil {
		return nil, err
	}
	if err := s.pub.Publish(ctx, evt.From(authorID)); err != nil {
		span.RecordError(err)
		s.log.ErrorContext(ctx, "messages - post - publish failed", "message_id", msg.ID, "err", err)
		return msg, fmt.Errorf("publish %s: %w", domain.EventMessageCreate, err)
	}
	s.log.InfoContext(ctx, "messages - post - success", "message_id", msg.ID, "guild_id", ch.GuildID)
	span.SetStatus(codes.Ok, "posted")
	return msg, nil
}

// History returns up to limit recent messages, oldest first.
func (s *MessageService) History(ctx context.Context, userID, channelID string, limit int) ([]domain.Message, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	ch, err := s.channelFor(ctx, channelID, userID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.repo.RecentMessages(ctx, ch.ID, limit)
	if err != nil {
		s.log.ErrorContext(ctx, "messages - history - recent messages failed", "channel_id", ch.ID, "err", err)
		return nil, err
	}
	return msgs, nil
}

func (s *MessageService) channelFor(ctx context.Context, channelID, userID string) (*domain.Channel, error) {
	ch, err := s.guilds.GetChannelByID(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ok, err := s.guilds.IsMember(ctx, ch.GuildID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrNotMember
	}
	return ch, nil
}
