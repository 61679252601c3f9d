package services

import (
	"context"
	"errors"
	"fmt"
	"hearth/internal/core/domain"
	"log/slog"
)

// DirectoryService answers the gateway's read queries and the opt-out
// predicate from the repositories. Not-found sentinels pass through; every
// other repository failure is reported as domain.ErrStorageUnavailable.
type DirectoryService struct {
	log    *slog.Logger
	users  domain.UserRepository
	guilds domain.GuildRepository
	blocks domain.BlockRepository
}

func NewDirectoryService(
	log *slog.Logger,
	users domain.UserRepository,
	guilds domain.GuildRepository,
	blocks domain.BlockRepository,
) *DirectoryService {
	return &DirectoryService{
		log:    log,
		users:  users,
		guilds: guilds,
		blocks: blocks,
	}
}

func (s *DirectoryService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	u, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, s.storageErr(ctx, "get user", err)
	}
	return u, nil
}

func (s *DirectoryService) Snapshot(ctx context.Context, userID string) ([]domain.GuildSnapshot, error) {
	guilds, err := s.guilds.GuildsForUser(ctx, userID)
	if err != nil {
		return nil, s.storageErr(ctx, "snapshot", err)
	}
	out := make([]domain.GuildSnapshot, 0, len(guilds))
	for _, g := range guilds {
		channels, err := s.guilds.Channels(ctx, g.ID)
		if err != nil {
			return nil, s.storageErr(ctx, "snapshot", err)
		}
		members, err := s.guilds.Members(ctx, g.ID)
		if err != nil {
			return nil, s.storageErr(ctx, "snapshot", err)
		}
		out = append(out, domain.GuildSnapshot{
			Guild:       g,
			Channels:    channels,
			Members:     members,
			MemberCount: len(members),
		})
	}
	return out, nil
}

func (s *DirectoryService) Members(ctx context.Context, guildID string) ([]domain.Member, error) {
	members, err := s.guilds.Members(ctx, guildID)
	if err != nil {
		return nil, s.storageErr(ctx, "members", err)
	}
	return members, nil
}

func (s *DirectoryService) IsMember(ctx context.Context, guildID, userID string) (bool, error) {
	ok, err := s.guilds.IsMember(ctx, guildID, userID)
	if err != nil {
		return false, s.storageErr(ctx, "is member", err)
	}
	return ok, nil
}

// Blocked reports whether recipient has opted out of events caused by source.
func (s *DirectoryService) Blocked(ctx context.Context, recipientID, sourceID string) (bool, error) {
	if recipientID == sourceID {
		return false, nil
	}
	ok, err := s.blocks.IsBlocked(ctx, recipientID, sourceID)
	if err != nil {
		return false, s.storageErr(ctx, "blocked", err)
	}
	return ok, nil
}

func (s *DirectoryService) storageErr(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrGuildNotFound),
		errors.Is(err, domain.ErrChannelNotFound),
		errors.Is(err, domain.ErrInvalidUserID),
		errors.Is(err, context.Canceled):
		return err
	}
	s.log.ErrorContext(ctx, "directory - "+op+" - storage failed", "error", err)
	return fmt.Errorf("%w: %s: %v", domain.ErrStorageUnavailable, op, err)
}
