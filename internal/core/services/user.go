package services

import (
	"context"
	"fmt"
	"hearth/internal/core/domain"
	"log/slog"
	"strings"
)

type UserService struct {
	log    *slog.Logger
	repo   domain.UserRepository
	blocks domain.BlockRepository
	tokens *TokenService
}

func NewUserService(
	log *slog.Logger,
	repo domain.UserRepository,
	blocks domain.BlockRepository,
	tokens *TokenService,
) *UserService {
	return &UserService{
		log:    log,
		repo:   repo,
		blocks: blocks,
		tokens: tokens,
	}
}

// Register creates an account and returns it with a gateway token.
func (s *UserService) Register(ctx context.Context, username string) (*domain.User, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || len(username) > 32 {
		return nil, "", fmt.Errorf("%w: username must be 1-32 characters", domain.ErrInvalidUserID)
	}
	user := domain.NewUser(username)
	if err := s.repo.CreateUser(ctx, user); err != nil {
		s.log.ErrorContext(ctx, "user - register - create user failed", "username", username, "err", err)
		return nil, "", err
	}
	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		s.log.ErrorContext(ctx, "user - register - generate token failed", "user_id", user.ID, "err", err)
		return nil, "", err
	}
	s.log.InfoContext(ctx, "user - register - success", "user_id", user.ID)
	return user, token, nil
}

func (s *UserService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	return s.repo.GetUserByID(ctx, userID)
}

// Block hides every guild event caused by blockedID from userID.
func (s *UserService) Block(ctx context.Context, userID, blockedID string) error {
	if userID == blockedID {
		return fmt.Errorf("%w: cannot block yourself", domain.ErrInvalidUserID)
	}
	if _, err := s.repo.GetUserByID(ctx, blockedID); err != nil {
		return err
	}
	if err := s.blocks.Block(ctx, userID, blockedID); err != nil {
		s.log.ErrorContext(ctx, "user - block - save failed", "user_id", userID, "blocked_id", blockedID, "err", err)
		return err
	}
	s.log.InfoContext(ctx, "user - block - success", "user_id", userID, "blocked_id", blockedID)
	return nil
}

func (s *UserService) Unblock(ctx context.Context, userID, blockedID string) error {
	if err := s.blocks.Unblock(ctx, userID, blockedID); err != nil {
		s.log.ErrorContext(ctx, "user - unblock - delete failed", "user_id", userID, "blocked_id", blockedID, "err", err)
		return err
	}
	return nil
}
