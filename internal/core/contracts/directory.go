package contracts

import (
	"context"
	"hearth/internal/core/domain"
)

// Directory is the read side of the storage collaborator as seen by the
// gateway. Implementations wrap driver failures in domain.ErrStorageUnavailable.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	// Snapshot returns the guilds visible to the user at this instant.
	Snapshot(ctx context.Context, userID string) ([]domain.GuildSnapshot, error)
	Members(ctx context.Context, guildID string) ([]domain.Member, error)
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
}

// DeliveryFilter is the opt-out predicate consulted before guild-targeted
// delivery. Blocked reports whether recipient must not observe events caused
// by source.
type DeliveryFilter interface {
	Blocked(ctx context.Context, recipientID, sourceID string) (bool, error)
}
