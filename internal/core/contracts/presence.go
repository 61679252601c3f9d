package contracts

import (
	"context"
	"hearth/internal/core/domain"
)

// PresenceStore mirrors tracker state for readers outside the gateway process.
type PresenceStore interface {
	// SavePresence writes the user's current presence and online marker.
	SavePresence(ctx context.Context, p domain.Presence) error
	GetPresence(ctx context.Context, userID string) (domain.Presence, error)
	// OnlineUsers returns the user ids currently marked online.
	OnlineUsers(ctx context.Context) ([]string, error)
}

// MembershipObserver is told about guild joins and leaves as the dispatcher
// applies them.
type MembershipObserver interface {
	Join(userID, guildID string)
	Leave(userID, guildID string)
}
