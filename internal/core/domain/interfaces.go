package domain

import "context"

// UserRepository handles persistent identities.
type UserRepository interface {
	GetUserByID(ctx context.Context, id string) (*User, error)
	CreateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error
}

// GuildRepository owns guilds, channels and the membership graph.
type GuildRepository interface {
	CreateGuild(ctx context.Context, g *Guild) error
	GetGuildByID(ctx context.Context, id string) (*Guild, error)
	// GuildsForUser is the user -> guilds half of the membership graph.
	GuildsForUser(ctx context.Context, userID string) ([]Guild, error)
	// Members is the guild -> members half of the membership graph.
	Members(ctx context.Context, guildID string) ([]Member, error)
	IsMember(ctx context.Context, guildID, userID string) (bool, error)
	AddMember(ctx context.Context, guildID, userID string) (*Member, error)
	RemoveMember(ctx context.Context, guildID, userID string) error
	CreateChannel(ctx context.Context, c *Channel) error
	GetChannelByID(ctx context.Context, id string) (*Channel, error)
	Channels(ctx context.Context, guildID string) ([]Channel, error)
}

// MessageRepository persists chat messages.
type MessageRepository interface {
	SaveMessage(ctx context.Context, m *Message) error
	RecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
}

// BlockRepository stores per-user opt-outs used by guild-targeted delivery.
type BlockRepository interface {
	Block(ctx context.Context, userID, blockedID string) error
	Unblock(ctx context.Context, userID, blockedID string) error
	IsBlocked(ctx context.Context, userID, blockedID string) (bool, error)
}
