package domain

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a time-ordered identifier for persisted entities.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// User represents an account that may hold several gateway sessions.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

func NewUser(username string) *User {
	return &User{
		ID:        NewID(),
		Username:  username,
		CreatedAt: time.Now().UTC(),
	}
}

// Guild is a community whose members observe each other's events.
type Guild struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
}

func NewGuild(name, ownerID string) *Guild {
	return &Guild{
		ID:        NewID(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
	}
}

// Member binds a user to a guild.
type Member struct {
	GuildID  string    `json:"guild_id"`
	User     User      `json:"user"`
	JoinedAt time.Time `json:"joined_at"`
}

// Channel is a text channel inside a guild.
type Channel struct {
	ID        string    `json:"id"`
	GuildID   string    `json:"guild_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func NewChannel(guildID, name string) *Channel {
	return &Channel{
		ID:        NewID(),
		GuildID:   guildID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
}

// Message is a chat entry posted to a channel.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	GuildID   string    `json:"guild_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GuildSnapshot is the READY view of a guild at identify time.
type GuildSnapshot struct {
	Guild
	Channels    []Channel `json:"channels"`
	Members     []Member  `json:"members"`
	MemberCount int       `json:"member_count"`
}
