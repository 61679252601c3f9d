package domain

import "time"

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusDND     Status = "dnd"
	StatusOffline Status = "offline"
)

// Valid reports whether a client may request this status.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDND, StatusOffline:
		return true
	}
	return false
}

// Activity is the optional "playing ..." descriptor attached to a presence.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// Presence is the user-wide status aggregated over all of the user's sessions.
// Status is offline iff SessionCount is zero.
type Presence struct {
	UserID       string    `json:"user_id"`
	Status       Status    `json:"status"`
	Activity     *Activity `json:"game"`
	SessionCount int       `json:"-"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OfflinePresence is what every user looks like before their first session.
func OfflinePresence(userID string) Presence {
	return Presence{UserID: userID, Status: StatusOffline}
}

// PresenceUpdate is the PRESENCE_UPDATE dispatch payload.
type PresenceUpdate struct {
	User     PartialUser `json:"user"`
	GuildID  string      `json:"guild_id,omitempty"`
	Status   Status      `json:"status"`
	Activity *Activity   `json:"game"`
}

type PartialUser struct {
	ID string `json:"id"`
}
