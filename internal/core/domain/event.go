package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type TargetKind string

const (
	TargetUser      TargetKind = "user"
	TargetGuild     TargetKind = "guild"
	TargetBroadcast TargetKind = "broadcast"
)

// Target is the routing criterion of an event.
type Target struct {
	Kind TargetKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

func ToUser(userID string) Target   { return Target{Kind: TargetUser, ID: userID} }
func ToGuild(guildID string) Target { return Target{Kind: TargetGuild, ID: guildID} }
func ToEveryone() Target            { return Target{Kind: TargetBroadcast} }

func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser, TargetGuild:
		if t.ID == "" {
			return fmt.Errorf("%w: %s target without id", ErrInvalidEvent, t.Kind)
		}
		return nil
	case TargetBroadcast:
		return nil
	}
	return fmt.Errorf("%w: unknown target kind %q", ErrInvalidEvent, t.Kind)
}

// MembershipChange travels with member add/remove events so routing can
// refresh guild subscriptions in the same dispatch.
type MembershipChange struct {
	UserID  string `json:"user_id"`
	GuildID string `json:"guild_id"`
	Joined  bool   `json:"joined"`
}

// Event is immutable once built; the session-local sequence is assigned per
// recipient at delivery.
type Event struct {
	ID         string            `json:"id"`
	Name       string            `json:"t"`
	Payload    json.RawMessage   `json:"d"`
	Target     Target            `json:"target"`
	SourceID   string            `json:"source_id,omitempty"`
	Membership *MembershipChange `json:"membership,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// NewEvent marshals payload and stamps the event.
func NewEvent(name string, target Target, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return Event{
		ID:        NewID(),
		Name:      name,
		Payload:   raw,
		Target:    target,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// From records the user who caused the event, for opt-out filtering.
func (e Event) From(userID string) Event {
	e.SourceID = userID
	return e
}

func (e Event) WithMembership(m MembershipChange) Event {
	e.Membership = &m
	return e
}

func (e Event) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidEvent)
	}
	return e.Target.Validate()
}

// DecodeEvent parses an event that crossed a process boundary.
func DecodeEvent(raw []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
