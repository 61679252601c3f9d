package domain

import "encoding/json"

// Gateway version advertised in READY.
const GatewayVersion = 6

type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpStatusUpdate        Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
	OpGuildSync           Opcode = 12
)

// CloseCode is a websocket close status sent to misbehaving clients.
type CloseCode int

const (
	CloseNormal           CloseCode = 1000
	CloseGoingAway        CloseCode = 1001
	CloseUnknownError     CloseCode = 4000
	CloseUnknownOpcode    CloseCode = 4001
	CloseDecodeError      CloseCode = 4002
	CloseNotAuthenticated CloseCode = 4003
	CloseAuthFailed       CloseCode = 4004
	CloseAlreadyAuth      CloseCode = 4005
	CloseInvalidSeq       CloseCode = 4007
	CloseHandshakeTimeout CloseCode = 4008
	CloseSessionTimeout   CloseCode = 4009
)

var closeReasons = map[CloseCode]string{
	CloseNormal:           "Normal closure",
	CloseGoingAway:        "Going away",
	CloseUnknownError:     "Unknown error",
	CloseUnknownOpcode:    "Unknown OP code",
	CloseDecodeError:      "Decode error",
	CloseNotAuthenticated: "Not authenticated",
	CloseAuthFailed:       "Failed to authenticate",
	CloseAlreadyAuth:      "Already identified",
	CloseInvalidSeq:       "Invalid sequence",
	CloseHandshakeTimeout: "Handshake timed out",
	CloseSessionTimeout:   "Session timed out",
}

func (c CloseCode) Reason() string {
	if r, ok := closeReasons[c]; ok {
		return r
	}
	return closeReasons[CloseUnknownError]
}

// Dispatch event names.
const (
	EventReady             = "READY"
	EventResumed           = "RESUMED"
	EventPresenceUpdate    = "PRESENCE_UPDATE"
	EventMessageCreate     = "MESSAGE_CREATE"
	EventChannelCreate     = "CHANNEL_CREATE"
	EventGuildCreate       = "GUILD_CREATE"
	EventGuildDelete       = "GUILD_DELETE"
	EventGuildMemberAdd    = "GUILD_MEMBER_ADD"
	EventGuildMemberRemove = "GUILD_MEMBER_REMOVE"
	EventGuildMembersChunk = "GUILD_MEMBERS_CHUNK"
	EventGuildSync         = "GUILD_SYNC"
	EventVoiceStateUpdate  = "VOICE_STATE_UPDATE"
)

// Frame is the envelope of every gateway message in both directions.
type Frame struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s"`
	Name *string         `json:"t"`
}

// NewFrame builds a non-dispatch frame.
func NewFrame(op Opcode, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Op: op, Data: raw})
}

// NewDispatchFrame builds an OP 0 frame. A nil seq encodes as null.
func NewDispatchFrame(name string, seq *int64, payload json.RawMessage) ([]byte, error) {
	if payload == nil {
		payload = json.RawMessage("null")
	}
	return json.Marshal(Frame{Op: OpDispatch, Data: payload, Seq: seq, Name: &name})
}

type Hello struct {
	HeartbeatInterval int64    `json:"heartbeat_interval"`
	Trace             []string `json:"_trace"`
}

type Identify struct {
	Token      string            `json:"token"`
	Properties map[string]string `json:"properties"`
	Presence   *StatusUpdate     `json:"presence,omitempty"`
}

type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

type StatusUpdate struct {
	Status Status    `json:"status"`
	AFK    bool      `json:"afk"`
	Since  *int64    `json:"since"`
	Game   *Activity `json:"game"`
}

type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

type VoiceState struct {
	VoiceStateUpdate
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type RequestGuildMembers struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

type GuildMembersChunk struct {
	GuildID string   `json:"guild_id"`
	Members []Member `json:"members"`
}

type GuildSync struct {
	ID        string           `json:"id"`
	Presences []PresenceUpdate `json:"presences"`
	Members   []Member         `json:"members"`
}

type Ready struct {
	Version   int              `json:"v"`
	User      User             `json:"user"`
	Guilds    []GuildSnapshot  `json:"guilds"`
	SessionID string           `json:"session_id"`
	Presences []PresenceUpdate `json:"presences"`
	Trace     []string         `json:"_trace"`
}

type Resumed struct {
	Trace []string `json:"_trace"`
}
