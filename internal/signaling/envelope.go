package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/playmesh/signal-relay/internal/room"
)

// Type tags every envelope on the wire.
type Type string

const (
	// Client-originated.
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"

	// Server-originated.
	TypeWelcome     Type = "welcome"
	TypeRoomCreated Type = "room-created"
	TypeRoomJoined  Type = "room-joined"
	TypePeerJoined  Type = "peer-joined"
	TypePeerLeft    Type = "peer-left"
	TypeError       Type = "error"
)

// IsNegotiation reports whether the type is a peer-to-peer negotiation
// message the relay forwards without interpreting.
func (t Type) IsNegotiation() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Envelope is one discrete signaling message. Data is opaque to the relay for
// negotiation envelopes; unknown fields are ignored so newer clients can
// extend the protocol without breaking older relays.
type Envelope struct {
	Type     Type            `json:"type"`
	SenderID string          `json:"senderId,omitempty"`
	RoomID   string          `json:"roomId,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// join-room actions.
const (
	ActionCreate = "create"
	ActionJoin   = "join"
)

// RoomSettings is the client-supplied configuration for a new room.
type RoomSettings struct {
	Name       string `json:"name"`
	MaxPlayers int    `json:"maxPlayers"`
	IsPrivate  bool   `json:"isPrivate"`
}

// JoinRoomData is the payload of a join-room envelope.
type JoinRoomData struct {
	Action   string        `json:"action"`
	RoomData *RoomSettings `json:"roomData,omitempty"`
}

// RoomCreatedData is sent to the creator only.
type RoomCreatedData struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	HostID     string `json:"hostId"`
	MaxPlayers int    `json:"maxPlayers"`
	IsPrivate  bool   `json:"isPrivate"`
}

// RoomJoinedData is sent to a joiner and carries the member snapshot it needs
// to start negotiating with existing peers.
type RoomJoinedData struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Host       string        `json:"host"`
	Players    []room.Member `json:"players"`
	MaxPlayers int           `json:"maxPlayers"`
	IsPrivate  bool          `json:"isPrivate"`
}

// PeerData identifies a peer in peer-joined broadcasts.
type PeerData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// WelcomeData carries the server-assigned connection identity.
type WelcomeData struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ErrorData is the payload of an error envelope.
type ErrorData struct {
	Message string `json:"message"`
}

// errInvalidFormat is the client-facing message for any parse or shape
// failure. Kept deliberately generic; details go to the log, not the wire.
const errInvalidFormat = "invalid message format"

// ParseEnvelope decodes an inbound frame. It only checks the envelope shape;
// per-type payload validation happens in the router.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope missing type tag")
	}
	return env, nil
}

func errorEnvelope(message string) Envelope {
	return Envelope{Type: TypeError, Data: mustData(ErrorData{Message: message})}
}

// mustData marshals a server-built payload. The payload types above are all
// marshalable by construction, so a failure is a programming error.
func mustData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("signaling: marshal %T: %v", v, err))
	}
	return b
}
