package signal

import (
	"encoding/json"

	"nexusvoice/internal/core/domain"
)

// Message is the envelope for every frame on the signaling socket, both
// directions. Payload stays opaque for relayed types: the server forwards
// offer/answer/ice bodies without parsing them.
type Message struct {
	Type    string          `json:"type"`
	RoomID  domain.RoomID   `json:"room_id,omitempty"`
	To      domain.ConnID   `json:"to,omitempty"`
	From    domain.ConnID   `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server message types.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeOffer    = "offer"
	TypeAnswer   = "answer"
	TypeICE      = "ice"
	TypeSpeaking = "speaking"
	TypePing     = "ping"
	TypeStats    = "stats"
	TypeSnapshot = "snapshot"
)

// Server-to-client message types not mirrored from a request. Relayed and
// roster events reuse the constants above plus the coordinator's event
// names (init, peer_joined, peer_left, room_update).
const (
	TypeError = "error"
)

type joinPayload struct {
	RoomID domain.RoomID `json:"room_id"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SpeakingPayload is the voice-activity indicator relayed to room peers.
type SpeakingPayload struct {
	RoomID   domain.RoomID `json:"room_id"`
	Speaking bool          `json:"speaking"`
}

// StatsPayload carries a peer's locally measured RTT so the other side can
// display the counterpart's view of the link.
type StatsPayload struct {
	RoomID domain.RoomID `json:"room_id"`
	RTTMs  *float64      `json:"rtt_ms"`
}
