package ports

import (
	"context"
	"encoding/json"

	"nexusvoice/internal/core/domain"
)

// Messenger is the outbound half of the real-time channel, implemented by
// the transport layer. Delivery is at-most-once: a unicast to a connection
// that no longer exists is silently dropped.
type Messenger interface {
	// Subscribe and Unsubscribe manage a connection's room topic. The
	// coordinator drives these, including detaching a stale connection it
	// is evicting.
	Subscribe(connID domain.ConnID, roomID domain.RoomID)
	Unsubscribe(connID domain.ConnID, roomID domain.RoomID)
	Unicast(connID domain.ConnID, event string, payload interface{})
	// Multicast delivers to every subscriber of roomID except exclude
	// (which may be empty).
	Multicast(roomID domain.RoomID, exclude domain.ConnID, event string, payload interface{})
	// Presence delivers a room membership update to sidebar subscribers,
	// independent of room membership.
	Presence(event string, payload interface{})
}

// JoinResult is what the joiner gets back: its seat plus the roster that
// existed before it (same-identity connections excluded).
type JoinResult struct {
	RoomID    domain.RoomID   `json:"room_id"`
	Peers     []domain.Member `json:"peers"`
	SeatIndex int             `json:"my_seat"`
}

// VoiceService is the signaling coordinator: join/leave choreography,
// roster ownership, presence snapshots. Opaque offer/answer/ice relay is
// intentionally not here — the transport forwards those without the
// coordinator inspecting them.
type VoiceService interface {
	Join(ctx context.Context, roomID domain.RoomID, member domain.Member) (*JoinResult, error)
	Leave(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error
	// Disconnect removes the connection from every room it belongs to.
	Disconnect(ctx context.Context, connID domain.ConnID) error
	// Snapshot returns the membership of all non-empty rooms.
	Snapshot(ctx context.Context) ([]domain.RoomSnapshot, error)
	// RefreshPresence re-broadcasts one room's membership (keep-alive path).
	RefreshPresence(ctx context.Context, roomID domain.RoomID) error
	// Members returns the current roster of one room.
	Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error)
}

// RelayPayload is the opaque body of a forwarded signaling message. The
// coordinator never parses SDP or candidate content.
type RelayPayload = json.RawMessage
