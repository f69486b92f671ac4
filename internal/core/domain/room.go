package domain

type (
	RoomID string
	ConnID string
	UserID string
)

// SeatCapacity is the number of seats in a voice room. Seat indices are
// integers in [0, SeatCapacity).
const SeatCapacity = 8

// Member is one connection occupying a seat in a voice room. ConnID is
// ephemeral (one per transport connection); UserID is the stable identity.
type Member struct {
	ConnID    ConnID `json:"conn_id"`
	UserID    UserID `json:"user_id"`
	Username  string `json:"username"`
	Avatar    string `json:"avatar,omitempty"`
	SeatIndex int    `json:"seat_index"`
}

// RoomSnapshot is the membership view of one non-empty room, as delivered
// to sidebar subscribers.
type RoomSnapshot struct {
	RoomID  RoomID   `json:"room_id"`
	Members []Member `json:"members"`
}
