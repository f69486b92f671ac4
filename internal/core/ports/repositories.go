package ports

import (
	"context"

	"nexusvoice/internal/core/domain"
)

// RoomRegistry owns seat state. AssignSeat returns the lowest free seat
// index and must be atomic per room: two concurrent assignments for the
// same room never yield the same seat. A full room yields
// domain.ErrRoomFull.
type RoomRegistry interface {
	AssignSeat(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) (int, error)
	// FreeSeat is idempotent; the room record is dropped once empty.
	FreeSeat(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error
	Seats(ctx context.Context, roomID domain.RoomID) (map[domain.ConnID]int, error)
	RoomIDs(ctx context.Context) ([]domain.RoomID, error)
}
