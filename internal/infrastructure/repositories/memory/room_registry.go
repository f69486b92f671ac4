package memory

import (
	"context"
	"sync"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
)

// RoomRegistry keeps seat state in process memory. All mutations run under
// one mutex, which gives the per-room serialization the seat invariant
// needs; rooms are small enough that finer locking buys nothing.
type RoomRegistry struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ConnID]int
}

func NewRoomRegistry() ports.RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.RoomID]map[domain.ConnID]int),
	}
}

func (r *RoomRegistry) AssignSeat(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seats, ok := r.rooms[roomID]
	if !ok {
		seats = make(map[domain.ConnID]int)
		r.rooms[roomID] = seats
	}

	if seat, ok := seats[connID]; ok {
		return seat, nil
	}

	taken := make(map[int]bool, len(seats))
	for _, s := range seats {
		taken[s] = true
	}

	seat := 0
	for taken[seat] {
		seat++
	}
	if seat >= domain.SeatCapacity {
		return 0, domain.ErrRoomFull
	}

	seats[connID] = seat
	return seat, nil
}

func (r *RoomRegistry) FreeSeat(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seats, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	delete(seats, connID)
	if len(seats) == 0 {
		delete(r.rooms, roomID)
	}
	return nil
}

func (r *RoomRegistry) Seats(ctx context.Context, roomID domain.RoomID) (map[domain.ConnID]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seats, ok := r.rooms[roomID]
	if !ok {
		return map[domain.ConnID]int{}, nil
	}
	out := make(map[domain.ConnID]int, len(seats))
	for c, s := range seats {
		out[c] = s
	}
	return out, nil
}

func (r *RoomRegistry) RoomIDs(ctx context.Context) ([]domain.RoomID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]domain.RoomID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}
