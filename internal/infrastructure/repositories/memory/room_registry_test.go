package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexusvoice/internal/core/domain"
)

func TestAssignSeatLowestFree(t *testing.T) {
	reg := NewRoomRegistry()
	ctx := context.Background()
	room := domain.RoomID("room-1")

	for i := 0; i < 3; i++ {
		seat, err := reg.AssignSeat(ctx, room, domain.ConnID(fmt.Sprintf("conn-%d", i)))
		require.NoError(t, err)
		assert.Equal(t, i, seat)
	}

	// Free the middle seat; the next joiner gets it back, not seat 3.
	require.NoError(t, reg.FreeSeat(ctx, room, "conn-1"))

	seat, err := reg.AssignSeat(ctx, room, "conn-3")
	require.NoError(t, err)
	assert.Equal(t, 1, seat)
}

func TestAssignSeatIdempotentPerConnection(t *testing.T) {
	reg := NewRoomRegistry()
	ctx := context.Background()
	room := domain.RoomID("room-1")

	first, err := reg.AssignSeat(ctx, room, "conn-a")
	require.NoError(t, err)
	again, err := reg.AssignSeat(ctx, room, "conn-a")
	require.NoError(t, err)
	assert.Equal(t, first, again)

	seats, err := reg.Seats(ctx, room)
	require.NoError(t, err)
	assert.Len(t, seats, 1)
}

func TestAssignSeatCapacity(t *testing.T) {
	reg := NewRoomRegistry()
	ctx := context.Background()
	room := domain.RoomID("room-1")

	for i := 0; i < domain.SeatCapacity; i++ {
		_, err := reg.AssignSeat(ctx, room, domain.ConnID(fmt.Sprintf("conn-%d", i)))
		require.NoError(t, err)
	}

	_, err := reg.AssignSeat(ctx, room, "conn-overflow")
	assert.ErrorIs(t, err, domain.ErrRoomFull)

	// The rejected joiner must not occupy anything.
	seats, err := reg.Seats(ctx, room)
	require.NoError(t, err)
	assert.Len(t, seats, domain.SeatCapacity)
}

func TestFreeSeatIdempotentAndDropsEmptyRoom(t *testing.T) {
	reg := NewRoomRegistry()
	ctx := context.Background()
	room := domain.RoomID("room-1")

	_, err := reg.AssignSeat(ctx, room, "conn-a")
	require.NoError(t, err)

	require.NoError(t, reg.FreeSeat(ctx, room, "conn-a"))
	require.NoError(t, reg.FreeSeat(ctx, room, "conn-a"))
	require.NoError(t, reg.FreeSeat(ctx, "never-existed", "conn-a"))

	ids, err := reg.RoomIDs(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestAssignSeatConcurrentUniqueness(t *testing.T) {
	reg := NewRoomRegistry()
	ctx := context.Background()
	room := domain.RoomID("room-1")

	var wg sync.WaitGroup
	results := make([]int, domain.SeatCapacity)
	errs := make([]error, domain.SeatCapacity)

	for i := 0; i < domain.SeatCapacity; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n], errs[n] = reg.AssignSeat(ctx, room, domain.ConnID(fmt.Sprintf("conn-%d", n)))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	for i := 0; i < domain.SeatCapacity; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i]], "seat %d assigned twice", results[i])
		assert.GreaterOrEqual(t, results[i], 0)
		assert.Less(t, results[i], domain.SeatCapacity)
		seen[results[i]] = true
	}
}
