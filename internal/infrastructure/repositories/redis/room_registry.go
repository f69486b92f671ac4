package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
)

// assignSeatScript finds and commits the lowest free seat in one atomic
// step on the Redis side, so two nodes assigning into the same room can
// never hand out the same index. Returns -1 when the room is full.
var assignSeatScript = redis.NewScript(`
local seats_key = KEYS[1]
local rooms_key = KEYS[2]
local conn_id   = ARGV[1]
local capacity  = tonumber(ARGV[2])
local room_id   = ARGV[3]

local existing = redis.call('HGET', seats_key, conn_id)
if existing then
  return tonumber(existing)
end

local taken = {}
local vals = redis.call('HVALS', seats_key)
for _, v in ipairs(vals) do
  taken[tonumber(v)] = true
end

local seat = 0
while taken[seat] do
  seat = seat + 1
end
if seat >= capacity then
  return -1
end

redis.call('HSET', seats_key, conn_id, seat)
redis.call('SADD', rooms_key, room_id)
return seat
`)

// freeSeatScript drops the seat and, if the room became empty, the whole
// room record.
var freeSeatScript = redis.NewScript(`
local seats_key = KEYS[1]
local rooms_key = KEYS[2]
local conn_id   = ARGV[1]
local room_id   = ARGV[2]

redis.call('HDEL', seats_key, conn_id)
if redis.call('HLEN', seats_key) == 0 then
  redis.call('DEL', seats_key)
  redis.call('SREM', rooms_key, room_id)
end
return 1
`)

type RedisRoomRegistry struct {
	client *redis.Client
	prefix string
}

func NewRedisRoomRegistry(client *redis.Client) ports.RoomRegistry {
	return &RedisRoomRegistry{
		client: client,
		prefix: "nexusvoice:",
	}
}

func (r *RedisRoomRegistry) seatsKey(roomID domain.RoomID) string {
	return fmt.Sprintf("%sroom:%s:seats", r.prefix, roomID)
}

func (r *RedisRoomRegistry) roomsKey() string {
	return r.prefix + "rooms"
}

func (r *RedisRoomRegistry) AssignSeat(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) (int, error) {
	res, err := assignSeatScript.Run(ctx, r.client,
		[]string{r.seatsKey(roomID), r.roomsKey()},
		string(connID), domain.SeatCapacity, string(roomID),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to assign seat: %w", err)
	}
	if res < 0 {
		return 0, domain.ErrRoomFull
	}
	return res, nil
}

func (r *RedisRoomRegistry) FreeSeat(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	if err := freeSeatScript.Run(ctx, r.client,
		[]string{r.seatsKey(roomID), r.roomsKey()},
		string(connID), string(roomID),
	).Err(); err != nil {
		return fmt.Errorf("failed to free seat: %w", err)
	}
	return nil
}

func (r *RedisRoomRegistry) Seats(ctx context.Context, roomID domain.RoomID) (map[domain.ConnID]int, error) {
	raw, err := r.client.HGetAll(ctx, r.seatsKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read seats: %w", err)
	}
	out := make(map[domain.ConnID]int, len(raw))
	for conn, seat := range raw {
		idx, err := strconv.Atoi(seat)
		if err != nil {
			return nil, fmt.Errorf("corrupt seat value for %s: %w", conn, err)
		}
		out[domain.ConnID(conn)] = idx
	}
	return out, nil
}

func (r *RedisRoomRegistry) RoomIDs(ctx context.Context) ([]domain.RoomID, error) {
	raw, err := r.client.SMembers(ctx, r.roomsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	ids := make([]domain.RoomID, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, domain.RoomID(id))
	}
	return ids, nil
}
