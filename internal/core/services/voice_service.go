package services

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
)

// Event names emitted toward clients. The transport prefixes nothing; these
// are the wire values.
const (
	EventInit       = "init"
	EventPeerJoined = "peer_joined"
	EventPeerLeft   = "peer_left"
	EventRoomUpdate = "room_update"
)

type peerJoinedPayload struct {
	RoomID domain.RoomID `json:"room_id"`
	Peer   domain.Member `json:"peer"`
}

type peerLeftPayload struct {
	RoomID domain.RoomID `json:"room_id"`
	ConnID domain.ConnID `json:"conn_id"`
}

// roomState is the roster of one room. Its mutex serializes every mutation
// of that room; rooms never lock each other.
type roomState struct {
	mu      sync.Mutex
	members map[domain.ConnID]domain.Member
}

type voiceService struct {
	registry  ports.RoomRegistry
	messenger ports.Messenger
	metrics   ports.VoiceMetrics

	mu    sync.Mutex
	rooms map[domain.RoomID]*roomState

	logger *zap.SugaredLogger
}

func NewVoiceService(registry ports.RoomRegistry, messenger ports.Messenger, metrics ports.VoiceMetrics, logger *zap.SugaredLogger) ports.VoiceService {
	return &voiceService{
		registry:  registry,
		messenger: messenger,
		metrics:   metrics,
		rooms:     make(map[domain.RoomID]*roomState),
		logger:    logger,
	}
}

func (s *voiceService) room(roomID domain.RoomID) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.rooms[roomID]
	if !ok {
		st = &roomState{members: make(map[domain.ConnID]domain.Member)}
		s.rooms[roomID] = st
	}
	return st
}

func (s *voiceService) dropIfEmpty(roomID domain.RoomID, st *roomState) {
	// Caller holds st.mu.
	if len(st.members) != 0 {
		return
	}
	s.mu.Lock()
	if cur, ok := s.rooms[roomID]; ok && cur == st {
		delete(s.rooms, roomID)
	}
	s.mu.Unlock()
}

func (s *voiceService) Join(ctx context.Context, roomID domain.RoomID, member domain.Member) (*ports.JoinResult, error) {
	st := s.room(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()

	// Evict stale connections of the same identity (page refresh, fast
	// reconnect) so the user never appears twice while the old transport
	// lingers.
	for connID, m := range st.members {
		if m.UserID == member.UserID && connID != member.ConnID {
			if err := s.registry.FreeSeat(ctx, roomID, connID); err != nil {
				s.logger.Warnw("failed to free stale seat", "room_id", roomID, "conn_id", connID, "error", err)
			}
			delete(st.members, connID)
			s.messenger.Unsubscribe(connID, roomID)
			s.messenger.Multicast(roomID, "", EventPeerLeft, peerLeftPayload{RoomID: roomID, ConnID: connID})
			if s.metrics != nil {
				s.metrics.StaleEvicted()
			}
			s.logger.Infow("evicted stale connection",
				"room_id", roomID, "conn_id", connID, "user_id", m.UserID)
		}
	}

	// Seat is committed before the peer list is computed, so two joiners
	// racing each other both observe a consistent roster.
	seat, err := s.registry.AssignSeat(ctx, roomID, member.ConnID)
	if err != nil {
		if err == domain.ErrRoomFull && s.metrics != nil {
			s.metrics.CapacityRejected()
		}
		s.dropIfEmpty(roomID, st)
		return nil, err
	}
	member.SeatIndex = seat

	peers := make([]domain.Member, 0, len(st.members))
	for connID, m := range st.members {
		if connID == member.ConnID || m.UserID == member.UserID {
			continue
		}
		peers = append(peers, m)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].SeatIndex < peers[j].SeatIndex })

	st.members[member.ConnID] = member
	s.messenger.Subscribe(member.ConnID, roomID)

	s.messenger.Multicast(roomID, member.ConnID, EventPeerJoined, peerJoinedPayload{RoomID: roomID, Peer: member})
	s.broadcastRoomUpdate(roomID, st)

	if s.metrics != nil {
		s.metrics.JoinAccepted()
	}
	s.updateGauges(ctx)

	s.logger.Infow("member joined voice room",
		"room_id", roomID,
		"conn_id", member.ConnID,
		"user_id", member.UserID,
		"seat", seat,
		"peer_count", len(peers),
	)

	return &ports.JoinResult{RoomID: roomID, Peers: peers, SeatIndex: seat}, nil
}

func (s *voiceService) Leave(ctx context.Context, roomID domain.RoomID, connID domain.ConnID) error {
	st := s.room(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, ok := st.members[connID]; !ok {
		s.dropIfEmpty(roomID, st)
		return nil
	}

	if err := s.registry.FreeSeat(ctx, roomID, connID); err != nil {
		s.logger.Warnw("failed to free seat", "room_id", roomID, "conn_id", connID, "error", err)
	}
	delete(st.members, connID)
	s.messenger.Unsubscribe(connID, roomID)

	s.messenger.Multicast(roomID, connID, EventPeerLeft, peerLeftPayload{RoomID: roomID, ConnID: connID})
	s.broadcastRoomUpdate(roomID, st)
	s.dropIfEmpty(roomID, st)
	s.updateGauges(ctx)

	s.logger.Infow("member left voice room", "room_id", roomID, "conn_id", connID)
	return nil
}

func (s *voiceService) Disconnect(ctx context.Context, connID domain.ConnID) error {
	// Snapshot room states under the outer lock only; room locks are taken
	// afterwards so the st.mu -> s.mu order used elsewhere is never inverted.
	s.mu.Lock()
	states := make(map[domain.RoomID]*roomState, len(s.rooms))
	for roomID, st := range s.rooms {
		states[roomID] = st
	}
	s.mu.Unlock()

	var roomIDs []domain.RoomID
	for roomID, st := range states {
		st.mu.Lock()
		if _, ok := st.members[connID]; ok {
			roomIDs = append(roomIDs, roomID)
		}
		st.mu.Unlock()
	}

	for _, roomID := range roomIDs {
		if err := s.Leave(ctx, roomID, connID); err != nil {
			return err
		}
	}
	return nil
}

func (s *voiceService) Snapshot(ctx context.Context) ([]domain.RoomSnapshot, error) {
	s.mu.Lock()
	states := make(map[domain.RoomID]*roomState, len(s.rooms))
	for roomID, st := range s.rooms {
		states[roomID] = st
	}
	s.mu.Unlock()

	snapshots := make([]domain.RoomSnapshot, 0, len(states))
	for roomID, st := range states {
		st.mu.Lock()
		members := membersSorted(st)
		st.mu.Unlock()
		if len(members) == 0 {
			continue
		}
		snapshots = append(snapshots, domain.RoomSnapshot{RoomID: roomID, Members: members})
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].RoomID < snapshots[j].RoomID })
	return snapshots, nil
}

func (s *voiceService) RefreshPresence(ctx context.Context, roomID domain.RoomID) error {
	st := s.room(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()
	s.broadcastRoomUpdate(roomID, st)
	s.dropIfEmpty(roomID, st)
	return nil
}

func (s *voiceService) Members(ctx context.Context, roomID domain.RoomID) ([]domain.Member, error) {
	st := s.room(roomID)
	st.mu.Lock()
	defer st.mu.Unlock()
	members := membersSorted(st)
	s.dropIfEmpty(roomID, st)
	return members, nil
}

func (s *voiceService) broadcastRoomUpdate(roomID domain.RoomID, st *roomState) {
	// Caller holds st.mu. Sidebar subscribers and room members both get the
	// update; the latter covers presence-join timing edge cases.
	snapshot := domain.RoomSnapshot{RoomID: roomID, Members: membersSorted(st)}
	s.messenger.Presence(EventRoomUpdate, snapshot)
	s.messenger.Multicast(roomID, "", EventRoomUpdate, snapshot)
}

func (s *voiceService) updateGauges(ctx context.Context) {
	// Gauges come from the registry, which has its own locking; this is
	// safe to call while holding a room lock.
	if s.metrics == nil {
		return
	}
	ids, err := s.registry.RoomIDs(ctx)
	if err != nil {
		s.logger.Warnw("failed to read room ids for gauges", "error", err)
		return
	}
	seats := 0
	for _, id := range ids {
		m, err := s.registry.Seats(ctx, id)
		if err != nil {
			continue
		}
		seats += len(m)
	}
	s.metrics.SetActiveRooms(len(ids))
	s.metrics.SetOccupiedSeats(seats)
}

func membersSorted(st *roomState) []domain.Member {
	members := make([]domain.Member, 0, len(st.members))
	for _, m := range st.members {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].SeatIndex < members[j].SeatIndex })
	return members
}
