package engine

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
)

type fakeSignaler struct {
	fakeSessionSignaler
	mu     sync.Mutex
	joins  []domain.RoomID
	leaves []domain.RoomID
}

func (f *fakeSignaler) Join(roomID domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, roomID)
	return nil
}

func (f *fakeSignaler) Leave(roomID domain.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, roomID)
	return nil
}

func (f *fakeSignaler) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func newTestEngine() (*Engine, *fakeSignaler, map[domain.ConnID]*fakeLink) {
	sig := &fakeSignaler{}
	links := make(map[domain.ConnID]*fakeLink)
	var linksMu sync.Mutex

	factory := func(remote domain.ConnID, _ *Session) (PeerLink, error) {
		link := &fakeLink{}
		linksMu.Lock()
		links[remote] = link
		linksMu.Unlock()
		return link, nil
	}

	cfg := EngineConfig{
		Session:     testSessionConfig(),
		RejoinDelay: 15 * time.Millisecond,
	}
	return NewEngine(sig, factory, cfg, zap.NewNop().Sugar()), sig, links
}

func initResult(roomID domain.RoomID, seat int, peers ...domain.ConnID) ports.JoinResult {
	members := make([]domain.Member, len(peers))
	for i, p := range peers {
		members[i] = domain.Member{ConnID: p, UserID: domain.UserID("user-" + string(p)), SeatIndex: i}
	}
	return ports.JoinResult{RoomID: roomID, Peers: members, SeatIndex: seat}
}

func TestInitCreatesWaitingSessions(t *testing.T) {
	eng, sig, _ := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	require.Equal(t, 1, sig.joinCount())

	eng.OnInit(initResult("room-1", 2, "peer-a", "peer-b"))

	sessions := eng.Sessions()
	require.Len(t, sessions, 2)
	for _, sess := range sessions {
		assert.Equal(t, RoleImpolite, sess.Role, "existing members initiate toward us, we wait")
	}
	assert.Equal(t, 0, sig.offerCount(), "the joiner never sends the first offer")
	assert.Equal(t, 2, eng.Seat())
}

func TestInitForStaleRoomIgnored(t *testing.T) {
	eng, _, _ := newTestEngine()
	require.NoError(t, eng.Join("room-2"))

	eng.OnInit(initResult("room-1", 0, "peer-a"))

	assert.Empty(t, eng.Sessions())
	assert.Equal(t, -1, eng.Seat())
}

func TestPeerJoinedInitiatesPolitely(t *testing.T) {
	eng, sig, _ := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0))

	eng.OnPeerJoined("room-1", domain.Member{ConnID: "peer-new", UserID: "bob", SeatIndex: 1})

	sessions := eng.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, RolePolite, sessions[0].Role)
	assert.Equal(t, 1, sig.offerCount())
}

func TestOfferFromUnknownPeerCreatesSession(t *testing.T) {
	eng, sig, _ := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0))

	offer, err := json.Marshal(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.NoError(t, err)
	eng.OnOffer("peer-x", offer)

	sessions := eng.Sessions()
	require.Len(t, sessions, 1)
	assert.Equal(t, RoleImpolite, sessions[0].Role)
	assert.Equal(t, 1, sig.answerCount())
}

func TestPeerLeftClosesSession(t *testing.T) {
	eng, _, links := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0, "peer-a"))

	eng.OnPeerLeft("room-1", "peer-a")

	assert.Empty(t, eng.Sessions())
	assert.True(t, links["peer-a"].closed)
}

func TestFailurePolicyDropsSinglePeerWhenOthersConnected(t *testing.T) {
	eng, sig, links := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0, "peer-a", "peer-b"))

	sessions := eng.Sessions()
	require.Len(t, sessions, 2)

	// peer-a has a working path; peer-b fails.
	for _, sess := range sessions {
		if sess.Remote == "peer-a" {
			sess.HandleICEStateChange(webrtc.ICEConnectionStateConnected)
		}
	}
	for _, sess := range sessions {
		if sess.Remote == "peer-b" {
			sess.HandleICEStateChange(webrtc.ICEConnectionStateFailed)
		}
	}

	remaining := eng.Sessions()
	require.Len(t, remaining, 1)
	assert.Equal(t, domain.ConnID("peer-a"), remaining[0].Remote)
	assert.True(t, links["peer-b"].closed)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, sig.joinCount(), "a single-peer drop must not trigger a rejoin")
}

func TestFailurePolicyRejoinsWhenNothingConnected(t *testing.T) {
	eng, sig, _ := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0, "peer-a", "peer-b"))

	// Both sessions fail in quick succession; the rejoins collapse into
	// one throttled attempt.
	for _, sess := range eng.Sessions() {
		sess.HandleICEStateChange(webrtc.ICEConnectionStateFailed)
	}

	assert.Eventually(t, func() bool {
		return sig.joinCount() == 2
	}, time.Second, 2*time.Millisecond)

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 2, sig.joinCount(), "duplicate failures must not schedule extra rejoins")
	assert.Empty(t, eng.Sessions(), "rejoin starts from a clean slate")
}

func TestReconnectedRejoinsFromScratch(t *testing.T) {
	eng, sig, links := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0, "peer-a"))

	eng.OnReconnected()

	assert.Equal(t, 2, sig.joinCount())
	assert.Empty(t, eng.Sessions())
	assert.True(t, links["peer-a"].closed)
	assert.Equal(t, -1, eng.Seat())
}

func TestLeaveTearsDownAndNotifies(t *testing.T) {
	eng, sig, links := newTestEngine()
	require.NoError(t, eng.Join("room-1"))
	eng.OnInit(initResult("room-1", 0, "peer-a"))

	require.NoError(t, eng.Leave())

	assert.Empty(t, eng.Sessions())
	assert.True(t, links["peer-a"].closed)
	sig.mu.Lock()
	defer sig.mu.Unlock()
	assert.Equal(t, []domain.RoomID{"room-1"}, sig.leaves)
}
