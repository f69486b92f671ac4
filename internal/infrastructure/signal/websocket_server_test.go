package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
	"nexusvoice/internal/core/services"
	"nexusvoice/internal/infrastructure/repositories/memory"
	"nexusvoice/pkg/config"
)

const testSecret = "test-secret"

func newTestServer(t *testing.T) (*httptest.Server, services.AuthService) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Signal.PingInterval = 50 * time.Millisecond
	cfg.Signal.PongTimeout = 5 * time.Second

	auth := services.NewAuthService(testSecret, time.Minute)
	srv := NewWebSocketServer(auth, nil, cfg, zap.NewNop().Sugar())
	voice := services.NewVoiceService(memory.NewRoomRegistry(), srv, nil, zap.NewNop().Sugar())
	srv.SetVoiceService(voice)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(ts.Close)
	return ts, auth
}

func dial(t *testing.T, ts *httptest.Server, auth services.AuthService, userID string) *websocket.Conn {
	t.Helper()

	token, err := auth.GenerateToken(domain.UserID(userID), userID, "")
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil drains frames until one of the wanted type arrives. Presence
// broadcasts interleave with everything, so tests filter by type.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %q", msgType)
		if msg.Type == msgType {
			return msg
		}
	}
}

func sendJoin(t *testing.T, conn *websocket.Conn, roomID string) ports.JoinResult {
	t.Helper()

	require.NoError(t, conn.WriteJSON(Message{Type: TypeJoin, RoomID: domain.RoomID(roomID)}))
	msg := readUntil(t, conn, services.EventInit)

	var result ports.JoinResult
	require.NoError(t, json.Unmarshal(msg.Payload, &result))
	return result
}

func TestWebSocketRejectsBadToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "?token=garbage")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "?token=garbage"
	_, _, err = websocket.DefaultDialer.Dial(url, nil)
	assert.Error(t, err)
}

func TestJoinHandshake(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	resultA := sendJoin(t, alice, "lobby")
	assert.Equal(t, domain.RoomID("lobby"), resultA.RoomID)
	assert.Equal(t, 0, resultA.SeatIndex)
	assert.Empty(t, resultA.Peers)

	bob := dial(t, ts, auth, "bob")
	resultB := sendJoin(t, bob, "lobby")
	assert.Equal(t, 1, resultB.SeatIndex)
	require.Len(t, resultB.Peers, 1)
	assert.Equal(t, domain.UserID("alice"), resultB.Peers[0].UserID)

	// The member already in the room learns about the newcomer.
	joined := readUntil(t, alice, services.EventPeerJoined)
	var payload struct {
		RoomID domain.RoomID `json:"room_id"`
		Peer   domain.Member `json:"peer"`
	}
	require.NoError(t, json.Unmarshal(joined.Payload, &payload))
	assert.Equal(t, domain.RoomID("lobby"), payload.RoomID)
	assert.Equal(t, domain.UserID("bob"), payload.Peer.UserID)
	assert.Equal(t, 1, payload.Peer.SeatIndex)
}

func TestOfferRelayedWithSenderIdentity(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	sendJoin(t, alice, "lobby")

	bob := dial(t, ts, auth, "bob")
	resultB := sendJoin(t, bob, "lobby")
	aliceConn := resultB.Peers[0].ConnID

	joined := readUntil(t, alice, services.EventPeerJoined)
	var joinedPayload struct {
		Peer domain.Member `json:"peer"`
	}
	require.NoError(t, json.Unmarshal(joined.Payload, &joinedPayload))
	bobConn := joinedPayload.Peer.ConnID

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	require.NoError(t, bob.WriteJSON(Message{
		Type:    TypeOffer,
		RoomID:  "lobby",
		To:      aliceConn,
		Payload: sdp,
	}))

	offer := readUntil(t, alice, TypeOffer)
	assert.Equal(t, bobConn, offer.From, "relay stamps the real sender")
	assert.JSONEq(t, string(sdp), string(offer.Payload), "payload passes through untouched")
}

func TestSpeakingFansOutToRoom(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	sendJoin(t, alice, "lobby")
	bob := dial(t, ts, auth, "bob")
	sendJoin(t, bob, "lobby")

	payload, _ := json.Marshal(SpeakingPayload{RoomID: "lobby", Speaking: true})
	require.NoError(t, bob.WriteJSON(Message{Type: TypeSpeaking, RoomID: "lobby", Payload: payload}))

	msg := readUntil(t, alice, TypeSpeaking)
	var speaking SpeakingPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &speaking))
	assert.True(t, speaking.Speaking)
}

func TestLeaveBroadcastsPeerLeft(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	sendJoin(t, alice, "lobby")
	bob := dial(t, ts, auth, "bob")
	sendJoin(t, bob, "lobby")
	readUntil(t, alice, services.EventPeerJoined)

	require.NoError(t, bob.WriteJSON(Message{Type: TypeLeave, RoomID: "lobby"}))

	left := readUntil(t, alice, services.EventPeerLeft)
	var payload struct {
		RoomID domain.RoomID `json:"room_id"`
		ConnID domain.ConnID `json:"conn_id"`
	}
	require.NoError(t, json.Unmarshal(left.Payload, &payload))
	assert.Equal(t, domain.RoomID("lobby"), payload.RoomID)
	assert.NotEmpty(t, payload.ConnID)
}

func TestDisconnectCleansUpMembership(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	sendJoin(t, alice, "lobby")
	bob := dial(t, ts, auth, "bob")
	sendJoin(t, bob, "lobby")
	readUntil(t, alice, services.EventPeerJoined)

	// A dropped transport counts as leaving every room.
	bob.Close()

	left := readUntil(t, alice, services.EventPeerLeft)
	assert.Equal(t, services.EventPeerLeft, left.Type)
}

func TestSameUserRejoinEvictsStaleConnection(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	sendJoin(t, alice, "lobby")
	bob1 := dial(t, ts, auth, "bob")
	sendJoin(t, bob1, "lobby")
	readUntil(t, alice, services.EventPeerJoined)

	// Same identity joins again without the first socket closing.
	bob2 := dial(t, ts, auth, "bob")
	result := sendJoin(t, bob2, "lobby")

	require.Len(t, result.Peers, 1, "the stale twin is not in the roster")
	assert.Equal(t, domain.UserID("alice"), result.Peers[0].UserID)
	assert.Equal(t, 1, result.SeatIndex, "the stale twin's seat is reused")

	readUntil(t, alice, services.EventPeerLeft)
}

func TestSnapshotRequest(t *testing.T) {
	ts, auth := newTestServer(t)

	alice := dial(t, ts, auth, "alice")
	sendJoin(t, alice, "lobby")

	bob := dial(t, ts, auth, "bob")
	// The connect-time snapshot already reflects the occupied room.
	msg := readUntil(t, bob, TypeSnapshot)

	var rooms []domain.RoomSnapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &rooms))
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.RoomID("lobby"), rooms[0].RoomID)
	require.Len(t, rooms[0].Members, 1)
	assert.Equal(t, domain.UserID("alice"), rooms[0].Members[0].UserID)
}
