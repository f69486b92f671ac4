package engine

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
)

// Signaler is the outbound surface the engine needs from the signaling
// client.
type Signaler interface {
	SessionSignaler
	Join(roomID domain.RoomID) error
	Leave(roomID domain.RoomID) error
}

// LinkFactory builds the peer connection side of a new session. remote is
// the peer the link talks to; the factory wires its ICE and track
// callbacks back into the engine before returning.
type LinkFactory func(remote domain.ConnID, session *Session) (PeerLink, error)

// EngineConfig bundles the recovery and rejoin knobs.
type EngineConfig struct {
	Session     SessionConfig
	RejoinDelay time.Duration
}

// Engine owns every peer session of the local client: creation from
// roster events, negotiation dispatch, the failure policy, and teardown.
// One engine instance serves one joined room at a time.
type Engine struct {
	signaler Signaler
	factory  LinkFactory
	cfg      EngineConfig
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	roomID   domain.RoomID
	seat     int
	joined   bool
	sessions map[domain.ConnID]*Session

	rejoinTimer   *time.Timer
	rejoinPending bool

	// onRoster fires on init and roster changes so the UI layer can
	// render seats. Optional.
	onRoster func(peers []domain.Member)

	// onConnected fires when a session's ICE path comes up, with its
	// link, so telemetry can start sampling. Optional.
	onConnected func(remote domain.ConnID, link PeerLink)
}

func NewEngine(signaler Signaler, factory LinkFactory, cfg EngineConfig, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		signaler: signaler,
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		seat:     -1,
		sessions: make(map[domain.ConnID]*Session),
	}
}

// SetRosterHook installs the roster observer. Must be set before Join.
func (e *Engine) SetRosterHook(fn func(peers []domain.Member)) {
	e.onRoster = fn
}

// SetConnectedHook installs the per-session connect observer. Must be
// set before Join.
func (e *Engine) SetConnectedHook(fn func(remote domain.ConnID, link PeerLink)) {
	e.onConnected = fn
}

// Join asks the server for a seat. Sessions are not created here; they
// come from the init response and subsequent peer_joined events.
func (e *Engine) Join(roomID domain.RoomID) error {
	e.mu.Lock()
	e.roomID = roomID
	e.mu.Unlock()
	return e.signaler.Join(roomID)
}

// Leave tears down every session and releases the seat.
func (e *Engine) Leave() error {
	e.mu.Lock()
	roomID := e.roomID
	joined := e.joined
	e.joined = false
	e.seat = -1
	e.teardownSessionsLocked()
	e.mu.Unlock()

	if !joined {
		return nil
	}
	return e.signaler.Leave(roomID)
}

// Seat returns the locally held seat index, -1 when not joined.
func (e *Engine) Seat() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.joined {
		return -1
	}
	return e.seat
}

// Sessions returns the current sessions sorted by remote id, for the
// telemetry sampler and the audio fanout.
func (e *Engine) Sessions() []*Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// ── signaling callbacks ──────────────────────────────────────────

// OnInit handles the join response. Every peer already in the room holds
// the roster and will offer to us, so each session here is impolite and
// waits. An init for a room we since left is ignored.
func (e *Engine) OnInit(result ports.JoinResult) {
	e.mu.Lock()
	if result.RoomID != e.roomID {
		e.mu.Unlock()
		return
	}
	e.joined = true
	e.seat = result.SeatIndex
	e.rejoinPending = false
	peers := result.Peers
	e.mu.Unlock()

	e.logger.Infow("joined room", "room_id", result.RoomID, "seat", result.SeatIndex, "peers", len(peers))

	for _, peer := range peers {
		if _, err := e.ensureSession(peer.ConnID, RoleImpolite); err != nil {
			e.logger.Errorw("failed to create session", "remote", peer.ConnID, "error", err)
		}
	}

	if e.onRoster != nil {
		e.onRoster(peers)
	}
}

// OnPeerJoined creates the session toward a newcomer. We hold the roster,
// so we initiate and take the polite role.
func (e *Engine) OnPeerJoined(roomID domain.RoomID, peer domain.Member) {
	e.mu.Lock()
	if !e.joined || roomID != e.roomID {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	sess, err := e.ensureSession(peer.ConnID, RolePolite)
	if err != nil {
		e.logger.Errorw("failed to create session", "remote", peer.ConnID, "error", err)
		return
	}
	if err := sess.SendOffer(false); err != nil {
		e.logger.Errorw("initial offer failed", "remote", peer.ConnID, "error", err)
	}
}

func (e *Engine) OnPeerLeft(roomID domain.RoomID, connID domain.ConnID) {
	e.mu.Lock()
	if roomID != e.roomID {
		e.mu.Unlock()
		return
	}
	sess, ok := e.sessions[connID]
	if ok {
		delete(e.sessions, connID)
	}
	e.mu.Unlock()

	if ok {
		sess.Close()
		e.logger.Infow("peer left", "remote", connID)
	}
}

// OnOffer dispatches a remote offer. An offer from an unknown peer gets a
// fresh impolite session: the sender holds roster state we have not seen
// a peer_joined for yet.
func (e *Engine) OnOffer(from domain.ConnID, payload json.RawMessage) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		e.logger.Warnw("bad offer payload", "from", from, "error", err)
		return
	}

	sess, err := e.ensureSession(from, RoleImpolite)
	if err != nil {
		e.logger.Errorw("failed to create session for offer", "remote", from, "error", err)
		return
	}
	if err := sess.HandleOffer(offer); err != nil {
		e.logger.Errorw("offer handling failed", "remote", from, "error", err)
	}
}

func (e *Engine) OnAnswer(from domain.ConnID, payload json.RawMessage) {
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		e.logger.Warnw("bad answer payload", "from", from, "error", err)
		return
	}

	e.mu.Lock()
	sess, ok := e.sessions[from]
	e.mu.Unlock()
	if !ok {
		e.logger.Debugw("answer from unknown peer dropped", "from", from)
		return
	}
	if err := sess.HandleAnswer(answer); err != nil {
		e.logger.Errorw("answer handling failed", "remote", from, "error", err)
	}
}

func (e *Engine) OnICECandidate(from domain.ConnID, payload json.RawMessage) {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		e.logger.Warnw("bad candidate payload", "from", from, "error", err)
		return
	}

	e.mu.Lock()
	sess, ok := e.sessions[from]
	e.mu.Unlock()
	if !ok {
		e.logger.Debugw("candidate from unknown peer dropped", "from", from)
		return
	}
	if err := sess.HandleCandidate(candidate); err != nil {
		e.logger.Warnw("candidate handling failed", "remote", from, "error", err)
	}
}

// OnReconnected handles a signaling transport reset. The old connection
// identity, and with it the seat and every session keyed to it, is dead;
// the only sound move is a full rejoin.
func (e *Engine) OnReconnected() {
	e.mu.Lock()
	roomID := e.roomID
	hadRoom := roomID != ""
	e.joined = false
	e.seat = -1
	e.teardownSessionsLocked()
	e.mu.Unlock()

	if !hadRoom {
		return
	}
	e.logger.Infow("transport reconnected, rejoining", "room_id", roomID)
	if err := e.signaler.Join(roomID); err != nil {
		e.logger.Errorw("rejoin failed", "room_id", roomID, "error", err)
	}
}

// ReplaceTrack swaps the outbound audio track on every session. Used by
// the audio pipeline when a graph rebuild (noise suppressor toggle)
// produces a new source track; no renegotiation happens.
func (e *Engine) ReplaceTrack(track webrtc.TrackLocal) {
	for _, sess := range e.Sessions() {
		if err := sess.link.ReplaceAudioTrack(track); err != nil {
			e.logger.Warnw("track replacement failed", "remote", sess.Remote, "error", err)
		}
	}
}

// ── failure policy ───────────────────────────────────────────────

// sessionFailed applies the escalation rule: when any other session still
// has a working path the problem is that one peer, so only its session is
// dropped; when nothing is connected the local network is suspect and the
// whole room membership is rebuilt.
func (e *Engine) sessionFailed(remote domain.ConnID) {
	e.mu.Lock()
	sess, ok := e.sessions[remote]
	if !ok {
		e.mu.Unlock()
		return
	}

	othersConnected := false
	for id, other := range e.sessions {
		if id != remote && other.Connected() {
			othersConnected = true
			break
		}
	}

	if othersConnected {
		delete(e.sessions, remote)
		e.mu.Unlock()
		sess.Close()
		e.logger.Warnw("dropped failed session", "remote", remote)
		return
	}

	e.scheduleRejoinLocked()
	e.mu.Unlock()
}

// scheduleRejoinLocked arms a throttled, deduplicated full rejoin. A
// second failure while one is pending collapses into the scheduled one.
func (e *Engine) scheduleRejoinLocked() {
	if e.rejoinPending {
		return
	}
	e.rejoinPending = true
	roomID := e.roomID

	e.logger.Warnw("no connected peers left, scheduling full rejoin", "room_id", roomID)

	e.rejoinTimer = time.AfterFunc(e.cfg.RejoinDelay, func() {
		e.mu.Lock()
		if !e.rejoinPending || e.roomID != roomID {
			e.mu.Unlock()
			return
		}
		e.joined = false
		e.seat = -1
		e.teardownSessionsLocked()
		e.mu.Unlock()

		if err := e.signaler.Join(roomID); err != nil {
			e.logger.Errorw("rejoin failed", "room_id", roomID, "error", err)
		}
	})
}

// ── internals ────────────────────────────────────────────────────

// ensureSession returns the existing session for remote or creates one
// with the given role. The role of an existing session is never changed.
func (e *Engine) ensureSession(remote domain.ConnID, role Role) (*Session, error) {
	e.mu.Lock()
	if sess, ok := e.sessions[remote]; ok {
		e.mu.Unlock()
		return sess, nil
	}
	roomID := e.roomID
	e.mu.Unlock()

	sess := NewSession(remote, roomID, role, nil, e.signaler, e.cfg.Session, e.logger)
	sess.SetHooks(e.sessionConnected, e.sessionFailed)

	link, err := e.factory(remote, sess)
	if err != nil {
		return nil, err
	}
	sess.link = link

	e.mu.Lock()
	// Lost a race with another creation for the same remote: keep the
	// first one.
	if existing, ok := e.sessions[remote]; ok {
		e.mu.Unlock()
		sess.Close()
		return existing, nil
	}
	e.sessions[remote] = sess
	e.mu.Unlock()

	e.logger.Infow("session created", "remote", remote, "role", role)
	return sess, nil
}

func (e *Engine) sessionConnected(remote domain.ConnID) {
	e.logger.Infow("session connected", "remote", remote)

	e.mu.Lock()
	sess, ok := e.sessions[remote]
	e.mu.Unlock()
	if ok && e.onConnected != nil {
		e.onConnected(remote, sess.link)
	}
}

func (e *Engine) teardownSessionsLocked() {
	if e.rejoinTimer != nil {
		e.rejoinTimer.Stop()
		e.rejoinTimer = nil
	}
	e.rejoinPending = false
	for id, sess := range e.sessions {
		delete(e.sessions, id)
		// Close outside the map iteration is unnecessary; sessions never
		// call back into the engine from Close.
		sess.Close()
	}
}
