package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
)

// SignalingState mirrors the negotiation position of a session. It is
// tracked here, not read back from the peer connection, so collision
// handling stays deterministic.
type SignalingState int

const (
	StateStable SignalingState = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
)

func (s SignalingState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

// Role decides collision behavior and is fixed for the session's lifetime.
// The side that already held the roster when the other appeared initiates
// and is polite; the joiner is impolite and waits for the first offer.
type Role int

const (
	RolePolite Role = iota
	RoleImpolite
)

func (r Role) String() string {
	if r == RolePolite {
		return "polite"
	}
	return "impolite"
}

// PeerLink is the side-effect surface of one peer connection. The pion
// adapter implements it; tests substitute a scripted fake.
type PeerLink interface {
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback discards the pending local offer (polite collision exit).
	Rollback() error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	// ReplaceAudioTrack swaps the outbound track without renegotiation.
	ReplaceAudioTrack(track webrtc.TrackLocal) error
	Close() error
}

// SessionSignaler sends this session's outbound negotiation messages.
type SessionSignaler interface {
	SendOffer(roomID domain.RoomID, to domain.ConnID, payload interface{}) error
	SendAnswer(roomID domain.RoomID, to domain.ConnID, payload interface{}) error
	SendICECandidate(roomID domain.RoomID, to domain.ConnID, payload interface{}) error
}

// SessionConfig carries the recovery knobs; tests shrink the durations.
type SessionConfig struct {
	DisconnectGrace time.Duration
	ReofferGrace    time.Duration
	MaxICERestarts  int
	Opus            OpusParams
}

// Session is the per-remote-peer negotiation state machine.
type Session struct {
	Remote domain.ConnID
	RoomID domain.RoomID
	Role   Role

	link     PeerLink
	signaler SessionSignaler
	cfg      SessionConfig
	logger   *zap.SugaredLogger

	// onFailed escalates to the engine's failure policy. onConnected is
	// the telemetry start hook.
	onFailed    func(remote domain.ConnID)
	onConnected func(remote domain.ConnID)

	mu            sync.Mutex
	state         SignalingState
	haveRemote    bool
	pending       []webrtc.ICECandidateInit
	offerInFlight bool
	restarts      int
	connected     bool
	closed        bool

	graceTimer   *time.Timer
	reofferTimer *time.Timer
}

func NewSession(remote domain.ConnID, roomID domain.RoomID, role Role, link PeerLink, signaler SessionSignaler, cfg SessionConfig, logger *zap.SugaredLogger) *Session {
	return &Session{
		Remote:   remote,
		RoomID:   roomID,
		Role:     role,
		link:     link,
		signaler: signaler,
		cfg:      cfg,
		logger:   logger,
	}
}

// SetHooks installs the engine callbacks. Must be called before any event
// is delivered.
func (s *Session) SetHooks(onConnected, onFailed func(remote domain.ConnID)) {
	s.onConnected = onConnected
	s.onFailed = onFailed
}

// Connected reports whether ICE last reported a usable path.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SendOffer creates, applies and ships a local offer. Used by the polite
// initiator right after session creation and for ICE restarts.
func (s *Session) SendOffer(iceRestart bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendOfferLocked(iceRestart)
}

func (s *Session) sendOfferLocked(iceRestart bool) error {
	if s.closed {
		return nil
	}
	if s.state != StateStable && !iceRestart {
		return fmt.Errorf("cannot offer in state %s", s.state)
	}

	offer, err := s.link.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	offer.SDP = TuneOpus(offer.SDP, s.cfg.Opus)

	if err := s.link.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	s.state = StateHaveLocalOffer

	if err := s.signaler.SendOffer(s.RoomID, s.Remote, offer); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}

	s.logger.Debugw("offer sent", "remote", s.Remote, "ice_restart", iceRestart)
	return nil
}

// HandleOffer applies a remote offer and answers it. Collisions resolve by
// role: the impolite side ignores the incoming offer and lets its own
// stand; the polite side rolls back and accepts. A second offer arriving
// while one is still being processed is dropped.
func (s *Session) HandleOffer(offer webrtc.SessionDescription) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.offerInFlight {
		s.mu.Unlock()
		s.logger.Debugw("offer dropped, one already in flight", "remote", s.Remote)
		return nil
	}
	s.offerInFlight = true
	defer func() {
		s.mu.Lock()
		s.offerInFlight = false
		s.mu.Unlock()
	}()

	if s.state == StateHaveLocalOffer {
		if s.Role == RoleImpolite {
			s.mu.Unlock()
			s.logger.Debugw("offer collision, ignoring as impolite", "remote", s.Remote)
			return nil
		}
		if err := s.link.Rollback(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("rollback: %w", err)
		}
		s.state = StateStable
		s.logger.Debugw("offer collision, rolled back as polite", "remote", s.Remote)
	}

	if err := s.link.SetRemoteDescription(offer); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set remote offer: %w", err)
	}
	s.state = StateHaveRemoteOffer
	s.haveRemote = true
	s.flushCandidatesLocked()

	// Answer only from have-remote-offer; anything else means the apply
	// above was preempted and answering would desynchronize both sides.
	if s.state != StateHaveRemoteOffer {
		s.mu.Unlock()
		return nil
	}

	answer, err := s.link.CreateAnswer()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create answer: %w", err)
	}
	answer.SDP = TuneOpus(answer.SDP, s.cfg.Opus)

	if err := s.link.SetLocalDescription(answer); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("set local answer: %w", err)
	}
	s.state = StateStable
	s.mu.Unlock()

	if err := s.signaler.SendAnswer(s.RoomID, s.Remote, answer); err != nil {
		return fmt.Errorf("send answer: %w", err)
	}
	return nil
}

// HandleAnswer completes a local offer. Answers arriving in any other
// state are stale and dropped.
func (s *Session) HandleAnswer(answer webrtc.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.state != StateHaveLocalOffer {
		s.logger.Debugw("answer dropped in state", "remote", s.Remote, "state", s.state)
		return nil
	}

	if err := s.link.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.state = StateStable
	s.haveRemote = true
	s.flushCandidatesLocked()
	return nil
}

// HandleCandidate adds a remote ICE candidate, queueing it if no remote
// description has been applied yet.
func (s *Session) HandleCandidate(candidate webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.haveRemote {
		s.pending = append(s.pending, candidate)
		return nil
	}
	return s.link.AddICECandidate(candidate)
}

// flushCandidatesLocked replays queued candidates in arrival order, then
// clears the queue. Individual add failures are logged, not fatal: the
// remaining candidates may still complete checks.
func (s *Session) flushCandidatesLocked() {
	for _, c := range s.pending {
		if err := s.link.AddICECandidate(c); err != nil {
			s.logger.Warnw("failed to add queued candidate", "remote", s.Remote, "error", err)
		}
	}
	s.pending = nil
}

// HandleICEStateChange reacts to connection state transitions from the
// link. Recovery is bounded: after MaxICERestarts attempts, or on an
// immediate failed state, the session escalates to the engine.
func (s *Session) HandleICEStateChange(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.mu.Lock()
		s.restarts = 0
		wasConnected := s.connected
		s.connected = true
		s.stopTimersLocked()
		s.mu.Unlock()
		if !wasConnected && s.onConnected != nil {
			s.onConnected(s.Remote)
		}

	case webrtc.ICEConnectionStateDisconnected:
		s.mu.Lock()
		s.connected = false
		if s.closed || s.graceTimer != nil {
			s.mu.Unlock()
			return
		}
		s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.attemptRecovery)
		s.mu.Unlock()

	case webrtc.ICEConnectionStateFailed:
		s.mu.Lock()
		s.connected = false
		s.stopTimersLocked()
		closed := s.closed
		s.mu.Unlock()
		if !closed && s.onFailed != nil {
			s.onFailed(s.Remote)
		}
	}
}

// attemptRecovery runs when the disconnect grace expires without the link
// recovering on its own. The polite side owns the restart offer; the
// impolite side gives its peer a re-offer window before escalating.
func (s *Session) attemptRecovery() {
	s.mu.Lock()
	s.graceTimer = nil
	if s.closed || s.connected {
		s.mu.Unlock()
		return
	}

	if s.restarts >= s.cfg.MaxICERestarts {
		s.mu.Unlock()
		if s.onFailed != nil {
			s.onFailed(s.Remote)
		}
		return
	}
	s.restarts++

	if s.Role == RolePolite {
		s.logger.Infow("attempting ice restart", "remote", s.Remote, "attempt", s.restarts)
		err := s.sendOfferLocked(true)
		if err == nil {
			// Another grace round: if the restart does not land either,
			// the next expiry escalates or retries.
			s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.attemptRecovery)
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Warnw("ice restart offer failed", "remote", s.Remote, "error", err)
			if s.onFailed != nil {
				s.onFailed(s.Remote)
			}
		}
		return
	}

	s.logger.Infow("waiting for restart offer from peer", "remote", s.Remote, "attempt", s.restarts)
	s.reofferTimer = time.AfterFunc(s.cfg.ReofferGrace, func() {
		s.mu.Lock()
		s.reofferTimer = nil
		recovered := s.connected || s.closed
		s.mu.Unlock()
		if !recovered && s.onFailed != nil {
			s.onFailed(s.Remote)
		}
	})
	s.mu.Unlock()
}

func (s *Session) stopTimersLocked() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
	if s.reofferTimer != nil {
		s.reofferTimer.Stop()
		s.reofferTimer = nil
	}
}

// Close tears down the link. Idempotent; all pending timers are stopped
// so no recovery fires after teardown.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.connected = false
	s.stopTimersLocked()
	s.pending = nil
	s.mu.Unlock()

	return s.link.Close()
}
