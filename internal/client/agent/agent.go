// Package agent assembles the client side of the voice subsystem: one
// signaling connection, the negotiation engine, the audio pipeline and
// the telemetry sampler, behind a small control surface.
package agent

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"nexusvoice/internal/client/audio"
	"nexusvoice/internal/client/engine"
	"nexusvoice/internal/client/signaling"
	"nexusvoice/internal/client/telemetry"
	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/ports"
	"nexusvoice/internal/core/services"
)

// presenceInterval is the keep-alive cadence for the room's presence
// entry; well under the server's pong timeout.
const presenceInterval = 15 * time.Second

type Config struct {
	ServerURL string
	Token     string

	ICEServers []webrtc.ICEServer

	Engine        engine.EngineConfig
	Pipeline      audio.PipelineConfig
	StatsInterval time.Duration
}

// Hooks are the optional observers a UI layer attaches.
type Hooks struct {
	OnRoster        func(peers []domain.Member)
	OnPeerSpeaking  func(remote domain.ConnID, speaking bool)
	OnPeerStats     func(remote domain.ConnID, stats domain.PeerStats, quality domain.NetQuality)
	OnRoomSnapshot  func(snapshots []domain.RoomSnapshot)
	OnServerError   func(code, message string)
}

// Agent is the local voice client. It implements signaling.Handler and
// routes every event to the right subsystem.
type Agent struct {
	cfg    Config
	hooks  Hooks
	logger *zap.SugaredLogger

	sig      *signaling.Client
	engine   *engine.Engine
	pipeline *audio.Pipeline
	renderer *audio.Renderer
	sampler  *telemetry.Sampler

	mu           sync.Mutex
	roomID       domain.RoomID
	presenceStop chan struct{}
}

func New(cfg Config, opener audio.CaptureOpener, player audio.Player, hooks Hooks, logger *zap.SugaredLogger) (*Agent, error) {
	a := &Agent{cfg: cfg, hooks: hooks, logger: logger}

	encoder, err := audio.NewPCMUEncoder(cfg.Pipeline.SampleRate)
	if err != nil {
		return nil, err
	}
	a.pipeline = audio.NewPipeline(cfg.Pipeline, opener, encoder, logger)
	a.renderer = audio.NewRenderer(player, cfg.Pipeline.SpeakingInterval, a.remoteSpeaking, logger)
	a.sampler = telemetry.NewSampler(services.NewQualityService(), cfg.StatsInterval, a.peerSampled, a.pushLocalRTT, logger)

	a.sig = signaling.NewClient(cfg.ServerURL, cfg.Token, a, logger)
	a.engine = engine.NewEngine(a.sig, a.buildLink, cfg.Engine, logger)
	a.engine.SetRosterHook(hooks.OnRoster)
	a.engine.SetConnectedHook(a.sessionConnected)

	a.pipeline.SetHooks(a.engine.ReplaceTrack, a.localSpeaking)
	return a, nil
}

func (a *Agent) buildLink(remote domain.ConnID, sess *engine.Session) (engine.PeerLink, error) {
	track, err := a.pipeline.Track()
	if err != nil {
		return nil, err
	}
	return engine.NewPionLink(remote, sess, a.sig, engine.PionLinkConfig{
		ICEServers: a.cfg.ICEServers,
		LocalTrack: track,
		OnTrack:    a.renderer.HandleTrack,
		Logger:     a.logger,
	})
}

// Connect establishes the signaling transport.
func (a *Agent) Connect(ctx context.Context) error {
	return a.sig.Connect(ctx)
}

// JoinRoom acquires the microphone, then requests a seat. An unusable
// capture device aborts the join before the server ever sees it: the
// error carries one of the domain media sentinels and no membership is
// established.
func (a *Agent) JoinRoom(roomID domain.RoomID) error {
	if err := a.pipeline.Start(); err != nil {
		return err
	}

	a.mu.Lock()
	a.roomID = roomID
	a.mu.Unlock()
	return a.engine.Join(roomID)
}

// LeaveRoom releases the seat and stops media.
func (a *Agent) LeaveRoom() error {
	a.mu.Lock()
	a.roomID = ""
	a.stopPresenceLocked()
	a.mu.Unlock()

	a.sampler.Stop()
	a.sampler.RemoveAll()
	a.renderer.RemoveAll()
	a.pipeline.Stop()
	return a.engine.Leave()
}

func (a *Agent) Close() {
	a.LeaveRoom()
	a.sig.Close()
}

// ── signaling.Handler ────────────────────────────────────────────

func (a *Agent) OnInit(result ports.JoinResult) {
	a.engine.OnInit(result)
	a.sampler.Start()

	a.mu.Lock()
	a.startPresenceLocked(result.RoomID)
	a.mu.Unlock()
}

func (a *Agent) OnPeerJoined(roomID domain.RoomID, peer domain.Member) {
	a.engine.OnPeerJoined(roomID, peer)
}

func (a *Agent) OnPeerLeft(roomID domain.RoomID, connID domain.ConnID) {
	a.engine.OnPeerLeft(roomID, connID)
	a.renderer.Remove(connID)
	a.sampler.Remove(connID)
}

func (a *Agent) OnRoomUpdate(snapshot domain.RoomSnapshot) {
	a.mu.Lock()
	mine := snapshot.RoomID == a.roomID
	a.mu.Unlock()
	if mine && a.hooks.OnRoster != nil {
		a.hooks.OnRoster(snapshot.Members)
	}
}

func (a *Agent) OnSnapshot(snapshots []domain.RoomSnapshot) {
	if a.hooks.OnRoomSnapshot != nil {
		a.hooks.OnRoomSnapshot(snapshots)
	}
}

func (a *Agent) OnOffer(from domain.ConnID, payload json.RawMessage) {
	a.engine.OnOffer(from, payload)
}

func (a *Agent) OnAnswer(from domain.ConnID, payload json.RawMessage) {
	a.engine.OnAnswer(from, payload)
}

func (a *Agent) OnICECandidate(from domain.ConnID, payload json.RawMessage) {
	a.engine.OnICECandidate(from, payload)
}

func (a *Agent) OnSpeaking(from domain.ConnID, speaking bool) {
	// Relay-based indicator; the audio-level probe covers peers whose
	// packets carry the level extension, this covers the rest.
	if a.hooks.OnPeerSpeaking != nil {
		a.hooks.OnPeerSpeaking(from, speaking)
	}
}

func (a *Agent) OnStats(from domain.ConnID, rttMs *float64) {
	a.sampler.SetTheirRTT(from, rttMs)
}

func (a *Agent) OnError(code, message string) {
	a.logger.Warnw("server error", "code", code, "message", message)
	if a.hooks.OnServerError != nil {
		a.hooks.OnServerError(code, message)
	}
}

func (a *Agent) OnReconnected() {
	a.renderer.RemoveAll()
	a.sampler.RemoveAll()
	a.engine.OnReconnected()
}

// ── media controls ───────────────────────────────────────────────

func (a *Agent) SetMuted(muted bool)               { a.pipeline.SetMuted(muted) }
func (a *Agent) Muted() bool                       { return a.pipeline.Muted() }
func (a *Agent) SetDeafened(deafened bool)         { a.renderer.SetDeafened(deafened) }
func (a *Agent) Deafened() bool                    { return a.renderer.Deafened() }
func (a *Agent) SetMicGain(gain float64)           { a.pipeline.SetMicGain(gain) }
func (a *Agent) SetHighPass(enabled bool)          { a.pipeline.SetHighPass(enabled) }
func (a *Agent) SetVoiceShapeIntensity(x float64)  { a.pipeline.SetVoiceShapeIntensity(x) }
func (a *Agent) SetNoiseSuppression(on bool) error { return a.pipeline.SetNoiseSuppression(on) }
func (a *Agent) InputLevel() int                   { return a.pipeline.InputLevel() }

func (a *Agent) SetPeerVolume(remote domain.ConnID, volume float64) {
	a.renderer.SetVolume(remote, volume)
}

// ── internal plumbing ────────────────────────────────────────────

func (a *Agent) sessionConnected(remote domain.ConnID, link engine.PeerLink) {
	if source, ok := link.(telemetry.StatsSource); ok {
		a.sampler.Track(remote, source)
	}
}

func (a *Agent) localSpeaking(speaking bool) {
	a.mu.Lock()
	roomID := a.roomID
	a.mu.Unlock()
	if roomID == "" {
		return
	}
	if err := a.sig.SendSpeaking(roomID, speaking); err != nil {
		a.logger.Debugw("speaking send failed", "error", err)
	}
}

func (a *Agent) remoteSpeaking(remote domain.ConnID, speaking bool) {
	if a.hooks.OnPeerSpeaking != nil {
		a.hooks.OnPeerSpeaking(remote, speaking)
	}
}

func (a *Agent) peerSampled(remote domain.ConnID, stats domain.PeerStats, quality domain.NetQuality) {
	if a.hooks.OnPeerStats != nil {
		a.hooks.OnPeerStats(remote, stats, quality)
	}
}

func (a *Agent) pushLocalRTT(rttMs *float64) {
	a.mu.Lock()
	roomID := a.roomID
	a.mu.Unlock()
	if roomID == "" || rttMs == nil {
		return
	}
	if err := a.sig.SendStats(roomID, rttMs); err != nil {
		a.logger.Debugw("stats send failed", "error", err)
	}
}

func (a *Agent) startPresenceLocked(roomID domain.RoomID) {
	a.stopPresenceLocked()
	stop := make(chan struct{})
	a.presenceStop = stop

	go func() {
		ticker := time.NewTicker(presenceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := a.sig.Ping(roomID); err != nil {
					a.logger.Debugw("presence ping failed", "error", err)
				}
			}
		}
	}()
}

func (a *Agent) stopPresenceLocked() {
	if a.presenceStop != nil {
		close(a.presenceStop)
		a.presenceStop = nil
	}
}
