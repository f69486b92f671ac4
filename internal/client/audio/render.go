package audio

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
)

// audioLevelExtensionID is the negotiated header extension id for
// urn:ietf:params:rtp-hdrext:ssrc-audio-level. Browsers and pion both
// assign it first.
const audioLevelExtensionID = 1

// speakingLevelDBov is the loudness bar for the remote speaking probe.
// The extension reports -dBov, so smaller is louder; silence is 127.
const speakingLevelDBov = 50

// Player consumes decoded-side packets for one peer. volume is the
// per-peer playback factor, already combined with deafen.
type Player interface {
	Play(remote domain.ConnID, payload []byte, volume float64)
}

// Renderer owns inbound audio: one render loop per remote track, per-peer
// volume, the deafen switch, and the non-audible speaking probe driven by
// the RTP audio-level extension.
type Renderer struct {
	player   Player
	interval time.Duration
	logger   *zap.SugaredLogger

	// onSpeaking reports remote voice-activity transitions.
	onSpeaking func(remote domain.ConnID, speaking bool)

	mu       sync.Mutex
	deafened bool
	peers    map[domain.ConnID]*peerPlayback
}

type peerPlayback struct {
	volume   float64
	speaking bool
	// lastLevel is the loudest (smallest -dBov) level seen since the
	// previous probe tick.
	lastLevel uint8
	stop      chan struct{}
}

func NewRenderer(player Player, speakingInterval time.Duration, onSpeaking func(remote domain.ConnID, speaking bool), logger *zap.SugaredLogger) *Renderer {
	return &Renderer{
		player:     player,
		interval:   speakingInterval,
		logger:     logger,
		onSpeaking: onSpeaking,
		peers:      make(map[domain.ConnID]*peerPlayback),
	}
}

// HandleTrack starts rendering a peer's inbound track. Rendering always
// runs; deafen and volume only scale what reaches the player.
func (r *Renderer) HandleTrack(remote domain.ConnID, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	pb := &peerPlayback{volume: 1.0, lastLevel: 127, stop: make(chan struct{})}

	r.mu.Lock()
	if old, ok := r.peers[remote]; ok {
		close(old.stop)
	}
	r.peers[remote] = pb
	r.mu.Unlock()

	go r.renderLoop(remote, track, pb)
	go r.probeLoop(remote, pb)
}

// Remove stops rendering for a departed peer.
func (r *Renderer) Remove(remote domain.ConnID) {
	r.mu.Lock()
	pb, ok := r.peers[remote]
	if ok {
		delete(r.peers, remote)
	}
	r.mu.Unlock()
	if ok {
		close(pb.stop)
	}
}

// RemoveAll tears down every playback, for full rejoins.
func (r *Renderer) RemoveAll() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[domain.ConnID]*peerPlayback)
	r.mu.Unlock()
	for _, pb := range peers {
		close(pb.stop)
	}
}

func (r *Renderer) renderLoop(remote domain.ConnID, track *webrtc.TrackRemote, pb *peerPlayback) {
	for {
		select {
		case <-pb.stop:
			return
		default:
		}

		pkt, _, err := track.ReadRTP()
		if err != nil {
			r.logger.Debugw("render loop ended", "remote", remote, "error", err)
			return
		}

		r.noteAudioLevel(pkt, pb)

		r.mu.Lock()
		volume := pb.volume
		if r.deafened {
			volume = 0
		}
		r.mu.Unlock()

		if r.player != nil {
			r.player.Play(remote, pkt.Payload, volume)
		}
	}
}

// noteAudioLevel records the packet's RFC 6464 level for the probe. The
// probe works even when playback volume is zero; the UI still shows who
// is talking while deafened.
func (r *Renderer) noteAudioLevel(pkt *rtp.Packet, pb *peerPlayback) {
	raw := pkt.GetExtension(audioLevelExtensionID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}

	r.mu.Lock()
	if ext.Level < pb.lastLevel {
		pb.lastLevel = ext.Level
	}
	r.mu.Unlock()
}

// probeLoop converts the accumulated level into a binary indicator on a
// fixed cadence, emitting only on transitions.
func (r *Renderer) probeLoop(remote domain.ConnID, pb *peerPlayback) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pb.stop:
			return
		case <-ticker.C:
			r.mu.Lock()
			speaking := pb.lastLevel < speakingLevelDBov
			changed := speaking != pb.speaking
			pb.speaking = speaking
			pb.lastLevel = 127
			r.mu.Unlock()

			if changed && r.onSpeaking != nil {
				r.onSpeaking(remote, speaking)
			}
		}
	}
}

// ── controls ─────────────────────────────────────────────────────

// SetVolume sets one peer's playback factor, 0 to 2.
func (r *Renderer) SetVolume(remote domain.ConnID, volume float64) {
	if volume < 0 {
		volume = 0
	}
	r.mu.Lock()
	if pb, ok := r.peers[remote]; ok {
		pb.volume = volume
	}
	r.mu.Unlock()
}

// SetDeafened mutes all playback without touching per-peer volumes.
func (r *Renderer) SetDeafened(deafened bool) {
	r.mu.Lock()
	r.deafened = deafened
	r.mu.Unlock()
}

func (r *Renderer) Deafened() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deafened
}
