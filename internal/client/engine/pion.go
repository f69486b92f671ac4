package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
)

// RemoteTrackHandler receives the peer's inbound audio track once media
// starts flowing.
type RemoteTrackHandler func(remote domain.ConnID, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

// PionLinkConfig carries what every link needs at construction.
type PionLinkConfig struct {
	ICEServers []webrtc.ICEServer
	// LocalTrack is the outbound audio track shared by all links.
	LocalTrack webrtc.TrackLocal
	OnTrack    RemoteTrackHandler
	Logger     *zap.SugaredLogger
}

// PionLink adapts a pion PeerConnection to the PeerLink interface. All
// negotiation ordering lives in Session; this type only executes.
type PionLink struct {
	remote domain.ConnID
	pc     *webrtc.PeerConnection
	logger *zap.SugaredLogger

	mu     sync.Mutex
	sender *webrtc.RTPSender
	closed bool

	// rtcpRTT is the last round-trip estimate derived from receiver
	// reports, a fallback for links where the candidate-pair stat is
	// absent.
	rtcpMu  sync.Mutex
	rtcpRTT *float64
}

// NewPionLink builds the peer connection for one session and wires its
// callbacks: ICE state into the session, candidates and the local track
// outward.
func NewPionLink(remote domain.ConnID, sess *Session, signaler SessionSignaler, cfg PionLinkConfig) (*PionLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: cfg.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	l := &PionLink{
		remote: remote,
		pc:     pc,
		logger: cfg.Logger,
	}

	sender, err := pc.AddTrack(cfg.LocalTrack)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("add local track: %w", err)
	}
	l.sender = sender
	go l.readRTCP(sender)

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := signaler.SendICECandidate(sess.RoomID, remote, init); err != nil {
			cfg.Logger.Warnw("failed to send candidate", "remote", remote, "error", err)
		}
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		cfg.Logger.Debugw("ice state", "remote", remote, "state", state.String())
		sess.HandleICEStateChange(state)
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		cfg.Logger.Infow("remote track", "remote", remote, "codec", track.Codec().MimeType)
		if cfg.OnTrack != nil {
			cfg.OnTrack(remote, track, receiver)
		}
	})

	return l, nil
}

func (l *PionLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return l.pc.CreateOffer(opts)
}

func (l *PionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *PionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *PionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *PionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *PionLink) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(candidate)
}

func (l *PionLink) ReplaceAudioTrack(track webrtc.TrackLocal) error {
	l.mu.Lock()
	sender := l.sender
	l.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no outbound sender")
	}
	return sender.ReplaceTrack(track)
}

func (l *PionLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()
	return l.pc.Close()
}

// GetStats exposes the underlying stats report for the telemetry sampler.
func (l *PionLink) GetStats() webrtc.StatsReport {
	return l.pc.GetStats()
}

// RTCPRoundTrip returns the last RTT derived from receiver reports, or
// nil before the first usable report.
func (l *PionLink) RTCPRoundTrip() *float64 {
	l.rtcpMu.Lock()
	defer l.rtcpMu.Unlock()
	return l.rtcpRTT
}

// readRTCP drains the sender's RTCP stream. Receiver reports carry the
// peer's last-SR timestamp and delay, which yield an RTT estimate per
// RFC 3550 §6.4.1.
func (l *PionLink) readRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			l.logger.Debugw("rtcp reader stopped", "remote", l.remote, "error", err)
			return
		}
		for _, pkt := range packets {
			rr, ok := pkt.(*rtcp.ReceiverReport)
			if !ok {
				continue
			}
			for _, report := range rr.Reports {
				if report.LastSenderReport == 0 {
					continue
				}
				rtt := rttFromReport(report, time.Now())
				if rtt >= 0 {
					ms := rtt.Seconds() * 1000
					l.rtcpMu.Lock()
					l.rtcpRTT = &ms
					l.rtcpMu.Unlock()
				}
			}
		}
	}
}

// rttFromReport computes now − LSR − DLSR in the middle-32-bit NTP
// format the report uses.
func rttFromReport(report rtcp.ReceptionReport, now time.Time) time.Duration {
	arrival := ntpTime32(now)
	total := arrival - report.LastSenderReport - report.Delay
	// Wrapped or clock-skewed values show up as huge uint32 deltas.
	if total > 1<<31 {
		return -1
	}
	return time.Duration(uint64(total) * uint64(time.Second) >> 16)
}

// ntpTime32 is the middle 32 bits of the 64-bit NTP timestamp for t:
// low 16 bits of the seconds count, high 16 bits of the fraction.
func ntpTime32(t time.Time) uint32 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return uint32(secs<<16 | frac>>16)
}
