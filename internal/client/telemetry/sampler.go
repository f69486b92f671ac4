package telemetry

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/services"
)

// StatsSource is what the sampler reads per session. The pion link
// satisfies it; tests feed canned reports.
type StatsSource interface {
	GetStats() webrtc.StatsReport
	// RTCPRoundTrip is the receiver-report fallback for links whose
	// candidate-pair stat carries no RTT.
	RTCPRoundTrip() *float64
}

// SampleHandler receives each classified sample.
type SampleHandler func(remote domain.ConnID, stats domain.PeerStats, quality domain.NetQuality)

// LocalRTTHandler pushes our measured RTT to the room so peers can show
// the counterpart view of the link. Called once per tick with the best
// RTT across sessions, nil while nothing has measured yet.
type LocalRTTHandler func(rttMs *float64)

type sessionProbe struct {
	source StatsSource

	// previous cumulative counters; loss is a delta and only valid from
	// the second sample.
	havePrev      bool
	prevReceived  uint32
	prevLost      int32
	theirRTT      *float64
	lastQuality   domain.NetQuality
}

// Sampler polls every tracked session on a fixed interval and classifies
// the result. It never touches the media path.
type Sampler struct {
	quality  *services.QualityService
	interval time.Duration
	logger   *zap.SugaredLogger

	onSample   SampleHandler
	onLocalRTT LocalRTTHandler

	mu     sync.Mutex
	probes map[domain.ConnID]*sessionProbe

	running bool
	stop    chan struct{}
}

func NewSampler(quality *services.QualityService, interval time.Duration, onSample SampleHandler, onLocalRTT LocalRTTHandler, logger *zap.SugaredLogger) *Sampler {
	return &Sampler{
		quality:    quality,
		interval:   interval,
		logger:     logger,
		onSample:   onSample,
		onLocalRTT: onLocalRTT,
		probes:     make(map[domain.ConnID]*sessionProbe),
	}
}

// Track starts sampling a session once its link is connected.
func (s *Sampler) Track(remote domain.ConnID, source StatsSource) {
	s.mu.Lock()
	s.probes[remote] = &sessionProbe{source: source, lastQuality: domain.QualityUnknown}
	s.mu.Unlock()
}

func (s *Sampler) Remove(remote domain.ConnID) {
	s.mu.Lock()
	delete(s.probes, remote)
	s.mu.Unlock()
}

func (s *Sampler) RemoveAll() {
	s.mu.Lock()
	s.probes = make(map[domain.ConnID]*sessionProbe)
	s.mu.Unlock()
}

// SetTheirRTT records the RTT a peer reported over the relay.
func (s *Sampler) SetTheirRTT(remote domain.ConnID, rttMs *float64) {
	s.mu.Lock()
	if probe, ok := s.probes[remote]; ok {
		probe.theirRTT = rttMs
	}
	s.mu.Unlock()
}

func (s *Sampler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	stop := s.stop
	s.mu.Unlock()

	go s.loop(stop)
}

func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
}

func (s *Sampler) loop(stop chan struct{}) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	s.mu.Lock()
	remotes := make([]domain.ConnID, 0, len(s.probes))
	for id := range s.probes {
		remotes = append(remotes, id)
	}
	s.mu.Unlock()

	var bestRTT *float64
	for _, remote := range remotes {
		s.mu.Lock()
		probe, ok := s.probes[remote]
		s.mu.Unlock()
		if !ok {
			continue
		}

		stats := s.sample(probe)
		quality := s.quality.Classify(stats)

		s.mu.Lock()
		probe.lastQuality = quality
		s.mu.Unlock()

		if stats.RTTMs != nil && (bestRTT == nil || *stats.RTTMs < *bestRTT) {
			bestRTT = stats.RTTMs
		}
		if s.onSample != nil {
			s.onSample(remote, stats, quality)
		}
	}

	if s.onLocalRTT != nil {
		s.onLocalRTT(bestRTT)
	}
}

// sample reads one stats report and folds it into the probe state.
func (s *Sampler) sample(probe *sessionProbe) domain.PeerStats {
	report := probe.source.GetStats()

	stats := domain.PeerStats{ConnectionType: domain.ConnectionUnknown}

	var localCandidateID string
	for _, entry := range report {
		pair, ok := entry.(webrtc.ICECandidatePairStats)
		if !ok || !pair.Nominated || pair.State != webrtc.StatsICECandidatePairStateSucceeded {
			continue
		}
		if pair.CurrentRoundTripTime > 0 {
			ms := pair.CurrentRoundTripTime * 1000
			stats.RTTMs = &ms
		}
		localCandidateID = pair.LocalCandidateID
		break
	}

	if localCandidateID != "" {
		for _, entry := range report {
			cand, ok := entry.(webrtc.ICECandidateStats)
			if !ok || cand.ID != localCandidateID {
				continue
			}
			if cand.CandidateType == webrtc.ICECandidateTypeRelay {
				stats.ConnectionType = domain.ConnectionRelay
			} else {
				stats.ConnectionType = domain.ConnectionDirect
			}
			break
		}
	}

	for _, entry := range report {
		inbound, ok := entry.(webrtc.InboundRTPStreamStats)
		if !ok {
			continue
		}
		jitter := inbound.Jitter * 1000
		stats.JitterMs = &jitter

		if probe.havePrev {
			deltaLost := int64(inbound.PacketsLost) - int64(probe.prevLost)
			deltaReceived := int64(inbound.PacketsReceived) - int64(probe.prevReceived)
			total := deltaLost + deltaReceived
			// Counters can regress after an ICE restart; a negative delta
			// is reported as zero loss, not skipped.
			if deltaLost < 0 {
				deltaLost = 0
			}
			if total > 0 {
				loss := float64(deltaLost) / float64(total) * 100
				stats.PacketLossPct = &loss
			}
		}
		probe.prevReceived = inbound.PacketsReceived
		probe.prevLost = inbound.PacketsLost
		probe.havePrev = true
		break
	}

	if stats.RTTMs == nil {
		stats.RTTMs = probe.source.RTCPRoundTrip()
	}
	stats.TheirRTTMs = probe.theirRTT
	return stats
}
