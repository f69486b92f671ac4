package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"nexusvoice/internal/core/domain"
	"nexusvoice/internal/core/services"
)

type cannedSource struct {
	mu      sync.Mutex
	report  webrtc.StatsReport
	rtcpRTT *float64
}

func (c *cannedSource) GetStats() webrtc.StatsReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report
}

func (c *cannedSource) RTCPRoundTrip() *float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtcpRTT
}

func (c *cannedSource) set(report webrtc.StatsReport) {
	c.mu.Lock()
	c.report = report
	c.mu.Unlock()
}

func fullReport(rttSeconds float64, candType webrtc.ICECandidateType, received uint32, lost int32) webrtc.StatsReport {
	return webrtc.StatsReport{
		"pair": webrtc.ICECandidatePairStats{
			Nominated:            true,
			State:                webrtc.StatsICECandidatePairStateSucceeded,
			CurrentRoundTripTime: rttSeconds,
			LocalCandidateID:     "local-1",
		},
		"local-1": webrtc.ICECandidateStats{
			ID:            "local-1",
			CandidateType: candType,
		},
		"inbound": webrtc.InboundRTPStreamStats{
			PacketsReceived: received,
			PacketsLost:     lost,
			Jitter:          0.002,
		},
	}
}

type captured struct {
	stats   domain.PeerStats
	quality domain.NetQuality
}

func newTestSampler() (*Sampler, *sync.Mutex, map[domain.ConnID]captured, *[]*float64) {
	var mu sync.Mutex
	samples := make(map[domain.ConnID]captured)
	var localRTTs []*float64

	s := NewSampler(services.NewQualityService(), time.Hour,
		func(remote domain.ConnID, stats domain.PeerStats, quality domain.NetQuality) {
			mu.Lock()
			samples[remote] = captured{stats, quality}
			mu.Unlock()
		},
		func(rttMs *float64) {
			mu.Lock()
			localRTTs = append(localRTTs, rttMs)
			mu.Unlock()
		},
		zap.NewNop().Sugar())
	return s, &mu, samples, &localRTTs
}

func TestSamplerFirstTickHasNoLoss(t *testing.T) {
	s, mu, samples, _ := newTestSampler()
	src := &cannedSource{report: fullReport(0.05, webrtc.ICECandidateTypeHost, 1000, 10)}
	s.Track("peer-a", src)

	s.tick()

	mu.Lock()
	defer mu.Unlock()
	got := samples["peer-a"]
	require.NotNil(t, got.stats.RTTMs)
	assert.InDelta(t, 50.0, *got.stats.RTTMs, 1e-9)
	require.NotNil(t, got.stats.JitterMs)
	assert.InDelta(t, 2.0, *got.stats.JitterMs, 1e-9)
	assert.Nil(t, got.stats.PacketLossPct, "loss needs two samples")
	assert.Equal(t, domain.ConnectionDirect, got.stats.ConnectionType)
	assert.Equal(t, domain.QualityExcellent, got.quality)
}

func TestSamplerLossIsWindowDelta(t *testing.T) {
	s, mu, samples, _ := newTestSampler()
	src := &cannedSource{report: fullReport(0.05, webrtc.ICECandidateTypeHost, 1000, 10)}
	s.Track("peer-a", src)

	s.tick()
	src.set(fullReport(0.05, webrtc.ICECandidateTypeHost, 1080, 30))
	s.tick()

	mu.Lock()
	defer mu.Unlock()
	got := samples["peer-a"]
	require.NotNil(t, got.stats.PacketLossPct)
	assert.InDelta(t, 20.0, *got.stats.PacketLossPct, 1e-9, "20 of 100 packets in the window")
	assert.Equal(t, domain.QualityPoor, got.quality)
}

func TestSamplerCounterRegressionReadsAsZeroLoss(t *testing.T) {
	s, mu, samples, _ := newTestSampler()
	src := &cannedSource{report: fullReport(0.05, webrtc.ICECandidateTypeHost, 1000, 30)}
	s.Track("peer-a", src)

	s.tick()
	// Counters reset after an ICE restart.
	src.set(fullReport(0.05, webrtc.ICECandidateTypeHost, 1100, 0))
	s.tick()

	mu.Lock()
	defer mu.Unlock()
	got := samples["peer-a"]
	require.NotNil(t, got.stats.PacketLossPct)
	assert.Zero(t, *got.stats.PacketLossPct)
}

func TestSamplerDetectsRelayPath(t *testing.T) {
	s, mu, samples, _ := newTestSampler()
	src := &cannedSource{report: fullReport(0.05, webrtc.ICECandidateTypeRelay, 100, 0)}
	s.Track("peer-a", src)

	s.tick()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, domain.ConnectionRelay, samples["peer-a"].stats.ConnectionType)
}

func TestSamplerFallsBackToRTCPRoundTrip(t *testing.T) {
	s, mu, samples, _ := newTestSampler()
	rtcp := 80.0
	src := &cannedSource{
		report: webrtc.StatsReport{
			"inbound": webrtc.InboundRTPStreamStats{PacketsReceived: 10, Jitter: 0.001},
		},
		rtcpRTT: &rtcp,
	}
	s.Track("peer-a", src)

	s.tick()

	mu.Lock()
	defer mu.Unlock()
	got := samples["peer-a"]
	require.NotNil(t, got.stats.RTTMs)
	assert.InDelta(t, 80.0, *got.stats.RTTMs, 1e-9)
	assert.Equal(t, domain.ConnectionUnknown, got.stats.ConnectionType)
}

func TestSamplerAttachesTheirRTT(t *testing.T) {
	s, mu, samples, _ := newTestSampler()
	src := &cannedSource{report: fullReport(0.05, webrtc.ICECandidateTypeHost, 100, 0)}
	s.Track("peer-a", src)

	their := 42.0
	s.SetTheirRTT("peer-a", &their)
	s.tick()

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, samples["peer-a"].stats.TheirRTTMs)
	assert.InDelta(t, 42.0, *samples["peer-a"].stats.TheirRTTMs, 1e-9)
}

func TestSamplerPushesBestLocalRTT(t *testing.T) {
	s, mu, _, localRTTs := newTestSampler()
	s.Track("peer-a", &cannedSource{report: fullReport(0.09, webrtc.ICECandidateTypeHost, 100, 0)})
	s.Track("peer-b", &cannedSource{report: fullReport(0.03, webrtc.ICECandidateTypeHost, 100, 0)})

	s.tick()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *localRTTs, 1)
	require.NotNil(t, (*localRTTs)[0])
	assert.InDelta(t, 30.0, *(*localRTTs)[0], 1e-9)
}

func TestSamplerNilRTTWhileUnmeasured(t *testing.T) {
	s, mu, samples, localRTTs := newTestSampler()
	src := &cannedSource{report: webrtc.StatsReport{}}
	s.Track("peer-a", src)

	s.tick()

	mu.Lock()
	defer mu.Unlock()
	assert.Nil(t, samples["peer-a"].stats.RTTMs)
	assert.Equal(t, domain.QualityUnknown, samples["peer-a"].quality)
	require.Len(t, *localRTTs, 1)
	assert.Nil(t, (*localRTTs)[0])
}
