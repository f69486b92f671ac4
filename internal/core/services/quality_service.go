package services

import "nexusvoice/internal/core/domain"

// qualityThreshold is one rung of the classification ladder. A sample
// qualifies for a rung when RTT and loss are both under its ceilings.
type qualityThreshold struct {
	quality   domain.NetQuality
	maxRTTMs  float64
	maxLossPct float64
}

type QualityService struct {
	ladder []qualityThreshold
}

func NewQualityService() *QualityService {
	return &QualityService{
		ladder: []qualityThreshold{
			{domain.QualityExcellent, 60, 1},
			{domain.QualityGood, 120, 3},
			{domain.QualityFair, 250, 8},
		},
	}
}

// Classify maps a stats sample onto the monotonic RTT/loss ladder. Until a
// first RTT exists (local or remote-reported) the quality is unknown.
func (qs *QualityService) Classify(stats domain.PeerStats) domain.NetQuality {
	rtt := stats.RTTMs
	if rtt == nil {
		rtt = stats.TheirRTTMs
	}
	if rtt == nil {
		return domain.QualityUnknown
	}

	loss := 0.0
	if stats.PacketLossPct != nil {
		loss = *stats.PacketLossPct
	}

	for _, t := range qs.ladder {
		if *rtt < t.maxRTTMs && loss < t.maxLossPct {
			return t.quality
		}
	}
	return domain.QualityPoor
}
