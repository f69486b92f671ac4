package domain

// ConnectionType describes the nominated ICE path of a peer session.
type ConnectionType string

const (
	ConnectionDirect  ConnectionType = "direct"
	ConnectionRelay   ConnectionType = "relay"
	ConnectionUnknown ConnectionType = "unknown"
)

// PeerStats is one telemetry sample for a remote peer. Pointer fields are
// nil until the underlying counter has produced a value; PacketLossPct in
// particular needs a prior sample to compute a delta.
type PeerStats struct {
	RTTMs          *float64       `json:"rtt_ms"`
	TheirRTTMs     *float64       `json:"their_rtt_ms"`
	PacketLossPct  *float64       `json:"packet_loss_pct"`
	JitterMs       *float64       `json:"jitter_ms"`
	ConnectionType ConnectionType `json:"connection_type"`
}

// NetQuality is the classified link quality shown next to a peer.
type NetQuality string

const (
	QualityExcellent NetQuality = "excellent"
	QualityGood      NetQuality = "good"
	QualityFair      NetQuality = "fair"
	QualityPoor      NetQuality = "poor"
	QualityUnknown   NetQuality = "unknown"
)
