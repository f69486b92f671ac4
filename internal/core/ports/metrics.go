package ports

// VoiceMetrics receives coordinator-level counters. Implemented by the
// Prometheus collector; a nil implementation is allowed everywhere it is
// accepted.
type VoiceMetrics interface {
	JoinAccepted()
	StaleEvicted()
	CapacityRejected()
	SetActiveRooms(n int)
	SetOccupiedSeats(n int)
	MessageRelayed(event string)
	RelayDropped()
	// MulticastFanout records how many connections one room broadcast
	// reached.
	MulticastFanout(n int)
}
