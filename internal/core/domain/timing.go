package domain

// TimingSample is recomputed on every heartbeat reply. It is diagnostic only.
type TimingSample struct {
	SentAt           int64 // ms, local clock (echoed back by the server)
	ServerReportedAt int64 // ms, server clock at reply time
	RoundTripMs      int64
	// EstimatedDriftMs keeps the half-millisecond of an odd round trip.
	EstimatedDriftMs float64
}

// GenerationTiming is derived from a result on arrival.
type GenerationTiming struct {
	SubmissionID       SubmissionID
	LatencyMs          int64
	ServerDurationMs   int64
	ServerStartElapsed string
	ServerEndElapsed   string
}
