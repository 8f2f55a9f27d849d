package racevoice

import (
	"time"
)

// TelemetrySnapshot is a normalized view of the simulator state, delivered
// by the external ingestion pipeline.
type TelemetrySnapshot struct {
	Timestamp      time.Time
	Speed          float64 // km/h
	RPM            float64
	Gear           int
	FuelLiters     float64
	Position       int
	LapNumber      int
	LapDistancePct float64
	LastLapTime    time.Duration
	BestLapTime    time.Duration
	TrackTempC     float64
	AirTempC       float64
}

// TelemetryTracker rejects stale snapshots and raises a single "simulator
// disconnected" notice per staleness episode. Stale data is not an error
// state; it is silently dropped once the notice is out.
type TelemetryTracker struct {
	ceiling       time.Duration
	now           func() time.Time
	staleNotified bool
	latest        *TelemetrySnapshot
}

func NewTelemetryTracker(cfg *Config) *TelemetryTracker {
	ceiling := cfg.TelemetryStaleCeiling
	if ceiling <= 0 {
		// A non-positive ceiling would mark every snapshot stale.
		ceiling = 10 * time.Second
	}
	return &TelemetryTracker{
		ceiling: ceiling,
		now:     time.Now,
	}
}

// Ingest validates one snapshot. It returns whether the snapshot is fresh
// enough to use, plus an optional notice to dispatch (at most one per
// staleness episode).
func (t *TelemetryTracker) Ingest(snap *TelemetrySnapshot) (bool, *OutboundMessage) {
	now := t.now()

	if snap == nil || now.Sub(snap.Timestamp) > t.ceiling {
		if t.staleNotified {
			return false, nil
		}
		t.staleNotified = true
		notice := &OutboundMessage{
			Category:  CategoryInjection,
			Urgency:   UrgencyRoutine,
			Envelope:  NewContentEnvelope("Telemetry feed lost: the simulator appears to be disconnected.", false, false),
			CreatedAt: now,
		}
		return false, notice
	}

	// Fresh data ends any staleness episode.
	t.staleNotified = false
	t.latest = snap
	return true, nil
}

// Latest returns the most recent accepted snapshot, or nil.
func (t *TelemetryTracker) Latest() *TelemetrySnapshot {
	return t.latest
}
