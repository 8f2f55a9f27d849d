package racevoice

import (
	"sync"
	"time"
)

// BargeInDetector confirms sustained driver speech while synthesized audio
// is queued, so playback can be interrupted. Three conditions gate a
// trigger: level above threshold held continuously for the debounce window,
// outside the cooldown after the most recent microphone activation, and at
// most one trigger per activation, since a single utterance must not chop a
// response into fragments.
type BargeInDetector struct {
	mu sync.Mutex

	thresholdDB float64
	debounce    time.Duration
	cooldown    time.Duration

	activatedAt time.Time
	aboveSince  time.Time
	tracking    bool
	fired       bool
}

func NewBargeInDetector(cfg *Config) *BargeInDetector {
	return &BargeInDetector{
		thresholdDB: cfg.VADThresholdDB,
		debounce:    cfg.VADDebounce,
		cooldown:    cfg.VADCooldown,
	}
}

// MicActivated rearms the detector for a new microphone activation.
func (d *BargeInDetector) MicActivated(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activatedAt = t
	d.tracking = false
	d.fired = false
}

// Observe feeds one energy sample (dBFS). It returns true exactly once per
// activation, when the sustained-voice condition is confirmed.
func (d *BargeInDetector) Observe(levelDB float64, t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fired {
		return false
	}
	if !d.activatedAt.IsZero() && t.Sub(d.activatedAt) < d.cooldown {
		// Activation transients (keying the mic, seat rustle) are not speech.
		d.tracking = false
		return false
	}

	if levelDB < d.thresholdDB {
		d.tracking = false
		return false
	}

	if !d.tracking {
		d.tracking = true
		d.aboveSince = t
		return false
	}
	if t.Sub(d.aboveSince) >= d.debounce {
		d.fired = true
		return true
	}
	return false
}

// Reset clears all state, including the per-activation latch.
func (d *BargeInDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activatedAt = time.Time{}
	d.aboveSince = time.Time{}
	d.tracking = false
	d.fired = false
}
