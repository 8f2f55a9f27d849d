package racevoice

import (
	"sync"
	"sync/atomic"
	"time"
)

// Arbiter is the mutual-exclusion gate between tool-call processing and the
// audio/telemetry flow. While locked, the capture pipeline drops frames and
// the dispatcher buffers high-priority events for replay after release. A
// watchdog force-releases the gate if a tool handler never completes, so a
// hung tool can never permanently mute the session.
type Arbiter struct {
	mu       sync.Mutex
	locked   atomic.Bool // mirrored for lock-free reads on the audio path
	depth    int
	watchdog *time.Timer

	timeout   time.Duration
	bufferMax int
	bufferAge time.Duration
	buffered  []*OutboundMessage

	forcedUnlocks int64
	onForced      func()
	logger        *Logger
	now           func() time.Time
}

func NewArbiter(cfg *Config, logger *Logger) *Arbiter {
	return &Arbiter{
		timeout:   cfg.WatchdogTimeout,
		bufferMax: cfg.ArbiterBufferMax,
		bufferAge: cfg.ArbiterBufferAge,
		logger:    logger.WithComponent("arbiter"),
		now:       time.Now,
	}
}

// SetForcedUnlockHook installs a callback invoked after a watchdog-forced
// release. Must be set before first use.
func (a *Arbiter) SetForcedUnlockHook(fn func()) {
	a.onForced = fn
}

// Lock enters the gate. Multiple tool calls within one upstream turn nest;
// the watchdog is armed when the first one enters.
func (a *Arbiter) Lock() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.depth++
	a.locked.Store(true)
	if a.depth == 1 {
		a.watchdog = time.AfterFunc(a.timeout, a.forceUnlock)
	}
}

// Unlock leaves the gate. On the final release it disarms the watchdog and
// returns any buffered messages still young enough to replay.
func (a *Arbiter) Unlock() []*OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.depth == 0 {
		// Watchdog already forced the gate open; nothing to release.
		return nil
	}
	a.depth--
	if a.depth > 0 {
		return nil
	}

	a.locked.Store(false)
	if a.watchdog != nil {
		a.watchdog.Stop()
		a.watchdog = nil
	}

	cutoff := a.now().Add(-a.bufferAge)
	replay := make([]*OutboundMessage, 0, len(a.buffered))
	for _, msg := range a.buffered {
		if msg.CreatedAt.After(cutoff) {
			replay = append(replay, msg)
		}
	}
	a.buffered = nil
	return replay
}

// Locked reports the gate state without taking the mutex; safe on the
// time-sensitive capture path.
func (a *Arbiter) Locked() bool {
	return a.locked.Load()
}

// Buffer holds a high-priority message for replay after a clean unlock.
// Returns false if the gate is open or the buffer is full.
func (a *Arbiter) Buffer(msg *OutboundMessage) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.depth == 0 {
		return false
	}
	if len(a.buffered) >= a.bufferMax {
		a.logger.Warn().Str("category", string(msg.Category)).Msg("arbiter buffer full, dropping event")
		return false
	}
	if msg.CreatedAt.IsZero() {
		// An unstamped message would be older than any cutoff and never
		// replay; its age starts now.
		msg.CreatedAt = a.now()
	}
	a.buffered = append(a.buffered, msg)
	return true
}

// ForcedUnlocks reports how many times the watchdog had to fire.
func (a *Arbiter) ForcedUnlocks() int64 {
	return atomic.LoadInt64(&a.forcedUnlocks)
}

func (a *Arbiter) forceUnlock() {
	a.mu.Lock()
	if a.depth == 0 {
		a.mu.Unlock()
		return
	}
	a.depth = 0
	a.locked.Store(false)
	a.watchdog = nil
	dropped := len(a.buffered)
	// Buffered events are stale after a hang; discard rather than replay.
	a.buffered = nil
	atomic.AddInt64(&a.forcedUnlocks, 1)
	hook := a.onForced
	a.mu.Unlock()

	a.logger.Warn().
		Int("dropped_events", dropped).
		Dur("timeout", a.timeout).
		Msg("tool watchdog fired, force-releasing gate")

	if hook != nil {
		hook()
	}
}
