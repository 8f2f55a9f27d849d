package racevoice

import (
	"time"
)

// ThrottleVerdict reports whether a message may go out and, if not, why.
// Suppression is never an error; callers treat it as a silent no-op.
type ThrottleVerdict struct {
	Allowed bool
	Reason  string
}

func allowed() ThrottleVerdict              { return ThrottleVerdict{Allowed: true} }
func suppressed(why string) ThrottleVerdict { return ThrottleVerdict{Reason: why} }

// Throttle deduplicates and rate-limits outbound messages so the upstream
// session is never saturated. All methods must be called from the session's
// serialized decision point; Throttle carries no lock of its own.
type Throttle struct {
	now func() time.Time

	globalMin         time.Duration
	contextRace       time.Duration
	contextIdle       time.Duration
	injectionCooldown time.Duration
	alertCooldown     time.Duration
	mustReplyTimeout  time.Duration

	lastGlobalAt    time.Time
	lastByCategory  map[MessageCategory]time.Time
	lastAlertByType map[string]time.Time

	expectedReplies   int
	mustReplyDeadline time.Time
}

func NewThrottle(cfg *Config) *Throttle {
	return &Throttle{
		now:               time.Now,
		globalMin:         cfg.GlobalMinInterval,
		contextRace:       cfg.ContextIntervalRace,
		contextIdle:       cfg.ContextIntervalIdle,
		injectionCooldown: cfg.InjectionCooldown,
		alertCooldown:     cfg.AlertRepeatCooldown,
		mustReplyTimeout:  cfg.MustReplyTimeout,
		lastByCategory:    make(map[MessageCategory]time.Time),
		lastAlertByType:   make(map[string]time.Time),
	}
}

// Admit evaluates the rule chain in order. On success it stamps the
// relevant windows and updates the expected-reply counter.
func (t *Throttle) Admit(msg *OutboundMessage, raceActive bool) ThrottleVerdict {
	now := t.now()

	// Tool responses and the explicit end-of-turn signal are never gated:
	// holding either back would stall the upstream turn.
	if msg.Category == CategoryToolResponse || msg.Category == CategoryTurnSignal {
		t.stamp(msg, now, false)
		return allowed()
	}

	if !t.lastGlobalAt.IsZero() && now.Sub(t.lastGlobalAt) < t.globalMin {
		return suppressed("global interval")
	}

	switch msg.Category {
	case CategoryContext:
		if t.expectedReplies > 0 {
			if now.Before(t.mustReplyDeadline) {
				return suppressed("reply outstanding")
			}
			// Force-clear after the timeout so a lost reply cannot mute
			// context updates forever.
			t.expectedReplies = 0
		}
		interval := t.contextIdle
		if raceActive {
			interval = t.contextRace
		}
		if last, ok := t.lastByCategory[CategoryContext]; ok && now.Sub(last) < interval {
			return suppressed("context cadence")
		}
	case CategoryCriticalAlert:
		if last, ok := t.lastAlertByType[msg.AlertType]; ok && now.Sub(last) < t.alertCooldown {
			return suppressed("alert repeat")
		}
	case CategoryInjection:
		if last, ok := t.lastByCategory[CategoryInjection]; ok && now.Sub(last) < t.injectionCooldown {
			return suppressed("injection cooldown")
		}
	}

	t.stamp(msg, now, true)
	return allowed()
}

func (t *Throttle) stamp(msg *OutboundMessage, now time.Time, countsGlobal bool) {
	if countsGlobal {
		t.lastGlobalAt = now
	}
	t.lastByCategory[msg.Category] = now
	if msg.Category == CategoryCriticalAlert && msg.AlertType != "" {
		t.lastAlertByType[msg.AlertType] = now
	}
	if msg.NeedsReply {
		t.expectedReplies++
		t.mustReplyDeadline = now.Add(t.mustReplyTimeout)
	}
}

// ReplyReceived decrements the expected-reply counter when the upstream
// answers a must-reply message.
func (t *Throttle) ReplyReceived() {
	if t.expectedReplies > 0 {
		t.expectedReplies--
	}
}

// OutstandingReplies reports how many must-reply messages await an answer.
func (t *Throttle) OutstandingReplies() int {
	return t.expectedReplies
}

// Reset clears every window and counter; called on session teardown so a
// fresh session starts unthrottled.
func (t *Throttle) Reset() {
	t.lastGlobalAt = time.Time{}
	t.lastByCategory = make(map[MessageCategory]time.Time)
	t.lastAlertByType = make(map[string]time.Time)
	t.expectedReplies = 0
	t.mustReplyDeadline = time.Time{}
}
