package racevoice

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func throttleConfig() *Config {
	return &Config{
		GlobalMinInterval:   3 * time.Second,
		ContextIntervalRace: 15 * time.Second,
		ContextIntervalIdle: 30 * time.Second,
		InjectionCooldown:   3 * time.Second,
		AlertRepeatCooldown: 45 * time.Second,
		MustReplyTimeout:    30 * time.Second,
	}
}

// fakeClock drives a Throttle deterministically.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testThrottle() (*Throttle, *fakeClock) {
	clock := newFakeClock()
	th := NewThrottle(throttleConfig())
	th.now = clock.now
	return th, clock
}

func contextMsg(needsReply bool) *OutboundMessage {
	return &OutboundMessage{
		Category:   CategoryContext,
		NeedsReply: needsReply,
		Envelope:   NewContentEnvelope("ctx", needsReply, false),
	}
}

func alertMsg(alertType string) *OutboundMessage {
	return &OutboundMessage{
		Category:  CategoryCriticalAlert,
		AlertType: alertType,
		Envelope:  NewContentEnvelope("alert", true, false),
	}
}

func injectionMsg() *OutboundMessage {
	return &OutboundMessage{
		Category: CategoryInjection,
		Envelope: NewContentEnvelope("note", false, false),
	}
}

func TestThrottleGlobalMinimumInterval(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(injectionMsg(), false).Allowed)

	clock.advance(time.Second)
	v := th.Admit(alertMsg("fuel"), false)
	assert.False(t, v.Allowed)
	assert.Equal(t, "global interval", v.Reason)

	clock.advance(3 * time.Second)
	assert.True(t, th.Admit(alertMsg("fuel"), false).Allowed)
}

func TestThrottleExemptCategoriesBypassGlobal(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(injectionMsg(), false).Allowed)
	clock.advance(time.Second)

	toolResp := &OutboundMessage{Category: CategoryToolResponse, Envelope: NewAudioEndEnvelope()}
	turnEnd := &OutboundMessage{Category: CategoryTurnSignal, Envelope: NewAudioEndEnvelope()}
	assert.True(t, th.Admit(toolResp, false).Allowed)
	assert.True(t, th.Admit(turnEnd, false).Allowed)

	// Exempt traffic must not push the global window forward.
	clock.advance(2*time.Second + time.Millisecond)
	assert.True(t, th.Admit(injectionMsg(), false).Allowed)
}

func TestThrottleContextCadence(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(contextMsg(false), true).Allowed)

	clock.advance(10 * time.Second)
	v := th.Admit(contextMsg(false), true)
	assert.False(t, v.Allowed)
	assert.Equal(t, "context cadence", v.Reason)

	clock.advance(6 * time.Second)
	assert.True(t, th.Admit(contextMsg(false), true).Allowed)
}

func TestThrottleContextCadenceIdleIsSlower(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(contextMsg(false), false).Allowed)

	clock.advance(16 * time.Second)
	assert.False(t, th.Admit(contextMsg(false), false).Allowed)

	clock.advance(15 * time.Second)
	assert.True(t, th.Admit(contextMsg(false), false).Allowed)
}

func TestThrottleMustReplySuppressesContext(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(contextMsg(true), true).Allowed)
	assert.Equal(t, 1, th.OutstandingReplies())

	clock.advance(20 * time.Second)
	v := th.Admit(contextMsg(false), true)
	assert.False(t, v.Allowed)
	assert.Equal(t, "reply outstanding", v.Reason)

	th.ReplyReceived()
	assert.Equal(t, 0, th.OutstandingReplies())
	assert.True(t, th.Admit(contextMsg(false), true).Allowed)
}

func TestThrottleMustReplyForceClears(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(contextMsg(true), true).Allowed)

	// A lost reply must not mute context updates forever.
	clock.advance(31 * time.Second)
	assert.True(t, th.Admit(contextMsg(false), true).Allowed)
	assert.Equal(t, 0, th.OutstandingReplies())
}

func TestThrottleAlertDeduplication(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(alertMsg("fuel_critical"), true).Allowed)

	clock.advance(10 * time.Second)
	v := th.Admit(alertMsg("fuel_critical"), true)
	assert.False(t, v.Allowed)
	assert.Equal(t, "alert repeat", v.Reason)

	// A different alert type is not deduplicated against it.
	assert.True(t, th.Admit(alertMsg("incident"), true).Allowed)

	clock.advance(40 * time.Second)
	assert.True(t, th.Admit(alertMsg("fuel_critical"), true).Allowed)
}

func TestThrottleInjectionCooldown(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(injectionMsg(), false).Allowed)

	clock.advance(3500 * time.Millisecond)
	// Global window (3s) has passed but another throttle state could still
	// apply; injection cooldown equals the global window here so it passes.
	assert.True(t, th.Admit(injectionMsg(), false).Allowed)

	clock.advance(2 * time.Second)
	v := th.Admit(injectionMsg(), false)
	assert.False(t, v.Allowed)
	assert.Equal(t, "global interval", v.Reason)
}

func TestThrottleReset(t *testing.T) {
	th, clock := testThrottle()

	assert.True(t, th.Admit(contextMsg(true), true).Allowed)
	clock.advance(time.Second)

	th.Reset()
	assert.Equal(t, 0, th.OutstandingReplies())
	assert.True(t, th.Admit(contextMsg(false), true).Allowed)
}
