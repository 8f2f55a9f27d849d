package racevoice

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelayForAttempt(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 5 * time.Second},
		{3, 10 * time.Second},
		{4, 20 * time.Second},
		{5, 30 * time.Second},
		{6, 30 * time.Second},
		{0, 2 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, delayForAttempt(tc.attempt), "attempt %d", tc.attempt)
	}
}

// fakeSessionTransport scripts the upstream side of a session.
type fakeSessionTransport struct {
	mu        sync.Mutex
	sent      []*Envelope
	inbound   chan *Envelope
	closeOnce sync.Once
}

func newFakeSessionTransport() *fakeSessionTransport {
	return &fakeSessionTransport{inbound: make(chan *Envelope, 16)}
}

func (f *fakeSessionTransport) Send(env *Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSessionTransport) Receive() (*Envelope, error) {
	env, ok := <-f.inbound
	if !ok {
		return nil, NewVoiceError("connection closed", ErrCodeWebSocket)
	}
	return env, nil
}

func (f *fakeSessionTransport) Close() error {
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeSessionTransport) push(env *Envelope) {
	f.inbound <- env
}

func (f *fakeSessionTransport) pushReady(id string) {
	f.push(mustEnvelope(MsgReady, ReadyPayload{SessionID: id}))
}

func (f *fakeSessionTransport) sentOfType(mt MessageType) []*Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Envelope
	for _, env := range f.sent {
		if env.Type == mt {
			out = append(out, env)
		}
	}
	return out
}

type staticTokenProvider struct{}

func (staticTokenProvider) SessionToken(string) (*SessionToken, error) {
	return &SessionToken{Token: "test-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func sessionTestConfig() *Config {
	return &Config{
		Endpoint:              "wss://test.invalid/v1/stream/session",
		APIKey:                "rv_0123456789abcdef0123456789abcdef",
		MaxReconnectAttempts:  5,
		RotationMargin:        time.Hour,
		KeepAliveInterval:     15 * time.Second,
		QuietPeriod:           2 * time.Minute,
		WatchdogTimeout:       time.Minute,
		ArbiterBufferMax:      8,
		ArbiterBufferAge:      15 * time.Second,
		GlobalMinInterval:     3 * time.Second,
		ContextIntervalRace:   15 * time.Second,
		ContextIntervalIdle:   30 * time.Second,
		InjectionCooldown:     3 * time.Second,
		AlertRepeatCooldown:   45 * time.Second,
		MustReplyTimeout:      30 * time.Second,
		ProactiveDebounce:     5 * time.Second,
		TelemetryStaleCeiling: 10 * time.Second,
		CaptureSampleRate:     48000,
		WireSampleRate:        16000,
		FrameSize:             960,
		PlaybackFade:          100 * time.Millisecond,
		EventLogCapacity:      16,
	}
}

type sessionHarness struct {
	session  *Session
	arbiter  *Arbiter
	throttle *Throttle
	tools    *ToolRegistry
	playback *Playback

	mu         sync.Mutex
	transports []*fakeSessionTransport
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()
	cfg := sessionTestConfig()
	logger := NopLogger()

	h := &sessionHarness{
		arbiter:  NewArbiter(cfg, logger),
		throttle: NewThrottle(cfg),
		playback: NewPlayback(cfg, &fakeSink{}, logger),
	}
	events := NewEventLog(cfg.EventLogCapacity, nil, 0)
	h.tools = NewToolRegistry(h.arbiter, logger, events)
	h.arbiter.SetForcedUnlockHook(h.tools.AbandonAll)

	dialer := func(endpoint string, header http.Header) (Transport, error) {
		assert.Equal(t, "Bearer test-token", header.Get("Authorization"))
		tr := newFakeSessionTransport()
		h.mu.Lock()
		h.transports = append(h.transports, tr)
		h.mu.Unlock()
		return tr, nil
	}

	h.session = newSession(cfg, logger, sessionDeps{
		dialer:   dialer,
		tokens:   staticTokenProvider{},
		throttle: h.throttle,
		arbiter:  h.arbiter,
		tools:    h.tools,
		playback: h.playback,
		notify:   newNotifier(),
		metrics:  NewConnectionMetrics(),
		events:   events,
	})
	h.tools.Bind(h.session.respond, h.session.replay)
	return h
}

func (h *sessionHarness) dials() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.transports)
}

func (h *sessionHarness) transport(i int) *fakeSessionTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transports[i]
}

func (h *sessionHarness) connectReady(t *testing.T, sctx SessionContext) *fakeSessionTransport {
	t.Helper()
	require.NoError(t, h.session.Connect(sctx))
	tr := h.transport(h.dials() - 1)
	tr.pushReady("sess-1")
	require.Eventually(t, func() bool { return h.session.State() == StateReady },
		time.Second, time.Millisecond)
	return tr
}

func raceContext() SessionContext {
	return SessionContext{Track: "spa", Car: "gt3_992", SessionType: "race"}
}

// newBareSession builds a session around an arbitrary dialer, for tests that
// script the dial itself.
func newBareSession(t *testing.T, dialer Dialer) *Session {
	t.Helper()
	cfg := sessionTestConfig()
	logger := NopLogger()

	arbiter := NewArbiter(cfg, logger)
	events := NewEventLog(cfg.EventLogCapacity, nil, 0)
	tools := NewToolRegistry(arbiter, logger, events)
	arbiter.SetForcedUnlockHook(tools.AbandonAll)

	s := newSession(cfg, logger, sessionDeps{
		dialer:   dialer,
		tokens:   staticTokenProvider{},
		throttle: NewThrottle(cfg),
		arbiter:  arbiter,
		tools:    tools,
		playback: NewPlayback(cfg, &fakeSink{}, logger),
		notify:   newNotifier(),
		metrics:  NewConnectionMetrics(),
		events:   events,
	})
	tools.Bind(s.respond, s.replay)
	return s
}

func TestSessionDisconnectWinsOverInFlightDial(t *testing.T) {
	hold := make(chan struct{})
	tr := newFakeSessionTransport()
	s := newBareSession(t, func(string, http.Header) (Transport, error) {
		<-hold
		return tr, nil
	})

	done := make(chan error, 1)
	go func() { done <- s.Connect(raceContext()) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting },
		time.Second, time.Millisecond)

	require.NoError(t, s.Disconnect())
	assert.Equal(t, StateDisconnected, s.State())

	close(hold)
	require.NoError(t, <-done)

	assert.Equal(t, StateDisconnected, s.State(),
		"a dial that finishes after Disconnect must not resurrect the session")
	select {
	case _, ok := <-tr.inbound:
		assert.False(t, ok, "abandoned transport must be closed")
	default:
		t.Fatal("abandoned transport left open")
	}
}

func TestSessionDialFailureAfterDisconnectSchedulesNothing(t *testing.T) {
	hold := make(chan struct{})
	s := newBareSession(t, func(string, http.Header) (Transport, error) {
		<-hold
		return nil, NewVoiceError("connection refused", ErrCodeConnectionFailed)
	})

	done := make(chan error, 1)
	go func() { done <- s.Connect(raceContext()) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting },
		time.Second, time.Millisecond)

	require.NoError(t, s.Disconnect())
	close(hold)
	require.Error(t, <-done)

	assert.Equal(t, StateDisconnected, s.State())
	assert.Equal(t, 0, s.Handle().Attempts)
	s.mu.Lock()
	assert.Nil(t, s.reconnect, "no reconnect after an explicit disconnect")
	s.mu.Unlock()
}

func TestSessionConnectSendsSetupAndGatesOnReady(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()

	require.NoError(t, h.session.Connect(raceContext()))
	assert.Equal(t, StateConnected, h.session.State())
	assert.False(t, h.session.IsReady(), "transport open is not ready")

	tr := h.transport(0)
	setups := tr.sentOfType(MsgSetup)
	require.Len(t, setups, 1)
	var setup SetupPayload
	require.NoError(t, decodePayload(setups[0], MsgSetup, &setup))
	assert.Equal(t, "spa|gt3_992|race", setup.SessionKey)
	assert.Equal(t, 16000, setup.SampleRate)

	tr.pushReady("sess-1")
	require.Eventually(t, func() bool { return h.session.IsReady() }, time.Second, time.Millisecond)
	handle := h.session.Handle()
	assert.True(t, handle.Ready)
	assert.Equal(t, 0, handle.Attempts)
}

func TestSessionConnectIsIdempotentForSameContext(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()

	h.connectReady(t, raceContext())
	require.NoError(t, h.session.Connect(raceContext()))
	assert.Equal(t, 1, h.dials(), "same context must not re-dial")
}

func TestSessionConnectNewContextReplacesSession(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()

	h.connectReady(t, raceContext())

	quali := SessionContext{Track: "spa", Car: "gt3_992", SessionType: "qualifying"}
	require.NoError(t, h.session.Connect(quali))
	assert.Equal(t, 2, h.dials())
	assert.Equal(t, quali.Key(), h.session.Context().Key())
}

func TestSessionSendRequiresReady(t *testing.T) {
	h := newSessionHarness(t)

	err := h.session.Send(contextMsg(false))
	require.Error(t, err)
	verr, ok := err.(*VoiceError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeSessionClosed, verr.Code)
}

func TestSessionSendGoesThroughThrottle(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	require.NoError(t, h.session.Send(contextMsg(false)))
	require.Len(t, tr.sentOfType(MsgContent), 1)

	// Immediate repeat lands inside the global window; suppressed, not failed.
	require.NoError(t, h.session.Send(contextMsg(false)))
	assert.Len(t, tr.sentOfType(MsgContent), 1)
}

func TestSessionCriticalAlertBufferedBehindToolGate(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	h.arbiter.Lock()
	require.NoError(t, h.session.Send(alertMsg("fuel_critical")))
	assert.Empty(t, tr.sentOfType(MsgContent), "alert held while gate is locked")

	h.session.replay(h.arbiter.Unlock())
	assert.Len(t, tr.sentOfType(MsgContent), 1)
}

func TestSessionToolCallRoundTrip(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	h.tools.Register("gap_ahead", func(args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"seconds":1.8}`), nil
	})
	tr.push(mustEnvelope(MsgToolCall, ToolCallPayload{ID: "tc-1", Name: "gap_ahead", Args: json.RawMessage(`{}`)}))

	require.Eventually(t, func() bool {
		return len(tr.sentOfType(MsgToolResponse)) == 1
	}, time.Second, time.Millisecond)

	resp, err := tr.sentOfType(MsgToolResponse)[0].AsToolResponse()
	require.NoError(t, err)
	assert.Equal(t, "tc-1", resp.ID)
	assert.JSONEq(t, `{"seconds":1.8}`, string(resp.Result))
	assert.Eventually(t, func() bool { return !h.arbiter.Locked() }, time.Second, time.Millisecond)
}

func TestSessionInboundContentClearsExpectedReply(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	require.NoError(t, h.session.Send(contextMsg(true)))
	require.Equal(t, 1, h.throttle.OutstandingReplies())

	tr.push(mustEnvelope(MsgContent, ContentPayload{Text: "copy that", Role: "assistant", Final: true}))
	assert.Eventually(t, func() bool {
		h.session.mu.Lock()
		defer h.session.mu.Unlock()
		return h.throttle.OutstandingReplies() == 0
	}, time.Second, time.Millisecond)
}

func TestSessionInboundAudioFeedsPlayback(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	tr.push(mustEnvelope(MsgAudioChunk, *testChunk(constantPCM(800, 1000), 16000)))
	assert.Eventually(t, h.playback.IsSpeaking, time.Second, time.Millisecond)
}

func TestSessionTransportLossSchedulesReconnect(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	tr.Close()
	require.Eventually(t, func() bool {
		return h.session.State() == StateDisconnected
	}, time.Second, time.Millisecond)
	assert.False(t, h.session.IsReady())
	assert.Equal(t, 1, h.session.Handle().Attempts)
}

func TestSessionUpstreamCloseSchedulesReconnect(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	tr.push(mustEnvelope(MsgSessionClosed, SessionClosedPayload{Code: 1001, Reason: "going away"}))
	require.Eventually(t, func() bool {
		return h.session.State() == StateDisconnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.session.Handle().Attempts)
}

func TestSessionRotationRedialsImmediately(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	h.connectReady(t, raceContext())

	h.session.mu.Lock()
	gen := h.session.generation
	h.session.mu.Unlock()

	h.session.rotate(gen)
	assert.Equal(t, 2, h.dials())
	assert.Equal(t, StateConnected, h.session.State())

	h.transport(1).pushReady("sess-2")
	require.Eventually(t, func() bool { return h.session.IsReady() }, time.Second, time.Millisecond)
}

func TestSessionKeepAliveSendsSilentTurn(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	h.session.mu.Lock()
	h.session.lastTrafficAt = time.Now().Add(-3 * time.Minute)
	gen := h.session.generation
	h.session.mu.Unlock()

	h.session.maybeKeepAlive(gen)

	contents := tr.sentOfType(MsgContent)
	require.Len(t, contents, 1)
	p, err := contents[0].AsContent()
	require.NoError(t, err)
	assert.True(t, p.Silent)
}

func TestSessionKeepAliveSkipsBusySession(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	h.session.mu.Lock()
	gen := h.session.generation
	h.session.mu.Unlock()

	h.session.maybeKeepAlive(gen)
	assert.Empty(t, tr.sentOfType(MsgContent), "recent traffic means no keep-alive")
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	h := newSessionHarness(t)
	h.connectReady(t, raceContext())

	require.NoError(t, h.session.Disconnect())
	assert.Equal(t, StateDisconnected, h.session.State())
	require.NoError(t, h.session.Disconnect())
}

func TestSessionAudioFramePathUpdatesTraffic(t *testing.T) {
	h := newSessionHarness(t)
	defer h.session.Disconnect()
	tr := h.connectReady(t, raceContext())

	frame := &AudioFrame{Seq: 1, SampleRate: 16000, PCM: constantPCM(320, 50)}
	require.NoError(t, h.session.sendAudioFrame(frame))
	require.Len(t, tr.sentOfType(MsgAudioChunk), 1)

	h.session.sendTurnEnd()
	assert.Len(t, tr.sentOfType(MsgAudioEnd), 1)
}
