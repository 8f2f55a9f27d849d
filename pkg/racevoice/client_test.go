package racevoice

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clientTestConfig() *Config {
	cfg := sessionTestConfig()
	cfg.VADThresholdDB = -42
	cfg.VADDebounce = 30 * time.Millisecond
	cfg.VADCooldown = 10 * time.Millisecond
	cfg.VADInterval = 5 * time.Millisecond
	cfg.PlaybackFade = time.Millisecond
	return cfg
}

type clientHarness struct {
	client *Client
	source *fakeSource
	sink   *fakeSink

	mu         sync.Mutex
	transports []*fakeSessionTransport
}

func newClientHarness(t *testing.T) *clientHarness {
	t.Helper()
	h := &clientHarness{source: &fakeSource{}, sink: &fakeSink{}}

	dialer := func(endpoint string, header http.Header) (Transport, error) {
		tr := newFakeSessionTransport()
		h.mu.Lock()
		h.transports = append(h.transports, tr)
		h.mu.Unlock()
		return tr, nil
	}

	client, err := NewClient(clientTestConfig(),
		WithLogger(NopLogger()),
		WithDialer(dialer),
		WithAudioSource(h.source),
		WithAudioSink(h.sink),
		WithTokenProvider(staticTokenProvider{}),
	)
	require.NoError(t, err)
	h.client = client
	return h
}

func (h *clientHarness) connectReady(t *testing.T) *fakeSessionTransport {
	t.Helper()
	require.NoError(t, h.client.Connect(raceContext()))
	h.mu.Lock()
	tr := h.transports[len(h.transports)-1]
	h.mu.Unlock()
	tr.pushReady("sess-1")
	require.Eventually(t, func() bool { return h.client.State() == StateReady },
		time.Second, time.Millisecond)
	return tr
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := clientTestConfig()
	cfg.APIKey = ""
	cfg.TokenEndpoint = ""

	_, err := NewClient(cfg, WithLogger(NopLogger()))
	require.Error(t, err)
	verr, ok := err.(*VoiceError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeConfigInvalid, verr.Code)
}

func TestClientTelemetryStaleNotice(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	stale := &TelemetrySnapshot{Timestamp: time.Now().Add(-time.Minute)}
	assert.False(t, h.client.IngestTelemetry(stale))

	contents := tr.sentOfType(MsgContent)
	require.Len(t, contents, 1)
	p, err := contents[0].AsContent()
	require.NoError(t, err)
	assert.Contains(t, p.Text, "simulator")

	// Same episode: no second notice.
	assert.False(t, h.client.IngestTelemetry(stale))
	assert.Len(t, tr.sentOfType(MsgContent), 1)

	assert.True(t, h.client.IngestTelemetry(&TelemetrySnapshot{Timestamp: time.Now()}))
}

func TestClientUrgentEventBecomesCriticalAlert(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	err := h.client.PublishEvent(ProactiveEvent{
		Kind:      EventFuelCritical,
		Urgency:   UrgencyUrgent,
		Magnitude: 2.1,
		Detail:    "box this lap",
	})
	require.NoError(t, err)

	contents := tr.sentOfType(MsgContent)
	require.Len(t, contents, 1)
	p, err := contents[0].AsContent()
	require.NoError(t, err)
	assert.True(t, p.NeedsReply)
	assert.Contains(t, p.Text, "Fuel is critical")
}

func TestClientRoutineEventsDebounced(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	require.NoError(t, h.client.PublishEvent(ProactiveEvent{Kind: EventPositionChange, Magnitude: 1}))
	require.NoError(t, h.client.PublishEvent(ProactiveEvent{Kind: EventPositionChange, Magnitude: 1}))
	assert.Len(t, tr.sentOfType(MsgContent), 1)
}

func TestClientBargeInInterruptsPlayback(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	require.NoError(t, h.client.StartCapture())

	// Copilot starts speaking.
	tr.push(mustEnvelope(MsgAudioChunk, *testChunk(constantPCM(16000, 8000), 16000)))
	require.Eventually(t, h.client.playback.IsSpeaking, time.Second, time.Millisecond)

	// Sustained loud input; keep the level fresh while the monitor samples.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		h.source.push(constantFrame(960, 0.5))
		if drained := h.sink.drain(256); drained[0] == 0 && !h.client.playback.IsSpeaking() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	assert.False(t, h.client.playback.IsSpeaking(), "driver speech must interrupt playback")
	require.NoError(t, h.client.StopCapture())
}

func TestClientCaptureStreamsFrames(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	require.NoError(t, h.client.StartCapture())
	h.source.push(constantFrame(960, 0.1))
	require.NoError(t, h.client.StopCapture())

	require.Eventually(t, func() bool {
		return len(tr.sentOfType(MsgAudioChunk)) == 1 && len(tr.sentOfType(MsgAudioEnd)) == 1
	}, time.Second, time.Millisecond)
}

func TestClientDisconnectReleasesMicrophone(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	h.connectReady(t)

	require.NoError(t, h.client.StartCapture())
	require.True(t, h.client.capture.Active())

	require.NoError(t, h.client.Disconnect())
	assert.False(t, h.client.capture.Active(), "disconnect must release the microphone")
}

func TestClientTransportLossReleasesMicrophone(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	require.NoError(t, h.client.StartCapture())
	tr.Close()

	require.Eventually(t, func() bool { return h.client.State() == StateDisconnected },
		time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return !h.client.capture.Active() },
		time.Second, time.Millisecond)
}

func TestClientCloseIsIdempotent(t *testing.T) {
	h := newClientHarness(t)
	h.connectReady(t)

	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())

	err := h.client.Connect(raceContext())
	require.Error(t, err, "closed client refuses new sessions")
}

func TestClientMetricsTrackConnections(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	h.connectReady(t)

	require.NoError(t, h.client.Disconnect())
	snap := h.client.Metrics()
	assert.Equal(t, int64(1), snap.Connects)
	assert.Equal(t, int64(1), snap.Disconnects)
}

func TestClientEventLogRecordsTraffic(t *testing.T) {
	h := newClientHarness(t)
	defer h.client.Close()
	tr := h.connectReady(t)

	require.NoError(t, h.client.SendInjection("radio check"))
	tr.push(mustEnvelope(MsgContent, ContentPayload{Text: "loud and clear", Final: true}))

	assert.Eventually(t, func() bool {
		return len(h.client.EventLogSnapshot()) >= 2
	}, time.Second, time.Millisecond)
}
