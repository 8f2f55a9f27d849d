package racevoice

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Client is the top-level facade: it assembles the session manager, audio
// pipelines, tool registry, dispatcher, and event router, and exposes the
// operations a host application needs.
type Client struct {
	cfg    *Config
	logger *Logger

	session   *Session
	capture   *Capture
	playback  *Playback
	arbiter   *Arbiter
	tools     *ToolRegistry
	throttle  *Throttle
	router    *EventRouter
	telemetry *TelemetryTracker
	detector  *BargeInDetector
	notify    *notifier
	metrics   *ConnectionMetrics
	stats     *StreamStats
	events    *EventLog

	mu      sync.Mutex
	vadStop chan struct{}
	closed  bool
}

type clientOptions struct {
	logger   *Logger
	dialer   Dialer
	source   AudioSource
	sink     AudioSink
	tokens   TokenProvider
	narrator Narrator
	flusher  LogFlusher
}

// ClientOption customizes client construction; mainly used to inject fakes.
type ClientOption func(*clientOptions)

func WithLogger(logger *Logger) ClientOption {
	return func(o *clientOptions) { o.logger = logger }
}

func WithDialer(dialer Dialer) ClientOption {
	return func(o *clientOptions) { o.dialer = dialer }
}

func WithAudioSource(source AudioSource) ClientOption {
	return func(o *clientOptions) { o.source = source }
}

func WithAudioSink(sink AudioSink) ClientOption {
	return func(o *clientOptions) { o.sink = sink }
}

func WithTokenProvider(tokens TokenProvider) ClientOption {
	return func(o *clientOptions) { o.tokens = tokens }
}

func WithNarrator(narrator Narrator) ClientOption {
	return func(o *clientOptions) { o.narrator = narrator }
}

func WithEventFlusher(flusher LogFlusher) ClientOption {
	return func(o *clientOptions) { o.flusher = flusher }
}

// NewClient validates the configuration and wires every component together.
func NewClient(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if issues := cfg.Validate(); len(issues) > 0 {
		return nil, NewVoiceError(
			fmt.Sprintf("invalid configuration: %s", strings.Join(issues, "; ")),
			ErrCodeConfigInvalid)
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg.LogLevel, true, nil)
	}
	if o.dialer == nil {
		o.dialer = DialWebSocket
	}
	if o.source == nil {
		o.source = NewPortAudioSource(cfg.InputDeviceID)
	}
	if o.sink == nil {
		o.sink = NewPortAudioSink(cfg.OutputDeviceID)
	}
	if o.tokens == nil {
		if cfg.TokenEndpoint != "" {
			o.tokens = NewEndpointTokenProvider(cfg.TokenEndpoint, nil)
		} else {
			o.tokens = &LocalTokenProvider{APIKey: cfg.APIKey}
		}
	}

	c := &Client{
		cfg:       cfg,
		logger:    o.logger,
		notify:    newNotifier(),
		metrics:   NewConnectionMetrics(),
		stats:     NewStreamStats(),
		events:    NewEventLog(cfg.EventLogCapacity, o.flusher, cfg.FlushInterval),
		throttle:  NewThrottle(cfg),
		telemetry: NewTelemetryTracker(cfg),
		detector:  NewBargeInDetector(cfg),
		router:    NewEventRouter(cfg, o.narrator),
	}

	c.arbiter = NewArbiter(cfg, o.logger)
	c.playback = NewPlayback(cfg, o.sink, o.logger)
	c.playback.SetSpeakingHook(c.notify.speakingChanged)
	c.tools = NewToolRegistry(c.arbiter, o.logger, c.events)
	c.arbiter.SetForcedUnlockHook(c.tools.AbandonAll)

	capture, err := NewCapture(cfg, o.source, o.logger, c.stats)
	if err != nil {
		return nil, err
	}
	c.capture = capture

	c.session = newSession(cfg, o.logger, sessionDeps{
		dialer:   o.dialer,
		tokens:   o.tokens,
		throttle: c.throttle,
		arbiter:  c.arbiter,
		tools:    c.tools,
		playback: c.playback,
		capture:  c.capture,
		notify:   c.notify,
		metrics:  c.metrics,
		events:   c.events,
	})
	c.tools.Bind(c.session.respond, c.session.replay)

	c.capture.Bind(
		c.session.IsReady,
		c.arbiter.Locked,
		c.session.sendAudioFrame,
		c.session.sendTurnEnd,
		c.notify.micChanged,
		c.detector.MicActivated,
	)

	c.events.Start()
	return c, nil
}

// Connect establishes a session for the given context and starts the
// barge-in monitor. Idempotent for an unchanged context. A failed first dial
// returns the error while reconnect attempts continue in the background; do
// not call Connect again to retry.
func (c *Client) Connect(sctx SessionContext) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return NewVoiceError("client closed", ErrCodeSessionClosed)
	}
	if c.vadStop == nil {
		c.vadStop = make(chan struct{})
		go c.vadLoop(c.vadStop)
	}
	c.mu.Unlock()

	return c.session.Connect(sctx)
}

// Disconnect closes the session and releases the microphone; the client
// stays usable.
func (c *Client) Disconnect() error {
	return c.session.Disconnect()
}

// Close shuts the whole bridge down. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.vadStop != nil {
		close(c.vadStop)
		c.vadStop = nil
	}
	c.mu.Unlock()

	_ = c.capture.Stop()
	err := c.session.Disconnect()
	c.events.Stop()
	return err
}

// StartCapture acquires the microphone and begins streaming.
func (c *Client) StartCapture() error {
	return c.capture.Start()
}

// StopCapture releases the microphone; the end-of-turn signal follows the
// last queued frame if any audio went out.
func (c *Client) StopCapture() error {
	return c.capture.Stop()
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.session.State()
}

// Handle returns a snapshot of the live session.
func (c *Client) Handle() SessionHandle {
	return c.session.Handle()
}

// SendContext submits a periodic context update; cadence and reply rules are
// enforced inside, so callers can submit freely.
func (c *Client) SendContext(text string, needsReply bool) error {
	return c.session.Send(&OutboundMessage{
		Category:   CategoryContext,
		Urgency:    UrgencyRoutine,
		NeedsReply: needsReply,
		Envelope:   NewContentEnvelope(text, needsReply, false),
		CreatedAt:  time.Now(),
	})
}

// SendInjection submits a one-off host-initiated utterance.
func (c *Client) SendInjection(text string) error {
	return c.session.Send(&OutboundMessage{
		Category:  CategoryInjection,
		Urgency:   UrgencyRoutine,
		Envelope:  NewContentEnvelope(text, false, false),
		CreatedAt: time.Now(),
	})
}

// SendAlert submits a critical alert. Repeats of the same alert type are
// deduplicated inside the cooldown window.
func (c *Client) SendAlert(alertType, text string) error {
	return c.session.Send(&OutboundMessage{
		Category:   CategoryCriticalAlert,
		AlertType:  alertType,
		Urgency:    UrgencyUrgent,
		NeedsReply: true,
		Envelope:   NewContentEnvelope(text, true, false),
		CreatedAt:  time.Now(),
	})
}

// IngestTelemetry validates one snapshot against the staleness ceiling.
// Returns whether the snapshot was accepted.
func (c *Client) IngestTelemetry(snap *TelemetrySnapshot) bool {
	c.mu.Lock()
	fresh, notice := c.telemetry.Ingest(snap)
	c.mu.Unlock()

	if notice != nil {
		if err := c.session.Send(notice); err != nil {
			c.logger.Debug().Err(err).Msg("staleness notice not delivered")
		}
	}
	return fresh
}

// PublishEvent routes one proactive domain event; most are debounced or
// dropped, urgent ones go out as critical alerts.
func (c *Client) PublishEvent(ev ProactiveEvent) error {
	c.mu.Lock()
	msg := c.router.Route(ev, c.telemetry.Latest())
	c.mu.Unlock()

	if msg == nil {
		return nil
	}
	return c.session.Send(msg)
}

// RegisterTool installs a named tool handler.
func (c *Client) RegisterTool(name string, handler ToolHandler) {
	c.tools.Register(name, handler)
}

// Subscribe registers an observer; the returned func unsubscribes it.
func (c *Client) Subscribe(obs Observer) func() {
	return c.notify.Subscribe(obs)
}

// OnTranscript sets the transcript handler. Set before Connect.
func (c *Client) OnTranscript(handler TranscriptHandler) {
	c.session.onTranscript = handler
}

// OnMessage sets a raw-envelope tap for every inbound frame. Set before
// Connect.
func (c *Client) OnMessage(handler MessageHandler) {
	c.session.onMessage = handler
}

// OnError sets the error handler. Set before Connect.
func (c *Client) OnError(handler ErrorHandler) {
	c.session.onError = handler
}

// Metrics returns the connection counters.
func (c *Client) Metrics() MetricsSnapshot {
	return c.metrics.Snapshot()
}

// EventLogSnapshot returns the buffered session events.
func (c *Client) EventLogSnapshot() []LogEntry {
	return c.events.Snapshot()
}

// vadLoop samples input energy on a fixed cadence while the copilot speaks
// and interrupts playback on confirmed driver speech.
func (c *Client) vadLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.cfg.VADInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.playback.IsSpeaking() || !c.capture.Active() {
				continue
			}
			if c.detector.Observe(c.capture.CurrentLevelDB(), time.Now()) {
				c.logger.Info().Msg("driver speech detected, interrupting playback")
				c.playback.Interrupt()
			}
		}
	}
}
