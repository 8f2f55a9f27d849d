package racevoice

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// reconnectSchedule is the fixed backoff ladder. Attempts beyond its length
// reuse the final value.
var reconnectSchedule = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	20 * time.Second,
	30 * time.Second,
}

func delayForAttempt(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(reconnectSchedule) {
		attempt = len(reconnectSchedule)
	}
	return reconnectSchedule[attempt-1]
}

// sessionDeps bundles the collaborators a Session drives.
type sessionDeps struct {
	dialer   Dialer
	tokens   TokenProvider
	throttle *Throttle
	arbiter  *Arbiter
	tools    *ToolRegistry
	playback *Playback
	capture  *Capture
	notify   *notifier
	metrics  *ConnectionMetrics
	events   *EventLog
}

// Session owns the single upstream connection and every decision about it:
// connect, ready gating, keep-alive, proactive rotation, reconnection, and
// outbound admission. All decisions run under one mutex so they observe a
// consistent state; the audio hot path reads only atomics.
type Session struct {
	mu sync.Mutex

	cfg    *Config
	logger *Logger

	dialer   Dialer
	tokens   TokenProvider
	throttle *Throttle
	arbiter  *Arbiter
	tools    *ToolRegistry
	playback *Playback
	capture  *Capture
	notify   *notifier
	metrics  *ConnectionMetrics
	events   *EventLog

	state      ConnectionState
	sctx       SessionContext
	transport  Transport
	sessionID  string
	attempts   int
	generation uint64 // bumped on every teardown; stale loops and timers check it
	startedAt  time.Time

	ready         atomic.Bool
	lastTrafficAt time.Time

	rotation  *time.Timer
	reconnect *time.Timer
	keepStop  chan struct{}

	onTranscript TranscriptHandler
	onMessage    MessageHandler
	onError      ErrorHandler
}

func newSession(cfg *Config, logger *Logger, deps sessionDeps) *Session {
	return &Session{
		cfg:      cfg,
		logger:   logger.WithComponent("session"),
		dialer:   deps.dialer,
		tokens:   deps.tokens,
		throttle: deps.throttle,
		arbiter:  deps.arbiter,
		tools:    deps.tools,
		playback: deps.playback,
		capture:  deps.capture,
		notify:   deps.notify,
		metrics:  deps.metrics,
		events:   deps.events,
		state:    StateDisconnected,
	}
}

// Connect establishes a session for the given context. Calling it again with
// the same context while a session is live or being established is a no-op;
// a different context tears the current session down first. A dial failure
// is returned to the caller, but reconnect attempts continue in the
// background on the backoff schedule; callers must not retry themselves.
func (s *Session) Connect(sctx SessionContext) error {
	s.mu.Lock()
	replaced := false
	if s.state != StateDisconnected {
		if s.sctx.Key() == sctx.Key() {
			s.mu.Unlock()
			s.logger.Debug().Str("key", sctx.Key()).Msg("connect ignored, session already active")
			return nil
		}
		s.logger.Info().
			Str("old", s.sctx.Key()).
			Str("new", sctx.Key()).
			Msg("session context changed, rotating connection")
		s.teardownLocked()
		s.setStateLocked(StateDisconnected)
		replaced = true
	}
	s.sctx = sctx
	s.attempts = 0
	s.mu.Unlock()

	if replaced {
		s.playback.Stop()
		s.releaseMic()
	}
	return s.dial()
}

// Disconnect closes the session and cancels any pending reconnect.
// Idempotent.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateDisconnected && s.reconnect == nil {
		s.mu.Unlock()
		return nil
	}
	wasLive := s.transport != nil
	s.teardownLocked()
	s.setStateLocked(StateDisconnected)
	s.attempts = 0
	s.mu.Unlock()

	s.playback.Stop()
	s.releaseMic()
	if wasLive {
		s.metrics.RecordDisconnect(time.Now())
	}
	s.logger.Info().Msg("disconnected")
	return nil
}

// releaseMic stops the capture pipeline. Teardown must never leave the
// microphone held.
func (s *Session) releaseMic() {
	if s.capture == nil {
		return
	}
	if err := s.capture.Stop(); err != nil {
		s.logger.Warn().Err(err).Msg("capture stop during teardown failed")
	}
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsReady reports whether audio may flow; lock-free for the capture path.
func (s *Session) IsReady() bool {
	return s.ready.Load()
}

// Handle returns a snapshot of the live session.
func (s *Session) Handle() SessionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionHandle{
		Key:       s.sctx.Key(),
		State:     s.state,
		StartedAt: s.startedAt,
		Attempts:  s.attempts,
		Ready:     s.state == StateReady,
	}
}

// Context returns the session context currently in effect.
func (s *Session) Context() SessionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sctx
}

// Send admits one categorized message through the gate and throttle chain.
// Suppression is silent; only transport failures surface as errors.
func (s *Session) Send(msg *OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendLocked(msg)
}

func (s *Session) sendLocked(msg *OutboundMessage) error {
	if s.state != StateReady || s.transport == nil {
		return NewVoiceError("session not ready", ErrCodeSessionClosed)
	}

	exempt := msg.Category == CategoryToolResponse || msg.Category == CategoryTurnSignal
	if s.arbiter.Locked() && !exempt {
		if msg.Category == CategoryCriticalAlert && s.arbiter.Buffer(msg) {
			s.logger.Debug().Str("alert", msg.AlertType).Msg("critical alert buffered behind tool gate")
		}
		return nil
	}

	verdict := s.throttle.Admit(msg, s.sctx.RaceActive())
	if !verdict.Allowed {
		s.logger.Debug().
			Str("category", string(msg.Category)).
			Str("reason", verdict.Reason).
			Msg("message suppressed")
		return nil
	}

	if err := s.transport.Send(msg.Envelope); err != nil {
		s.metrics.RecordError()
		return err
	}
	s.lastTrafficAt = time.Now()
	s.events.Record(LogKindSent, msg.Envelope.Type, msg.Category, "")
	return nil
}

// sendAudioFrame forwards one wire-rate frame, bypassing the throttle. The
// ready and gate checks already happened on the capture path.
func (s *Session) sendAudioFrame(frame *AudioFrame) error {
	s.mu.Lock()
	transport := s.transport
	ready := s.state == StateReady
	s.mu.Unlock()

	if !ready || transport == nil {
		return NewVoiceError("session not ready", ErrCodeSessionClosed)
	}
	if err := transport.Send(NewAudioChunkEnvelope(frame)); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastTrafficAt = time.Now()
	s.mu.Unlock()
	return nil
}

// sendTurnEnd emits the explicit end-of-turn signal after the last frame of
// an activation.
func (s *Session) sendTurnEnd() {
	err := s.Send(&OutboundMessage{
		Category:  CategoryTurnSignal,
		Envelope:  NewAudioEndEnvelope(),
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("end-of-turn signal failed")
	}
}

// replay re-admits messages buffered while the tool gate was held.
func (s *Session) replay(msgs []*OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if err := s.sendLocked(msg); err != nil {
			s.logger.Warn().Err(err).Str("category", string(msg.Category)).Msg("buffered message replay failed")
		}
	}
}

// respond transmits a tool response outside the throttle chain; holding one
// back would stall the upstream turn.
func (s *Session) respond(env *Envelope) {
	err := s.Send(&OutboundMessage{
		Category:  CategoryToolResponse,
		Envelope:  env,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("tool response send failed")
	}
}

// dial runs token fetch and transport setup outside the mutex. The generation
// captured when entering Connecting is re-checked before the new transport is
// installed: a Disconnect or context change that ran in the meantime wins,
// and the freshly opened transport is closed instead of resurrecting the
// session.
func (s *Session) dial() error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateConnecting)
	gen := s.generation
	sctx := s.sctx
	s.mu.Unlock()

	token, err := s.tokens.SessionToken(sctx.Key())
	if err != nil {
		werr := WrapError(err, ErrCodeAuthFailed)
		s.failDial(gen, werr)
		return werr
	}

	transport, err := s.dialer(s.cfg.Endpoint, authHeader(token))
	if err != nil {
		werr := WrapError(err, ErrCodeConnectionFailed)
		s.failDial(gen, werr)
		return werr
	}

	if err := transport.Send(NewSetupEnvelope(sctx, s.cfg.SystemPrompt, s.cfg.WireSampleRate)); err != nil {
		_ = transport.Close()
		werr := WrapError(err, ErrCodeHandshakeFailed)
		s.failDial(gen, werr)
		return werr
	}

	s.mu.Lock()
	if gen != s.generation || s.state != StateConnecting {
		s.mu.Unlock()
		_ = transport.Close()
		s.logger.Info().Str("key", sctx.Key()).Msg("dial abandoned, session no longer wanted")
		return nil
	}
	s.generation++
	gen = s.generation
	s.transport = transport
	s.startedAt = time.Now()
	s.lastTrafficAt = s.startedAt
	s.setStateLocked(StateConnected)
	s.mu.Unlock()

	s.metrics.RecordConnect(time.Now())
	s.events.Record(LogKindSent, MsgSetup, "", sctx.Key())
	s.logger.Info().Str("key", sctx.Key()).Msg("transport open, awaiting ready")

	go s.readLoop(gen, transport)
	return nil
}

// failDial records a dial failure and schedules the next attempt. A dial
// abandoned by Disconnect or a context change schedules nothing.
func (s *Session) failDial(gen uint64, err error) {
	s.metrics.RecordError()
	s.logger.Warn().Err(err).Msg("dial failed")

	s.mu.Lock()
	if gen != s.generation || s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateDisconnected)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	if s.onError != nil {
		if verr, ok := err.(*VoiceError); ok {
			s.onError(verr)
		}
	}
}

func (s *Session) readLoop(gen uint64, transport Transport) {
	for {
		env, err := transport.Receive()
		if err != nil {
			s.handleTransportLoss(gen, err)
			return
		}
		if stop := s.dispatch(gen, env); stop {
			return
		}
	}
}

// dispatch processes one inbound frame synchronously, preserving arrival
// order. Returns true when the read loop must exit.
func (s *Session) dispatch(gen uint64, env *Envelope) bool {
	switch env.Type {
	case MsgReady:
		p, err := env.AsReady()
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed ready frame")
			return false
		}
		s.handleReady(gen, p)

	case MsgAudioChunk:
		chunk, err := env.AsAudioChunk()
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed audio chunk")
			return false
		}
		if err := s.playback.Enqueue(chunk); err != nil {
			s.logger.Warn().Err(err).Msg("playback enqueue failed")
		}

	case MsgContent:
		p, err := env.AsContent()
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed content frame")
			return false
		}
		s.mu.Lock()
		s.throttle.ReplyReceived()
		s.lastTrafficAt = time.Now()
		s.mu.Unlock()
		s.events.Record(LogKindReceived, MsgContent, "", p.Role)
		if s.onTranscript != nil {
			s.onTranscript(p.Text, p.Confidence, p.Final)
		}

	case MsgToolCall:
		call, err := env.AsToolCall()
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed tool call")
			return false
		}
		s.events.Record(LogKindReceived, MsgToolCall, "", call.Name)
		s.tools.Dispatch(call)

	case MsgError:
		p, err := env.AsError()
		if err != nil {
			s.logger.Warn().Err(err).Msg("malformed error frame")
			return false
		}
		s.metrics.RecordError()
		s.logger.Error().Str("code", p.Code).Str("message", p.Message).Msg("upstream error")
		s.events.Record(LogKindError, MsgError, "", p.Code)
		if s.onError != nil {
			verr := NewVoiceError(p.Message, ErrCodeWebSocket)
			verr.AddDetail("upstream_code", p.Code)
			s.onError(verr)
		}

	case MsgSessionClosed:
		p, err := env.AsSessionClosed()
		reason := "unspecified"
		if err == nil {
			reason = fmt.Sprintf("%d %s", p.Code, p.Reason)
		}
		s.logger.Info().Str("reason", reason).Msg("upstream closed session")
		s.handleTransportLoss(gen, NewVoiceError("session closed by upstream", ErrCodeSessionClosed))
		return true
	}

	if s.onMessage != nil {
		s.onMessage(env)
	}
	return false
}

// handleReady flips the gate that lets audio flow and arms the per-session
// timers. Attempts reset here, not on transport open: a connection that dies
// before ready still burns an attempt.
func (s *Session) handleReady(gen uint64, p *ReadyPayload) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.sessionID = p.SessionID
	s.attempts = 0
	s.ready.Store(true)
	s.lastTrafficAt = time.Now()
	s.setStateLocked(StateReady)

	s.rotation = time.AfterFunc(s.cfg.RotationMargin, func() { s.rotate(gen) })
	s.keepStop = make(chan struct{})
	go s.keepAliveLoop(gen, s.keepStop)
	s.mu.Unlock()

	s.events.Record(LogKindReceived, MsgReady, "", p.SessionID)
	s.logger.Info().Str("session_id", p.SessionID).Msg("session ready")
}

// rotate proactively re-dials before the upstream session ceiling is hit, so
// the cut happens at a moment of our choosing instead of mid-response. The
// microphone stays held across rotation: frames are dropped by the ready
// gate during the gap and resume the moment the replacement session is ready.
func (s *Session) rotate(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateReady {
		s.mu.Unlock()
		return
	}
	s.logger.Info().Str("session_id", s.sessionID).Msg("rotating session before lifetime ceiling")
	s.teardownLocked()
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()

	s.playback.Stop()
	s.metrics.RecordDisconnect(time.Now())
	_ = s.dial()
}

func (s *Session) keepAliveLoop(gen uint64, stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.maybeKeepAlive(gen)
		}
	}
}

// maybeKeepAlive sends a silent turn when the session has gone quiet long
// enough that the upstream might reap it.
func (s *Session) maybeKeepAlive(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation || s.state != StateReady {
		return
	}
	if time.Since(s.lastTrafficAt) < s.cfg.QuietPeriod {
		return
	}

	msg := &OutboundMessage{
		Category:  CategoryHeartbeat,
		Envelope:  NewContentEnvelope("", false, true),
		CreatedAt: time.Now(),
	}
	if err := s.sendLocked(msg); err != nil {
		s.logger.Warn().Err(err).Msg("keep-alive send failed")
		return
	}
	s.logger.Debug().Msg("keep-alive silent turn sent")
}

// handleTransportLoss tears the session down and schedules a reconnect.
// Generation-guarded so a loss reported by a stale read loop is ignored.
func (s *Session) handleTransportLoss(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.logger.Warn().Err(err).Msg("transport lost")
	s.teardownLocked()
	s.setStateLocked(StateDisconnected)
	s.scheduleReconnectLocked()
	s.mu.Unlock()

	s.playback.Stop()
	s.releaseMic()
	s.metrics.RecordDisconnect(time.Now())
}

// teardownLocked releases every per-connection resource. The generation bump
// invalidates the read loop, keep-alive loop, and timers of the dying
// connection.
func (s *Session) teardownLocked() {
	s.generation++
	s.ready.Store(false)
	s.sessionID = ""

	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	if s.rotation != nil {
		s.rotation.Stop()
		s.rotation = nil
	}
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	if s.keepStop != nil {
		close(s.keepStop)
		s.keepStop = nil
	}
	s.throttle.Reset()
	s.tools.AbandonAll()
}

func (s *Session) scheduleReconnectLocked() {
	s.attempts++
	if s.attempts > s.cfg.MaxReconnectAttempts {
		s.logger.Error().
			Int("attempts", s.attempts-1).
			Msg("reconnect attempts exhausted, giving up")
		if s.onError != nil {
			verr := NewVoiceError("reconnect attempts exhausted", ErrCodeReconnectFailed)
			go s.onError(verr)
		}
		return
	}

	delay := delayForAttempt(s.attempts)
	s.logger.Info().
		Int("attempt", s.attempts).
		Dur("delay", delay).
		Msg("scheduling reconnect")
	s.reconnect = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.reconnect = nil
		s.mu.Unlock()
		_ = s.dial()
	})
}

func (s *Session) setStateLocked(state ConnectionState) {
	if s.state == state {
		return
	}
	s.state = state
	s.logger.LogConnectionEvent("state_change", state)
	s.notify.stateChanged(state)
}
