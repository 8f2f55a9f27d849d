package racevoice

import (
	"encoding/json"
	"time"
)

// ConnectionState enum
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReady        ConnectionState = "ready"
)

// MessageCategory tags every outbound message for throttling purposes.
type MessageCategory string

const (
	CategoryContext       MessageCategory = "context"
	CategoryInjection     MessageCategory = "injection"
	CategoryCriticalAlert MessageCategory = "critical_alert"
	CategoryProactive     MessageCategory = "proactive"
	CategoryHeartbeat     MessageCategory = "heartbeat"
	CategoryToolResponse  MessageCategory = "tool_response"
	CategoryTurnSignal    MessageCategory = "turn_signal"
)

// Urgency enum
type Urgency string

const (
	UrgencyRoutine Urgency = "routine"
	UrgencyUrgent  Urgency = "urgent"
)

// OutboundMessage is a categorized payload headed for the upstream session.
type OutboundMessage struct {
	Category   MessageCategory
	AlertType  string // set for critical alerts, keys the per-type cooldown
	Urgency    Urgency
	NeedsReply bool
	Envelope   *Envelope
	CreatedAt  time.Time
}

// AudioFrame carries wire-rate PCM with a monotonically increasing sequence
// marker. Frames are never reordered between capture and transport.
type AudioFrame struct {
	Seq        uint64
	SampleRate int
	PCM        []int16
}

// SessionContext identifies what the driver is currently doing. Its key
// decides whether a connect request is actually a different session.
type SessionContext struct {
	Track       string
	Car         string
	SessionType string // "practice", "qualifying", "race"
}

// Key derives the session key used for idempotent connects.
func (sc SessionContext) Key() string {
	return sc.Track + "|" + sc.Car + "|" + sc.SessionType
}

// RaceActive reports whether a race session is in progress, which tightens
// the periodic context cadence.
func (sc SessionContext) RaceActive() bool {
	return sc.SessionType == "race"
}

// SessionHandle is the single live session. Exclusively owned by the
// session manager; everything else only queries readiness.
type SessionHandle struct {
	Key       string
	State     ConnectionState
	StartedAt time.Time
	Attempts  int
	Ready     bool
}

// ToolInvocation tracks one in-flight backend-initiated tool call. Created
// when a tool_call message arrives, destroyed when the response is sent or
// the watchdog fires.
type ToolInvocation struct {
	ID        string
	Name      string
	Args      json.RawMessage
	StartedAt time.Time
}

// Handler types
type MessageHandler func(*Envelope)
type ConnectionHandler func(ConnectionState)
type ErrorHandler func(*VoiceError)
type TranscriptHandler func(text string, confidence float64, final bool)

// ToolHandler executes one named tool call and returns a JSON result.
type ToolHandler func(args json.RawMessage) (json.RawMessage, error)
