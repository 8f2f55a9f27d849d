package racevoice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType enumerates the transport frame kinds exchanged with the
// upstream conversational service.
type MessageType string

const (
	MsgSetup         MessageType = "setup"
	MsgReady         MessageType = "ready"
	MsgAudioChunk    MessageType = "audio_chunk"
	MsgAudioEnd      MessageType = "audio_end"
	MsgContent       MessageType = "content"
	MsgToolCall      MessageType = "tool_call"
	MsgToolResponse  MessageType = "tool_response"
	MsgError         MessageType = "error"
	MsgSessionClosed MessageType = "session_closed"
)

// Envelope is the wire frame: a type tag plus a payload decoded per kind.
// Payloads are validated at the transport boundary before they reach any
// typed handler.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SetupPayload carries the session configuration sent on connect.
type SetupPayload struct {
	SessionKey   string `json:"session_key"`
	Track        string `json:"track"`
	Car          string `json:"car"`
	SessionType  string `json:"session_type"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	SampleRate   int    `json:"sample_rate"`
	Mime         string `json:"mime"`
}

// ReadyPayload acknowledges that the upstream session finished initializing.
// Transport-open alone is not enough; audio may only flow after this.
type ReadyPayload struct {
	SessionID string `json:"session_id"`
}

// AudioChunkPayload carries base64 PCM in both directions.
type AudioChunkPayload struct {
	Audio      string `json:"audio"` // base64 PCM
	Mime       string `json:"mime"`
	SampleRate int    `json:"sample_rate"`
	Seq        uint64 `json:"seq"`
}

// ContentPayload is a text turn. Silent turns keep the session alive without
// producing speech; NeedsReply asks the upstream to answer.
type ContentPayload struct {
	Text       string  `json:"text"`
	Role       string  `json:"role,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Final      bool    `json:"final,omitempty"`
	NeedsReply bool    `json:"needs_reply,omitempty"`
	Silent     bool    `json:"silent,omitempty"`
}

// ToolCallPayload is a backend-initiated tool invocation.
type ToolCallPayload struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// ToolResponsePayload answers a tool call, matched by ID, not order.
type ToolResponsePayload struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ErrorPayload reports an upstream-side failure.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SessionClosedPayload announces upstream termination.
type SessionClosedPayload struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

// DecodeEnvelope parses and validates a raw transport frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}
	if env.Type == "" {
		return nil, NewVoiceError("missing message type", ErrCodeJSONParse)
	}
	switch env.Type {
	case MsgSetup, MsgReady, MsgAudioChunk, MsgAudioEnd, MsgContent,
		MsgToolCall, MsgToolResponse, MsgError, MsgSessionClosed:
		return &env, nil
	}
	return nil, NewVoiceError(fmt.Sprintf("unknown message type %q", env.Type), ErrCodeJSONParse)
}

func decodePayload(env *Envelope, want MessageType, out interface{}) error {
	if env.Type != want {
		return NewVoiceError(fmt.Sprintf("expected %s, got %s", want, env.Type), ErrCodeJSONParse)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return WrapError(err, ErrCodeJSONParse)
	}
	return nil
}

func (env *Envelope) AsReady() (*ReadyPayload, error) {
	var p ReadyPayload
	if err := decodePayload(env, MsgReady, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (env *Envelope) AsAudioChunk() (*AudioChunkPayload, error) {
	var p AudioChunkPayload
	if err := decodePayload(env, MsgAudioChunk, &p); err != nil {
		return nil, err
	}
	if p.Audio == "" {
		return nil, NewVoiceError("audio chunk without audio data", ErrCodeJSONParse)
	}
	if p.SampleRate <= 0 {
		return nil, NewVoiceError("audio chunk without sample rate", ErrCodeJSONParse)
	}
	return &p, nil
}

func (env *Envelope) AsContent() (*ContentPayload, error) {
	var p ContentPayload
	if err := decodePayload(env, MsgContent, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (env *Envelope) AsToolCall() (*ToolCallPayload, error) {
	var p ToolCallPayload
	if err := decodePayload(env, MsgToolCall, &p); err != nil {
		return nil, err
	}
	if p.ID == "" || p.Name == "" {
		return nil, NewVoiceError("tool call without id or name", ErrCodeJSONParse)
	}
	return &p, nil
}

func (env *Envelope) AsToolResponse() (*ToolResponsePayload, error) {
	var p ToolResponsePayload
	if err := decodePayload(env, MsgToolResponse, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, NewVoiceError("tool response without id", ErrCodeJSONParse)
	}
	return &p, nil
}

func (env *Envelope) AsError() (*ErrorPayload, error) {
	var p ErrorPayload
	if err := decodePayload(env, MsgError, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (env *Envelope) AsSessionClosed() (*SessionClosedPayload, error) {
	var p SessionClosedPayload
	if err := decodePayload(env, MsgSessionClosed, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func mustEnvelope(t MessageType, payload interface{}) *Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		// All payload types marshal cleanly; this indicates a programming error.
		panic(err)
	}
	return &Envelope{Type: t, Payload: raw}
}

// NewSetupEnvelope builds the handshake frame for a session context.
func NewSetupEnvelope(sc SessionContext, systemPrompt string, sampleRate int) *Envelope {
	return mustEnvelope(MsgSetup, SetupPayload{
		SessionKey:   sc.Key(),
		Track:        sc.Track,
		Car:          sc.Car,
		SessionType:  sc.SessionType,
		SystemPrompt: systemPrompt,
		SampleRate:   sampleRate,
		Mime:         wireMime(sampleRate),
	})
}

// NewAudioChunkEnvelope encodes one wire-rate frame.
func NewAudioChunkEnvelope(frame *AudioFrame) *Envelope {
	return mustEnvelope(MsgAudioChunk, AudioChunkPayload{
		Audio:      base64.StdEncoding.EncodeToString(pcm16ToBytes(frame.PCM)),
		Mime:       wireMime(frame.SampleRate),
		SampleRate: frame.SampleRate,
		Seq:        frame.Seq,
	})
}

// NewAudioEndEnvelope signals the explicit end of the audio stream for the
// current turn.
func NewAudioEndEnvelope() *Envelope {
	return &Envelope{Type: MsgAudioEnd}
}

// NewContentEnvelope builds a text turn.
func NewContentEnvelope(text string, needsReply, silent bool) *Envelope {
	return mustEnvelope(MsgContent, ContentPayload{
		Text:       text,
		NeedsReply: needsReply,
		Silent:     silent,
	})
}

// NewToolResponseEnvelope answers a tool call. A non-empty errMsg produces a
// structured failure result so the conversation can continue.
func NewToolResponseEnvelope(id, name string, result json.RawMessage, errMsg string) *Envelope {
	return mustEnvelope(MsgToolResponse, ToolResponsePayload{
		ID:     id,
		Name:   name,
		Result: result,
		Error:  errMsg,
	})
}

func wireMime(sampleRate int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRate)
}
