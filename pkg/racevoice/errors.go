package racevoice

import (
	"fmt"
	"time"
)

// Error codes as constants
const (
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeReconnectFailed  = "RECONNECT_FAILED"
	ErrCodeHandshakeFailed  = "HANDSHAKE_FAILED"
	ErrCodeSessionClosed    = "SESSION_CLOSED"
	ErrCodeAudioDevice      = "AUDIO_DEVICE_ERROR"
	ErrCodePlayback         = "PLAYBACK_ERROR"
	ErrCodeWebSocket        = "WEBSOCKET_ERROR"
	ErrCodeToolFailed       = "TOOL_FAILED"
	ErrCodeToolTimeout      = "TOOL_TIMEOUT"
	ErrCodeConfigInvalid    = "CONFIG_INVALID"
	ErrCodeJSONParse        = "JSON_PARSE_ERROR"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeUnknown          = "UNKNOWN_ERROR"
)

// VoiceError carries a stable code plus free-form details so handlers can
// branch on the code without parsing the message.
type VoiceError struct {
	Message   string
	Code      string
	Details   map[string]interface{}
	Timestamp time.Time
	err       error
}

func NewVoiceError(message, code string) *VoiceError {
	return &VoiceError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// WrapError wraps any error as a VoiceError with the given code.
func WrapError(err error, code string) *VoiceError {
	if err == nil {
		return nil
	}
	ve := NewVoiceError(err.Error(), code)
	ve.err = err
	return ve
}

func (e *VoiceError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (e *VoiceError) Unwrap() error {
	return e.err
}

func (e *VoiceError) AddDetail(key string, value interface{}) *VoiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

func (e *VoiceError) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

func IsErrorCode(err *VoiceError, code string) bool {
	if err == nil {
		return false
	}
	return err.Code == code
}

// IsRetryableError reports whether the connection manager should keep
// backing off and retrying after this error.
func IsRetryableError(err *VoiceError) bool {
	if err == nil {
		return false
	}
	switch err.Code {
	case ErrCodeConnectionFailed, ErrCodeReconnectFailed, ErrCodeWebSocket,
		ErrCodeHandshakeFailed, ErrCodeSessionClosed:
		return true
	}
	return false
}
