package racevoice

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tuning knob of the bridge. Defaults match the
// reference deployment; any field can be overridden via RACEVOICE_*
// environment variables (a .env file is honored if present).
type Config struct {
	// Upstream connection
	Endpoint      string
	APIKey        string
	TokenEndpoint string // optional: mint tokens via HTTP instead of locally
	SystemPrompt  string

	// Reconnection and session lifetime
	MaxReconnectAttempts int
	RotationMargin       time.Duration // proactive re-dial before the hard session ceiling
	KeepAliveInterval    time.Duration
	QuietPeriod          time.Duration

	// Tool arbitration
	WatchdogTimeout  time.Duration
	ArbiterBufferMax int
	ArbiterBufferAge time.Duration

	// Barge-in detection
	VADThresholdDB float64
	VADDebounce    time.Duration
	VADCooldown    time.Duration
	VADInterval    time.Duration

	// Dispatch throttling
	GlobalMinInterval   time.Duration
	ContextIntervalRace time.Duration
	ContextIntervalIdle time.Duration
	InjectionCooldown   time.Duration
	AlertRepeatCooldown time.Duration
	MustReplyTimeout    time.Duration
	ProactiveDebounce   time.Duration

	// Telemetry
	TelemetryStaleCeiling time.Duration

	// Audio
	CaptureSampleRate int
	WireSampleRate    int
	FrameSize         int
	PlaybackFade      time.Duration
	InputDeviceID     *int
	OutputDeviceID    *int

	// Event log
	EventLogCapacity int
	FlushInterval    time.Duration

	// Debugging
	DebugWebsocket bool
	DebugAudio     bool
	LogLevel       string
}

// NewConfig returns the reference configuration with env overrides applied.
func NewConfig() *Config {
	_ = godotenv.Load()

	c := &Config{
		Endpoint:             getEnvOrDefault("RACEVOICE_WS_ENDPOINT", "wss://api.racevoice.dev/v1/stream/session"),
		APIKey:               os.Getenv("RACEVOICE_API_KEY"),
		TokenEndpoint:        os.Getenv("RACEVOICE_TOKEN_ENDPOINT"),
		SystemPrompt:         os.Getenv("RACEVOICE_SYSTEM_PROMPT"),
		MaxReconnectAttempts: getIntEnvOrDefault("RACEVOICE_MAX_RECONNECT_ATTEMPTS", 5),
		RotationMargin:       getDurationEnvOrDefault("RACEVOICE_ROTATION_MARGIN", 9*time.Minute),
		KeepAliveInterval:    getDurationEnvOrDefault("RACEVOICE_KEEPALIVE_INTERVAL", 15*time.Second),
		QuietPeriod:          getDurationEnvOrDefault("RACEVOICE_QUIET_PERIOD", 2*time.Minute),

		WatchdogTimeout:  getDurationEnvOrDefault("RACEVOICE_WATCHDOG_TIMEOUT", 18*time.Second),
		ArbiterBufferMax: getIntEnvOrDefault("RACEVOICE_ARBITER_BUFFER_MAX", 8),
		ArbiterBufferAge: getDurationEnvOrDefault("RACEVOICE_ARBITER_BUFFER_AGE", 15*time.Second),

		VADThresholdDB: getFloatEnvOrDefault("RACEVOICE_VAD_THRESHOLD_DB", -42),
		VADDebounce:    getDurationEnvOrDefault("RACEVOICE_VAD_DEBOUNCE", 180*time.Millisecond),
		VADCooldown:    getDurationEnvOrDefault("RACEVOICE_VAD_COOLDOWN", 250*time.Millisecond),
		VADInterval:    getDurationEnvOrDefault("RACEVOICE_VAD_INTERVAL", 50*time.Millisecond),

		GlobalMinInterval:   getDurationEnvOrDefault("RACEVOICE_GLOBAL_MIN_INTERVAL", 3*time.Second),
		ContextIntervalRace: getDurationEnvOrDefault("RACEVOICE_CONTEXT_INTERVAL_RACE", 15*time.Second),
		ContextIntervalIdle: getDurationEnvOrDefault("RACEVOICE_CONTEXT_INTERVAL_IDLE", 30*time.Second),
		InjectionCooldown:   getDurationEnvOrDefault("RACEVOICE_INJECTION_COOLDOWN", 3*time.Second),
		AlertRepeatCooldown: getDurationEnvOrDefault("RACEVOICE_ALERT_REPEAT_COOLDOWN", 45*time.Second),
		MustReplyTimeout:    getDurationEnvOrDefault("RACEVOICE_MUST_REPLY_TIMEOUT", 30*time.Second),
		ProactiveDebounce:   getDurationEnvOrDefault("RACEVOICE_PROACTIVE_DEBOUNCE", 5*time.Second),

		TelemetryStaleCeiling: getDurationEnvOrDefault("RACEVOICE_TELEMETRY_STALE_CEILING", 10*time.Second),

		CaptureSampleRate: getIntEnvOrDefault("RACEVOICE_CAPTURE_SAMPLE_RATE", 48000),
		WireSampleRate:    getIntEnvOrDefault("RACEVOICE_WIRE_SAMPLE_RATE", 16000),
		FrameSize:         getIntEnvOrDefault("RACEVOICE_FRAME_SIZE", 960),
		PlaybackFade:      getDurationEnvOrDefault("RACEVOICE_PLAYBACK_FADE", 100*time.Millisecond),

		EventLogCapacity: getIntEnvOrDefault("RACEVOICE_EVENT_LOG_CAPACITY", 256),
		FlushInterval:    getDurationEnvOrDefault("RACEVOICE_FLUSH_INTERVAL", 30*time.Second),

		DebugWebsocket: os.Getenv("RACEVOICE_DEBUG_WEBSOCKET") == "true",
		DebugAudio:     os.Getenv("RACEVOICE_DEBUG_AUDIO") == "true",
		LogLevel:       getEnvOrDefault("RACEVOICE_LOG_LEVEL", "info"),
	}

	if id := os.Getenv("RACEVOICE_INPUT_DEVICE_ID"); id != "" {
		if v, err := strconv.Atoi(id); err == nil {
			c.InputDeviceID = &v
		}
	}
	if id := os.Getenv("RACEVOICE_OUTPUT_DEVICE_ID"); id != "" {
		if v, err := strconv.Atoi(id); err == nil {
			c.OutputDeviceID = &v
		}
	}

	return c
}

// Validate returns a list of configuration issues.
func (c *Config) Validate() []string {
	issues := []string{}

	if c.APIKey == "" && c.TokenEndpoint == "" {
		issues = append(issues, "RACEVOICE_API_KEY or RACEVOICE_TOKEN_ENDPOINT must be set")
	}
	if !strings.HasPrefix(c.Endpoint, "ws") {
		issues = append(issues, "endpoint must be a ws:// or wss:// URL")
	}
	if c.MaxReconnectAttempts < 0 {
		issues = append(issues, "max reconnect attempts must not be negative")
	}
	if c.WireSampleRate <= 0 || c.CaptureSampleRate <= 0 {
		issues = append(issues, "sample rates must be positive")
	}
	if c.CaptureSampleRate%c.WireSampleRate != 0 {
		issues = append(issues, fmt.Sprintf("capture rate %d must be an integer multiple of wire rate %d",
			c.CaptureSampleRate, c.WireSampleRate))
	}
	if c.FrameSize <= 0 {
		issues = append(issues, "frame size must be positive")
	}
	if c.VADThresholdDB >= 0 {
		issues = append(issues, "VAD threshold must be below 0 dBFS")
	}
	if c.EventLogCapacity <= 0 {
		issues = append(issues, "event log capacity must be positive")
	}
	if c.TelemetryStaleCeiling <= 0 {
		issues = append(issues, "telemetry stale ceiling must be positive")
	}

	return issues
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnvOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getFloatEnvOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return defaultValue
}

func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return defaultValue
}
