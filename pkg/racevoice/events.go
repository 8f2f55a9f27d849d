package racevoice

import (
	"fmt"
	"time"
)

// EventKind classifies proactive domain events produced by the telemetry
// pipeline.
type EventKind string

const (
	EventPositionChange EventKind = "position_change"
	EventLapCompleted   EventKind = "lap_completed"
	EventSectorDelta    EventKind = "sector_delta"
	EventPitWindow      EventKind = "pit_window"
	EventFuelCritical   EventKind = "fuel_critical"
	EventIncident       EventKind = "incident"
	EventWeatherChange  EventKind = "weather_change"
)

// ProactiveEvent is an externally-produced domain event the router may turn
// into narration.
type ProactiveEvent struct {
	Kind      EventKind
	AlertType string // keys critical-alert dedup; defaults to the kind
	Urgency   Urgency
	Magnitude float64 // signed size of the change (positions gained, laps, liters)
	Detail    string
}

// Narrator turns an event plus telemetry into the text actually spoken.
// Content generation is the host's concern; the bridge only routes.
type Narrator func(ev ProactiveEvent, snap *TelemetrySnapshot) string

// EventRouter decides, per event, whether it warrants communication and how
// urgent it is. A joint debounce window spans all proactive kinds, because
// telemetry deltas arrive in bursts; urgent events skip the debounce and go
// out as critical alerts instead.
type EventRouter struct {
	debounce       time.Duration
	lastDispatchAt time.Time
	narrator       Narrator
	now            func() time.Time
}

func NewEventRouter(cfg *Config, narrator Narrator) *EventRouter {
	if narrator == nil {
		narrator = DefaultNarrator
	}
	return &EventRouter{
		debounce: cfg.ProactiveDebounce,
		narrator: narrator,
		now:      time.Now,
	}
}

// Route formats an event into an OutboundMessage, or returns nil when the
// event does not warrant communication.
func (r *EventRouter) Route(ev ProactiveEvent, snap *TelemetrySnapshot) *OutboundMessage {
	if ev.Kind == EventPositionChange && ev.Magnitude == 0 {
		return nil
	}

	text := r.narrator(ev, snap)
	if text == "" {
		return nil
	}

	now := r.now()
	urgent := ev.Urgency == UrgencyUrgent

	if !urgent {
		if !r.lastDispatchAt.IsZero() && now.Sub(r.lastDispatchAt) < r.debounce {
			return nil
		}
		r.lastDispatchAt = now
	}

	msg := &OutboundMessage{
		Category:   CategoryProactive,
		Urgency:    ev.Urgency,
		Envelope:   NewContentEnvelope(text, urgent, false),
		NeedsReply: urgent,
		CreatedAt:  now,
	}
	if urgent {
		msg.Category = CategoryCriticalAlert
		msg.AlertType = ev.AlertType
		if msg.AlertType == "" {
			msg.AlertType = string(ev.Kind)
		}
	}
	return msg
}

// DefaultNarrator produces plain one-line narration when the host supplies
// no generator of its own.
func DefaultNarrator(ev ProactiveEvent, snap *TelemetrySnapshot) string {
	switch ev.Kind {
	case EventPositionChange:
		if ev.Magnitude > 0 {
			return fmt.Sprintf("Gained %d positions. %s", int(ev.Magnitude), ev.Detail)
		}
		return fmt.Sprintf("Lost %d positions. %s", int(-ev.Magnitude), ev.Detail)
	case EventLapCompleted:
		if snap != nil && snap.LastLapTime > 0 {
			return fmt.Sprintf("Lap %d complete in %s. %s", snap.LapNumber, snap.LastLapTime.Round(time.Millisecond), ev.Detail)
		}
		return "Lap complete. " + ev.Detail
	case EventFuelCritical:
		return "Fuel is critical. " + ev.Detail
	case EventPitWindow:
		return "Pit window is open. " + ev.Detail
	case EventIncident:
		return "Incident ahead. " + ev.Detail
	case EventWeatherChange:
		return "Weather is changing. " + ev.Detail
	case EventSectorDelta:
		return ev.Detail
	}
	return ev.Detail
}
