// Package racevoice bridges a sim-racing cockpit to a realtime voice
// copilot service.
//
// # Overview
//
// The bridge owns everything between the driver and the upstream
// conversational session:
//   - A single managed WebSocket session with backoff reconnection,
//     proactive rotation before the lifetime ceiling, and quiet-period
//     keep-alive
//   - Microphone capture with native-rate to wire-rate conversion and
//     strictly ordered frame delivery
//   - Gapless scheduled playback of synthesized speech with barge-in
//     interruption when the driver talks over it
//   - A tool-call gate with a watchdog, so a hung handler can never
//     permanently mute the session
//   - Outbound dispatch throttling: global pacing, per-category cadences,
//     alert deduplication, and must-reply suppression
//   - Proactive event routing and telemetry staleness handling
//
// # Quick Start
//
//	cfg := racevoice.NewConfig()
//	client, err := racevoice.NewClient(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.OnTranscript(func(text string, confidence float64, final bool) {
//		fmt.Println(text)
//	})
//
//	err = client.Connect(racevoice.SessionContext{
//		Track:       "spa",
//		Car:         "gt3_992",
//		SessionType: "race",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	if err := client.StartCapture(); err != nil {
//		log.Fatal(err)
//	}
//
// # Tool Calls
//
// The upstream may invoke named tools; handlers run while the gate holds
// audio back, and the watchdog force-releases the gate if one hangs:
//
//	client.RegisterTool("fuel_remaining", func(args json.RawMessage) (json.RawMessage, error) {
//		return json.Marshal(map[string]float64{"liters": 42.5})
//	})
//
// # Telemetry and Proactive Events
//
// Telemetry snapshots feed the staleness tracker; domain events go through
// the proactive router, which debounces routine ones and escalates urgent
// ones to critical alerts:
//
//	if client.IngestTelemetry(snap) {
//		client.PublishEvent(racevoice.ProactiveEvent{
//			Kind:      racevoice.EventFuelCritical,
//			Urgency:   racevoice.UrgencyUrgent,
//			Magnitude: snap.FuelLiters,
//		})
//	}
//
// # Dependencies
//
// The bridge depends on:
//   - github.com/gordonklaus/portaudio: Audio I/O
//   - github.com/gorilla/websocket: WebSocket client
//   - github.com/rs/zerolog: Structured logging
//   - github.com/spf13/cobra: CLI framework
//   - github.com/golang-jwt/jwt/v4: Session token minting
//   - github.com/joho/godotenv: Environment variables
package racevoice
