package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/franzaragoza1/racevoice-sdk-go/pkg/racevoice"
	"github.com/spf13/cobra"
)

var (
	verbose     bool
	endpoint    string
	track       string
	car         string
	sessionType string
	eventLog    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "racevoice",
		Short: "RaceVoice bridge CLI",
		Long:  "Command-line interface for the RaceVoice sim-racing voice copilot bridge",
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "WebSocket endpoint URL")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(devicesCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the voice bridge",
		Long:  "Connect to the copilot service and stream the microphone until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := racevoice.NewConfig()
			if endpoint != "" {
				cfg.Endpoint = endpoint
			}
			if verbose {
				cfg.LogLevel = "debug"
			}

			logger := racevoice.NewLogger(cfg.LogLevel, true, os.Stdout)

			opts := []racevoice.ClientOption{racevoice.WithLogger(logger)}
			if eventLog != "" {
				opts = append(opts, racevoice.WithEventFlusher(racevoice.NewFileFlusher(eventLog)))
			}

			client, err := racevoice.NewClient(cfg, opts...)
			if err != nil {
				return err
			}
			defer client.Close()

			client.Subscribe(racevoice.NewLogObserver(logger))
			client.OnTranscript(racevoice.NewTranscriptLogger(logger))
			client.OnError(func(verr *racevoice.VoiceError) {
				logger.LogVoiceError(verr)
			})

			sctx := racevoice.SessionContext{
				Track:       track,
				Car:         car,
				SessionType: sessionType,
			}
			if err := client.Connect(sctx); err != nil {
				return err
			}
			if err := client.StartCapture(); err != nil {
				logger.Warn().Err(err).Msg("microphone unavailable, running playback-only")
			}

			fmt.Printf("Bridge running for %s. Press Ctrl+C to stop.\n", sctx.Key())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig

			fmt.Println("\nShutting down...")
			snapshot := client.Metrics()
			fmt.Printf("Connects: %d, Disconnects: %d, Errors: %d, Longest session: %v\n",
				snapshot.Connects, snapshot.Disconnects, snapshot.Errors, snapshot.LongestSession)
			return nil
		},
	}

	cmd.Flags().StringVar(&track, "track", "unknown", "Track identifier")
	cmd.Flags().StringVar(&car, "car", "unknown", "Car identifier")
	cmd.Flags().StringVar(&sessionType, "session-type", "practice", "Session type (practice, qualifying, race)")
	cmd.Flags().StringVar(&eventLog, "event-log", "", "Path for the flushed session event log (JSON lines)")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available audio devices",
		Long:  "List all audio input and output devices the host exposes",
		RunE: func(cmd *cobra.Command, args []string) error {
			devices, err := racevoice.ListAudioDevices()
			if err != nil {
				return err
			}

			fmt.Println("Available Audio Devices:")
			for _, device := range devices {
				marker := ""
				if device.IsDefaultInput {
					marker += " (Default Input)"
				}
				if device.IsDefaultOutput {
					marker += " (Default Output)"
				}

				capabilities := ""
				switch {
				case device.MaxInputChannels > 0 && device.MaxOutputChannels > 0:
					capabilities = "Input/Output"
				case device.MaxInputChannels > 0:
					capabilities = "Input"
				case device.MaxOutputChannels > 0:
					capabilities = "Output"
				}

				fmt.Printf("  %d: %s%s - %s, %s (%.0f Hz)\n",
					device.ID, device.Name, marker, capabilities, device.HostAPI, device.DefaultSampleRate)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show current configuration",
		Long:  "Display the effective configuration after env overrides",
		Run: func(cmd *cobra.Command, args []string) {
			cfg := racevoice.NewConfig()
			if endpoint != "" {
				cfg.Endpoint = endpoint
			}

			fmt.Println("Current Configuration:")
			fmt.Printf("  Endpoint: %s\n", cfg.Endpoint)
			fmt.Printf("  API Key: %s\n", maskString(cfg.APIKey))
			fmt.Printf("  Token Endpoint: %s\n", cfg.TokenEndpoint)
			fmt.Printf("  Max Reconnect Attempts: %d\n", cfg.MaxReconnectAttempts)
			fmt.Printf("  Rotation Margin: %v\n", cfg.RotationMargin)
			fmt.Printf("  Keep-Alive Interval: %v (quiet period %v)\n", cfg.KeepAliveInterval, cfg.QuietPeriod)
			fmt.Printf("  Watchdog Timeout: %v\n", cfg.WatchdogTimeout)
			fmt.Printf("  VAD: threshold %.0f dBFS, debounce %v, cooldown %v\n",
				cfg.VADThresholdDB, cfg.VADDebounce, cfg.VADCooldown)
			fmt.Printf("  Audio: capture %d Hz -> wire %d Hz, frame %d samples\n",
				cfg.CaptureSampleRate, cfg.WireSampleRate, cfg.FrameSize)

			if issues := cfg.Validate(); len(issues) > 0 {
				fmt.Println("\nConfiguration issues:")
				for _, issue := range issues {
					fmt.Printf("  - %s\n", issue)
				}
			}
		},
	}
}

func maskString(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
