package racevoice

// ObserverFuncs adapts plain funcs to the Observer interface. Nil fields are
// skipped.
type ObserverFuncs struct {
	OnState    func(ConnectionState)
	OnMic      func(bool)
	OnSpeaking func(bool)
}

func (o ObserverFuncs) StateChanged(state ConnectionState) {
	if o.OnState != nil {
		o.OnState(state)
	}
}

func (o ObserverFuncs) MicChanged(active bool) {
	if o.OnMic != nil {
		o.OnMic(active)
	}
}

func (o ObserverFuncs) SpeakingChanged(speaking bool) {
	if o.OnSpeaking != nil {
		o.OnSpeaking(speaking)
	}
}

// NewLogObserver returns an observer that logs every state notification.
func NewLogObserver(logger *Logger) Observer {
	log := logger.WithComponent("observer")
	return ObserverFuncs{
		OnState: func(state ConnectionState) {
			log.Info().Str("state", string(state)).Msg("connection state")
		},
		OnMic: func(active bool) {
			log.Info().Bool("active", active).Msg("microphone")
		},
		OnSpeaking: func(speaking bool) {
			log.Info().Bool("speaking", speaking).Msg("copilot speaking")
		},
	}
}

// NewTranscriptLogger returns a transcript handler that logs final turns and
// traces partials.
func NewTranscriptLogger(logger *Logger) TranscriptHandler {
	log := logger.WithComponent("transcript")
	return func(text string, confidence float64, final bool) {
		if text == "" {
			return
		}
		if final {
			log.Info().Float64("confidence", confidence).Msg(text)
			return
		}
		log.Debug().Msg(text)
	}
}
