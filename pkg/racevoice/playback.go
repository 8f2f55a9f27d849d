package racevoice

import (
	"sync"
	"time"
)

// AudioSink abstracts the output device. The pull callback runs on the
// device's time-sensitive path and must only touch in-memory state.
type AudioSink interface {
	Start(sampleRate, frameSize int, pull func(out []int16)) error
	Stop() error
}

// Playback schedules decoded synthesized-speech chunks for gapless
// sequential output. A running next-start-time cursor places every chunk
// immediately after the last scheduled one; Interrupt performs a short
// linear fade instead of an abrupt cut, then clears the queue and resets
// the cursor.
type Playback struct {
	mu sync.Mutex

	cfg    *Config
	sink   AudioSink
	logger *Logger
	now    func() time.Time

	queue         [][]int16
	headOffset    int
	queuedSamples int

	cursor     time.Time
	sampleRate int
	started    bool
	speaking   bool

	fadeTotal     int
	fadeRemaining int

	onSpeaking func(bool)
}

func NewPlayback(cfg *Config, sink AudioSink, logger *Logger) *Playback {
	return &Playback{
		cfg:    cfg,
		sink:   sink,
		logger: logger.WithComponent("playback"),
		now:    time.Now,
	}
}

// SetSpeakingHook installs the speaking-state notification callback.
func (p *Playback) SetSpeakingHook(fn func(bool)) {
	p.onSpeaking = fn
}

// Enqueue decodes one inbound chunk and schedules it right after the end of
// the last scheduled chunk, guaranteeing gapless playback.
func (p *Playback) Enqueue(chunk *AudioChunkPayload) error {
	pcm, err := DecodeAudioPayload(chunk.Audio)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()

	if p.sampleRate == 0 {
		p.sampleRate = chunk.SampleRate
	} else if p.sampleRate != chunk.SampleRate {
		p.logger.Warn().
			Int("have", p.sampleRate).
			Int("got", chunk.SampleRate).
			Msg("sample rate changed mid-stream")
	}

	start := p.now()
	if p.cursor.After(start) {
		start = p.cursor
	}
	duration := time.Duration(len(pcm)) * time.Second / time.Duration(p.sampleRate)
	p.cursor = start.Add(duration)

	p.queue = append(p.queue, pcm)
	p.queuedSamples += len(pcm)

	needStart := !p.started && p.sink != nil
	if needStart {
		p.started = true
	}
	wasSpeaking := p.speaking
	p.speaking = true
	rate := p.sampleRate
	p.mu.Unlock()

	if needStart {
		if err := p.sink.Start(rate, p.cfg.FrameSize, p.pull); err != nil {
			p.mu.Lock()
			p.started = false
			p.mu.Unlock()
			return WrapError(err, ErrCodePlayback)
		}
	}
	if !wasSpeaking && p.onSpeaking != nil {
		p.onSpeaking(true)
	}
	return nil
}

// Interrupt stops all scheduled audio: a linear gain fade over the
// configured window, then the queue is cleared and the cursor reset.
func (p *Playback) Interrupt() {
	p.mu.Lock()

	if len(p.queue) == 0 && p.queuedSamples == 0 {
		p.cursor = time.Time{}
		p.mu.Unlock()
		return
	}

	if p.started && p.sampleRate > 0 {
		p.fadeTotal = int(p.cfg.PlaybackFade.Seconds() * float64(p.sampleRate))
		if p.fadeTotal < 1 {
			p.fadeTotal = 1
		}
		p.fadeRemaining = p.fadeTotal
		p.mu.Unlock()
		p.logger.Debug().Msg("interrupt: fading out")
		return
	}

	// No sink pulling; clear synchronously.
	p.clearLocked()
	wasSpeaking := p.speaking
	p.speaking = false
	p.mu.Unlock()

	if wasSpeaking && p.onSpeaking != nil {
		p.onSpeaking(false)
	}
}

// HasQueued reports whether any audio is scheduled or playing. The barge-in
// monitor only samples input energy while this is true.
func (p *Playback) HasQueued() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queuedSamples > 0
}

// IsSpeaking reports whether synthesized audio is audible.
func (p *Playback) IsSpeaking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speaking
}

// QueuedDuration returns how much audio remains scheduled.
func (p *Playback) QueuedDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sampleRate == 0 {
		return 0
	}
	return time.Duration(p.queuedSamples) * time.Second / time.Duration(p.sampleRate)
}

// Stop tears playback down: sink released, queue cleared, cursor reset.
// Idempotent.
func (p *Playback) Stop() {
	p.mu.Lock()
	wasStarted := p.started
	p.started = false
	p.clearLocked()
	wasSpeaking := p.speaking
	p.speaking = false
	p.mu.Unlock()

	if wasStarted && p.sink != nil {
		if err := p.sink.Stop(); err != nil {
			p.logger.Warn().Err(err).Msg("sink stop failed")
		}
	}
	if wasSpeaking && p.onSpeaking != nil {
		p.onSpeaking(false)
	}
}

// pull feeds the output device. Runs on the sink callback path.
func (p *Playback) pull(out []int16) {
	p.mu.Lock()

	var becameSilent bool
	for i := range out {
		out[i] = 0
	}

	n := 0
	for n < len(out) && len(p.queue) > 0 {
		head := p.queue[0]
		sample := head[p.headOffset]

		if p.fadeRemaining > 0 {
			gain := float64(p.fadeRemaining) / float64(p.fadeTotal)
			sample = int16(float64(sample) * gain)
			p.fadeRemaining--
			if p.fadeRemaining == 0 {
				out[n] = sample
				p.clearLocked()
				becameSilent = p.speaking
				p.speaking = false
				n++
				break
			}
		}

		out[n] = sample
		n++
		p.headOffset++
		p.queuedSamples--
		if p.headOffset >= len(head) {
			p.queue = p.queue[1:]
			p.headOffset = 0
		}
	}

	if p.queuedSamples == 0 {
		if p.fadeRemaining > 0 {
			// Queue drained before the ramp finished; nothing left to fade.
			p.clearLocked()
		}
		if p.speaking {
			becameSilent = true
			p.speaking = false
		}
	}
	hook := p.onSpeaking
	p.mu.Unlock()

	if becameSilent && hook != nil {
		hook(false)
	}
}

func (p *Playback) clearLocked() {
	p.queue = nil
	p.headOffset = 0
	p.queuedSamples = 0
	p.cursor = time.Time{}
	p.fadeRemaining = 0
}
