package racevoice

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// AudioSource abstracts the microphone so tests can feed synthetic frames.
// The callback runs on the device's time-sensitive path: it must never
// block on network I/O.
type AudioSource interface {
	Start(sampleRate, frameSize int, callback func([]float32)) error
	Stop() error
}

// Capture owns the microphone lifecycle and the capture→convert→transport
// flow. Frames are forwarded strictly in order through a single queue and a
// single sender; while the tool gate is held, frames are computed and then
// discarded, never buffered, so capture resumes silently on release.
type Capture struct {
	mu sync.Mutex

	cfg       *Config
	source    AudioSource
	converter *Downsampler
	stats     *StreamStats
	logger    *Logger

	gateLocked func() bool
	ready      func() bool

	sendFrame   func(*AudioFrame) error
	sendTurnEnd func()

	onMicChanged func(active bool)
	onActivated  func(t time.Time)

	active           bool
	accepting        atomic.Bool // gates the device callback across start/stop
	seq              atomic.Uint64
	hasAudioThisTurn atomic.Bool
	currentRMS       atomic.Uint64 // float64 bits

	queue chan *AudioFrame
	done  chan struct{}
}

func NewCapture(cfg *Config, source AudioSource, logger *Logger, stats *StreamStats) (*Capture, error) {
	converter, err := NewDownsampler(cfg.CaptureSampleRate, cfg.WireSampleRate)
	if err != nil {
		return nil, err
	}
	return &Capture{
		cfg:       cfg,
		source:    source,
		converter: converter,
		stats:     stats,
		logger:    logger.WithComponent("capture"),
	}, nil
}

// Bind wires the capture pipeline to the session and its collaborators.
func (c *Capture) Bind(ready, gateLocked func() bool, sendFrame func(*AudioFrame) error, sendTurnEnd func(), onMicChanged func(bool), onActivated func(time.Time)) {
	c.ready = ready
	c.gateLocked = gateLocked
	c.sendFrame = sendFrame
	c.sendTurnEnd = sendTurnEnd
	c.onMicChanged = onMicChanged
	c.onActivated = onActivated
}

// Start acquires the microphone and begins streaming encoded frames.
// A device error is surfaced to the caller; the bridge keeps operating in
// playback-only mode.
func (c *Capture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return nil
	}

	c.converter.Reset()
	c.hasAudioThisTurn.Store(false)
	c.queue = make(chan *AudioFrame, 64)
	c.done = make(chan struct{})
	c.accepting.Store(true)
	go c.pump(c.queue, c.done)

	if err := c.source.Start(c.cfg.CaptureSampleRate, c.cfg.FrameSize, c.onFrames); err != nil {
		c.accepting.Store(false)
		c.queue <- nil
		<-c.done
		return WrapError(err, ErrCodeAudioDevice)
	}

	c.active = true
	now := time.Now()
	if c.onActivated != nil {
		c.onActivated(now)
	}
	if c.onMicChanged != nil {
		c.onMicChanged(true)
	}
	c.logger.Info().Msg("capture started")
	return nil
}

// Stop releases the microphone. If any audio was actually sent during this
// activation, an explicit end-of-turn signal follows the last frame.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return nil
	}
	c.active = false
	c.accepting.Store(false)

	if err := c.source.Stop(); err != nil {
		c.logger.Warn().Err(err).Msg("microphone release failed")
	}

	// The queue is never closed: a device that keeps firing its callback
	// after a failed Stop must still find it safe. A nil sentinel retires
	// the pump instead.
	c.queue <- nil
	<-c.done

	if c.onMicChanged != nil {
		c.onMicChanged(false)
	}
	c.logger.Info().Msg("capture stopped")
	return nil
}

// Active reports whether the microphone is held.
func (c *Capture) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// HadAudioThisTurn reports whether any frame reached the transport during
// the current activation.
func (c *Capture) HadAudioThisTurn() bool {
	return c.hasAudioThisTurn.Load()
}

// CurrentLevelDB returns the most recent input energy in dBFS. Sampled by
// the barge-in monitor at its own cadence.
func (c *Capture) CurrentLevelDB() float64 {
	return RMSToDB(math.Float64frombits(c.currentRMS.Load()))
}

// onFrames runs on the device callback path: in-memory checks only.
func (c *Capture) onFrames(in []float32) {
	if !c.accepting.Load() {
		return
	}

	rms := CalculateRMS(in)
	c.currentRMS.Store(math.Float64bits(rms))
	c.stats.RecordLevel(rms)

	if c.ready != nil && !c.ready() {
		c.stats.RecordDropped()
		return
	}
	if c.gateLocked != nil && c.gateLocked() {
		// Tool gate held: compute, discard, count. Never queue.
		c.stats.RecordDropped()
		return
	}

	pcm := c.converter.Process(in)
	if len(pcm) == 0 {
		return
	}

	frame := &AudioFrame{
		Seq:        c.seq.Add(1),
		SampleRate: c.cfg.WireSampleRate,
		PCM:        pcm,
	}

	select {
	case c.queue <- frame:
	default:
		c.stats.RecordDropped()
	}
}

// pump forwards frames in order on a path allowed to block, then emits the
// end-of-turn signal once the queue is drained.
func (c *Capture) pump(queue chan *AudioFrame, done chan struct{}) {
	defer close(done)

	for frame := range queue {
		if frame == nil {
			break
		}
		if c.sendFrame == nil {
			continue
		}
		if err := c.sendFrame(frame); err != nil {
			c.logger.Warn().Err(err).Uint64("seq", frame.Seq).Msg("audio frame send failed")
			continue
		}
		c.hasAudioThisTurn.Store(true)
		c.stats.RecordSent(len(frame.PCM))
	}

	if c.hasAudioThisTurn.Load() && c.sendTurnEnd != nil {
		c.sendTurnEnd()
	}
}
