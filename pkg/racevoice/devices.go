package racevoice

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// AudioDevice describes one host audio device.
type AudioDevice struct {
	ID                int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	IsDefaultInput    bool
	IsDefaultOutput   bool
}

// ListAudioDevices enumerates every device the host exposes.
func ListAudioDevices() ([]AudioDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, WrapError(err, ErrCodeAudioDevice)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, ErrCodeAudioDevice)
	}
	defaultIn, _ := portaudio.DefaultInputDevice()
	defaultOut, _ := portaudio.DefaultOutputDevice()

	out := make([]AudioDevice, 0, len(devices))
	for i, dev := range devices {
		d := AudioDevice{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			IsDefaultInput:    dev == defaultIn,
			IsDefaultOutput:   dev == defaultOut,
		}
		if dev.HostApi != nil {
			d.HostAPI = dev.HostApi.Name
		}
		out = append(out, d)
	}
	return out, nil
}

// deviceByID resolves a device index against the current device list.
func deviceByID(id int) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, WrapError(err, ErrCodeAudioDevice)
	}
	if id < 0 || id >= len(devices) {
		return nil, NewVoiceError(fmt.Sprintf("audio device %d does not exist", id), ErrCodeAudioDevice)
	}
	return devices[id], nil
}

// portaudioSource is the production microphone AudioSource. A nil deviceID
// selects the host default input.
type portaudioSource struct {
	deviceID *int
	stream   *portaudio.Stream
}

func NewPortAudioSource(deviceID *int) AudioSource {
	return &portaudioSource{deviceID: deviceID}
}

func (s *portaudioSource) Start(sampleRate, frameSize int, callback func([]float32)) error {
	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, ErrCodeAudioDevice)
	}

	cb := func(in []float32) { callback(in) }

	var stream *portaudio.Stream
	var err error
	if s.deviceID != nil {
		var dev *portaudio.DeviceInfo
		dev, err = deviceByID(*s.deviceID)
		if err == nil {
			params := portaudio.HighLatencyParameters(dev, nil)
			params.Input.Channels = 1
			params.SampleRate = float64(sampleRate)
			params.FramesPerBuffer = frameSize
			stream, err = portaudio.OpenStream(params, cb)
		}
	} else {
		stream, err = portaudio.OpenDefaultStream(1, 0, float64(sampleRate), frameSize, cb)
	}
	if err != nil {
		portaudio.Terminate()
		return WrapError(err, ErrCodeAudioDevice)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return WrapError(err, ErrCodeAudioDevice)
	}
	s.stream = stream
	return nil
}

func (s *portaudioSource) Stop() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	if err != nil {
		return WrapError(err, ErrCodeAudioDevice)
	}
	return nil
}

// portaudioSink is the production speaker AudioSink.
type portaudioSink struct {
	deviceID *int
	stream   *portaudio.Stream
}

func NewPortAudioSink(deviceID *int) AudioSink {
	return &portaudioSink{deviceID: deviceID}
}

func (s *portaudioSink) Start(sampleRate, frameSize int, pull func(out []int16)) error {
	if err := portaudio.Initialize(); err != nil {
		return WrapError(err, ErrCodeAudioDevice)
	}

	cb := func(out []int16) { pull(out) }

	var stream *portaudio.Stream
	var err error
	if s.deviceID != nil {
		var dev *portaudio.DeviceInfo
		dev, err = deviceByID(*s.deviceID)
		if err == nil {
			params := portaudio.HighLatencyParameters(nil, dev)
			params.Output.Channels = 1
			params.SampleRate = float64(sampleRate)
			params.FramesPerBuffer = frameSize
			stream, err = portaudio.OpenStream(params, cb)
		}
	} else {
		stream, err = portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frameSize, cb)
	}
	if err != nil {
		portaudio.Terminate()
		return WrapError(err, ErrCodePlayback)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return WrapError(err, ErrCodePlayback)
	}
	s.stream = stream
	return nil
}

func (s *portaudioSink) Stop() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	s.stream.Close()
	s.stream = nil
	portaudio.Terminate()
	if err != nil {
		return WrapError(err, ErrCodePlayback)
	}
	return nil
}
