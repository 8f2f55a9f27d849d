package racevoice

import (
	"fmt"
)

// Downsampler converts native-rate capture audio to the fixed wire rate.
// A moving-average low-pass filter runs ahead of the decimation; picking
// every Nth raw sample without it leaves audible high-frequency aliasing.
// Filter and phase state carry across calls so frame boundaries are
// seamless.
type Downsampler struct {
	inRate  int
	outRate int
	ratio   int
	window  int

	ring    []float32
	ringPos int
	filled  int
	sum     float64
	phase   int
}

// NewDownsampler requires the input rate to be an integer multiple of the
// output rate; fractional resampling is out of scope for the wire path.
func NewDownsampler(inRate, outRate int) (*Downsampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, NewVoiceError("sample rates must be positive", ErrCodeConfigInvalid)
	}
	if inRate%outRate != 0 {
		return nil, NewVoiceError(
			fmt.Sprintf("input rate %d is not an integer multiple of output rate %d", inRate, outRate),
			ErrCodeConfigInvalid)
	}

	ratio := inRate / outRate
	window := ratio
	if window < 3 {
		window = 3
	}

	return &Downsampler{
		inRate:  inRate,
		outRate: outRate,
		ratio:   ratio,
		window:  window,
		ring:    make([]float32, window),
	}, nil
}

// Ratio returns the decimation factor.
func (d *Downsampler) Ratio() int {
	return d.ratio
}

// Process filters and decimates one block of float samples into wire-rate
// 16-bit PCM. The output length is len(in)/ratio, give or take one sample
// of phase carry.
func (d *Downsampler) Process(in []float32) []int16 {
	out := make([]int16, 0, len(in)/d.ratio+1)

	for _, s := range in {
		d.sum -= float64(d.ring[d.ringPos])
		d.ring[d.ringPos] = s
		d.sum += float64(s)
		d.ringPos = (d.ringPos + 1) % d.window
		if d.filled < d.window {
			d.filled++
		}

		filtered := float32(d.sum / float64(d.filled))

		d.phase++
		if d.phase == d.ratio {
			d.phase = 0
			out = append(out, float32ToPCM16(filtered))
		}
	}

	return out
}

// Reset clears filter and phase state between capture activations.
func (d *Downsampler) Reset() {
	for i := range d.ring {
		d.ring[i] = 0
	}
	d.ringPos = 0
	d.filled = 0
	d.sum = 0
	d.phase = 0
}
