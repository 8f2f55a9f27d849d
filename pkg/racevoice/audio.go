package racevoice

import (
	"encoding/base64"
	"encoding/binary"
	"math"
)

// PCM conversion helpers. The wire format is little-endian 16-bit mono PCM;
// portaudio delivers float32 in [-1, 1].

func pcm16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

func bytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// DecodeAudioPayload decodes a base64 PCM chunk into samples.
func DecodeAudioPayload(encoded string) ([]int16, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, WrapError(err, ErrCodeJSONParse)
	}
	return bytesToPCM16(data), nil
}

func float32ToPCM16(sample float32) int16 {
	scaled := float64(sample) * 32767.0
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}

// CalculateRMS returns the root-mean-square level of float samples.
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// RMSToDB converts an RMS level in [0, 1] to decibels relative to full
// scale. Silence clamps to -120 dB.
func RMSToDB(rms float64) float64 {
	if rms <= 0 {
		return -120
	}
	db := 20 * math.Log10(rms)
	if db < -120 {
		return -120
	}
	return db
}

// ApplyGain scales samples by a linear gain factor, clamping to int16 range.
func ApplyGain(samples []int16, gain float64) {
	for i, s := range samples {
		scaled := float64(s) * gain
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		samples[i] = int16(scaled)
	}
}
