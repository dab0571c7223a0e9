package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// ErrMalformedAudio reports a PCM byte sequence that violates the wire
// format invariants (16-bit samples, so the byte length must be even).
var ErrMalformedAudio = errors.New("audio: malformed PCM data")

// ErrEncoding reports an invalid base64 transport envelope.
var ErrEncoding = errors.New("audio: invalid base64 encoding")

// ErrDeviceUnavailable reports that a capture or output device could not be
// acquired.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// EncodePCM16 converts a frame to little-endian 16-bit signed PCM bytes.
// Samples are clamped to [-1, 1]; NaN encodes as 0. The scale factor of
// 32768 mirrors DecodePCM16, and rounding keeps the round-trip error within
// half a quantization step (one full step at the positive clip point, where
// 32768 caps to 32767). Never fails on a well-formed frame.
func EncodePCM16(frame AudioFrame) []byte {
	out := make([]byte, len(frame.Samples)*2)
	for i, s := range frame.Samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			v = 0
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		scaled := math.Round(v * 32768)
		if scaled > 32767 {
			scaled = 32767
		}
		n := int16(scaled)
		out[i*2] = byte(n)
		out[i*2+1] = byte(n >> 8)
	}
	return out
}

// DecodePCM16 parses little-endian 16-bit signed PCM bytes into a frame with
// the given sample rate and channel count. Returns ErrMalformedAudio if the
// byte length is not a multiple of 2.
func DecodePCM16(data []byte, sampleRate, channels int) (AudioFrame, error) {
	if len(data)%2 != 0 {
		return AudioFrame{}, fmt.Errorf("%w: odd byte count %d", ErrMalformedAudio, len(data))
	}
	samples := make([]float32, len(data)/2)
	for i := range samples {
		n := int16(data[i*2]) | int16(data[i*2+1])<<8
		samples[i] = float32(n) / 32768
	}
	return AudioFrame{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}

// EncodeBase64 wraps a PCM byte sequence in its text-safe transport envelope.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 unwraps a base64 transport envelope back to PCM bytes.
// Invalid input fails wrapping ErrEncoding.
func DecodeBase64(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	return data, nil
}

// RMS returns the root-mean-square amplitude of samples, in [0, 1] for
// samples within [-1, 1]. An empty slice yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
