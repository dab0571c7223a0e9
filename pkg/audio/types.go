// Package audio implements the real-time audio pipeline primitives for
// Voxwire: the AudioFrame type, the 16-bit PCM wire codec with its base64
// transport envelope, the microphone capture stage, and the gapless playback
// scheduler.
//
// The pipeline is mono end to end. Capture runs at [CaptureRate] and the
// remote service synthesises at [PlaybackRate]; the codec functions are pure
// and safe for unsynchronized concurrent use, while CaptureStage and
// Scheduler each own their hardware resource exclusively.
package audio

import "time"

const (
	// CaptureRate is the sample rate of microphone input sent upstream, in Hz.
	CaptureRate = 16000

	// PlaybackRate is the sample rate of synthesised audio received from the
	// remote service, in Hz.
	PlaybackRate = 24000

	// Mono is the channel count used throughout the pipeline.
	Mono = 1

	// DefaultFrameSize is the number of samples per capture frame.
	DefaultFrameSize = 4096
)

// AudioFrame is a single frame of mono audio flowing through the pipeline.
// Samples are signed amplitudes in [-1, 1]. Frames are created once per
// capture tick or per decoded inbound chunk and are not mutated afterwards.
type AudioFrame struct {
	// Samples holds the amplitude values, one per sample point.
	Samples []float32

	// SampleRate in Hz (CaptureRate for microphone frames, PlaybackRate for
	// decoded remote audio).
	SampleRate int

	// Channels is the channel count. Always Mono in this pipeline.
	Channels int
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samplesPerChannel := len(f.Samples) / f.Channels
	return time.Duration(samplesPerChannel) * time.Second / time.Duration(f.SampleRate)
}
