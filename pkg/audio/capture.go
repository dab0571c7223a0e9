package audio

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

var (
	errAlreadyStarted = errors.New("audio: capture stage already started")
	errStageStopped   = errors.New("audio: capture stage stopped")
)

// CaptureDevice is the entry point for a microphone provider. Implementations
// wrap the actual audio source (an ffmpeg subprocess, a test fixture, …) and
// expose a uniform streaming session.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Open acquires the device and starts producing s16le mono PCM at
	// CaptureRate. The supplied ctx governs the lifetime of the acquisition
	// attempt only. Returns an error wrapping ErrDeviceUnavailable if the
	// device cannot be acquired; no partial state is retained on failure.
	Open(ctx context.Context) (CaptureSession, error)
}

// CaptureSession is a live microphone stream: a blocking reader of raw
// s16le PCM bytes plus teardown. Stop must unblock a pending Read and is
// idempotent.
type CaptureSession interface {
	io.Reader

	// Stop releases the device. After Stop returns, Read fails permanently.
	Stop() error
}

// Muter is an optional CaptureSession extension for devices that can disable
// the audio track at the source. When a session implements Muter, muting
// silences the content without stopping frame delivery.
type Muter interface {
	SetMuted(muted bool) error
}

// CaptureStage turns a CaptureSession into a continuous sequence of
// fixed-size AudioFrames. For each frame it invokes exactly one onLevel call
// (with the frame's RMS loudness) followed by exactly one onFrame call, both
// from a single reader goroutine — never reentrant, never overlapping.
//
// While muted, frame content is silenced before it leaves the stage, but
// frames keep flowing so level metering stays live.
type CaptureStage struct {
	frameSize int
	onLevel   func(level float64)
	onFrame   func(frame AudioFrame)

	mu      sync.Mutex
	session CaptureSession
	muted   bool
	started bool
	stopped bool

	done chan struct{}
}

// NewCaptureStage creates a stage that delivers frames of frameSize samples.
// A non-positive frameSize falls back to DefaultFrameSize. Either callback
// may be nil, in which case it is skipped.
func NewCaptureStage(frameSize int, onLevel func(float64), onFrame func(AudioFrame)) *CaptureStage {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	return &CaptureStage{
		frameSize: frameSize,
		onLevel:   onLevel,
		onFrame:   onFrame,
		done:      make(chan struct{}),
	}
}

// Start begins frame delivery from session on a background goroutine.
// A stage runs at most once; starting a started or stopped stage is an error.
func (c *CaptureStage) Start(session CaptureSession) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return errAlreadyStarted
	}
	if c.stopped {
		return errStageStopped
	}
	c.started = true
	c.session = session

	go c.readLoop(session)
	return nil
}

// Stop halts frame delivery and releases the capture session. It blocks until
// the reader goroutine has exited, so no callback fires after Stop returns.
// Idempotent; safe to call before Start.
func (c *CaptureStage) Stop() {
	c.mu.Lock()
	if c.stopped {
		started := c.started
		c.mu.Unlock()
		if started {
			<-c.done
		}
		return
	}
	c.stopped = true
	session := c.session
	started := c.started
	c.mu.Unlock()

	if session != nil {
		if err := session.Stop(); err != nil {
			slog.Warn("capture stage: session stop", "err", err)
		}
	}
	if started {
		<-c.done
	} else {
		close(c.done)
	}
}

// SetMuted silences or restores the stage's output. When the underlying
// session implements Muter the track is also disabled at the source. Frame
// delivery continues either way.
func (c *CaptureStage) SetMuted(muted bool) {
	c.mu.Lock()
	c.muted = muted
	session := c.session
	c.mu.Unlock()

	if m, ok := session.(Muter); ok {
		if err := m.SetMuted(muted); err != nil {
			slog.Warn("capture stage: device mute", "muted", muted, "err", err)
		}
	}
}

// Muted reports whether the stage is currently muted.
func (c *CaptureStage) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// readLoop reads frameSize-sample chunks from session until Stop is called
// or the session fails. It owns the done channel.
func (c *CaptureStage) readLoop(session CaptureSession) {
	defer close(c.done)

	buf := make([]byte, c.frameSize*2)
	for {
		if c.isStopped() {
			return
		}

		if _, err := io.ReadFull(session, buf); err != nil {
			if !c.isStopped() {
				slog.Warn("capture stage: read", "err", err)
			}
			return
		}

		frame, err := DecodePCM16(buf, CaptureRate, Mono)
		if err != nil {
			// Unreachable with an even-sized buffer; guard anyway.
			slog.Warn("capture stage: decode", "err", err)
			continue
		}

		if c.Muted() {
			clear(frame.Samples)
		}

		if c.isStopped() {
			return
		}
		if c.onLevel != nil {
			c.onLevel(RMS(frame.Samples))
		}
		if c.onFrame != nil {
			c.onFrame(frame)
		}
	}
}

func (c *CaptureStage) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
