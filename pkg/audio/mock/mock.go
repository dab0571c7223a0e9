// Package mock provides in-memory implementations of the audio device
// contracts for tests: a scripted capture device, a recording output line,
// and a manually advanced clock.
package mock

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/voxwire/voxwire/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*CaptureDevice)(nil)
	_ audio.CaptureSession = (*CaptureSession)(nil)
	_ audio.Muter          = (*CaptureSession)(nil)
	_ audio.OutputLine     = (*OutputLine)(nil)
	_ audio.Clock          = (*Clock)(nil)
)

// CaptureDevice is a scripted audio.CaptureDevice. When Unavailable is set,
// Open fails wrapping audio.ErrDeviceUnavailable.
type CaptureDevice struct {
	// Unavailable makes Open fail.
	Unavailable bool

	mu      sync.Mutex
	session *CaptureSession
}

// Open returns the device's capture session, creating an empty one on first
// use. The session can be pre-seeded via Feed before or after Open.
func (d *CaptureDevice) Open(_ context.Context) (audio.CaptureSession, error) {
	if d.Unavailable {
		return nil, fmt.Errorf("mock: open capture: %w", audio.ErrDeviceUnavailable)
	}
	return d.Session(), nil
}

// Session returns the underlying mock session, creating it if needed.
func (d *CaptureDevice) Session() *CaptureSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		d.session = NewCaptureSession()
	}
	return d.session
}

// CaptureSession is a blocking, feedable audio.CaptureSession. Read blocks
// until data is fed or the session is stopped.
type CaptureSession struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	stopped bool
	muted   bool
}

// NewCaptureSession returns an empty session.
func NewCaptureSession() *CaptureSession {
	s := &CaptureSession{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Feed appends raw s16le PCM bytes for subsequent Reads.
func (s *CaptureSession) Feed(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = append(s.buf, pcm...)
	s.cond.Broadcast()
}

// Read blocks until bytes are available or the session is stopped.
func (s *CaptureSession) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.buf) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if s.stopped {
		return 0, io.EOF
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Stop unblocks pending Reads and makes future Reads fail. Idempotent.
func (s *CaptureSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cond.Broadcast()
	return nil
}

// SetMuted records the source-level mute request.
func (s *CaptureSession) SetMuted(muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = muted
	return nil
}

// SourceMuted reports the last SetMuted value.
func (s *CaptureSession) SourceMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// Stopped reports whether Stop has been called.
func (s *CaptureSession) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// OutputLine records every write. WriteErr, when set, is returned from Write
// after the bytes are still recorded.
type OutputLine struct {
	// WriteErr is returned from every Write when non-nil.
	WriteErr error

	mu     sync.Mutex
	writes [][]byte
	closed bool
}

// Write records a copy of pcm.
func (l *OutputLine) Write(pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	l.writes = append(l.writes, cp)
	return l.WriteErr
}

// Close marks the line closed. Idempotent.
func (l *OutputLine) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Writes returns a snapshot of all recorded writes.
func (l *OutputLine) Writes() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([][]byte, len(l.writes))
	copy(out, l.writes)
	return out
}

// Closed reports whether Close has been called.
func (l *OutputLine) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Clock is a manually advanced audio.Clock.
type Clock struct {
	mu  sync.Mutex
	now float64
}

// Now returns the current fake time in seconds.
func (c *Clock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t seconds.
func (c *Clock) Set(t float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
