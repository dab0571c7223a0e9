package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// OutputLine is a mono s16le PCM sink at PlaybackRate. The Scheduler owns
// pacing; the line plays whatever it is given, in write order.
//
// Implementations must be safe for concurrent use.
type OutputLine interface {
	// Write submits PCM bytes for immediate playback.
	Write(pcm []byte) error

	// Close releases the output device. Idempotent.
	Close() error
}

// Clock is the playback output clock, in monotonically non-decreasing
// seconds since the line was opened.
type Clock interface {
	Now() float64
}

// monotonicClock measures seconds since its creation.
type monotonicClock struct {
	start time.Time
}

// NewMonotonicClock returns a Clock that starts at zero when created.
func NewMonotonicClock() Clock {
	return &monotonicClock{start: time.Now()}
}

func (c *monotonicClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

// PlaybackHandle identifies one scheduled output buffer. The Scheduler owns
// the handle from Enqueue until its finished signal fires or Interrupt
// removes it.
type PlaybackHandle struct {
	id      uint64
	startAt float64

	cancelOnce sync.Once
	cancel     chan struct{}
	played     chan struct{} // closed once the buffer has hit the line (or was skipped)
	done       chan struct{} // closed when the handle leaves the active set
}

// ID returns the handle's monotonically increasing identifier.
func (h *PlaybackHandle) ID() uint64 { return h.id }

// StartAt returns the output-clock time (seconds) this buffer was scheduled
// to begin playing.
func (h *PlaybackHandle) StartAt() float64 { return h.startAt }

// Done is closed when the buffer finishes playing naturally or is stopped
// by an interrupt.
func (h *PlaybackHandle) Done() <-chan struct{} { return h.done }

func (h *PlaybackHandle) stop() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// ErrSchedulerClosed is returned by Enqueue after Close.
var ErrSchedulerClosed = errors.New("audio: playback scheduler closed")

// Scheduler plays a stream of decoded audio frames back-to-back with no
// gaps, in enqueue order, and supports immediate full-stop on interruption.
//
// It owns a single "next start time" cursor: each enqueued frame starts at
// max(cursor, current clock time), and the cursor advances by the frame's
// duration. If production lags behind the output clock the next frame simply
// starts immediately, absorbing the catch-up silence. Interrupt stops every
// in-flight buffer, clears the active set, and resets the cursor to zero so
// the next frame starts as soon as possible. No other component reads or
// writes the cursor.
//
// All exported methods are safe for concurrent use.
type Scheduler struct {
	line  OutputLine
	clock Clock

	mu        sync.Mutex
	nextStart float64
	nextID    uint64
	active    map[uint64]*PlaybackHandle
	lastEnq   *PlaybackHandle // tail of the ordering chain, nil after Interrupt
	closed    bool

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler that plays through line using clock as
// the output clock. A nil clock falls back to a fresh monotonic clock.
func NewScheduler(line OutputLine, clock Clock) *Scheduler {
	if clock == nil {
		clock = NewMonotonicClock()
	}
	return &Scheduler{
		line:   line,
		clock:  clock,
		active: make(map[uint64]*PlaybackHandle),
	}
}

// Enqueue schedules frame to start at max(cursor, now) and advances the
// cursor past it. The returned handle stays in the active set until playback
// ends naturally or Interrupt fires. Frames always reach the line in
// enqueue order.
func (s *Scheduler) Enqueue(frame AudioFrame) (*PlaybackHandle, error) {
	pcm := EncodePCM16(frame)
	dur := frame.Duration().Seconds()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSchedulerClosed
	}

	now := s.clock.Now()
	start := s.nextStart
	if now > start {
		start = now
	}
	s.nextStart = start + dur

	s.nextID++
	h := &PlaybackHandle{
		id:      s.nextID,
		startAt: start,
		cancel:  make(chan struct{}),
		played:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	prev := s.lastEnq
	s.lastEnq = h
	s.active[h.id] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go s.play(h, prev, pcm, start)
	return h, nil
}

// Interrupt stops every buffer in the active set immediately, clears the
// set, and resets the cursor to zero. Stopping an already-finished buffer is
// a no-op. Valid whether or not anything is playing; the scheduler is Idle
// when it returns.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	for id, h := range s.active {
		h.stop()
		delete(s.active, id)
	}
	s.lastEnq = nil
	s.nextStart = 0
	s.mu.Unlock()
}

// Active returns the number of buffers currently in the active set.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Close interrupts all playback, closes the output line, and rejects further
// Enqueue calls. Idempotent.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Interrupt()
	s.wg.Wait()
	return s.line.Close()
}

// play waits for its predecessor in the enqueue chain and its start instant,
// streams the buffer to the line, and removes the handle on completion.
func (s *Scheduler) play(h *PlaybackHandle, prev *PlaybackHandle, pcm []byte, start float64) {
	defer s.wg.Done()
	defer s.finish(h)
	defer close(h.played)

	// Strict enqueue-order delivery: never pass a predecessor, even when both
	// start instants have already elapsed.
	if prev != nil {
		select {
		case <-h.cancel:
			return
		case <-prev.played:
		}
	}

	if delay := start - s.clock.Now(); delay > 0 {
		timer := time.NewTimer(time.Duration(delay * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-h.cancel:
			return
		case <-timer.C:
		}
	}

	select {
	case <-h.cancel:
		return
	default:
	}

	// Write failures are per-chunk and best-effort: the chunk is lost, the
	// session is not.
	if err := s.line.Write(pcm); err != nil {
		slog.Warn("playback scheduler: line write", "handle", h.id, "err", err)
	}
}

// finish removes h from the active set (a no-op after Interrupt already
// removed it) and fires its finished signal.
func (s *Scheduler) finish(h *PlaybackHandle) {
	s.mu.Lock()
	delete(s.active, h.id)
	s.mu.Unlock()
	close(h.done)
}
