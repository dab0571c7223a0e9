package audio_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/audio/mock"
)

// chunk returns a playback-rate frame of n samples at a fixed value.
func chunk(n int, value float32) audio.AudioFrame {
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = value
	}
	return audio.AudioFrame{
		Samples:    samples,
		SampleRate: audio.PlaybackRate,
		Channels:   audio.Mono,
	}
}

func waitDone(t *testing.T, h *audio.PlaybackHandle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("handle %d never finished", h.ID())
	}
}

func TestScheduler_GaplessStartTimes(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{}
	clock := &mock.Clock{}
	s := audio.NewScheduler(line, clock)
	defer s.Close()

	// Three chunks of 0.1s each, enqueued while the clock sits at zero:
	// the k-th start time is the sum of the preceding durations.
	const n = audio.PlaybackRate / 10
	var handles []*audio.PlaybackHandle
	for i := 0; i < 3; i++ {
		h, err := s.Enqueue(chunk(n, 0.1))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		handles = append(handles, h)
	}

	for i, h := range handles {
		want := float64(i) * 0.1
		if math.Abs(h.StartAt()-want) > 1e-9 {
			t.Errorf("handle %d StartAt = %f, want %f", i, h.StartAt(), want)
		}
	}
}

func TestScheduler_CatchUpWhenProductionLags(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{}
	clock := &mock.Clock{}
	s := audio.NewScheduler(line, clock)
	defer s.Close()

	h1, err := s.Enqueue(chunk(audio.PlaybackRate/10, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h1.StartAt() != 0 {
		t.Errorf("first StartAt = %f, want 0", h1.StartAt())
	}

	// The clock has moved past the cursor: the next chunk starts now, not at
	// the stale cursor position.
	clock.Set(5)
	h2, err := s.Enqueue(chunk(audio.PlaybackRate/10, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if h2.StartAt() != 5 {
		t.Errorf("second StartAt = %f, want 5", h2.StartAt())
	}

	// And the cursor advanced from the new start.
	h3, err := s.Enqueue(chunk(audio.PlaybackRate/10, 0.1))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if math.Abs(h3.StartAt()-5.1) > 1e-9 {
		t.Errorf("third StartAt = %f, want 5.1", h3.StartAt())
	}
}

func TestScheduler_WritesInEnqueueOrder(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{}
	clock := &mock.Clock{}
	clock.Set(100) // everything is already due, no timers involved
	s := audio.NewScheduler(line, clock)
	defer s.Close()

	var last *audio.PlaybackHandle
	for i := 0; i < 8; i++ {
		h, err := s.Enqueue(chunk(4, float32(i+1)/10))
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		last = h
	}
	waitDone(t, last)

	writes := line.Writes()
	if len(writes) != 8 {
		t.Fatalf("got %d writes, want 8", len(writes))
	}
	for i, w := range writes {
		frame, err := audio.DecodePCM16(w, audio.PlaybackRate, audio.Mono)
		if err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		want := float64(i+1) / 10
		if math.Abs(float64(frame.Samples[0])-want) > 1e-3 {
			t.Errorf("write %d starts with %f, want ~%f (out of order)", i, frame.Samples[0], want)
		}
	}
}

func TestScheduler_InterruptClearsActiveAndResetsCursor(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{}
	clock := &mock.Clock{}
	s := audio.NewScheduler(line, clock)
	defer s.Close()

	// Hold the clock behind the cursor so every chunk stays pending.
	clock.Set(-1)
	var handles []*audio.PlaybackHandle
	for i := 0; i < 4; i++ {
		h, err := s.Enqueue(chunk(audio.PlaybackRate, 0.1)) // 1s each
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		handles = append(handles, h)
	}
	if got := s.Active(); got != 4 {
		t.Fatalf("Active = %d, want 4", got)
	}

	s.Interrupt()

	if got := s.Active(); got != 0 {
		t.Errorf("Active after Interrupt = %d, want 0", got)
	}
	for _, h := range handles {
		waitDone(t, h)
	}
	if len(line.Writes()) != 0 {
		t.Errorf("got %d writes after interrupt, want 0", len(line.Writes()))
	}

	// Cursor reset: the next chunk starts at the current clock time.
	clock.Set(2)
	h, err := s.Enqueue(chunk(4, 0.1))
	if err != nil {
		t.Fatalf("Enqueue after Interrupt: %v", err)
	}
	if h.StartAt() != 2 {
		t.Errorf("StartAt after Interrupt = %f, want 2", h.StartAt())
	}
}

func TestScheduler_InterruptWhileIdle(t *testing.T) {
	t.Parallel()

	s := audio.NewScheduler(&mock.OutputLine{}, &mock.Clock{})
	defer s.Close()

	s.Interrupt()
	s.Interrupt()
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

func TestScheduler_DoneFiresAfterPlayback(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{}
	clock := &mock.Clock{}
	clock.Set(10)
	s := audio.NewScheduler(line, clock)
	defer s.Close()

	h, err := s.Enqueue(chunk(4, 0.5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitDone(t, h)
	if len(line.Writes()) != 1 {
		t.Errorf("got %d writes, want 1", len(line.Writes()))
	}
	if got := s.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
}

func TestScheduler_WriteFailureLosesChunkNotSession(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{WriteErr: errors.New("device gone")}
	clock := &mock.Clock{}
	clock.Set(10)
	s := audio.NewScheduler(line, clock)
	defer s.Close()

	h, err := s.Enqueue(chunk(4, 0.5))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitDone(t, h)

	// The failed write is swallowed; the scheduler keeps accepting chunks.
	line.WriteErr = nil
	h2, err := s.Enqueue(chunk(4, 0.5))
	if err != nil {
		t.Fatalf("Enqueue after write failure: %v", err)
	}
	waitDone(t, h2)
}

func TestScheduler_CloseIsIdempotentAndRejectsEnqueue(t *testing.T) {
	t.Parallel()

	line := &mock.OutputLine{}
	s := audio.NewScheduler(line, &mock.Clock{})

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !line.Closed() {
		t.Error("line was not closed")
	}

	if _, err := s.Enqueue(chunk(4, 0.5)); !errors.Is(err, audio.ErrSchedulerClosed) {
		t.Errorf("Enqueue after Close: err = %v, want ErrSchedulerClosed", err)
	}
}
