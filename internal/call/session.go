// Package call implements the session protocol manager: the single owner of
// a voice call's lifecycle, wiring the capture stage, the duplex channel, the
// playback scheduler, and the transcript aggregator together.
//
// A Session moves through Idle → Connecting → Open → Closed, with Errored
// absorbing transport failures and Interrupted as a transient passage back to
// Open during barge-in. Exactly one terminal event is delivered per session:
// OnClose for an orderly end, OnError for a failure — never both.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/transcript"
	"github.com/voxwire/voxwire/pkg/audio"
	"github.com/voxwire/voxwire/pkg/duplex"
)

// State is the session's lifecycle position.
type State int

const (
	// StateIdle is the initial state; nothing is connected.
	StateIdle State = iota

	// StateConnecting covers device acquisition and the channel dial.
	StateConnecting

	// StateOpen is a live call: audio flows both ways.
	StateOpen

	// StateInterrupted is the transient barge-in passage; the session
	// returns to Open as soon as the interruption is processed.
	StateInterrupted

	// StateClosed is terminal: the session ended in an orderly fashion.
	StateClosed

	// StateErrored is terminal: the session died from a transport failure.
	StateErrored
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateInterrupted:
		return "interrupted"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrNotIdle is returned by Connect when the session has already been
// connected or closed. Sessions are single-use.
var ErrNotIdle = errors.New("call: session is not idle")

// Events are the callbacks a Session delivers to its consumer. Any field may
// be nil. OnAudioLevel fires from the capture goroutine; the rest fire from
// the inbound dispatch goroutine, one at a time, in chronological order.
type Events struct {
	// OnAudioLevel reports the RMS loudness of each captured frame.
	OnAudioLevel func(level float64)

	// OnTranscription delivers each finalized transcript item.
	OnTranscription func(item transcript.Item)

	// OnError fires at most once, when the session dies from a failure.
	OnError func(err error)

	// OnClose fires at most once, when the session ends in an orderly
	// fashion. Never fires for a session that fired OnError.
	OnClose func()
}

// Config assembles a Session's collaborators.
type Config struct {
	// Dialer opens the duplex channel to the speech service.
	Dialer duplex.Dialer

	// Device provides the microphone stream.
	Device audio.CaptureDevice

	// Output is the speaker sink for scheduled model audio.
	Output audio.OutputLine

	// Clock is the playback output clock. Nil means a monotonic clock.
	Clock audio.Clock

	// Session configures the remote side: voice and instructions.
	Session duplex.SessionConfig

	// FrameSize is the capture frame size in samples. Zero means the
	// package default.
	FrameSize int

	// QueueCapacity bounds the transmit queue. Zero means the default.
	QueueCapacity int

	// Events receives the session's callbacks.
	Events Events

	// Metrics records pipeline instrumentation. Nil disables it.
	Metrics *observe.Metrics
}

// validate reports all missing required collaborators at once.
func (c Config) validate() error {
	var errs []error
	if c.Dialer == nil {
		errs = append(errs, errors.New("call: config: Dialer is required"))
	}
	if c.Device == nil {
		errs = append(errs, errors.New("call: config: Device is required"))
	}
	if c.Output == nil {
		errs = append(errs, errors.New("call: config: Output is required"))
	}
	return errors.Join(errs...)
}

// Session owns one voice call end to end. Create with New, start with
// Connect, end with Disconnect. All exported methods are safe for
// concurrent use. A Session is single-use: once terminal it cannot be
// reconnected.
type Session struct {
	cfg     Config
	metrics *observe.Metrics

	mu       sync.Mutex
	state    State
	muted    bool
	stage    *audio.CaptureStage
	sched    *audio.Scheduler
	channel  duplex.Channel
	queue    *txQueue
	agg      *transcript.Aggregator
	openedAt time.Time

	terminalOnce sync.Once
	dropLogOnce  sync.Once
	wg           sync.WaitGroup
}

// New creates an idle Session from cfg. Returns an error when a required
// collaborator is missing.
func New(cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Session{
		cfg:     cfg,
		metrics: cfg.Metrics,
		state:   StateIdle,
	}, nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect acquires the microphone, dials the duplex channel, and starts the
// call. On device failure the session reverts to Idle and can be retried; on
// dial failure it is Errored and done. ctx governs the connection attempt
// only.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotIdle, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	capSess, err := s.cfg.Device.Open(ctx)
	if err != nil {
		s.setState(StateIdle)
		return fmt.Errorf("call: open capture device: %w", err)
	}

	channel, err := s.cfg.Dialer.Dial(ctx, s.cfg.Session)
	if err != nil {
		if stopErr := capSess.Stop(); stopErr != nil {
			slog.Warn("call: release capture device after failed dial", "err", stopErr)
		}
		s.setState(StateErrored)
		return fmt.Errorf("call: dial: %w", err)
	}

	s.mu.Lock()
	// Disconnect may have run during the dial; a closed session must not
	// resurrect with the mic and channel held.
	if s.state != StateConnecting {
		state := s.state
		s.mu.Unlock()
		if stopErr := capSess.Stop(); stopErr != nil {
			slog.Warn("call: release capture device after aborted connect", "err", stopErr)
		}
		_ = channel.Close()
		return fmt.Errorf("%w: state %s", ErrNotIdle, state)
	}

	queue := newTxQueue(s.cfg.QueueCapacity)
	sched := audio.NewScheduler(s.cfg.Output, s.cfg.Clock)
	agg := transcript.NewAggregator()
	stage := audio.NewCaptureStage(s.cfg.FrameSize, s.onLevel, s.makeOnFrame(queue))

	s.channel = channel
	s.queue = queue
	s.sched = sched
	s.agg = agg
	s.stage = stage
	s.openedAt = time.Now()
	s.state = StateOpen
	muted := s.muted
	s.mu.Unlock()

	if muted {
		stage.SetMuted(true)
	}

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
	}

	if err := stage.Start(capSess); err != nil {
		// Unreachable for a fresh stage; fail the connect anyway.
		_ = channel.Close()
		s.setState(StateErrored)
		return fmt.Errorf("call: start capture: %w", err)
	}

	s.wg.Add(2)
	go s.sendLoop(channel, queue)
	go s.dispatchLoop(channel)

	slog.Info("call: session open",
		"voice", s.cfg.Session.Voice.Name,
		"frame_size", s.cfg.FrameSize,
	)
	return nil
}

// Disconnect ends the call: it stops the capture stage, closes the transmit
// queue, the channel, and the speaker, then waits for every background
// goroutine to exit. Idempotent and safe from any state. An orderly local
// disconnect delivers OnClose (via the dispatch goroutine observing the
// channel closing), never OnError.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateConnecting {
		s.state = StateClosed
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.release()
	s.wg.Wait()
	return nil
}

// release tears the pipeline down: microphone first, so no frame or level
// callback can fire once it returns, then the transmit queue, the channel,
// and the playback line. Every step is idempotent, so Disconnect and the
// terminal transition may both run it.
func (s *Session) release() {
	s.mu.Lock()
	stage := s.stage
	queue := s.queue
	channel := s.channel
	sched := s.sched
	s.mu.Unlock()

	if stage != nil {
		stage.Stop()
	}
	if queue != nil {
		queue.close()
	}
	if channel != nil {
		_ = channel.Close()
	}
	if sched != nil {
		if err := sched.Close(); err != nil {
			slog.Warn("call: close playback", "err", err)
		}
	}
}

// SetMicrophoneMuted silences or restores the outgoing audio. While muted,
// frames keep flowing (silent) so level metering stays live. Safe to call in
// any state; the setting is applied when the stage exists and remembered for
// a future Connect otherwise.
func (s *Session) SetMicrophoneMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	stage := s.stage
	s.mu.Unlock()

	if stage != nil {
		stage.SetMuted(muted)
	}
}

// MicrophoneMuted reports the current mute setting.
func (s *Session) MicrophoneMuted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

// TransmitDrops reports how many outbound chunks the transmit queue evicted.
func (s *Session) TransmitDrops() uint64 {
	s.mu.Lock()
	queue := s.queue
	s.mu.Unlock()
	if queue == nil {
		return 0
	}
	return queue.dropCount()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// onLevel runs on the capture goroutine, once per frame, before onFrame.
func (s *Session) onLevel(level float64) {
	if s.metrics != nil {
		s.metrics.AudioLevel.Record(context.Background(), level)
	}
	if s.cfg.Events.OnAudioLevel != nil {
		s.cfg.Events.OnAudioLevel(level)
	}
}

// makeOnFrame builds the capture callback bound to this call's queue. The
// callback must never block: a full queue evicts its oldest chunk instead.
func (s *Session) makeOnFrame(queue *txQueue) func(audio.AudioFrame) {
	return func(frame audio.AudioFrame) {
		if s.metrics != nil {
			s.metrics.FramesCaptured.Add(context.Background(), 1)
		}
		if queue.push(audio.EncodePCM16(frame)) {
			if s.metrics != nil {
				s.metrics.TransmitDrops.Add(context.Background(), 1)
			}
			s.dropLogOnce.Do(func() {
				slog.Warn("call: transmit queue full, dropping oldest audio")
			})
		}
	}
}

// sendLoop drains the transmit queue into the channel. It exits when the
// queue closes or a send fails; transport failures surface as terminal
// events through the dispatch loop, not here.
func (s *Session) sendLoop(channel duplex.Channel, queue *txQueue) {
	defer s.wg.Done()

	for {
		chunk, ok := queue.pop()
		if !ok {
			return
		}
		if err := channel.SendAudio(chunk); err != nil {
			if !errors.Is(err, duplex.ErrSessionClosed) {
				slog.Warn("call: send audio", "err", err)
			}
			return
		}
	}
}

// dispatchLoop is the single consumer of the channel's inbound stream. When
// the stream ends it performs the session's one terminal transition.
func (s *Session) dispatchLoop(channel duplex.Channel) {
	defer s.wg.Done()

	for msg := range channel.Messages() {
		s.handleMessage(msg)
	}

	err := channel.Err()
	if err == nil || errors.Is(err, duplex.ErrChannelClosed) {
		s.terminal(StateClosed, nil)
	} else {
		s.terminal(StateErrored, err)
	}
}

// handleMessage processes one inbound event. Runs only on the dispatch
// goroutine, so aggregator and scheduler calls are naturally serialized.
func (s *Session) handleMessage(msg duplex.Message) {
	if msg.Interrupted {
		s.mu.Lock()
		if s.state == StateOpen {
			s.state = StateInterrupted
		}
		s.mu.Unlock()

		s.sched.Interrupt()
		s.agg.DiscardAI()
		if s.metrics != nil {
			s.metrics.PlaybackInterrupts.Add(context.Background(), 1)
		}

		s.mu.Lock()
		if s.state == StateInterrupted {
			s.state = StateOpen
		}
		s.mu.Unlock()
	}

	if len(msg.Audio) > 0 {
		frame, err := audio.DecodePCM16(msg.Audio, audio.PlaybackRate, audio.Mono)
		if err != nil {
			// Per-chunk corruption loses that chunk, never the session.
			slog.Warn("call: malformed model audio", "err", err, "bytes", len(msg.Audio))
		} else {
			if _, err := s.sched.Enqueue(frame); err != nil {
				slog.Warn("call: enqueue playback", "err", err)
			} else if s.metrics != nil {
				s.metrics.ChunksScheduled.Add(context.Background(), 1)
			}
		}
	}

	if msg.InputTranscript != "" {
		s.agg.AppendDelta(transcript.SenderUser, msg.InputTranscript)
	}
	if msg.OutputTranscript != "" {
		s.agg.AppendDelta(transcript.SenderAI, msg.OutputTranscript)
	}

	if msg.TurnComplete {
		for _, item := range s.agg.FlushTurn() {
			if s.metrics != nil {
				s.metrics.RecordTranscriptItem(context.Background(), string(item.Sender))
			}
			if s.cfg.Events.OnTranscription != nil {
				s.cfg.Events.OnTranscription(item)
			}
		}
	}
}

// terminal performs the session's single terminal transition and delivers
// exactly one of OnClose/OnError.
func (s *Session) terminal(state State, err error) {
	s.terminalOnce.Do(func() {
		s.mu.Lock()
		s.state = state
		opened := s.openedAt
		s.mu.Unlock()

		// The inbound stream has drained, so this goroutine owns the
		// teardown: the mic is stopped and the pipeline released before the
		// terminal event fires. No wg.Wait here — the dispatch goroutine is
		// itself part of the group.
		s.release()

		if s.metrics != nil {
			ctx := context.Background()
			s.metrics.ActiveSessions.Add(ctx, -1)
			kind := "closed"
			if err != nil {
				kind = "errored"
			}
			s.metrics.RecordTerminalEvent(ctx, kind, time.Since(opened))
		}

		if err != nil {
			slog.Error("call: session failed", "err", err)
			if s.cfg.Events.OnError != nil {
				s.cfg.Events.OnError(err)
			}
			return
		}
		slog.Info("call: session closed")
		if s.cfg.Events.OnClose != nil {
			s.cfg.Events.OnClose()
		}
	})
}
