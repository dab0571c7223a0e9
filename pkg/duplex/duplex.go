// Package duplex defines the bidirectional voice channel abstraction used to
// talk to a conversational speech service.
//
// A Channel is a single stateful, full-duplex session: raw PCM microphone
// audio goes up via SendAudio, and everything the service sends back — model
// audio, interruption notices, transcription deltas, turn boundaries — comes
// down as a stream of Message values on a single channel. One receive
// goroutine owns that stream, so inbound messages are always observed one at
// a time, in arrival order.
//
// All implementations must be safe for concurrent use.
package duplex

import (
	"context"
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by SendAudio after the channel has been
// closed locally.
var ErrSessionClosed = errors.New("duplex: session closed")

// ErrChannelClosed indicates the remote side closed the session in an
// orderly fashion. It is reported through Err, never through SendAudio.
var ErrChannelClosed = errors.New("duplex: channel closed by remote")

// ChannelError is a fatal transport-level failure on an open channel.
type ChannelError struct {
	// Op names the operation that failed: "dial", "read", "write".
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("duplex: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// Voice selects a synthesised voice by provider-specific name.
type Voice struct {
	Name string
}

// SessionConfig is the initial configuration for a new duplex session.
// The response modality is always audio, and both input and output
// transcription streams are requested.
type SessionConfig struct {
	// Voice the model speaks with. Empty means the provider default.
	Voice Voice

	// Instructions is the system-level prompt for the session.
	Instructions string
}

// Message is one inbound event from the service. Exactly the set fields that
// the underlying protocol frame carried are populated; a single frame can
// yield several Message values (the channel implementation splits them).
type Message struct {
	// Audio is a decoded chunk of model speech: s16le mono PCM at 24 kHz.
	Audio []byte

	// Interrupted signals that the user barged in and the model stopped
	// talking. All scheduled model audio should be dropped.
	Interrupted bool

	// InputTranscript is an incremental recognition delta of user speech.
	InputTranscript string

	// OutputTranscript is an incremental text delta of the model's speech.
	OutputTranscript string

	// TurnComplete marks the end of the model's conversational turn.
	TurnComplete bool
}

// Channel is an open duplex session.
//
// Callers must drain Messages promptly; the receive loop stalls otherwise.
// After Messages closes, Err reports how the session ended: nil or
// ErrChannelClosed for an orderly close, a *ChannelError for a transport
// failure.
type Channel interface {
	// SendAudio delivers one chunk of s16le mono PCM at 16 kHz to the
	// service. Returns ErrSessionClosed after Close.
	SendAudio(pcm []byte) error

	// Messages returns the inbound event stream. Closed when the session
	// ends for any reason.
	Messages() <-chan Message

	// Err returns the error that ended the session, or nil while it is
	// open or after a clean local close.
	Err() error

	// Close terminates the session and releases all resources. The protocol
	// carries no explicit teardown message, so the remote side may time the
	// session out on its own schedule. Idempotent.
	Close() error
}

// Dialer opens duplex sessions against one concrete service.
type Dialer interface {
	// Dial establishes a session. ctx governs only the connection attempt;
	// the returned Channel outlives it. The caller owns the Channel and
	// must Close it.
	Dial(ctx context.Context, cfg SessionConfig) (Channel, error)
}
