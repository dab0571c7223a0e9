// Package transcript accumulates streaming recognition deltas into finalized
// conversation items.
//
// The speech service emits transcription text in small increments, often
// mid-word, for both sides of the call. The Aggregator buffers those deltas
// per sender and converts each completed conversational turn into at most one
// finalized item per speaker, so consumers see whole utterances instead of
// fragments.
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender identifies which side of the call produced a piece of speech.
type Sender string

const (
	// SenderUser is the local human speaker.
	SenderUser Sender = "user"

	// SenderAI is the remote model speaker.
	SenderAI Sender = "ai"
)

// Item is one finalized utterance.
type Item struct {
	// ID uniquely identifies the item within the process.
	ID string

	// Sender is who spoke.
	Sender Sender

	// Text is the complete utterance, whitespace-trimmed.
	Text string

	// Timestamp is when the item was finalized.
	Timestamp time.Time

	// Final is always true for items emitted by FlushTurn.
	Final bool
}

// Option is a functional option for configuring an Aggregator.
type Option func(*Aggregator)

// WithNow overrides the timestamp source. Used in tests.
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithIDFunc overrides the item ID generator. Used in tests.
func WithIDFunc(newID func() string) Option {
	return func(a *Aggregator) { a.newID = newID }
}

// Aggregator buffers per-sender transcription deltas and emits finalized
// items at turn boundaries. Safe for concurrent use, though in practice a
// single dispatch goroutine is the only writer.
type Aggregator struct {
	now   func() time.Time
	newID func() string

	mu      sync.Mutex
	pending map[Sender]*strings.Builder
}

// NewAggregator creates an empty Aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		now:     time.Now,
		newID:   uuid.NewString,
		pending: make(map[Sender]*strings.Builder),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AppendDelta concatenates text onto sender's pending buffer. Deltas arrive
// in order and may split words arbitrarily; no separator is inserted.
func (a *Aggregator) AppendDelta(sender Sender, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.pending[sender]
	if !ok {
		b = &strings.Builder{}
		a.pending[sender] = b
	}
	b.WriteString(text)
}

// Pending returns sender's accumulated not-yet-finalized text.
func (a *Aggregator) Pending(sender Sender) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.pending[sender]; ok {
		return b.String()
	}
	return ""
}

// FlushTurn finalizes the current conversational turn: every sender with
// non-whitespace pending text yields one Item, user speech before AI speech.
// All buffers are cleared, including whitespace-only ones that emit nothing.
func (a *Aggregator) FlushTurn() []Item {
	a.mu.Lock()
	defer a.mu.Unlock()

	var items []Item
	for _, sender := range []Sender{SenderUser, SenderAI} {
		b, ok := a.pending[sender]
		if !ok {
			continue
		}
		text := strings.TrimSpace(b.String())
		delete(a.pending, sender)
		if text == "" {
			continue
		}
		items = append(items, Item{
			ID:        a.newID(),
			Sender:    sender,
			Text:      text,
			Timestamp: a.now(),
			Final:     true,
		})
	}
	return items
}

// DiscardAI drops the AI pending buffer without emitting anything. Used when
// the user barges in and the partial model utterance was never spoken in
// full. The user buffer is untouched.
func (a *Aggregator) DiscardAI() {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, SenderAI)
}
