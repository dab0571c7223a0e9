// Package mock provides an in-memory duplex.Channel and duplex.Dialer for
// tests and offline development. Inbound traffic is scripted with Push and
// CloseRemote; outbound audio is recorded and inspectable via Sent.
package mock

import (
	"context"
	"sync"

	"github.com/voxwire/voxwire/pkg/duplex"
)

// Compile-time interface assertions.
var (
	_ duplex.Dialer  = (*Dialer)(nil)
	_ duplex.Channel = (*Channel)(nil)
)

// Dialer hands out a scripted Channel, or fails with DialErr.
type Dialer struct {
	// DialErr makes Dial fail when non-nil.
	DialErr error

	mu      sync.Mutex
	channel *Channel
	lastCfg duplex.SessionConfig
	dials   int
}

// Dial returns the dialer's channel, creating one on first use.
func (d *Dialer) Dial(_ context.Context, cfg duplex.SessionConfig) (duplex.Channel, error) {
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.lastCfg = cfg
	if d.channel == nil {
		d.channel = NewChannel()
	}
	return d.channel, nil
}

// Channel returns the underlying mock channel, creating it if needed.
func (d *Dialer) Channel() *Channel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.channel == nil {
		d.channel = NewChannel()
	}
	return d.channel
}

// Dials reports how many times Dial succeeded.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// LastConfig returns the SessionConfig from the most recent Dial.
func (d *Dialer) LastConfig() duplex.SessionConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastCfg
}

// Channel is a scriptable duplex.Channel.
type Channel struct {
	// SendErr is returned from every SendAudio when non-nil.
	SendErr error

	messages chan duplex.Message

	mu     sync.Mutex
	sent   [][]byte
	errVal error
	closed bool
	ended  bool
}

// NewChannel returns an open channel with room for scripted messages.
func NewChannel() *Channel {
	return &Channel{messages: make(chan duplex.Message, 64)}
}

// Push scripts one inbound message. Panics if called after CloseRemote.
func (c *Channel) Push(msg duplex.Message) {
	c.messages <- msg
}

// CloseRemote ends the inbound stream as the remote side would: the messages
// channel closes after all pushed messages are drained, and Err reports err
// afterwards. Pass nil or duplex.ErrChannelClosed for an orderly close, a
// *duplex.ChannelError for a transport failure.
func (c *Channel) CloseRemote(err error) {
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return
	}
	c.ended = true
	c.errVal = err
	c.mu.Unlock()
	close(c.messages)
}

// SendAudio records the chunk. Returns duplex.ErrSessionClosed after Close,
// or SendErr when scripted.
func (c *Channel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return duplex.ErrSessionClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	c.sent = append(c.sent, cp)
	return nil
}

// Sent returns a snapshot of all chunks accepted by SendAudio.
func (c *Channel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Messages returns the scripted inbound stream.
func (c *Channel) Messages() <-chan duplex.Message { return c.messages }

// Err returns the error set by CloseRemote, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close marks the channel locally closed and ends the inbound stream if the
// remote has not already. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ended := c.ended
	c.ended = true
	c.mu.Unlock()

	if !ended {
		close(c.messages)
	}
	return nil
}

// Closed reports whether Close has been called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
