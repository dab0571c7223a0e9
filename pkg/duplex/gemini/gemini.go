// Package gemini implements the duplex.Dialer interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM chunks;
// model audio, interruption notices, transcription deltas, and turn
// boundaries are surfaced as duplex.Message values.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/pkg/duplex"
)

// Compile-time assertions that Dialer and channel satisfy the duplex interfaces.
var _ duplex.Dialer = (*Dialer)(nil)
var _ duplex.Channel = (*channel)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(d *Dialer) { d.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(d *Dialer) { d.baseURL = url }
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Dialer implements duplex.Dialer for Google's Gemini Live API.
type Dialer struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Dialer with the given API key and options.
func New(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Dial establishes a new Gemini Live session with the given configuration.
// The returned Channel is ready to accept audio immediately after the setup
// message is sent.
func (d *Dialer) Dial(ctx context.Context, cfg duplex.SessionConfig) (duplex.Channel, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		d.baseURL, d.apiKey,
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, &duplex.ChannelError{Op: "dial", Err: err}
	}

	chCtx, chCancel := context.WithCancel(context.Background())
	ch := &channel{
		conn:     conn,
		messages: make(chan duplex.Message, 64),
		done:     make(chan struct{}),
		ctx:      chCtx,
		cancel:   chCancel,
	}

	if err := ch.sendSetup(d.model, cfg); err != nil {
		chCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go ch.receiveLoop()
	go ch.keepaliveLoop()

	return ch, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── channel ────────────────────────────────────────────────────────────────────

type channel struct {
	conn     *websocket.Conn
	messages chan duplex.Message

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message. Both
// transcription streams are always requested; the session is audio-out only.
func (c *channel) sendSetup(model string, cfg duplex.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
			InputAudioTranscription:  &struct{}{},
			OutputAudioTranscription: &struct{}{},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice.Name != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.Name},
			},
		}
	}

	return c.writeJSON(msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *channel) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads frames from the WebSocket and dispatches them. It owns
// the messages channel: it closes it when it exits.
func (c *channel) receiveLoop() {
	defer c.closeMessages()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			// Local close: exit cleanly, Err stays nil.
			if c.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				c.setErr(duplex.ErrChannelClosed)
				return
			}
			c.setErr(&duplex.ChannelError{Op: "read", Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // skip malformed frames
		}

		if msg.ServerContent != nil {
			c.handleServerContent(msg.ServerContent)
		}
	}
}

// handleServerContent splits one serverContent frame into Message values.
// Interruption is emitted first so stale audio in the same frame can never
// outlive the barge-in.
func (c *channel) handleServerContent(sc *serverContent) {
	if sc.Interrupted {
		if !c.emit(duplex.Message{Interrupted: true}) {
			return
		}
	}

	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				continue
			}
			if !c.emit(duplex.Message{Audio: pcm}) {
				return
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !c.emit(duplex.Message{InputTranscript: sc.InputTranscription.Text}) {
			return
		}
	}

	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !c.emit(duplex.Message{OutputTranscript: sc.OutputTranscription.Text}) {
			return
		}
	}

	if sc.TurnComplete {
		c.emit(duplex.Message{TurnComplete: true})
	}
}

// emit delivers one Message, reporting false when the channel shut down.
func (c *channel) emit(msg duplex.Message) bool {
	select {
	case c.messages <- msg:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (c *channel) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (c *channel) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

func (c *channel) closeMessages() {
	c.closeOnce.Do(func() { close(c.messages) })
}

// ── Channel methods ────────────────────────────────────────────────────────────

// SendAudio delivers a raw PCM audio chunk (16 kHz, s16le, mono) to the model.
func (c *channel) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return duplex.ErrSessionClosed
	}
	c.mu.Unlock()

	encoded := base64.StdEncoding.EncodeToString(pcm)
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: encoded},
			},
		},
	}
	if err := c.writeJSON(msg); err != nil {
		return &duplex.ChannelError{Op: "write", Err: err}
	}
	return nil
}

// Messages returns the channel on which inbound session events arrive.
func (c *channel) Messages() <-chan duplex.Message { return c.messages }

// Err returns the error that ended the session, or nil after a clean close.
func (c *channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (c *channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(c.done) // signals keepaliveLoop via done channel
	c.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
