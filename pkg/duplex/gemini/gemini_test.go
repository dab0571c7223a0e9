package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/voxwire/voxwire/pkg/duplex"
	"github.com/voxwire/voxwire/pkg/duplex/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLiveServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startLiveServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("readJSON: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// newDialer creates a Dialer pointing at the given test server.
func newDialer(srv *httptest.Server) *gemini.Dialer {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// recvMessage waits for one Message, failing the test on timeout or close.
func recvMessage(t *testing.T, ch duplex.Channel) duplex.Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Messages():
		if !ok {
			t.Fatal("Messages channel closed unexpectedly")
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	panic("unreachable")
}

// ── Setup message ──────────────────────────────────────────────────────────────

func TestDial_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription *map[string]any `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	cfg := duplex.SessionConfig{
		Instructions: "You are a helpful call assistant.",
		Voice:        duplex.Voice{Name: "Aoede"},
	}
	ch, err := d.Dial(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	select {
	case msg := <-received:
		if !strings.HasPrefix(msg.Setup.Model, "models/") {
			t.Errorf("model %q should start with 'models/'", msg.Setup.Model)
		}
		mods := msg.Setup.GenerationConfig.ResponseModalities
		if len(mods) != 1 || mods[0] != "audio" {
			t.Errorf("responseModalities = %v; want [audio]", mods)
		}
		if msg.Setup.GenerationConfig.SpeechConfig == nil {
			t.Fatal("speechConfig is nil")
		}
		if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Aoede" {
			t.Errorf("voiceName = %q; want Aoede", got)
		}
		if msg.Setup.SystemInstruction == nil {
			t.Fatal("systemInstruction is nil")
		}
		if len(msg.Setup.SystemInstruction.Parts) == 0 || msg.Setup.SystemInstruction.Parts[0].Text != "You are a helpful call assistant." {
			t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
		}
		if msg.Setup.InputAudioTranscription == nil {
			t.Error("inputAudioTranscription should always be requested")
		}
		if msg.Setup.OutputAudioTranscription == nil {
			t.Error("outputAudioTranscription should always be requested")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

func TestDial_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestDial_Unreachable(t *testing.T) {
	t.Parallel()

	d := gemini.New("key", gemini.WithBaseURL("ws://127.0.0.1:1"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.Dial(ctx, duplex.SessionConfig{})
	var cerr *duplex.ChannelError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *duplex.ChannelError", err)
	}
	if cerr.Op != "dial" {
		t.Errorf("Op = %q, want dial", cerr.Op)
	}
}

// ── Outbound audio ─────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := ch.SendAudio(wantPCM); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) == 0 {
			t.Fatal("no media chunks in realtimeInput")
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendAudio_AfterClose_ReturnsSessionClosed(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := ch.SendAudio([]byte{1, 2, 3}); !errors.Is(err, duplex.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

// ── Inbound messages ───────────────────────────────────────────────────────────

func TestMessages_DeliversDecodedAudio(t *testing.T) {
	t.Parallel()

	wantPCM := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	encoded := base64.StdEncoding.EncodeToString(wantPCM)

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{
							"inlineData": map[string]any{
								"mimeType": "audio/pcm;rate=24000",
								"data":     encoded,
							},
						},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	msg := recvMessage(t, ch)
	if string(msg.Audio) != string(wantPCM) {
		t.Errorf("audio = %v; want %v", msg.Audio, wantPCM)
	}
	if msg.Interrupted || msg.TurnComplete {
		t.Errorf("unexpected flags on audio message: %+v", msg)
	}
}

func TestMessages_TranscriptDeltas(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"inputTranscription": map[string]any{"text": "hello "},
			},
		})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"outputTranscription": map[string]any{"text": "Hi there"},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	first := recvMessage(t, ch)
	if first.InputTranscript != "hello " {
		t.Errorf("InputTranscript = %q; want %q", first.InputTranscript, "hello ")
	}
	second := recvMessage(t, ch)
	if second.OutputTranscript != "Hi there" {
		t.Errorf("OutputTranscript = %q; want %q", second.OutputTranscript, "Hi there")
	}
}

func TestMessages_InterruptedPrecedesAudioInSameFrame(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString([]byte{1, 2})

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": encoded}},
					},
				},
			},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	first := recvMessage(t, ch)
	if !first.Interrupted {
		t.Fatalf("first message = %+v; want Interrupted", first)
	}
	second := recvMessage(t, ch)
	if len(second.Audio) == 0 {
		t.Errorf("second message = %+v; want audio", second)
	}
}

func TestMessages_TurnComplete(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	msg := recvMessage(t, ch)
	if !msg.TurnComplete {
		t.Errorf("message = %+v; want TurnComplete", msg)
	}
}

func TestMessages_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))

		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})

		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	msg := recvMessage(t, ch)
	if !msg.TurnComplete {
		t.Errorf("message after malformed frame = %+v; want TurnComplete", msg)
	}
}

// ── Termination ────────────────────────────────────────────────────────────────

func TestRemoteClose_ClosesMessagesWithErrChannelClosed(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch.Messages():
			if ok {
				continue
			}
			if err := ch.Err(); !errors.Is(err, duplex.ErrChannelClosed) {
				t.Fatalf("Err = %v, want ErrChannelClosed", err)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for Messages to close")
		}
	}
}

func TestLocalClose_ClosesMessagesWithNilErr(t *testing.T) {
	t.Parallel()

	srv := startLiveServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	d := newDialer(srv)
	ch, err := d.Dial(context.Background(), duplex.SessionConfig{})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-ch.Messages():
			if ok {
				continue
			}
			if err := ch.Err(); err != nil {
				t.Fatalf("Err after local close = %v, want nil", err)
			}
			return
		case <-deadline:
			t.Fatal("timeout waiting for Messages to close")
		}
	}
}
