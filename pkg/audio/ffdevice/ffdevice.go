// Package ffdevice implements the audio device contracts on top of local
// ffmpeg/ffplay subprocesses: a microphone [audio.CaptureDevice] that reads
// s16le PCM from ffmpeg's stdout and an [audio.OutputLine] that streams s16le
// PCM into ffplay's stdin.
package ffdevice

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/voxwire/voxwire/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice  = (*Device)(nil)
	_ audio.CaptureSession = (*captureSession)(nil)
	_ audio.OutputLine     = (*Line)(nil)
)

// startupGrace is how long a freshly spawned ffmpeg process must survive
// before Open considers the device acquired. ffmpeg reports missing devices
// by exiting quickly, not by failing to start.
const startupGrace = 250 * time.Millisecond

// Config describes where the subprocess binaries live and which input to
// capture from. Zero values fall back to sensible defaults.
type Config struct {
	// FFmpegPath is the ffmpeg binary. Empty means "ffmpeg" on $PATH.
	FFmpegPath string

	// FFplayPath is the ffplay binary. Empty means "ffplay" on $PATH.
	FFplayPath string

	// InputFormat is ffmpeg's input demuxer, e.g. "pulse", "alsa",
	// "avfoundation", "dshow". Empty means "pulse".
	InputFormat string

	// InputDevice is the value for ffmpeg's -i flag. Empty means "default".
	InputDevice string
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.FFplayPath == "" {
		c.FFplayPath = "ffplay"
	}
	if c.InputFormat == "" {
		c.InputFormat = "pulse"
	}
	if c.InputDevice == "" {
		c.InputDevice = "default"
	}
	return c
}

// Device captures microphone audio by spawning ffmpeg and streaming raw
// s16le mono PCM at [audio.CaptureRate] from its stdout.
type Device struct {
	cfg Config
}

// NewDevice creates a Device from cfg.
func NewDevice(cfg Config) *Device {
	return &Device{cfg: cfg.withDefaults()}
}

// Open spawns the ffmpeg subprocess. If ffmpeg cannot be started or exits
// within the startup grace period, Open fails with an error wrapping
// [audio.ErrDeviceUnavailable] and leaves no process behind.
func (d *Device) Open(ctx context.Context) (audio.CaptureSession, error) {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "warning",
		"-f", d.cfg.InputFormat,
		"-i", d.cfg.InputDevice,
		"-ac", strconv.Itoa(audio.Mono),
		"-ar", strconv.Itoa(audio.CaptureRate),
		"-f", "s16le",
		"-",
	}

	cmd := exec.Command(d.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffdevice: stdout pipe: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffdevice: start ffmpeg: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(waitErr)
	}()

	// An early exit means the input format or device is wrong.
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitErr
		return nil, fmt.Errorf("ffdevice: open ffmpeg: %w", ctx.Err())
	case err := <-waitErr:
		detail := strings.TrimSpace(stderr.String())
		if detail == "" && err != nil {
			detail = err.Error()
		}
		return nil, fmt.Errorf("ffdevice: ffmpeg exited during startup: %w: %s", audio.ErrDeviceUnavailable, detail)
	case <-time.After(startupGrace):
	}

	return &captureSession{
		stdout:  stdout,
		stderr:  &stderr,
		process: cmd.Process,
		waitErr: waitErr,
	}, nil
}

// captureSession is a live ffmpeg process. Read streams from stdout; Stop
// interrupts the process and reaps it.
type captureSession struct {
	stdout  io.ReadCloser
	stderr  *bytes.Buffer
	process *os.Process
	waitErr <-chan error

	stopOnce sync.Once
	stopErr  error
}

func (s *captureSession) Read(p []byte) (int, error) {
	return s.stdout.Read(p)
}

// Stop asks ffmpeg to exit, escalating to SIGKILL if it does not comply
// promptly. Idempotent; a pending Read fails once stdout closes.
func (s *captureSession) Stop() error {
	s.stopOnce.Do(func() {
		_ = s.process.Signal(os.Interrupt)

		select {
		case err := <-s.waitErr:
			s.stopErr = ignoreExitStatus(err)
		case <-time.After(1200 * time.Millisecond):
			_ = s.process.Kill()
			s.stopErr = ignoreExitStatus(<-s.waitErr)
		}

		if err := s.stdout.Close(); err != nil && !errors.Is(err, os.ErrClosed) && s.stopErr == nil {
			s.stopErr = err
		}
		if s.stopErr != nil && s.stderr.Len() > 0 {
			s.stopErr = fmt.Errorf("%w: %s", s.stopErr, strings.TrimSpace(s.stderr.String()))
		}
	})
	return s.stopErr
}

// ignoreExitStatus drops the non-zero exit ffmpeg reports when interrupted.
func ignoreExitStatus(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Line plays mono s16le PCM at [audio.PlaybackRate] through an ffplay
// subprocess reading from stdin.
type Line struct {
	path string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	closed bool
}

// NewLine spawns ffplay and returns the output line. If ffplay cannot be
// started the error wraps [audio.ErrDeviceUnavailable].
func NewLine(cfg Config) (*Line, error) {
	cfg = cfg.withDefaults()

	// ffplay rejects ffmpeg's -ac flag; the channel layout name is the
	// portable way to request mono.
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-autoexit",
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", strconv.Itoa(audio.PlaybackRate),
		"-i", "-",
	}

	cmd := exec.Command(cfg.FFplayPath, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffdevice: stdin pipe: %w: %v", audio.ErrDeviceUnavailable, err)
	}
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("ffdevice: start ffplay: %w: %v", audio.ErrDeviceUnavailable, err)
	}

	return &Line{path: cfg.FFplayPath, cmd: cmd, stdin: stdin}, nil
}

// Write streams pcm into ffplay's stdin.
func (l *Line) Write(pcm []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("ffdevice: output line closed")
	}
	if _, err := l.stdin.Write(pcm); err != nil {
		return fmt.Errorf("ffdevice: write to ffplay: %w", err)
	}
	return nil
}

// Close closes ffplay's stdin and reaps the process. Idempotent.
func (l *Line) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	_ = l.stdin.Close()

	// -autoexit makes ffplay quit once stdin drains; kill it if it lingers.
	done := make(chan error, 1)
	go func() { done <- l.cmd.Wait() }()
	select {
	case err := <-done:
		return ignoreExitStatus(err)
	case <-time.After(1200 * time.Millisecond):
		_ = l.cmd.Process.Kill()
		return ignoreExitStatus(<-done)
	}
}
