// Command voxwire is a terminal client for real-time voice calls with a
// conversational speech service: it streams the microphone up, plays the
// model's voice back, and prints the running transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxwire/voxwire/internal/call"
	"github.com/voxwire/voxwire/internal/config"
	"github.com/voxwire/voxwire/internal/health"
	"github.com/voxwire/voxwire/internal/observe"
	"github.com/voxwire/voxwire/internal/transcript"
	"github.com/voxwire/voxwire/pkg/audio/ffdevice"
	"github.com/voxwire/voxwire/pkg/duplex"
	"github.com/voxwire/voxwire/pkg/duplex/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	muted := flag.Bool("muted", false, "start with the microphone muted")
	flag.Parse()

	// ── Configuration (with hot log-level reload) ─────────────────────────────
	levelVar := &slog.LevelVar{}
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.SessionChanged {
			slog.Info("session settings changed — they apply to the next call")
		}
		if d.RestartRequired {
			slog.Warn("device or transport settings changed — restart to apply")
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxwire: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxwire: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()
	cfg := watcher.Current()

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("voxwire starting", "config", *configPath, "log_level", cfg.LogLevel)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "voxwire"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	g, gctx := errgroup.WithContext(ctx)

	// ── Devices and transport ─────────────────────────────────────────────────
	devCfg := ffdevice.Config{
		FFmpegPath:  cfg.Audio.FFmpegPath,
		FFplayPath:  cfg.Audio.FFplayPath,
		InputFormat: cfg.Audio.InputFormat,
		InputDevice: cfg.Audio.InputDevice,
	}
	device := ffdevice.NewDevice(devCfg)

	line, err := ffdevice.NewLine(devCfg)
	if err != nil {
		slog.Error("failed to open playback", "err", err)
		return 1
	}

	var dialerOpts []gemini.Option
	if cfg.Live.Model != "" {
		dialerOpts = append(dialerOpts, gemini.WithModel(cfg.Live.Model))
	}
	if cfg.Live.BaseURL != "" {
		dialerOpts = append(dialerOpts, gemini.WithBaseURL(cfg.Live.BaseURL))
	}
	dialer := gemini.New(cfg.Live.APIKey, dialerOpts...)

	// ── Session ───────────────────────────────────────────────────────────────
	terminal := make(chan struct{})
	session, err := call.New(call.Config{
		Dialer: dialer,
		Device: device,
		Output: line,
		Session: duplex.SessionConfig{
			Voice:        duplex.Voice{Name: cfg.Live.Voice},
			Instructions: cfg.Live.Instructions,
		},
		FrameSize:     cfg.Audio.FrameSize,
		QueueCapacity: cfg.Send.QueueCapacity,
		Metrics:       metrics,
		Events: call.Events{
			OnTranscription: printTranscript,
			OnError: func(err error) {
				slog.Error("call ended with error", "err", err)
				close(terminal)
			},
			OnClose: func() {
				close(terminal)
			},
		},
	})
	if err != nil {
		slog.Error("failed to create session", "err", err)
		return 1
	}
	session.SetMicrophoneMuted(*muted)

	// ── Operational HTTP surface (optional) ───────────────────────────────────
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(health.CallChecker(func() string {
			return session.State().String()
		})).Register(mux)

		srv := &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		g.Go(func() error {
			slog.Info("operational endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := session.Connect(ctx); err != nil {
		slog.Error("failed to connect", "err", err)
		return 1
	}

	fmt.Println("voxwire: call open — press Ctrl+C to hang up")

	// ── Run until signal or remote end ────────────────────────────────────────
	select {
	case <-ctx.Done():
		slog.Info("hanging up")
	case <-terminal:
	}

	if err := session.Disconnect(); err != nil {
		slog.Warn("disconnect error", "err", err)
	}
	stop()

	if err := g.Wait(); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if session.State() == call.StateErrored {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// printTranscript writes one finalized transcript item to stdout.
func printTranscript(item transcript.Item) {
	speaker := "you"
	if item.Sender == transcript.SenderAI {
		speaker = " ai"
	}
	fmt.Printf("[%s] %s: %s\n", item.Timestamp.Format("15:04:05"), speaker, item.Text)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
