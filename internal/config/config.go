// Package config provides the configuration schema and loader for the
// Voxwire call client.
package config

// LogLevel controls log verbosity for the Voxwire client.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Voxwire.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// LogLevel controls verbosity. Empty means info.
	LogLevel LogLevel `yaml:"log_level"`

	Live    LiveConfig    `yaml:"live"`
	Audio   AudioConfig   `yaml:"audio"`
	Send    SendConfig    `yaml:"send"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LiveConfig configures the speech service session.
type LiveConfig struct {
	// APIKey authenticates against the speech service. Required.
	APIKey string `yaml:"api_key"`

	// Model overrides the default model name.
	Model string `yaml:"model"`

	// Voice selects the prebuilt voice the model speaks with.
	Voice string `yaml:"voice"`

	// Instructions is the system-level prompt for the session.
	Instructions string `yaml:"instructions"`

	// BaseURL overrides the service's WebSocket endpoint. Primarily for
	// tests and proxies.
	BaseURL string `yaml:"base_url"`
}

// AudioConfig configures the local capture and playback devices.
type AudioConfig struct {
	// InputFormat is the ffmpeg input format for the microphone
	// (e.g. "pulse", "alsa", "avfoundation", "dshow").
	InputFormat string `yaml:"input_format"`

	// InputDevice is the device identifier passed to ffmpeg's -i flag
	// (e.g. "default", ":0").
	InputDevice string `yaml:"input_device"`

	// FFmpegPath overrides the ffmpeg binary location. Empty means $PATH.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// FFplayPath overrides the ffplay binary location. Empty means $PATH.
	FFplayPath string `yaml:"ffplay_path"`

	// FrameSize is the capture frame size in samples. Zero means the
	// built-in default of 4096.
	FrameSize int `yaml:"frame_size"`
}

// SendConfig bounds the outbound audio path.
type SendConfig struct {
	// QueueCapacity is the transmit queue depth in chunks. When the queue
	// is full the oldest chunk is dropped. Zero means the default.
	QueueCapacity int `yaml:"queue_capacity"`
}

// MetricsConfig configures the operational HTTP surface.
type MetricsConfig struct {
	// ListenAddr is the TCP address the /metrics endpoint listens on
	// (e.g. ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`
}
