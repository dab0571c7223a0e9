package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// validVoices lists the prebuilt voice names the speech service documents.
// Used by [Validate] to warn about likely typos without rejecting newly
// released voices.
var validVoices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.LogLevel != "" && !cfg.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("log_level %q is invalid; valid values: debug, info, warn, error", cfg.LogLevel))
	}

	if cfg.Live.APIKey == "" {
		errs = append(errs, errors.New("live.api_key is required"))
	}
	if cfg.Live.Voice != "" && !slices.Contains(validVoices, cfg.Live.Voice) {
		slog.Warn("unknown voice name — may be a typo or a newly released voice",
			"voice", cfg.Live.Voice,
			"known", validVoices,
		)
	}

	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d is negative", cfg.Audio.FrameSize))
	}
	if cfg.Audio.InputFormat == "" && cfg.Audio.InputDevice != "" {
		errs = append(errs, errors.New("audio.input_format is required when audio.input_device is set"))
	}

	if cfg.Send.QueueCapacity < 0 {
		errs = append(errs, fmt.Errorf("send.queue_capacity %d is negative", cfg.Send.QueueCapacity))
	}

	return errors.Join(errs...)
}
