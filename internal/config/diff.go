package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be acted on without restarting the process are tracked individually;
// everything else folds into RestartRequired.
type ConfigDiff struct {
	// LogLevelChanged is safe to hot-apply via the process's slog.LevelVar.
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged means voice, instructions, model, or endpoint changed.
	// It takes effect on the next call, not the running one.
	SessionChanged bool

	// RestartRequired means device or transport settings changed in a way a
	// running process cannot absorb.
	RestartRequired bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.LogLevel
	}

	if old.Live != new.Live {
		d.SessionChanged = true
	}

	if old.Audio != new.Audio || old.Send != new.Send || old.Metrics != new.Metrics {
		d.RestartRequired = true
	}

	return d
}
