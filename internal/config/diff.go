package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Fields that can be hot-reloaded are tracked individually; everything else
// is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the persona prompt or voice changed. The
	// next call picks it up.
	PersonaChanged bool

	// KnowledgeChanged is true when the knowledge source settings changed.
	KnowledgeChanged bool

	// CallTimingChanged is true when ring or reset delays changed.
	CallTimingChanged bool

	// RestartRequired names the sections whose changes are ignored until
	// the process restarts.
	RestartRequired []string
}

// Changed reports whether any field differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.PersonaChanged || d.KnowledgeChanged ||
		d.CallTimingChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.PersonaChanged = old.Persona != new.Persona
	d.KnowledgeChanged = old.Knowledge != new.Knowledge
	d.CallTimingChanged = old.Call != new.Call

	if old.Server.ListenAddr != new.Server.ListenAddr ||
		old.Server.ShutdownTimeout != new.Server.ShutdownTimeout ||
		!sameTLS(old.Server.TLS, new.Server.TLS) ||
		!slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Provider != new.Provider {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Breaker != new.Breaker {
		d.RestartRequired = append(d.RestartRequired, "breaker")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func sameTLS(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
