package app

import (
	"context"
	"log/slog"

	"github.com/MrWong99/wecall/internal/config"
)

// ApplyConfig applies the hot-reloadable parts of next. Persona and knowledge
// changes take effect on the next call; a call in progress keeps the briefing
// it started with. Any reload drops the cached knowledge snapshot. Everything
// else is logged and waits for a restart.
func (a *App) ApplyConfig(ctx context.Context, old, next *config.Config) {
	d := config.Diff(old, next)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", string(d.NewLogLevel))
	}

	if d.PersonaChanged {
		persona := next.Persona.WithDefaults()
		a.persona.Store(&persona)
		slog.Info("persona reloaded", "name", persona.Name, "voice", persona.Voice)
	}

	if d.KnowledgeChanged {
		src, pool, err := a.newSource(ctx, next.Knowledge)
		if err != nil {
			slog.Warn("knowledge reload failed; keeping previous source", "source", string(next.Knowledge.Source), "err", err)
		} else {
			// The old pool stays open until nothing can load through it.
			a.knowledge.SetSource(src)
			a.swapPool(pool)
			slog.Info("knowledge source reloaded", "source", string(next.Knowledge.Source))
		}
	} else {
		a.knowledge.Invalidate()
	}

	if d.CallTimingChanged {
		d.RestartRequired = append(d.RestartRequired, "call")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel maps a config level to its slog equivalent.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
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
