package manager

import (
	"context"
	"log/slog"

	"github.com/dcherniev/sdl-core/pkg/event"
)

// diagnostic is one report for the error bus.
type diagnostic struct {
	sev  event.ErrorSeverity
	code string
	msg  string
	kv   []any // alternating key, value
}

// report publishes d on the error bus, counts it and logs it.
func (m *Manager) report(d diagnostic) {
	evt := event.NewErrorEvent(d.sev, d.code, "manager", d.msg)
	for i := 0; i+1 < len(d.kv); i += 2 {
		if key, ok := d.kv[i].(string); ok {
			evt = evt.WithContext(key, d.kv[i+1])
		}
	}
	m.errs.Publish(evt)
	m.metrics.Diagnostics.WithLabelValues(d.code).Inc()

	args := append([]any{"code", d.code}, d.kv...)
	m.logger.Log(context.Background(), levelOf(d.sev), d.msg, args...)
}

func levelOf(sev event.ErrorSeverity) slog.Level {
	switch sev {
	case event.DebugSeverity:
		return slog.LevelDebug
	case event.InfoSeverity:
		return slog.LevelInfo
	case event.WarningSeverity:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}
