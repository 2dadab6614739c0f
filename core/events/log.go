package events

import (
	"log/slog"
	"sort"
)

// LogEmitter writes every event as a structured log line.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit implements the Emitter interface.
func (l LogEmitter) Emit(evt Event) {
	if evt == nil {
		return
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	keys := make([]string, 0, len(payload.Attributes))
	for key := range payload.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys)+1)
	attrs = append(attrs, slog.String("event", payload.Type))
	for _, key := range keys {
		attrs = append(attrs, slog.String(key, payload.Attributes[key]))
	}
	logger.Info("protocol event", attrs...)
}
