package llm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/leeoohoo/mcp-subagent-router/pkg/models"
)

// Sink receives model run events (ai_request, ai_response, ai_error,
// ai_retry). Sinks must not block; panics are swallowed.
type Sink func(event models.EventType, payload map[string]any)

// DefaultClipChars bounds string payload values before they reach a sink.
const DefaultClipChars = 2000

// Emit delivers one event to sink with oversized string values clipped.
// A nil sink is a no-op and a panicking sink never propagates.
func Emit(sink Sink, event models.EventType, payload map[string]any) {
	if sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("Event sink panicked", "event", event, "panic", r)
		}
	}()
	sink(event, clipPayload(payload, DefaultClipChars))
}

// clipPayload copies the payload with oversized string values clipped.
func clipPayload(p map[string]any, limit int) map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if s, ok := v.(string); ok {
			out[k] = clipString(s, limit)
			continue
		}
		out[k] = v
	}
	return out
}

// ClipSink wraps sink so string payload values are clipped to at most limit
// chars before delivery. Useful when a sink wants a tighter bound than
// DefaultClipChars.
func ClipSink(sink Sink, limit int) Sink {
	if sink == nil {
		return nil
	}
	return func(event models.EventType, payload map[string]any) {
		sink(event, clipPayload(payload, limit))
	}
}

// clipString truncates s to limit chars, noting how many were dropped.
func clipString(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + fmt.Sprintf("…[truncated %d chars]", len(runes)-limit)
}

// CombineSinks fans events out to every non-nil sink.
func CombineSinks(sinks ...Sink) Sink {
	var active []Sink
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		return nil
	}
	if len(active) == 1 {
		return active[0]
	}
	return func(event models.EventType, payload map[string]any) {
		for _, s := range active {
			s(event, payload)
		}
	}
}

// FileSink appends events as JSON lines to path. Write failures are
// logged once and the sink goes quiet.
func FileSink(path string) Sink {
	var dead bool
	return func(event models.EventType, payload map[string]any) {
		if dead {
			return
		}
		line, err := json.Marshal(map[string]any{
			"ts":      time.Now().UnixMilli(),
			"event":   event,
			"payload": payload,
		})
		if err != nil {
			return
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			slog.Warn("Disabling AI log sink", "path", path, "error", err)
			dead = true
			return
		}
		defer f.Close()
		if _, err := f.Write(append(line, '\n')); err != nil {
			slog.Warn("Disabling AI log sink", "path", path, "error", err)
			dead = true
		}
	}
}
