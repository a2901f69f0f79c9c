// Package diagnostics provides gated JSONL debug logging, one file per
// category per process session (request, engine_selection, provisioning,
// stream_event, error). This sits alongside structured slog output: slog is
// for operational logs an operator tails, diagnostics is for a denser trail
// an engineer replays after the fact, gated behind FLEETD_DEBUG_MODE so it
// costs nothing when off.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes structured debug logs to per-category JSONL files under a
// session-scoped subdirectory, only when enabled.
type Logger struct {
	enabled      bool
	logDir       string
	sessionID    string
	sessionStart time.Time
	mu           sync.Mutex
}

// New constructs a Logger. When enabled is false every Log* call is a
// no-op, so call sites never need their own enabled-check.
func New(enabled bool, logDir string) *Logger {
	l := &Logger{
		enabled:      enabled,
		logDir:       logDir,
		sessionStart: time.Now(),
		sessionID:    time.Now().Format("20060102_150405"),
	}
	if enabled {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			l.enabled = false
			return l
		}
		l.write("session", map[string]any{"event": "session_start", "session_id": l.sessionID})
	}
	return l
}

func (l *Logger) write(category string, data map[string]any) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := map[string]any{
		"session_id":      l.sessionID,
		"timestamp":       time.Now().UTC().Format(time.RFC3339Nano),
		"elapsed_seconds": time.Since(l.sessionStart).Seconds(),
	}
	for k, v := range data {
		entry[k] = v
	}

	filename := filepath.Join(l.logDir, fmt.Sprintf("%s_%s.jsonl", l.sessionID, category))
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	json.NewEncoder(f).Encode(entry)
}

// LogRequest logs one HTTP front-door request's timing and outcome.
func (l *Logger) LogRequest(method, path string, duration time.Duration, statusCode int, requestID string) {
	l.write("request", map[string]any{
		"method":      method,
		"path":        path,
		"duration_ms": duration.Milliseconds(),
		"status_code": statusCode,
		"request_id":  requestID,
	})
}

// LogEngineSelection logs one EngineSelector decision.
func (l *Logger) LogEngineSelection(host string, port int, containerID string, duration time.Duration, errMsg string) {
	l.write("engine_selection", map[string]any{
		"selected_host": host,
		"selected_port": port,
		"container_id":  containerID,
		"duration_ms":   duration.Milliseconds(),
		"error":         errMsg,
	})
}

// LogProvisioning logs one Autoscaler provisioning attempt.
func (l *Logger) LogProvisioning(operation string, duration time.Duration, success bool, errMsg string, retryCount int) {
	l.write("provisioning", map[string]any{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
		"success":     success,
		"error":       errMsg,
		"retry_count": retryCount,
	})
}

// LogStreamEvent logs a stream lifecycle transition.
func (l *Logger) LogStreamEvent(eventType, streamID, containerID string, extra map[string]any) {
	data := map[string]any{
		"event_type":   eventType,
		"stream_id":    streamID,
		"container_id": containerID,
	}
	for k, v := range extra {
		data[k] = v
	}
	l.write("stream_event", data)
}

// LogError logs an error with component/operation context.
func (l *Logger) LogError(component, operation string, err error, context map[string]any) {
	data := map[string]any{
		"component":     component,
		"operation":     operation,
		"error_message": err.Error(),
	}
	for k, v := range context {
		data[k] = v
	}
	l.write("error", data)
}
