package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// JSONLTrace appends runtime events to a JSONL file, one JSON object per
// line. Writes are best effort: serialization and IO failures are swallowed
// so the trace can never take down a run. A zero-value or pathless trace is
// a no-op.
type JSONLTrace struct {
	path       string
	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

// NewJSONLTrace creates a trace writing to path. MaxBytes of zero disables
// rotation; maxBackups of zero truncates in place once the limit is hit.
func NewJSONLTrace(path string, maxBytes int64, maxBackups int) (*JSONLTrace, error) {
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create trace dir: %w", err)
		}
	}
	if maxBackups < 0 {
		maxBackups = 0
	}
	return &JSONLTrace{
		path:       path,
		maxBytes:   maxBytes,
		maxBackups: maxBackups,
	}, nil
}

// NewRunTrace creates a trace file named after the run inside cfg.Dir.
// Returns nil when JSONL traces are disabled; a nil *JSONLTrace is safe
// to write to.
func NewRunTrace(cfg TraceConfig, runID string) (*JSONLTrace, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return NewJSONLTrace(filepath.Join(cfg.Dir, runID+".jsonl"), cfg.MaxBytes, cfg.MaxBackups)
}

// Path returns the trace file path, empty for a no-op trace.
func (t *JSONLTrace) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Write appends one record. A "ts" field is added when the record has none.
// The input map is not mutated.
func (t *JSONLTrace) Write(rec map[string]any) {
	if t == nil || t.path == "" {
		return
	}

	payload := make(map[string]any, len(rec)+1)
	for k, v := range rec {
		payload[k] = v
	}
	if _, ok := payload["ts"]; !ok {
		payload["ts"] = float64(time.Now().UnixNano()) / 1e9
	}

	line := append(safeDumps(payload), '\n')

	t.mu.Lock()
	defer t.mu.Unlock()

	t.rotateIfNeeded()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(line)
}

// safeDumps serializes without failing on non-standard values.
func safeDumps(rec map[string]any) []byte {
	data, err := json.Marshal(sanitize(rec))
	if err == nil {
		return data
	}
	fallback := map[string]any{"event": "trace_error", "payload": truncate(fmt.Sprint(rec), 1000)}
	data, err = json.Marshal(fallback)
	if err != nil {
		return []byte(`{"event":"trace_error","payload":"<unserializable>"}`)
	}
	return data
}

// sanitize replaces values json.Marshal chokes on with readable stand-ins.
func sanitize(v any) any {
	switch vv := v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		json.Number:
		return vv
	case []byte:
		return fmt.Sprintf("<bytes:%d>", len(vv))
	case error:
		return vv.Error()
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, val := range vv {
			out[k] = sanitize(val)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, val := range vv {
			out[i] = sanitize(val)
		}
		return out
	default:
		if _, err := json.Marshal(vv); err == nil {
			return vv
		}
		return fmt.Sprint(vv)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// rotateIfNeeded shifts <file>.N to <file>.N+1 and the live file to
// <file>.1 once the size limit is exceeded. Call with the lock held.
func (t *JSONLTrace) rotateIfNeeded() {
	if t.maxBytes <= 0 {
		return
	}

	info, err := os.Stat(t.path)
	if err != nil || info.Size() <= t.maxBytes {
		return
	}

	if t.maxBackups == 0 {
		_ = os.Truncate(t.path, 0)
		return
	}

	for i := t.maxBackups - 1; i > 0; i-- {
		src := t.backupPath(i)
		if _, err := os.Stat(src); err == nil {
			_ = os.Rename(src, t.backupPath(i+1))
		}
	}

	if err := os.Rename(t.path, t.backupPath(1)); err != nil {
		_ = os.Truncate(t.path, 0)
	}
}

func (t *JSONLTrace) backupPath(idx int) string {
	return fmt.Sprintf("%s.%d", t.path, idx)
}
