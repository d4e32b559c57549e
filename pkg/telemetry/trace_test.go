package telemetry

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open trace: %v", err)
	}
	defer f.Close()

	var recs []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad trace line %q: %v", sc.Text(), err)
		}
		recs = append(recs, rec)
	}
	return recs
}

func TestJSONLTraceWrite(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewJSONLTrace(filepath.Join(dir, "run.jsonl"), 0, 0)
	if err != nil {
		t.Fatalf("NewJSONLTrace: %v", err)
	}

	tr.Write(map[string]any{"event": "run_start", "task": "buy milk"})
	tr.Write(map[string]any{"event": "step_result", "ok": true, "idx": 3})

	recs := readLines(t, tr.Path())
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0]["event"] != "run_start" {
		t.Errorf("first event = %v", recs[0]["event"])
	}
	if _, ok := recs[0]["ts"].(float64); !ok {
		t.Errorf("ts not added: %v", recs[0]["ts"])
	}
	if recs[1]["ok"] != true {
		t.Errorf("ok field lost: %v", recs[1])
	}
}

func TestJSONLTraceDoesNotMutateRecord(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewJSONLTrace(filepath.Join(dir, "run.jsonl"), 0, 0)
	if err != nil {
		t.Fatalf("NewJSONLTrace: %v", err)
	}

	rec := map[string]any{"event": "x"}
	tr.Write(rec)
	if _, ok := rec["ts"]; ok {
		t.Error("input record was mutated with ts field")
	}
}

func TestJSONLTraceUnserializableValues(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewJSONLTrace(filepath.Join(dir, "run.jsonl"), 0, 0)
	if err != nil {
		t.Fatalf("NewJSONLTrace: %v", err)
	}

	tr.Write(map[string]any{
		"event": "weird",
		"raw":   []byte("abcdef"),
		"err":   errors.New("boom"),
		"fn":    func() {},
	})

	recs := readLines(t, tr.Path())
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0]["raw"] != "<bytes:6>" {
		t.Errorf("bytes not summarized: %v", recs[0]["raw"])
	}
	if recs[0]["err"] != "boom" {
		t.Errorf("error not stringified: %v", recs[0]["err"])
	}
}

func TestJSONLTraceRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")
	tr, err := NewJSONLTrace(path, 256, 2)
	if err != nil {
		t.Fatalf("NewJSONLTrace: %v", err)
	}

	big := strings.Repeat("x", 100)
	for i := 0; i < 20; i++ {
		tr.Write(map[string]any{"event": "fill", "payload": big})
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat live file: %v", err)
	}
	// The live file was rotated away at least once, so it holds fewer
	// than all 20 records.
	if info.Size() > 1024 {
		t.Errorf("live file too large after rotation: %d bytes", info.Size())
	}
	if _, err := os.Stat(path + ".1"); err != nil {
		t.Errorf("backup .1 missing: %v", err)
	}
	if _, err := os.Stat(path + ".3"); err == nil {
		t.Error("backup .3 exists but maxBackups is 2")
	}
}

func TestJSONLTraceTruncateWithoutBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.jsonl")
	tr, err := NewJSONLTrace(path, 128, 0)
	if err != nil {
		t.Fatalf("NewJSONLTrace: %v", err)
	}

	big := strings.Repeat("y", 100)
	for i := 0; i < 10; i++ {
		tr.Write(map[string]any{"event": "fill", "payload": big})
	}

	if _, err := os.Stat(path + ".1"); err == nil {
		t.Error("backup created with maxBackups=0")
	}
}

func TestJSONLTraceNilIsNoop(t *testing.T) {
	var tr *JSONLTrace
	tr.Write(map[string]any{"event": "x"})
	if tr.Path() != "" {
		t.Errorf("nil trace path = %q", tr.Path())
	}
}

func TestNewRunTraceDisabled(t *testing.T) {
	tr, err := NewRunTrace(TraceConfig{Enabled: false, Dir: "traces"}, "run-1")
	if err != nil {
		t.Fatalf("NewRunTrace: %v", err)
	}
	if tr != nil {
		t.Error("expected nil trace when disabled")
	}
}
