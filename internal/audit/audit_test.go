package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWriterAppendsDatedJSONL(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir, 8, 1)

	ts := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	w.Record(Entry{Timestamp: ts, Command: "navigate", Owner: "agent-a", Success: true, DurationMs: 12})
	w.Record(Entry{Timestamp: ts, Command: "closeTab", Owner: "agent-b", Code: "OWNERSHIP", Error: "denied"})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "2026-03-04", "commands.jsonl"))
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var got []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode line %q: %v", sc.Text(), err)
		}
		got = append(got, e)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].Command != "navigate" || !got[0].Success {
		t.Fatalf("unexpected first entry: %+v", got[0])
	}
	if got[1].Code != "OWNERSHIP" || got[1].Owner != "agent-b" {
		t.Fatalf("unexpected second entry: %+v", got[1])
	}
}

func TestRecordAfterCloseIsIgnored(t *testing.T) {
	w := NewWriter(t.TempDir(), 1, 1)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	w.Record(Entry{Command: "ping"})
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
