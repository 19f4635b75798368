package events

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/msageha/vinetrace/internal/model"
)

func openTestJournal(t *testing.T, maxSize int64) *Journal {
	t.Helper()
	j, err := OpenJournal(filepath.Join(t.TempDir(), "logs", "anomalies.jsonl"), maxSize)
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	var out []Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, e)
	}
	return out
}

func TestOpenJournal_CreatesFile(t *testing.T) {
	j := openTestJournal(t, 0)
	if _, err := os.Stat(j.Path()); err != nil {
		t.Fatalf("journal not created: %v", err)
	}
}

func TestJournal_RecordAnomalies(t *testing.T) {
	j := openTestJournal(t, 0)

	err := j.RecordAnomalies("a-1", "/runs/r1", []model.Anomaly{
		{Kind: model.AnomalyMalformedLine, Log: "transactions", Line: 7, Message: "bad timestamp"},
		{Kind: model.AnomalyClockSkew, Log: "debug", Line: 12, Message: "snapped"},
	})
	if err != nil {
		t.Fatalf("RecordAnomalies: %v", err)
	}

	entries := readEntries(t, j.Path())
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	e := entries[0]
	if e.EventType != EventAnomaly || e.Kind != "malformed_line" || e.Line != 7 || e.AnalysisID != "a-1" {
		t.Errorf("unexpected entry %+v", e)
	}
	if e.Checksum == "" {
		t.Error("checksum missing")
	}
}

func TestJournal_RecordEvent(t *testing.T) {
	j := openTestJournal(t, 0)

	err := j.RecordEvent(Event{
		Type:      EventAnalysisCompleted,
		Timestamp: time.Now().UTC(),
		Data:      map[string]any{"analysis_id": "a-2", "run_dir": "/runs/r2", "components": 3},
	})
	if err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	entries := readEntries(t, j.Path())
	if len(entries) != 1 || entries[0].AnalysisID != "a-2" || entries[0].RunDir != "/runs/r2" {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestJournal_ConcurrentAppends(t *testing.T) {
	j := openTestJournal(t, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				if err := j.Append(&Entry{EventType: EventAnomaly, Line: i*10 + k}); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := len(readEntries(t, j.Path())); got != 80 {
		t.Errorf("entries = %d, want 80", got)
	}
}

func TestJournal_Rotation(t *testing.T) {
	j := openTestJournal(t, 400)

	for i := 0; i < 20; i++ {
		if err := j.Append(&Entry{EventType: EventAnomaly, Message: strings.Repeat("x", 50)}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	archived, err := os.ReadDir(filepath.Join(filepath.Dir(j.Path()), ArchiveDir))
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	if len(archived) == 0 {
		t.Fatal("no archived journals")
	}
	for _, a := range archived {
		if !strings.HasPrefix(a.Name(), "anomalies.") || !strings.HasSuffix(a.Name(), JournalExtension) {
			t.Errorf("unexpected archive name %s", a.Name())
		}
	}
	if j.Size() > 400 {
		t.Errorf("live journal size %d exceeds limit", j.Size())
	}
}

func TestVerifyJournal(t *testing.T) {
	j := openTestJournal(t, 0)
	for i := 0; i < 3; i++ {
		if err := j.Append(&Entry{EventType: EventAnomaly, Line: i + 1, Message: "m"}); err != nil {
			t.Fatal(err)
		}
	}
	j.SetChecksums(false)
	if err := j.Append(&Entry{EventType: EventAnomaly, Message: "unsigned"}); err != nil {
		t.Fatal(err)
	}
	_ = j.Close()

	// tamper with the first entry
	data, _ := os.ReadFile(j.Path())
	tampered := strings.Replace(string(data), `"line":1`, `"line":9`, 1)
	if err := os.WriteFile(j.Path(), []byte(tampered), 0644); err != nil {
		t.Fatal(err)
	}

	total, valid, err := VerifyJournal(j.Path())
	if err != nil {
		t.Fatalf("VerifyJournal: %v", err)
	}
	if total != 4 || valid != 3 {
		t.Errorf("total=%d valid=%d, want 4/3", total, valid)
	}
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j := openTestJournal(t, 0)
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := j.Append(&Entry{EventType: EventAnomaly}); err == nil {
		t.Error("expected error after close")
	}
}
