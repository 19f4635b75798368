package events

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/msageha/vinetrace/internal/model"
)

const (
	// DefaultMaxJournalSize is the size at which the journal is rotated.
	DefaultMaxJournalSize = 100 * 1024 * 1024
	// JournalExtension is the extension of live and archived journals.
	JournalExtension = ".jsonl"
	// ArchiveDir holds rotated journals, next to the live one.
	ArchiveDir = "archive"
)

// Entry is one line of the journal. Anomaly entries carry Kind, Log, Line
// and Message; analysis entries carry Details.
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  EventType      `json:"event_type"`
	AnalysisID string         `json:"analysis_id,omitempty"`
	RunDir     string         `json:"run_dir,omitempty"`
	Kind       string         `json:"kind,omitempty"`
	Log        string         `json:"log,omitempty"`
	Line       int            `json:"line,omitempty"`
	Message    string         `json:"message,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Checksum   string         `json:"checksum,omitempty"`
}

// Journal is an append-only JSONL file of anomalies and analysis outcomes,
// rotated into ArchiveDir once it exceeds its size limit.
type Journal struct {
	mu              sync.Mutex
	file            *os.File
	currentSize     int64
	maxSize         int64
	path            string
	checksums       bool
	rotationCounter int
}

// OpenJournal opens or creates the journal at path.
func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	j := &Journal{path: path, maxSize: maxSize, checksums: true}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = file
	j.currentSize = stat.Size()
	return nil
}

// RecordAnomalies appends one entry per anomaly.
func (j *Journal) RecordAnomalies(analysisID, runDir string, anomalies []model.Anomaly) error {
	now := time.Now().UTC()
	for _, a := range anomalies {
		err := j.Append(&Entry{
			Timestamp:  now,
			EventType:  EventAnomaly,
			AnalysisID: analysisID,
			RunDir:     runDir,
			Kind:       string(a.Kind),
			Log:        a.Log,
			Line:       a.Line,
			Message:    a.Message,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordEvent appends a bus event.
func (j *Journal) RecordEvent(e Event) error {
	entry := &Entry{Timestamp: e.Timestamp, EventType: e.Type, Details: e.Data}
	if id, ok := e.Data["analysis_id"].(string); ok {
		entry.AnalysisID = id
	}
	if dir, ok := e.Data["run_dir"].(string); ok {
		entry.RunDir = dir
	}
	return j.Append(entry)
}

// Append writes entry as one line and syncs it to disk.
func (j *Journal) Append(entry *Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if j.checksums {
		entry.Checksum = checksum(entry)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	if j.currentSize > 0 && j.currentSize+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}

	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.currentSize += int64(n)
	return nil
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}

	archiveDir := filepath.Join(filepath.Dir(j.path), ArchiveDir)
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	j.rotationCounter++
	base := strings.TrimSuffix(filepath.Base(j.path), JournalExtension)
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotationCounter, JournalExtension)
	if err := os.Rename(j.path, filepath.Join(archiveDir, name)); err != nil {
		return fmt.Errorf("archive journal: %w", err)
	}
	return j.open()
}

// SetChecksums toggles per-entry checksums. They are on by default.
func (j *Journal) SetChecksums(enable bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.checksums = enable
}

func checksum(entry *Entry) string {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return fmt.Sprintf("%x", h.Sum64())
}

// VerifyJournal counts the entries of a journal file and how many of them
// pass their checksum. Entries without a checksum count as valid; lines that
// do not decode are skipped.
func VerifyJournal(path string) (total, valid int, err error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	dec := json.NewDecoder(file)
	for dec.More() {
		var entry Entry
		if err := dec.Decode(&entry); err != nil {
			break
		}
		total++
		if entry.Checksum == "" || checksum(&entry) == entry.Checksum {
			valid++
		}
	}
	return total, valid, nil
}

// Path returns the live journal path.
func (j *Journal) Path() string {
	return j.path
}

// Size returns the size of the live journal.
func (j *Journal) Size() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.currentSize
}

// Close flushes and closes the journal. Further appends fail.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	err := j.file.Sync()
	if cerr := j.file.Close(); err == nil {
		err = cerr
	}
	j.file = nil
	return err
}
