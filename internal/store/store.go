// Package store keeps an index of analysed runs so unchanged runs are not
// analysed twice. Entries are keyed by run directory and carry the
// fingerprint of the logs they were computed from.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/msageha/vinetrace/internal/model"
)

const keyPrefix = "run/"

// Options configures Open.
type Options struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   *log.Logger
	LogLevel model.LogLevel
}

// Entry is the index record of one analysed run.
type Entry struct {
	RunDir      string    `json:"run_dir"`
	Fingerprint string    `json:"fingerprint"`
	AnalysisID  string    `json:"analysis_id"`
	OutputDir   string    `json:"output_dir"`
	AnalyzedAt  time.Time `json:"analyzed_at"`
	Components  int       `json:"components"`
	Failed      bool      `json:"failed,omitempty"`
}

// Index is a Badger-backed run index. It is safe for concurrent use.
type Index struct {
	db       *badger.DB
	logger   *log.Logger
	logLevel model.LogLevel
}

// Open opens or creates the index.
func Open(opts Options) (*Index, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: dir is required for a persistent index")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ix := &Index{logger: logger, logLevel: opts.LogLevel}

	var bopts badger.Options
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(opts.Dir, 0750); err != nil {
			return nil, fmt.Errorf("create index directory %s: %w", opts.Dir, err)
		}
		bopts = badger.DefaultOptions(opts.Dir)
	}
	bopts = bopts.WithNumVersionsToKeep(1).WithLogger(badgerLogger{ix})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	ix.db = db
	return ix, nil
}

func runKey(runDir string) []byte {
	return []byte(keyPrefix + filepath.Clean(runDir))
}

// Lookup returns the entry recorded for runDir.
func (ix *Index) Lookup(runDir string) (Entry, bool, error) {
	var e Entry
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(runKey(runDir))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("lookup %s: %w", runDir, err)
	}
	return e, true, nil
}

// Unchanged reports whether runDir was analysed from logs with fingerprint.
// Runs whose last analysis failed never count as unchanged.
func (ix *Index) Unchanged(runDir, fingerprint string) (bool, error) {
	e, ok, err := ix.Lookup(runDir)
	if err != nil || !ok {
		return false, err
	}
	return !e.Failed && e.Fingerprint == fingerprint, nil
}

// Record stores e, replacing any previous entry for the same run.
func (ix *Index) Record(e Entry) error {
	if e.RunDir == "" {
		return errors.New("store: entry without run dir")
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if err := ix.db.Update(func(txn *badger.Txn) error {
		return txn.Set(runKey(e.RunDir), val)
	}); err != nil {
		return fmt.Errorf("record %s: %w", e.RunDir, err)
	}
	ix.log(model.LogLevelDebug, "recorded run=%s fingerprint=%s", e.RunDir, e.Fingerprint)
	return nil
}

// Forget removes the entry of runDir.
func (ix *Index) Forget(runDir string) error {
	return ix.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(runKey(runDir))
	})
}

// List returns every entry ordered by run directory.
func (ix *Index) List() ([]Entry, error) {
	var out []Entry
	err := ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &e)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Close closes the database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) log(level model.LogLevel, format string, args ...any) {
	if level < ix.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ix.logger.Printf("%s %s store: %s", time.Now().Format(time.RFC3339), level, msg)
}

// badgerLogger routes badger's internal logging through the index logger.
type badgerLogger struct{ ix *Index }

func (l badgerLogger) Errorf(format string, args ...any) {
	l.ix.log(model.LogLevelError, format, args...)
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.ix.log(model.LogLevelWarn, format, args...)
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.ix.log(model.LogLevelDebug, format, args...)
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.ix.log(model.LogLevelDebug, format, args...)
}

// Fingerprint identifies the state of a set of log files by name, size and
// modification time. A missing file contributes a fixed marker, so a log
// appearing later changes the fingerprint.
func Fingerprint(paths ...string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		fi, err := os.Stat(p)
		switch {
		case errors.Is(err, os.ErrNotExist):
			fmt.Fprintf(h, "%s\x00missing\n", filepath.Base(p))
		case err != nil:
			return "", fmt.Errorf("stat %s: %w", p, err)
		default:
			fmt.Fprintf(h, "%s\x00%d\x00%d\n", filepath.Base(p), fi.Size(), fi.ModTime().UnixNano())
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
