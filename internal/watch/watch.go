// Package watch keeps the analyses of a directory of runs current. It reacts
// to log writes through fsnotify, debounced per run, and rescans the whole
// tree periodically for anything the notifications missed.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"github.com/msageha/vinetrace/internal/events"
	"github.com/msageha/vinetrace/internal/lock"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/pipeline"
	"github.com/msageha/vinetrace/internal/store"
)

// Options wires optional collaborators into a Watcher.
type Options struct {
	// Index skips runs whose logs did not change since their last analysis.
	Index *store.Index
	// Bus receives lifecycle events. A private bus is used when nil.
	Bus *events.Bus
	// Journal records every lifecycle event when set.
	Journal *events.Journal
}

// Watcher analyses the runs below a root directory.
type Watcher struct {
	root     string
	config   model.Config
	analyzer *pipeline.Analyzer
	index    *store.Index
	bus      *events.Bus
	journal  *events.Journal
	logger   *log.Logger
	logLevel model.LogLevel

	debounce     time.Duration
	scanInterval time.Duration

	flight singleflight.Group
	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup
	ready  chan struct{}
}

type outcome struct {
	res     *pipeline.Result
	skipped bool
}

// New creates a Watcher over root.
func New(root string, cfg model.Config, logger *log.Logger, logLevel model.LogLevel, opts Options) (*Watcher, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	fi, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("watch root: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("watch root %s: not a directory", root)
	}
	analyzer, err := pipeline.New(cfg, logger, logLevel)
	if err != nil {
		return nil, err
	}
	bus := opts.Bus
	if bus == nil {
		bus = events.NewBus(0)
	}
	return &Watcher{
		root:         filepath.Clean(root),
		config:       cfg,
		analyzer:     analyzer,
		index:        opts.Index,
		bus:          bus,
		journal:      opts.Journal,
		logger:       logger,
		logLevel:     logLevel,
		debounce:     time.Duration(cfg.Watch.DebounceSec * float64(time.Second)),
		scanInterval: time.Duration(cfg.Watch.ScanIntervalSec) * time.Second,
		timers:       make(map[string]*time.Timer),
		ready:        make(chan struct{}),
	}, nil
}

// Bus returns the bus lifecycle events are published on.
func (w *Watcher) Bus() *events.Bus { return w.bus }

// Ready is closed once the watches are in place and the initial scan is done.
func (w *Watcher) Ready() <-chan struct{} { return w.ready }

// Run watches until ctx is cancelled, then waits for in-flight analyses.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addWatches(fw); err != nil {
		return err
	}

	if w.journal != nil {
		unsubscribe := w.bus.Subscribe(func(e events.Event) {
			if err := w.journal.RecordEvent(e); err != nil {
				w.log(model.LogLevelWarn, "journal event=%s: %v", e.Type, err)
			}
		}, events.EventAnalysisStarted, events.EventAnalysisCompleted, events.EventAnalysisFailed, events.EventAnalysisSkipped)
		defer unsubscribe()
	}

	w.log(model.LogLevelInfo, "watch started root=%s debounce=%s scan_interval=%s", w.root, w.debounce, w.scanInterval)
	if err := w.Scan(ctx); err != nil {
		w.log(model.LogLevelError, "initial scan: %v", err)
	}
	close(w.ready)

	var tick <-chan time.Time
	if w.scanInterval > 0 {
		ticker := time.NewTicker(w.scanInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case event, ok := <-fw.Events:
			if !ok {
				break loop
			}
			w.handle(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				break loop
			}
			w.log(model.LogLevelError, "fsnotify error=%v", err)
		case <-tick:
			w.log(model.LogLevelDebug, "periodic scan triggered")
			if err := w.Scan(ctx); err != nil {
				w.log(model.LogLevelError, "periodic scan: %v", err)
			}
		}
	}

	w.stopTimers()
	w.wg.Wait()
	w.log(model.LogLevelInfo, "watch stopped root=%s", w.root)
	return nil
}

// addWatches watches the root, every run directory below it and their log
// subdirectories.
func (w *Watcher) addWatches(fw *fsnotify.Watcher) error {
	if err := w.watchRun(fw, w.root); err != nil {
		return err
	}
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return fmt.Errorf("read watch root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() || w.ignoredDir(e.Name()) {
			continue
		}
		if err := w.watchRun(fw, filepath.Join(w.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (w *Watcher) watchRun(fw *fsnotify.Watcher, dir string) error {
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if sub := w.config.Logs.Subdir; sub != "" {
		logDir := filepath.Join(dir, sub)
		if fi, err := os.Stat(logDir); err == nil && fi.IsDir() {
			if err := fw.Add(logDir); err != nil {
				return fmt.Errorf("watch %s: %w", logDir, err)
			}
		}
	}
	return nil
}

// ignoredDir reports whether a directory below a run holds our own output.
func (w *Watcher) ignoredDir(name string) bool {
	out := w.config.Output.Dir
	return !filepath.IsAbs(out) && name == out
}

func (w *Watcher) handle(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return
	}
	w.log(model.LogLevelDebug, "fsnotify event=%s file=%s", event.Op, event.Name)

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			w.handleNewDir(ctx, fw, event.Name)
			return
		}
	}
	if !w.isLogName(filepath.Base(event.Name)) {
		return
	}
	w.schedule(ctx, w.runDirOf(event.Name))
}

// handleNewDir starts watching a new run or log directory. Logs written
// before the watch was added are picked up by scheduling the run at once.
func (w *Watcher) handleNewDir(ctx context.Context, fw *fsnotify.Watcher, dir string) {
	name := filepath.Base(dir)
	parent := filepath.Dir(dir)
	switch {
	case w.ignoredDir(name):
		return
	case name == w.config.Logs.Subdir:
		if err := fw.Add(dir); err != nil {
			w.log(model.LogLevelError, "watch %s: %v", dir, err)
			return
		}
		w.scheduleIfRun(ctx, parent)
	case parent == w.root:
		if err := w.watchRun(fw, dir); err != nil {
			w.log(model.LogLevelError, "%v", err)
			return
		}
		w.scheduleIfRun(ctx, dir)
	}
}

func (w *Watcher) scheduleIfRun(ctx context.Context, dir string) {
	txn, _, _ := w.analyzer.LogPaths(dir)
	if _, err := os.Stat(txn); err == nil {
		w.schedule(ctx, dir)
	}
}

func (w *Watcher) isLogName(name string) bool {
	logs := w.config.Logs
	return name == logs.Transactions || name == logs.Debug || name == logs.TaskGraph
}

// runDirOf maps a log path to the run directory it belongs to.
func (w *Watcher) runDirOf(path string) string {
	dir := filepath.Dir(path)
	if sub := w.config.Logs.Subdir; sub != "" && filepath.Base(dir) == sub {
		return filepath.Dir(dir)
	}
	return dir
}

// schedule analyses runDir once no write to it was seen for the debounce
// window.
func (w *Watcher) schedule(ctx context.Context, runDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[runDir]; ok {
		if t.Stop() {
			t.Reset(w.debounce)
			return
		}
		// The timer already fired; its analysis is running or done.
		delete(w.timers, runDir)
	}

	w.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		if w.timers[runDir] == t {
			delete(w.timers, runDir)
		}
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_, _, _ = w.Analyze(ctx, runDir)
	})
	w.timers[runDir] = t
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, dir)
	}
}

// RunDirs returns the root and the directories directly below it that hold
// a transaction log.
func (w *Watcher) RunDirs() ([]string, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read watch root: %w", err)
	}
	candidates := []string{w.root}
	for _, e := range entries {
		if e.IsDir() && !w.ignoredDir(e.Name()) && e.Name() != w.config.Logs.Subdir {
			candidates = append(candidates, filepath.Join(w.root, e.Name()))
		}
	}

	var dirs []string
	for _, dir := range candidates {
		txn, _, _ := w.analyzer.LogPaths(dir)
		if fi, err := os.Stat(txn); err == nil && !fi.IsDir() {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}

// Scan analyses every run below the root whose logs changed.
func (w *Watcher) Scan(ctx context.Context) error {
	dirs, err := w.RunDirs()
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, _, _ = w.Analyze(ctx, dir)
	}
	return nil
}

// Analyze runs the pipeline on runDir unless its logs are unchanged since
// the last recorded analysis. Concurrent calls for one run share a single
// analysis. A nil result with skipped unset means the analysis failed
// before producing anything.
func (w *Watcher) Analyze(ctx context.Context, runDir string) (*pipeline.Result, bool, error) {
	v, err, shared := w.flight.Do(runDir, func() (any, error) {
		return w.analyze(ctx, runDir)
	})
	if shared {
		w.log(model.LogLevelDebug, "analysis shared run=%s", runDir)
	}
	o, _ := v.(outcome)
	return o.res, o.skipped, err
}

func (w *Watcher) analyze(ctx context.Context, runDir string) (outcome, error) {
	txn, debug, taskGraph := w.analyzer.LogPaths(runDir)
	fp, err := store.Fingerprint(txn, debug, taskGraph)
	if err != nil {
		w.log(model.LogLevelError, "fingerprint run=%s: %v", runDir, err)
		return outcome{}, err
	}

	if w.index != nil {
		unchanged, err := w.index.Unchanged(runDir, fp)
		if err != nil {
			w.log(model.LogLevelWarn, "index lookup run=%s: %v", runDir, err)
		} else if unchanged {
			w.log(model.LogLevelDebug, "logs unchanged, analysis skipped run=%s", runDir)
			w.bus.Publish(events.EventAnalysisSkipped, map[string]any{"run_dir": runDir, "fingerprint": fp})
			return outcome{skipped: true}, nil
		}
	}

	w.bus.Publish(events.EventAnalysisStarted, map[string]any{"run_dir": runDir, "fingerprint": fp})
	res, err := w.analyzer.Run(ctx, runDir, pipeline.Options{Fingerprint: fp})
	if res == nil {
		if errors.Is(err, lock.ErrLocked) {
			w.log(model.LogLevelWarn, "run is being analysed elsewhere run=%s: %v", runDir, err)
		} else {
			w.log(model.LogLevelError, "analysis failed run=%s: %v", runDir, err)
		}
		w.bus.Publish(events.EventAnalysisFailed, map[string]any{"run_dir": runDir, "error": errString(err)})
		return outcome{}, err
	}

	if w.index != nil {
		rerr := w.index.Record(store.Entry{
			RunDir:      runDir,
			Fingerprint: fp,
			AnalysisID:  res.AnalysisID,
			OutputDir:   res.OutputDir,
			AnalyzedAt:  time.Now().UTC(),
			Components:  len(res.Components),
			Failed:      err != nil,
		})
		if rerr != nil {
			w.log(model.LogLevelWarn, "index record run=%s: %v", runDir, rerr)
		}
	}

	data := map[string]any{
		"run_dir":           runDir,
		"analysis_id":       res.AnalysisID,
		"output_dir":        res.OutputDir,
		"components":        len(res.Components),
		"failed_components": len(res.Summary.FailedComponents),
		"anomalies":         len(res.Run.Anomalies),
	}
	if err != nil {
		data["error"] = err.Error()
		w.log(model.LogLevelWarn, "analysis finished with errors run=%s: %v", runDir, err)
		w.bus.Publish(events.EventAnalysisFailed, data)
		return outcome{res: res}, err
	}
	w.bus.Publish(events.EventAnalysisCompleted, data)
	return outcome{res: res}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (w *Watcher) log(level model.LogLevel, format string, args ...any) {
	if level < w.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	w.logger.Printf("%s %s watch: %s", time.Now().Format(time.RFC3339), level, msg)
}
