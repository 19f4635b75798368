// Package pipeline runs a full analysis of one run directory: it reads the
// three logs, correlates them in order, derives statistics, builds the
// dependency graph, analyses its components and writes the reports.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/vinetrace/internal/correlate"
	"github.com/msageha/vinetrace/internal/dag"
	"github.com/msageha/vinetrace/internal/events"
	"github.com/msageha/vinetrace/internal/lock"
	"github.com/msageha/vinetrace/internal/logstream"
	"github.com/msageha/vinetrace/internal/metrics"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/report"
	"github.com/msageha/vinetrace/internal/stats"
	"github.com/msageha/vinetrace/internal/telemetry"
)

// File names written next to the reports.
const (
	MetricsFile = "vinetrace.prom"
	JournalFile = "anomalies.jsonl"
)

// ErrNoTransactions is returned when a run has no transaction log.
var ErrNoTransactions = errors.New("transaction log not found")

// Options adjusts a single analysis.
type Options struct {
	// OutputDir overrides <run>/<output.dir>.
	OutputDir string
	// DryRun skips every write: no lock, reports, metrics or journal.
	DryRun bool
	// Fingerprint is stamped into the summary when set.
	Fingerprint string
	// Journal receives the anomalies instead of <output>/anomalies.jsonl.
	Journal *events.Journal
}

// Result is everything one analysis produced.
type Result struct {
	AnalysisID  string
	RunDir      string
	OutputDir   string
	Run         *model.Run
	Stats       stats.Stats
	Graph       *dag.Graph
	Components  []dag.Result
	Views       []dag.View
	Summary     report.Summary
	Metrics     *metrics.Metrics
	SkippedLogs []string
}

// Analyzer runs analyses with one configuration. It is safe for concurrent
// use on different run directories.
type Analyzer struct {
	config   model.Config
	corr     *correlate.Correlator
	logger   *log.Logger
	logLevel model.LogLevel
}

// New validates cfg and prepares an Analyzer.
func New(cfg model.Config, logger *log.Logger, logLevel model.LogLevel) (*Analyzer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	corr, err := correlate.New(cfg, logger, logLevel)
	if err != nil {
		return nil, err
	}
	return &Analyzer{config: cfg, corr: corr, logger: logger, logLevel: logLevel}, nil
}

// Run analyses runDir with a one-off Analyzer.
func Run(ctx context.Context, runDir string, cfg model.Config, opts Options) (*Result, error) {
	a, err := New(cfg, nil, model.ParseLogLevel(cfg.Logging.Level))
	if err != nil {
		return nil, err
	}
	return a.Run(ctx, runDir, opts)
}

// LogDir returns the directory holding the logs of runDir: the configured
// subdirectory when it exists, runDir itself otherwise.
func (a *Analyzer) LogDir(runDir string) string {
	if a.config.Logs.Subdir != "" {
		dir := filepath.Join(runDir, a.config.Logs.Subdir)
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return runDir
}

// LogPaths returns the transaction, debug and task-graph log paths of runDir.
func (a *Analyzer) LogPaths(runDir string) (txn, debug, taskGraph string) {
	dir := a.LogDir(runDir)
	return filepath.Join(dir, a.config.Logs.Transactions),
		filepath.Join(dir, a.config.Logs.Debug),
		filepath.Join(dir, a.config.Logs.TaskGraph)
}

// OutputDir returns where the reports of runDir are written.
func (a *Analyzer) OutputDir(runDir string, opts Options) string {
	if opts.OutputDir != "" {
		return opts.OutputDir
	}
	if filepath.IsAbs(a.config.Output.Dir) {
		return filepath.Join(a.config.Output.Dir, filepath.Base(runDir))
	}
	return filepath.Join(runDir, a.config.Output.Dir)
}

// Run performs the analysis. Recoverable findings end up as anomalies on the
// run. A fatal task-graph error and failed components do not stop the
// analysis: reports are still written and the errors are returned joined.
func (a *Analyzer) Run(ctx context.Context, runDir string, opts Options) (res *Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("run_dir", runDir)))
	defer func() { telemetry.EndSpan(span, err) }()

	res = &Result{
		AnalysisID: uuid.NewString(),
		RunDir:     runDir,
		OutputDir:  a.OutputDir(runDir, opts),
		Metrics:    metrics.New(),
	}
	span.SetAttributes(attribute.String("analysis_id", res.AnalysisID))
	a.log(model.LogLevelInfo, "analysis started id=%s run=%s", res.AnalysisID, runDir)

	if !opts.DryRun {
		fl, err := lock.LockDir(res.OutputDir)
		if err != nil {
			return nil, err
		}
		defer func() {
			if uerr := fl.Unlock(); uerr != nil {
				a.log(model.LogLevelWarn, "release lock dir=%s: %v", res.OutputDir, uerr)
			}
		}()
	}

	var txn, debug, taskGraph *logstream.Stream
	if err := a.stage(ctx, res, "read_logs", func(ctx context.Context) error {
		var rerr error
		txn, debug, taskGraph, rerr = a.readLogs(runDir, res)
		return rerr
	}); err != nil {
		return nil, err
	}

	var errs []error
	if err := a.stage(ctx, res, "correlate.transactions", func(context.Context) error {
		run, err := a.corr.Transactions(txn)
		res.Run = run
		return err
	}); err != nil {
		return nil, fmt.Errorf("correlate transactions: %w", err)
	}

	if debug != nil {
		if err := a.stage(ctx, res, "correlate.debug", func(context.Context) error {
			return a.corr.Debug(res.Run, debug)
		}); err != nil {
			return nil, fmt.Errorf("correlate debug log: %w", err)
		}
	}
	if taskGraph != nil {
		if err := a.stage(ctx, res, "correlate.taskgraph", func(context.Context) error {
			return a.corr.TaskGraph(res.Run, taskGraph)
		}); err != nil {
			a.log(model.LogLevelError, "task graph aborted run=%s: %v", runDir, err)
			errs = append(errs, fmt.Errorf("correlate task graph: %w", err))
		}
	}

	_ = a.stage(ctx, res, "correlate.reconcile", func(context.Context) error {
		a.corr.Reconcile(res.Run)
		return nil
	})
	_ = a.stage(ctx, res, "stats", func(context.Context) error {
		res.Stats = stats.Compute(res.Run)
		return nil
	})

	if err := a.stage(ctx, res, "dag.analyze", func(ctx context.Context) error {
		res.Graph = dag.Build(res.Run, dag.Options{Precision: a.config.Analysis.WeightPrecision})
		results, err := res.Graph.Analyze(ctx, a.config.Analysis.MaxParallelComponents)
		res.Components = results
		return err
	}); err != nil {
		return nil, err
	}
	for _, r := range res.Components {
		if r.Err != nil {
			a.log(model.LogLevelError, "component failed run=%s: %v", runDir, r.Err)
			errs = append(errs, r.Err)
		}
	}

	_ = a.stage(ctx, res, "dag.views", func(context.Context) error {
		res.Views = make([]dag.View, 0, len(res.Components))
		for _, comp := range res.Graph.Components() {
			v := res.Graph.View(comp, res.Run)
			for _, o := range v.Omitted {
				a.log(model.LogLevelDebug, "view component=%d omits file=%s task=%d: no producer finished before start",
					comp.ID, o.File, o.TaskID)
			}
			res.Views = append(res.Views, v)
		}
		return nil
	})

	res.Summary = a.summarize(res, opts)
	a.observe(res)

	if !opts.DryRun {
		if err := a.stage(ctx, res, "report.write", func(context.Context) error {
			return a.write(res, opts)
		}); err != nil {
			return res, errors.Join(append(errs, err)...)
		}
	}

	a.log(model.LogLevelInfo, "analysis finished id=%s run=%s tasks=%d components=%d failed_components=%d anomalies=%d",
		res.AnalysisID, runDir, len(res.Run.Tasks), len(res.Components), len(res.Summary.FailedComponents), len(res.Run.Anomalies))
	return res, errors.Join(errs...)
}

// stage runs fn inside a span and records its duration.
func (a *Analyzer) stage(ctx context.Context, res *Result, name string, fn func(context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	ctx, span := telemetry.Tracer().Start(ctx, name)
	start := time.Now()
	defer func() {
		res.Metrics.StageSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
		telemetry.EndSpan(span, err)
	}()
	return fn(ctx)
}

// readLogs loads the three logs concurrently. Only the transaction log is
// required.
func (a *Analyzer) readLogs(runDir string, res *Result) (txn, debug, taskGraph *logstream.Stream, err error) {
	txnPath, debugPath, graphPath := a.LogPaths(runDir)

	var g errgroup.Group
	g.Go(func() error {
		s, err := logstream.ReadFile(txnPath)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoTransactions, txnPath)
		}
		txn = s
		return err
	})
	g.Go(func() error {
		s, err := a.readOptional(debugPath)
		debug = s
		return err
	})
	g.Go(func() error {
		s, err := a.readOptional(graphPath)
		taskGraph = s
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}

	for _, s := range []struct {
		path   string
		stream *logstream.Stream
	}{{txnPath, txn}, {debugPath, debug}, {graphPath, taskGraph}} {
		if s.stream == nil {
			res.SkippedLogs = append(res.SkippedLogs, filepath.Base(s.path))
			a.log(model.LogLevelWarn, "log missing, pass skipped path=%s", s.path)
			continue
		}
		res.Metrics.LinesTotal.WithLabelValues(s.stream.Name).Add(float64(s.stream.Len()))
	}
	return txn, debug, taskGraph, nil
}

func (a *Analyzer) readOptional(path string) (*logstream.Stream, error) {
	s, err := logstream.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return s, err
}

func (a *Analyzer) summarize(res *Result, opts Options) report.Summary {
	s := report.Summary{
		AnalysisID:    res.AnalysisID,
		RunDir:        res.RunDir,
		Fingerprint:   opts.Fingerprint,
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Stats:         res.Stats,
		Vertices:      res.Graph.NumVertices(),
		Edges:         res.Graph.NumEdges(),
		NegativeEdges: res.Graph.NegativeEdges(),
		Components:    len(res.Components),
		SkippedLogs:   res.SkippedLogs,
	}
	for _, r := range res.Components {
		if r.Err != nil {
			s.FailedComponents = append(s.FailedComponents, r.Component.ID)
			continue
		}
		if s.LongestComponent == 0 || r.Path.Length > s.LongestCriticalPath {
			s.LongestComponent = r.Component.ID
			s.LongestCriticalPath = r.Path.Length
		}
	}
	return s
}

func (a *Analyzer) observe(res *Result) {
	m := res.Metrics
	m.ObserveStats(res.Stats)
	m.Components.Set(float64(len(res.Components)))
	m.NegativeEdges.Set(float64(res.Graph.NegativeEdges()))
	for _, r := range res.Components {
		if r.Err != nil {
			if errors.Is(r.Err, dag.ErrCycle) {
				m.ComponentCycles.Inc()
			}
			continue
		}
		m.CriticalPathSeconds.Observe(r.Path.Length)
	}
	if n := res.Graph.NegativeEdges(); n > 0 {
		a.log(model.LogLevelDebug, "negative edges run=%s count=%d", res.RunDir, n)
	}
}

func (a *Analyzer) write(res *Result, opts Options) error {
	records := make([]report.ComponentRecord, len(res.Components))
	for i, r := range res.Components {
		records[i] = report.NewComponentRecord(r)
	}
	analysis := &report.Analysis{
		Summary:    res.Summary,
		Components: records,
		Views:      res.Views,
		Run:        res.Run,
	}
	if err := report.Write(res.OutputDir, analysis); err != nil {
		return err
	}
	res.Summary = analysis.Summary

	if a.config.Output.MetricsTextfile {
		if err := res.Metrics.WriteTextfile(filepath.Join(res.OutputDir, MetricsFile)); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	journal := opts.Journal
	if journal == nil && a.config.Output.AnomalyJournal {
		j, err := events.OpenJournal(filepath.Join(res.OutputDir, JournalFile), a.config.Output.JournalMaxBytes)
		if err != nil {
			return err
		}
		defer func() { _ = j.Close() }()
		journal = j
	}
	if journal != nil {
		if err := journal.RecordAnomalies(res.AnalysisID, res.RunDir, res.Run.Anomalies); err != nil {
			return fmt.Errorf("journal anomalies: %w", err)
		}
	}
	return nil
}

func (a *Analyzer) log(level model.LogLevel, format string, args ...any) {
	if level < a.logLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)
	a.logger.Printf("%s %s pipeline: %s", time.Now().Format(time.RFC3339), level, msg)
}
