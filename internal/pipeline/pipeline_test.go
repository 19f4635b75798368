package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/vinetrace/internal/correlate"
	"github.com/msageha/vinetrace/internal/dag"
	"github.com/msageha/vinetrace/internal/lock"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/report"
)

var transactions = []string{
	"1704207600000000 100 MANAGER 100 START",
	"1704207601000000 100 WORKER worker-a CONNECTION 10.0.0.1:9000",
	`1704207601100000 100 WORKER worker-a RESOURCES {"cores":[4,"cores"],"memory":[8000,"MB"],"disk":[20000,"MB"]}`,
	"1704207601200000 100 WORKER worker-b CONNECTION 10.0.0.2:9000",
	`1704207602000000 100 TASK 1 READY produce FIRST_RESOURCES {"cores":[1,"cores"]}`,
	`1704207602000000 100 TASK 2 READY consume FIRST_RESOURCES {"cores":[2,"cores"]}`,
	`1704207603000000 100 TASK 1 RUNNING worker-a FIRST_RESOURCES {"time_commit_start":[1704207602.9,"s"],"time_commit_end":[1704207603.0,"s"],"size_input_mgr":[1,"MB"]}`,
	"1704207605000000 100 TASK 1 WAITING_RETRIEVAL worker-a",
	`1704207605500000 100 TASK 1 RETRIEVED SUCCESS 0 {"time_worker_start":[1704207603.2,"s"],"time_worker_end":[1704207605.0,"s"],"size_output_mgr":[2,"MB"]}`,
	"1704207606000000 100 TASK 1 DONE SUCCESS 0",
	`1704207606100000 100 TASK 2 RUNNING worker-a FIRST_RESOURCES {"time_commit_start":[1704207606.0,"s"],"time_commit_end":[1704207606.1,"s"],"size_input_mgr":[0,"MB"]}`,
	"1704207609000000 100 TASK 2 WAITING_RETRIEVAL worker-a",
	`1704207609500000 100 TASK 2 RETRIEVED SUCCESS 0 {"time_worker_start":[1704207606.5,"s"],"time_worker_end":[1704207609.0,"s"],"size_output_mgr":[1,"MB"]}`,
	"1704207610000000 100 TASK 2 DONE SUCCESS 0",
	"1704207615000000 100 WORKER worker-a DISCONNECTION",
	"1704207620000000 100 MANAGER 100 END",
}

var debugLog = []string{
	"2024/01/02 10:00:01.000000 vine_manager[100] debug: rx from host-a (10.0.0.1:9000): info worker-id worker-a",
	"2024/01/02 10:00:02.000000 vine_manager[100] debug: tx to host-a (10.0.0.1:9000): put input.txt",
	"2024/01/02 10:00:02.000000 vine_manager[100] debug: tx to host-a (10.0.0.1:9000): file input.txt 1048576 0644 1704207602",
	"2024/01/02 10:00:05.000000 vine_manager[100] debug: rx from host-a (10.0.0.1:9000): cache-update data.out 1 1 1048576 0 1000 1704207605000000 1",
}

var taskGraph = []string{
	"digraph {",
	`"file-input.txt" -> "task-1";`,
	`"task-1" -> "file-data.out";`,
	`"file-data.out" -> "task-2";`,
	"}",
}

type fixture struct {
	transactions, debug, taskGraph []string
}

func writeRun(t *testing.T, f fixture) string {
	t.Helper()
	runDir := t.TempDir()
	logDir := filepath.Join(runDir, "vine-logs")
	require.NoError(t, os.MkdirAll(logDir, 0755))
	for name, lines := range map[string][]string{
		"transactions": f.transactions,
		"debug":        f.debug,
		"taskgraph":    f.taskGraph,
	} {
		if lines == nil {
			continue
		}
		require.NoError(t, os.WriteFile(filepath.Join(logDir, name), []byte(strings.Join(lines, "\n")+"\n"), 0644))
	}
	return runDir
}

func newTestAnalyzer(t *testing.T) (*Analyzer, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	a, err := New(model.DefaultConfig(), log.New(&buf, "", 0), model.LogLevelDebug)
	require.NoError(t, err)
	return a, &buf
}

func TestRun_FullAnalysis(t *testing.T) {
	a, logs := newTestAnalyzer(t)
	runDir := writeRun(t, fixture{transactions, debugLog, taskGraph})

	res, err := a.Run(context.Background(), runDir, Options{Fingerprint: "fp-1"})
	require.NoError(t, err)

	require.Len(t, res.Components, 1)
	path := res.Components[0].Path
	assert.Equal(t, []int{1, 2}, path.Tasks)
	// 1.8 (task 1) + 1.5 (wait) + 2.5 (task 2)
	assert.InDelta(t, 5.8, path.Length, 1e-9)

	assert.Equal(t, 2, res.Run.Manager.TotalWorkers)
	assert.Equal(t, 1, res.Run.Manager.ActiveWorkers, "worker-b ran nothing")
	assert.Equal(t, 2, res.Stats.Manager.TasksDone)
	assert.Empty(t, res.SkippedLogs)
	require.Len(t, res.Views, 1)

	outDir := filepath.Join(runDir, "analysis")
	assert.Equal(t, outDir, res.OutputDir)
	for _, name := range []string{report.SummaryFile, report.ComponentsFile, report.EntitiesFile, report.ViewsFile, report.DashboardFile, MetricsFile, JournalFile} {
		_, err := os.Stat(filepath.Join(outDir, name))
		assert.NoError(t, err, name)
	}
	_, err = os.Stat(filepath.Join(outDir, lock.FileName))
	assert.True(t, os.IsNotExist(err), "lock released")

	s, err := report.LoadSummary(filepath.Join(outDir, report.SummaryFile))
	require.NoError(t, err)
	assert.Equal(t, res.AnalysisID, s.AnalysisID)
	assert.Equal(t, "fp-1", s.Fingerprint)
	assert.Equal(t, 1, s.LongestComponent)
	assert.InDelta(t, 5.8, s.LongestCriticalPath, 1e-9)
	assert.Equal(t, 2, s.Vertices)
	assert.Equal(t, 1, s.Edges)

	comps, err := report.LoadComponents(filepath.Join(outDir, report.ComponentsFile))
	require.NoError(t, err)
	require.Len(t, comps, 1)
	assert.Equal(t, []int{1, 2}, comps[0].CriticalPathTaskIDs)

	prom, err := os.ReadFile(filepath.Join(outDir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(prom), `vinetrace_task_attempts{outcome="done"} 2`)

	assert.Contains(t, logs.String(), "pipeline: analysis finished")
}

func TestRun_MissingTransactions(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	runDir := writeRun(t, fixture{debug: debugLog})

	_, err := a.Run(context.Background(), runDir, Options{})
	assert.True(t, errors.Is(err, ErrNoTransactions), "err = %v", err)
}

func TestRun_OptionalLogsSkipped(t *testing.T) {
	a, logs := newTestAnalyzer(t)
	runDir := writeRun(t, fixture{transactions: transactions})

	res, err := a.Run(context.Background(), runDir, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"debug", "taskgraph"}, res.SkippedLogs)
	// without edges every done task is its own component
	require.Len(t, res.Components, 2)
	assert.InDelta(t, 1.8, res.Components[0].Path.Length, 1e-9)
	assert.InDelta(t, 2.5, res.Components[1].Path.Length, 1e-9)
	assert.Contains(t, logs.String(), "log missing, pass skipped")
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	runDir := writeRun(t, fixture{transactions, debugLog, taskGraph})

	res, err := a.Run(context.Background(), runDir, Options{DryRun: true})
	require.NoError(t, err)
	assert.NotEmpty(t, res.AnalysisID)

	_, err = os.Stat(filepath.Join(runDir, "analysis"))
	assert.True(t, os.IsNotExist(err), "output dir must not exist")
}

func TestRun_TaskGraphErrorStillWritesReports(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	graph := []string{
		`"file-input.txt" -> "task-1";`,
		`"file-ghost.dat" -> "task-2";`,
		`"task-1" -> "file-data.out";`,
	}
	runDir := writeRun(t, fixture{transactions, debugLog, graph})

	res, err := a.Run(context.Background(), runDir, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, correlate.ErrUnknownFile), "err = %v", err)

	var lineErr *correlate.LineError
	require.True(t, errors.As(err, &lineErr))
	assert.Equal(t, 2, lineErr.Line)

	require.NotNil(t, res)
	_, statErr := os.Stat(filepath.Join(res.OutputDir, report.SummaryFile))
	assert.NoError(t, statErr)
}

func TestRun_CycleFailsOnlyThatComponent(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	graph := []string{
		`"task-1" -> "file-a";`,
		`"file-a" -> "task-2";`,
		`"task-2" -> "file-b";`,
		`"file-b" -> "task-1";`,
	}
	runDir := writeRun(t, fixture{transactions: transactions, taskGraph: graph})

	res, err := a.Run(context.Background(), runDir, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, dag.ErrCycle), "err = %v", err)

	require.NotNil(t, res)
	assert.Equal(t, []int{1}, res.Summary.FailedComponents)

	comps, lerr := report.LoadComponents(filepath.Join(res.OutputDir, report.ComponentsFile))
	require.NoError(t, lerr)
	require.Len(t, comps, 1)
	assert.Contains(t, comps[0].Error, "dependency cycle")
	assert.Equal(t, []int{1, 2}, comps[0].TaskIDs)
}

func TestRun_OutputLocked(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	runDir := writeRun(t, fixture{transactions: transactions})

	fl, err := lock.LockDir(filepath.Join(runDir, "analysis"))
	require.NoError(t, err)
	defer fl.Unlock()

	_, err = a.Run(context.Background(), runDir, Options{})
	assert.True(t, errors.Is(err, lock.ErrLocked), "err = %v", err)
}

func TestRun_CancelledContext(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	runDir := writeRun(t, fixture{transactions: transactions})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Run(ctx, runDir, Options{DryRun: true})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOutputDir(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	assert.Equal(t, "/runs/r1/analysis", a.OutputDir("/runs/r1", Options{}))
	assert.Equal(t, "/elsewhere", a.OutputDir("/runs/r1", Options{OutputDir: "/elsewhere"}))

	cfg := model.DefaultConfig()
	cfg.Output.Dir = "/reports"
	b, err := New(cfg, nil, model.LogLevelInfo)
	require.NoError(t, err)
	assert.Equal(t, "/reports/r1", b.OutputDir("/runs/r1", Options{}))
}

func TestLogDir_FallsBackToRunDir(t *testing.T) {
	a, _ := newTestAnalyzer(t)
	flat := t.TempDir()
	assert.Equal(t, flat, a.LogDir(flat))

	nested := writeRun(t, fixture{transactions: transactions})
	assert.Equal(t, filepath.Join(nested, "vine-logs"), a.LogDir(nested))
}

func TestPackageRun(t *testing.T) {
	runDir := writeRun(t, fixture{transactions, debugLog, taskGraph})
	res, err := Run(context.Background(), runDir, model.DefaultConfig(), Options{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, res.Components, 1)
}
