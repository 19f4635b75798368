package status

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/msageha/vinetrace/internal/lock"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/report"
	"github.com/msageha/vinetrace/internal/stats"
)

func writeAnalysis(t *testing.T, dir string) {
	t.Helper()
	run := model.NewRun()
	run.Manager = &model.Manager{Lifetime: 42.5, TasksDone: 3, TasksSubmitted: 4, TotalWorkers: 2}
	a := &report.Analysis{
		Summary: report.Summary{
			AnalysisID:  "a-1",
			RunDir:      "/runs/r1",
			GeneratedAt: "2026-01-01T00:00:00Z",
			Stats: stats.Stats{
				Manager:   *run.Manager,
				Anomalies: map[model.AnomalyKind]int{model.AnomalyUnbalancedState: 2},
			},
			Vertices: 3, Edges: 2, Components: 2,
			FailedComponents: []int{2},
		},
		Components: []report.ComponentRecord{
			{ComponentID: 1, TaskIDs: []int{1, 2}, CriticalPathTaskIDs: []int{1, 2}, CriticalPathLength: 12.5},
			{ComponentID: 2, TaskIDs: []int{3}, Error: "component 2: dependency cycle: 3 -> 3 (1 tasks unsorted)"},
			{ComponentID: 3, TaskIDs: []int{4}, CriticalPathTaskIDs: []int{4}, CriticalPathLength: 20},
		},
		Run: run,
	}
	if err := report.Write(dir, a); err != nil {
		t.Fatalf("report.Write: %v", err)
	}
}

func TestLocate(t *testing.T) {
	runDir := t.TempDir()
	out := filepath.Join(runDir, "analysis")
	writeAnalysis(t, out)

	got, err := Locate(runDir, "analysis")
	if err != nil || got != out {
		t.Fatalf("Locate(run) = %q, %v", got, err)
	}
	got, err = Locate(out, "analysis")
	if err != nil || got != out {
		t.Fatalf("Locate(out) = %q, %v", got, err)
	}
	if _, err := Locate(t.TempDir(), "analysis"); err == nil {
		t.Error("expected error for a directory without analysis")
	}
}

func TestLoad_OrdersAndLimitsComponents(t *testing.T) {
	dir := t.TempDir()
	writeAnalysis(t, dir)

	st, err := Load(dir, 2)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(st.Components) != 2 {
		t.Fatalf("components = %d, want 2", len(st.Components))
	}
	if st.Components[0].ComponentID != 3 || st.Components[1].ComponentID != 1 {
		t.Errorf("order = %d, %d; want 3, 1", st.Components[0].ComponentID, st.Components[1].ComponentID)
	}
	if st.InProgress {
		t.Error("no lock held, InProgress should be false")
	}
}

func TestLoad_ReportsLockHolder(t *testing.T) {
	dir := t.TempDir()
	writeAnalysis(t, dir)

	fl, err := lock.LockDir(dir)
	if err != nil {
		t.Fatalf("LockDir: %v", err)
	}
	defer fl.Unlock()

	st, err := Load(dir, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !st.InProgress || st.HolderPid != os.Getpid() {
		t.Errorf("InProgress=%v pid=%d", st.InProgress, st.HolderPid)
	}
	if len(st.Components) != 3 {
		t.Errorf("components = %d, want 3", len(st.Components))
	}
}

func TestWrite_Text(t *testing.T) {
	dir := t.TempDir()
	writeAnalysis(t, dir)
	st, err := Load(dir, 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, st, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		"Run:      /runs/r1",
		"Manager:  42.50s, ended",
		"done                 3",
		"Graph: 3 vertices, 2 edges (0 negative), 2 components",
		"Failed components: [2]",
		"dependency cycle: 3 -> 3",
		"unbalanced_state     2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWrite_JSON(t *testing.T) {
	dir := t.TempDir()
	writeAnalysis(t, dir)
	st, err := Load(dir, 1)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	var buf bytes.Buffer
	if err := Write(&buf, st, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var decoded struct {
		OutputDir string `json:"output_dir"`
		Summary   struct {
			AnalysisID string `json:"analysis_id"`
			FileType   string `json:"file_type"`
		} `json:"summary"`
		Components []report.ComponentRecord `json:"components"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, buf.String())
	}
	if decoded.Summary.AnalysisID != "a-1" || decoded.Summary.FileType != "analysis_summary" {
		t.Errorf("summary = %+v", decoded.Summary)
	}
	if len(decoded.Components) != 1 || decoded.Components[0].CriticalPathLength != 20 {
		t.Errorf("components = %+v", decoded.Components)
	}
}
