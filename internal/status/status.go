// Package status renders a previously written analysis.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/msageha/vinetrace/internal/lock"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/report"
)

// RunStatus is what `show` prints for one output directory.
type RunStatus struct {
	OutputDir  string                   `json:"output_dir"`
	InProgress bool                     `json:"in_progress"`
	HolderPid  int                      `json:"holder_pid,omitempty"`
	Summary    *report.Summary          `json:"summary"`
	Components []report.ComponentRecord `json:"components,omitempty"`
}

// Locate returns the output directory for target: target itself when it
// holds a summary, otherwise target/outSubdir.
func Locate(target, outSubdir string) (string, error) {
	if _, err := os.Stat(filepath.Join(target, report.SummaryFile)); err == nil {
		return target, nil
	}
	dir := filepath.Join(target, outSubdir)
	if _, err := os.Stat(filepath.Join(dir, report.SummaryFile)); err != nil {
		return "", fmt.Errorf("no analysis found under %s: %w", target, err)
	}
	return dir, nil
}

// Load reads the summary and component records from outDir. top bounds
// the number of components kept, longest critical path first; 0 keeps all.
func Load(outDir string, top int) (RunStatus, error) {
	st := RunStatus{OutputDir: outDir}
	if pid, ok := lock.Holder(filepath.Join(outDir, lock.FileName)); ok {
		st.InProgress = true
		st.HolderPid = pid
	}

	s, err := report.LoadSummary(filepath.Join(outDir, report.SummaryFile))
	if err != nil {
		return st, err
	}
	st.Summary = s

	comps, err := report.LoadComponents(filepath.Join(outDir, report.ComponentsFile))
	if err != nil {
		return st, err
	}
	sort.SliceStable(comps, func(i, j int) bool {
		return comps[i].CriticalPathLength > comps[j].CriticalPathLength
	})
	if top > 0 && len(comps) > top {
		comps = comps[:top]
	}
	st.Components = comps
	return st, nil
}

// Write renders st to w as indented JSON or as a text table.
func Write(w io.Writer, st RunStatus, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	printStatus(w, st)
	return nil
}

func printStatus(w io.Writer, st RunStatus) {
	s := st.Summary
	m := s.Stats.Manager

	fmt.Fprintf(w, "Run:      %s\n", s.RunDir)
	fmt.Fprintf(w, "Analysis: %s (%s)\n", s.AnalysisID, s.GeneratedAt)
	if st.InProgress {
		fmt.Fprintf(w, "State:    re-analysis in progress (pid %d)\n", st.HolderPid)
	}
	managerState := "ended"
	if m.Failed {
		managerState = "no END event"
	}
	fmt.Fprintf(w, "Manager:  %.2fs, %s\n", m.Lifetime, managerState)

	fmt.Fprintln(w, "\nTasks:")
	fmt.Fprintf(w, "  %-20s %d\n", "submitted", m.TasksSubmitted)
	fmt.Fprintf(w, "  %-20s %d\n", "done", m.TasksDone)
	fmt.Fprintf(w, "  %-20s %d\n", "failed_on_manager", m.TasksFailedOnManager)
	fmt.Fprintf(w, "  %-20s %d\n", "failed_on_worker", m.TasksFailedOnWorker)
	fmt.Fprintf(w, "  %-20s %d\n", "max_try_count", m.MaxTaskTryCount)

	fmt.Fprintln(w, "\nWorkers:")
	fmt.Fprintf(w, "  %-20s %d\n", "total", m.TotalWorkers)
	fmt.Fprintf(w, "  %-20s %d\n", "active", m.ActiveWorkers)
	fmt.Fprintf(w, "  %-20s %d\n", "max_concurrent", m.MaxConcurrentWorkers)

	fmt.Fprintf(w, "\nGraph: %d vertices, %d edges (%d negative), %d components\n",
		s.Vertices, s.Edges, s.NegativeEdges, s.Components)
	if len(s.FailedComponents) > 0 {
		fmt.Fprintf(w, "Failed components: %v\n", s.FailedComponents)
	}

	if len(st.Components) > 0 {
		fmt.Fprintln(w, "\nCritical paths:")
		fmt.Fprintf(w, "  %9s  %6s  %6s  %12s\n", "COMPONENT", "TASKS", "PATH", "LENGTH_S")
		for _, c := range st.Components {
			if c.Error != "" {
				fmt.Fprintf(w, "  %9d  %6d  %6s  %s\n", c.ComponentID, len(c.TaskIDs), "-", c.Error)
				continue
			}
			fmt.Fprintf(w, "  %9d  %6d  %6d  %12.4f\n",
				c.ComponentID, len(c.TaskIDs), len(c.CriticalPathTaskIDs), c.CriticalPathLength)
		}
	}

	if n := len(s.Stats.Anomalies); n > 0 {
		kinds := make([]string, 0, n)
		for k := range s.Stats.Anomalies {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		fmt.Fprintln(w, "\nAnomalies:")
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-20s %d\n", k, s.Stats.Anomalies[model.AnomalyKind(k)])
		}
	}
}
