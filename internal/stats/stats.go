// Package stats derives run-level and per-entity statistics from a
// reconciled run.
package stats

import (
	"math"
	"sort"

	"github.com/msageha/vinetrace/internal/model"
)

// TotalCategory is the name of the summary row in Stats.Categories.
const TotalCategory = "TOTAL"

// CategoryStats counts attempts per lifecycle stage for one task category.
type CategoryStats struct {
	Category         string `yaml:"category" json:"category"`
	Submitted        int    `yaml:"submitted" json:"submitted"`
	Ready            int    `yaml:"ready" json:"ready"`
	Running          int    `yaml:"running" json:"running"`
	WaitingRetrieval int    `yaml:"waiting_retrieval" json:"waiting_retrieval"`
	Retrieved        int    `yaml:"retrieved" json:"retrieved"`
	Done             int    `yaml:"done" json:"done"`
	Workers          int    `yaml:"workers" json:"workers"`
}

// WorkerStats summarises one reconciled worker.
type WorkerStats struct {
	ID               int     `yaml:"worker_id" json:"worker_id"`
	Hash             string  `yaml:"worker_hash" json:"worker_hash"`
	TasksCompleted   int     `yaml:"tasks_completed" json:"tasks_completed"`
	AvgTaskRuntime   float64 `yaml:"avg_task_runtime_s" json:"avg_task_runtime_s"`
	ConnectedSeconds float64 `yaml:"connected_s" json:"connected_s"`
	PeakDiskUsageMB  float64 `yaml:"peak_disk_usage_mb" json:"peak_disk_usage_mb"`
	PeakDiskUsagePct float64 `yaml:"peak_disk_usage_pct" json:"peak_disk_usage_pct"`
}

// Stats is the statistical summary of a run.
type Stats struct {
	Manager            model.Manager             `yaml:"manager" json:"manager"`
	Categories         []CategoryStats           `yaml:"categories" json:"categories"`
	Workers            []WorkerStats             `yaml:"workers" json:"workers"`
	MaxConcurrentTasks int                       `yaml:"max_concurrent_tasks" json:"max_concurrent_tasks"`
	Anomalies          map[model.AnomalyKind]int `yaml:"anomalies" json:"anomalies"`
}

// Compute fills the manager counters and per-task derived fields of run and
// returns the summary. run must already be reconciled.
func Compute(run *model.Run) Stats {
	if run.Manager == nil {
		run.Manager = &model.Manager{}
	}
	m := run.Manager
	m.TasksSubmitted = len(run.TryCount)
	m.TasksDone, m.TasksFailedOnManager, m.TasksFailedOnWorker, m.MaxTaskTryCount = 0, 0, 0, 0
	for _, t := range run.Tasks {
		switch t.Outcome() {
		case model.OutcomeDone:
			m.TasksDone++
		case model.OutcomeFailedOnManager:
			m.TasksFailedOnManager++
		case model.OutcomeFailedOnWorker:
			m.TasksFailedOnWorker++
		}
		if t.TryID > m.MaxTaskTryCount {
			m.MaxTaskTryCount = t.TryID
		}
	}
	m.MaxConcurrentWorkers = maxConcurrentWorkers(run)

	for _, t := range run.Tasks {
		t.SizeInputFilesMB = totalSize(run, t.InputFiles)
		t.SizeOutputFilesMB = totalSize(run, t.OutputFiles)
		criticalParent(run, t)
	}

	return Stats{
		Manager:            *m,
		Categories:         categories(run),
		Workers:            workers(run),
		MaxConcurrentTasks: maxConcurrentTasks(run),
		Anomalies:          run.AnomalyCounts(),
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func totalSize(run *model.Run, names []string) float64 {
	var sum float64
	for _, name := range names {
		if f, ok := run.Files[name]; ok {
			sum += f.SizeMB
		}
	}
	return round(sum, 4)
}

// criticalParent selects, among the producers of t's inputs, the one t waited
// on the least. Producers that finished after t started are ignored, and
// attempts that never reached done have no critical parent.
func criticalParent(run *model.Run, t *model.Task) {
	t.CriticalParent, t.CriticalInputFile, t.CriticalInputFileWait = 0, "", 0
	if !t.IsDone() || t.TimeWorkerStart == 0 {
		return
	}
	best := math.Inf(1)
	for _, name := range t.InputFiles {
		f, ok := run.Files[name]
		if !ok {
			continue
		}
		for _, p := range f.Producers {
			parent, ok := run.CurrentTask(p)
			if !ok || parent.TimeWorkerEnd == 0 {
				continue
			}
			wait := t.TimeWorkerStart - parent.TimeWorkerEnd
			if wait < 0 || wait >= best {
				continue
			}
			best = wait
			t.CriticalParent = p
			t.CriticalInputFile = name
			t.CriticalInputFileWait = round(wait, 4)
		}
	}
}

type sweepEvent struct {
	time  float64
	delta float64
}

// sweep returns the running maximum of the cumulative deltas in time order.
// At equal times decrements are applied first.
func sweep(events []sweepEvent) float64 {
	sort.Slice(events, func(i, j int) bool {
		if events[i].time != events[j].time {
			return events[i].time < events[j].time
		}
		return events[i].delta < events[j].delta
	})
	var cur, peak float64
	for _, e := range events {
		cur += e.delta
		if cur > peak {
			peak = cur
		}
	}
	return peak
}

func maxConcurrentWorkers(run *model.Run) int {
	var events []sweepEvent
	for _, w := range run.Workers {
		for _, t := range w.TimeConnected {
			events = append(events, sweepEvent{t, 1})
		}
		for _, t := range w.TimeDisconnected {
			events = append(events, sweepEvent{t, -1})
		}
	}
	return int(sweep(events))
}

// maxConcurrentTasks counts attempts between RUNNING and the end of their
// execution on the worker.
func maxConcurrentTasks(run *model.Run) int {
	var events []sweepEvent
	for _, t := range run.Tasks {
		if t.WhenRunning == 0 {
			continue
		}
		end := t.WhenWaitingRetrieval
		if end == 0 {
			end = t.WhenNextReady
		}
		if end == 0 {
			end = run.Manager.TimeEnd
		}
		events = append(events, sweepEvent{t.WhenRunning, 1}, sweepEvent{end, -1})
	}
	return int(sweep(events))
}

func categories(run *model.Run) []CategoryStats {
	type acc struct {
		CategoryStats
		ids     map[int]bool
		workers map[int]bool
	}
	byName := make(map[string]*acc)
	total := &acc{CategoryStats: CategoryStats{Category: TotalCategory}, ids: map[int]bool{}, workers: map[int]bool{}}

	for _, t := range run.Tasks {
		a, ok := byName[t.Category]
		if !ok {
			a = &acc{CategoryStats: CategoryStats{Category: t.Category}, ids: map[int]bool{}, workers: map[int]bool{}}
			byName[t.Category] = a
		}
		for _, x := range []*acc{a, total} {
			x.ids[t.TaskID] = true
			if t.WorkerID > 0 {
				x.workers[t.WorkerID] = true
			}
			if t.WhenReady > 0 {
				x.Ready++
			}
			if t.WhenRunning > 0 {
				x.Running++
			}
			if t.WhenWaitingRetrieval > 0 {
				x.WaitingRetrieval++
			}
			if t.WhenRetrieved > 0 {
				x.Retrieved++
			}
			if t.WhenDone > 0 {
				x.Done++
			}
		}
	}

	out := make([]CategoryStats, 0, len(byName)+1)
	for _, a := range append(mapValues(byName), total) {
		a.Submitted = len(a.ids)
		a.Workers = len(a.workers)
		out = append(out, a.CategoryStats)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Submitted != out[j].Submitted {
			return out[i].Submitted > out[j].Submitted
		}
		return out[i].Category < out[j].Category
	})
	return out
}

func mapValues[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func workers(run *model.Run) []WorkerStats {
	runtime := make(map[string][2]float64) // hash -> (sum, count)
	for _, t := range run.Tasks {
		if t.IsDone() && t.TimeWorkerEnd > 0 {
			r := runtime[t.WorkerHash]
			runtime[t.WorkerHash] = [2]float64{r[0] + t.ExecutionTime(), r[1] + 1}
		}
	}

	list := run.WorkerList()
	out := make([]WorkerStats, 0, len(list))
	for _, w := range list {
		w.PeakDiskUsageMB = round(peakDisk(w), 4)
		ws := WorkerStats{
			ID:              w.ID,
			Hash:            w.Hash,
			TasksCompleted:  w.TasksCompleted,
			PeakDiskUsageMB: w.PeakDiskUsageMB,
		}
		if r := runtime[w.Hash]; r[1] > 0 {
			ws.AvgTaskRuntime = round(r[0]/r[1], 2)
		}
		if w.DiskMB > 0 {
			ws.PeakDiskUsagePct = round(100*w.PeakDiskUsageMB/w.DiskMB, 2)
		}
		for i := range w.TimeConnected {
			if i < len(w.TimeDisconnected) {
				ws.ConnectedSeconds += w.TimeDisconnected[i] - w.TimeConnected[i]
			}
		}
		ws.ConnectedSeconds = round(ws.ConnectedSeconds, 2)
		out = append(out, ws)
	}
	return out
}

// peakDisk replays the residency timeline of w.
func peakDisk(w *model.Worker) float64 {
	var events []sweepEvent
	for _, r := range w.Disk {
		for _, t := range r.StageIn {
			if t > 0 {
				events = append(events, sweepEvent{t, r.SizeMB})
			}
		}
		for _, t := range r.StageOut {
			if t > 0 {
				events = append(events, sweepEvent{t, -r.SizeMB})
			}
		}
	}
	return sweep(events)
}
