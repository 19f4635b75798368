package correlate

import (
	"sort"

	"github.com/msageha/vinetrace/internal/model"
)

// reconcileLog names the pseudo-log reconciliation anomalies are filed under.
const reconcileLog = "reconcile"

// Reconcile drops workers no task ran on, numbers the rest 1..N by first
// connection and propagates the ids. Workers still connected at the end of
// the run get a disconnect at manager end.
func (c *Correlator) Reconcile(run *model.Run) {
	active := make(map[string]bool)
	for _, t := range run.Tasks {
		if t.WorkerHash != "" {
			active[t.WorkerHash] = true
		}
	}

	total := len(run.Workers)
	survivors := make([]*model.Worker, 0, len(active))
	for hash, w := range run.Workers {
		if !active[hash] {
			delete(run.Workers, hash)
			continue
		}
		survivors = append(survivors, w)
	}
	sort.Slice(survivors, func(i, j int) bool {
		a, b := survivors[i].FirstConnected(), survivors[j].FirstConnected()
		if a != b {
			return a < b
		}
		return survivors[i].Hash < survivors[j].Hash
	})

	var end float64
	if run.Manager != nil {
		end = run.Manager.TimeEnd
		run.Manager.TotalWorkers = total
		run.Manager.ActiveWorkers = len(survivors)
	}
	for i, w := range survivors {
		w.ID = i + 1
		if missing := len(w.TimeConnected) - len(w.TimeDisconnected); missing > 0 {
			c.anomaly(run, model.AnomalyUnbalancedState, reconcileLog, 0,
				"worker %s: %d connections without disconnect, closed at manager end", w.Hash, missing)
			for ; missing > 0; missing-- {
				w.TimeDisconnected = append(w.TimeDisconnected, end)
			}
		}
	}

	for _, t := range run.Tasks {
		t.WorkerID = workerID(run, t.WorkerHash)
	}
	for _, l := range run.Libraries {
		l.WorkerID = workerID(run, l.WorkerHash)
	}
	for _, f := range run.Files {
		kept := f.Holding[:0]
		for _, h := range f.Holding {
			if id := workerID(run, h.WorkerHash); id > 0 {
				h.WorkerID = id
				kept = append(kept, h)
			}
		}
		f.Holding = kept
		sort.SliceStable(f.Holding, func(i, j int) bool { return f.Holding[i].StageIn < f.Holding[j].StageIn })
	}

	c.log(model.LogLevelInfo, "reconciled workers total=%d active=%d", total, len(survivors))
}

func workerID(run *model.Run, hash string) int {
	if w, ok := run.Workers[hash]; ok {
		return w.ID
	}
	return 0
}
