package model

import (
	"fmt"
	"sort"
)

// AnomalyKind classifies a recoverable inconsistency found while correlating.
type AnomalyKind string

const (
	AnomalyMalformedLine    AnomalyKind = "malformed_line"
	AnomalyUnknownReference AnomalyKind = "unknown_reference"
	AnomalyUnbalancedState  AnomalyKind = "unbalanced_state"
	AnomalyClockSkew        AnomalyKind = "clock_skew"
	AnomalyPayload          AnomalyKind = "payload"
)

// Anomaly is a warning-level finding. It never aborts correlation.
type Anomaly struct {
	Kind    AnomalyKind `yaml:"kind" json:"kind"`
	Log     string      `yaml:"log" json:"log"`
	Line    int         `yaml:"line,omitempty" json:"line,omitempty"`
	Message string      `yaml:"message" json:"message"`
}

func (a Anomaly) String() string {
	if a.Line > 0 {
		return fmt.Sprintf("%s %s:%d %s", a.Kind, a.Log, a.Line, a.Message)
	}
	return fmt.Sprintf("%s %s %s", a.Kind, a.Log, a.Message)
}

// Run holds every entity reconstructed from one run's logs. It is created by
// the transaction-log pass and mutated in place by the later passes.
type Run struct {
	Tasks     map[TaskKey]*Task
	TryCount  map[int]int
	Libraries map[int]*Library
	Workers   map[string]*Worker
	Files     map[string]*File
	Manager   *Manager

	Anomalies []Anomaly

	// LastTimestamp is the latest transaction-log timestamp seen.
	LastTimestamp float64

	// FilesAnnounced is set once the debug log has been correlated. Until
	// then the set of known files is incomplete.
	FilesAnnounced bool
}

// NewRun returns an empty Run.
func NewRun() *Run {
	return &Run{
		Tasks:     make(map[TaskKey]*Task),
		TryCount:  make(map[int]int),
		Libraries: make(map[int]*Library),
		Workers:   make(map[string]*Worker),
		Files:     make(map[string]*File),
	}
}

// CurrentTask returns the latest attempt of taskID.
func (r *Run) CurrentTask(taskID int) (*Task, bool) {
	try, ok := r.TryCount[taskID]
	if !ok {
		return nil, false
	}
	t, ok := r.Tasks[TaskKey{TaskID: taskID, TryID: try}]
	return t, ok
}

// Attempts returns every attempt of taskID ordered by try id.
func (r *Run) Attempts(taskID int) []*Task {
	var out []*Task
	for try := 1; try <= r.TryCount[taskID]; try++ {
		if t, ok := r.Tasks[TaskKey{TaskID: taskID, TryID: try}]; ok {
			out = append(out, t)
		}
	}
	return out
}

// TaskList returns all attempts ordered by (task id, try id).
func (r *Run) TaskList() []*Task {
	out := make([]*Task, 0, len(r.Tasks))
	for _, t := range r.Tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TaskID != out[j].TaskID {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].TryID < out[j].TryID
	})
	return out
}

// LibraryList returns libraries ordered by task id.
func (r *Run) LibraryList() []*Library {
	out := make([]*Library, 0, len(r.Libraries))
	for _, l := range r.Libraries {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// WorkerList returns workers ordered by sequential id, then hash.
func (r *Run) WorkerList() []*Worker {
	out := make([]*Worker, 0, len(r.Workers))
	for _, w := range r.Workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// FileList returns files ordered by name.
func (r *Run) FileList() []*File {
	out := make([]*File, 0, len(r.Files))
	for _, f := range r.Files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnsureFile returns the named file, creating it with sizeMB on first sight.
func (r *Run) EnsureFile(name string, sizeMB float64) *File {
	if f, ok := r.Files[name]; ok {
		return f
	}
	f := &File{Name: name, SizeMB: sizeMB, Producers: []int{}, Consumers: []int{}, Holding: []Holding{}}
	r.Files[name] = f
	return f
}

// AddAnomaly records a recoverable finding.
func (r *Run) AddAnomaly(a Anomaly) {
	r.Anomalies = append(r.Anomalies, a)
}

// AnomalyCounts tallies anomalies per kind.
func (r *Run) AnomalyCounts() map[AnomalyKind]int {
	out := make(map[AnomalyKind]int)
	for _, a := range r.Anomalies {
		out[a.Kind]++
	}
	return out
}
