package correlate

import (
	"errors"
	"strconv"
	"strings"

	"github.com/msageha/vinetrace/internal/logstream"
	"github.com/msageha/vinetrace/internal/model"
	"github.com/msageha/vinetrace/internal/payload"
)

// txnState is the transient state of one transaction-log pass.
type txnState struct {
	run  *model.Run
	name string

	// coremap holds per-worker core occupancy, slots 1..cores.
	coremap map[string][]bool
	// released marks attempts whose core slots went back to the worker.
	released map[model.TaskKey]bool

	events int
	first  float64
}

// txnEvent is one parsed transaction-log line.
type txnEvent struct {
	line     int
	ts       float64
	category string
	objID    string
	status   string
	info     string
}

// Transactions correlates the transaction log into a new Run.
//
// Lines are "timestamp [pid] CATEGORY id STATUS [info]" with the timestamp in
// microseconds. Malformed lines are recorded as anomalies and skipped.
func (c *Correlator) Transactions(s *logstream.Stream) (*model.Run, error) {
	st := &txnState{
		run:      model.NewRun(),
		name:     s.Name,
		coremap:  make(map[string][]bool),
		released: make(map[model.TaskKey]bool),
	}
	c.watchProgress(s)

	err := s.Each(func(l logstream.Line) error {
		ev, ok := c.parseTxnLine(st, l)
		if !ok {
			return nil
		}
		if st.events == 0 {
			st.first = ev.ts
		}
		st.events++
		if ev.ts > st.run.LastTimestamp {
			st.run.LastTimestamp = ev.ts
		}
		switch ev.category {
		case "TASK":
			c.taskEvent(st, ev)
		case "WORKER":
			c.workerEvent(st, ev)
		case "LIBRARY":
			c.libraryEvent(st, ev)
		case "MANAGER":
			c.managerEvent(st, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if st.events == 0 {
		return nil, &LineError{Log: s.Name, Line: s.Len(), Err: ErrNoEvents}
	}

	c.closeManager(st)
	c.log(model.LogLevelInfo, "transactions correlated log=%s events=%d tasks=%d libraries=%d workers=%d",
		s.Name, st.events, len(st.run.Tasks), len(st.run.Libraries), len(st.run.Workers))
	return st.run, nil
}

func (c *Correlator) parseTxnLine(st *txnState, l logstream.Line) (txnEvent, bool) {
	text := strings.TrimSpace(l.Text)
	if text == "" || strings.HasPrefix(text, "#") {
		return txnEvent{}, false
	}

	tsTok, rest := nextField(text)
	micros, err := strconv.ParseFloat(tsTok, 64)
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, l.No, "unparsable timestamp %q", tsTok)
		return txnEvent{}, false
	}

	// The manager pid between timestamp and category is optional.
	if tok, after := nextField(rest); isDigits(tok) {
		rest = after
	}
	category, rest := nextField(rest)
	objID, rest := nextField(rest)
	status, rest := nextField(rest)
	if category == "" || objID == "" || status == "" {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, l.No, "expected CATEGORY id STATUS")
		return txnEvent{}, false
	}
	return txnEvent{
		line:     l.No,
		ts:       micros / 1e6,
		category: category,
		objID:    objID,
		status:   status,
		info:     strings.TrimSpace(rest),
	}, true
}

func (c *Correlator) payloadAnomaly(st *txnState, ev txnEvent, err error) {
	if err == nil {
		return
	}
	c.anomaly(st.run, model.AnomalyPayload, st.name, ev.line, "%s %s %s: %v", ev.category, ev.objID, ev.status, err)
}

func (c *Correlator) taskEvent(st *txnState, ev txnEvent) {
	taskID, err := strconv.Atoi(ev.objID)
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, ev.line, "task id %q is not an integer", ev.objID)
		return
	}
	switch ev.status {
	case "READY":
		c.taskReady(st, ev, taskID)
	case "RUNNING":
		if task, ok := st.run.CurrentTask(taskID); ok {
			c.taskRunning(st, ev, task)
		} else {
			c.libraryRunning(st, ev, taskID)
		}
	case "WAITING_RETRIEVAL":
		if task, ok := st.run.CurrentTask(taskID); ok {
			task.WhenWaitingRetrieval = ev.ts
			c.releaseCores(st, ev, task)
		}
	case "RETRIEVED":
		c.taskRetrieved(st, ev, taskID)
	case "DONE":
		c.taskDone(st, ev, taskID)
	}
}

func (c *Correlator) taskReady(st *txnState, ev txnEvent, taskID int) {
	run := st.run
	if prev, ok := run.CurrentTask(taskID); ok {
		prev.WhenNextReady = ev.ts
		c.releaseCores(st, ev, prev)
	}
	run.TryCount[taskID]++
	tryID := run.TryCount[taskID]

	category, _ := nextField(ev.info)
	if category == "" || strings.HasPrefix(category, "{") {
		category = "unknown"
	}
	res, err := payload.ParseResources(ev.info)
	c.payloadAnomaly(st, ev, err)

	run.Tasks[model.TaskKey{TaskID: taskID, TryID: tryID}] = &model.Task{
		TaskID:            taskID,
		TryID:             tryID,
		Category:          category,
		WhenReady:         ev.ts,
		CoresRequested:    res.Cores,
		GPUsRequested:     res.GPUs,
		MemoryRequestedMB: res.MemoryMB,
		DiskRequestedMB:   res.DiskMB,
		InputFiles:        []string{},
		OutputFiles:       []string{},
	}
}

func (c *Correlator) taskRunning(st *txnState, ev txnEvent, task *model.Task) {
	hash, _ := nextField(ev.info)
	commit, err := payload.ParseCommit(ev.info)
	c.payloadAnomaly(st, ev, err)

	// A re-dispatch of the same attempt gives its previous slots back first.
	if len(task.CoreIDs) > 0 {
		c.releaseCores(st, ev, task)
		task.CoreIDs = nil
	}

	task.WhenRunning = ev.ts
	task.WorkerHash = hash
	task.TimeCommitStart = commit.TimeCommitStart
	task.TimeCommitEnd = commit.TimeCommitEnd
	task.SizeInputMgr = commit.SizeInputMgr

	if _, ok := st.run.Workers[hash]; !ok {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, ev.line, "task %d running on unknown worker %s", task.TaskID, hash)
	}
	slots, ok := st.coremap[hash]
	if !ok {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, ev.line, "worker %s has no reported cores", hash)
		return
	}
	for i := 1; i < len(slots) && len(task.CoreIDs) < task.CoresRequested; i++ {
		if !slots[i] {
			slots[i] = true
			task.CoreIDs = append(task.CoreIDs, i)
		}
	}
	st.released[task.Key()] = false
	if len(task.CoreIDs) < task.CoresRequested {
		c.log(model.LogLevelDebug, "short core assignment task=%d try=%d worker=%s requested=%d assigned=%d",
			task.TaskID, task.TryID, hash, task.CoresRequested, len(task.CoreIDs))
	}
}

func (c *Correlator) releaseCores(st *txnState, ev txnEvent, task *model.Task) {
	key := task.Key()
	if released, ok := st.released[key]; !ok || released {
		return
	}
	st.released[key] = true
	slots := st.coremap[task.WorkerHash]
	for _, i := range task.CoreIDs {
		if i >= len(slots) || !slots[i] {
			c.anomaly(st.run, model.AnomalyUnbalancedState, st.name, ev.line,
				"core slot %d of worker %s released while free", i, task.WorkerHash)
			continue
		}
		slots[i] = false
	}
}

func (c *Correlator) taskRetrieved(st *txnState, ev txnEvent, taskID int) {
	task, ok := st.run.CurrentTask(taskID)
	if !ok {
		if lib, ok := st.run.Libraries[taskID]; ok {
			lib.WhenRetrieved = ev.ts
			return
		}
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, ev.line, "retrieval of unknown task %d", taskID)
		return
	}
	task.WhenRetrieved = ev.ts
	task.RetrievedStatus = ev.status
	if tok, _ := nextField(ev.info); tok != "" && !strings.HasPrefix(tok, "{") {
		task.RetrievedStatus = tok
	}
	r, err := payload.ParseRetrieval(ev.info)
	if !errors.Is(err, payload.ErrNoPayload) {
		c.payloadAnomaly(st, ev, err)
	}
	task.TimeWorkerStart = r.TimeWorkerStart
	task.TimeWorkerEnd = r.TimeWorkerEnd
	task.SizeOutputMgr = r.SizeOutputMgr
}

func (c *Correlator) taskDone(st *txnState, ev txnEvent, taskID int) {
	task, ok := st.run.CurrentTask(taskID)
	if !ok {
		if _, ok := st.run.Libraries[taskID]; !ok {
			c.anomaly(st.run, model.AnomalyUnknownReference, st.name, ev.line, "done for unknown task %d", taskID)
		}
		return
	}
	task.WhenDone = ev.ts
	status, rest := nextField(ev.info)
	code, _ := nextField(rest)
	task.DoneStatus = status
	task.DoneCode = code
	c.releaseCores(st, ev, task)

	if task.WorkerHash == "" {
		return
	}
	if w, ok := st.run.Workers[task.WorkerHash]; ok {
		w.TasksCompleted++
	} else {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, ev.line, "task %d done on unknown worker %s", taskID, task.WorkerHash)
	}
}

func (c *Correlator) libraryRunning(st *txnState, ev txnEvent, taskID int) {
	hash, _ := nextField(ev.info)
	commit, err := payload.ParseCommit(ev.info)
	c.payloadAnomaly(st, ev, err)
	st.run.Libraries[taskID] = &model.Library{
		TaskID:            taskID,
		WhenRunning:       ev.ts,
		TimeCommitStart:   commit.TimeCommitStart,
		TimeCommitEnd:     commit.TimeCommitEnd,
		WorkerHash:        hash,
		SizeInputMgr:      commit.SizeInputMgr,
		CoresRequested:    commit.Cores,
		GPUsRequested:     commit.GPUs,
		MemoryRequestedMB: commit.MemoryMB,
		DiskRequestedMB:   commit.DiskMB,
	}
}

func (c *Correlator) libraryEvent(st *txnState, ev txnEvent) {
	if ev.status != "SENT" && ev.status != "STARTED" {
		return
	}
	taskID, err := strconv.Atoi(ev.objID)
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, ev.line, "library id %q is not an integer", ev.objID)
		return
	}
	lib, ok := st.run.Libraries[taskID]
	if !ok {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, ev.line, "library %d %s before running", taskID, ev.status)
		return
	}
	if ev.status == "SENT" {
		lib.WhenSent = ev.ts
	} else {
		lib.WhenStarted = ev.ts
	}
}

func (c *Correlator) workerEvent(st *txnState, ev txnEvent) {
	// Other WORKER objects are addresses of workers not yet identified.
	if !strings.HasPrefix(ev.objID, "worker") {
		return
	}
	run := st.run
	w, known := run.Workers[ev.objID]
	switch ev.status {
	case "CONNECTION":
		if !known {
			run.Workers[ev.objID] = &model.Worker{
				Hash:             ev.objID,
				TimeConnected:    []float64{ev.ts},
				TimeDisconnected: []float64{},
				Disk:             make(map[string]*model.Residency),
			}
			return
		}
		if len(w.TimeConnected) > len(w.TimeDisconnected) {
			c.anomaly(run, model.AnomalyUnbalancedState, st.name, ev.line, "worker %s reconnected without disconnecting", ev.objID)
			w.TimeDisconnected = append(w.TimeDisconnected, ev.ts)
		}
		w.TimeConnected = append(w.TimeConnected, ev.ts)
	case "DISCONNECTION":
		if !known {
			c.anomaly(run, model.AnomalyUnknownReference, st.name, ev.line, "disconnection of unknown worker %s", ev.objID)
			return
		}
		if len(w.TimeDisconnected) >= len(w.TimeConnected) {
			c.anomaly(run, model.AnomalyUnbalancedState, st.name, ev.line, "worker %s disconnected more often than connected", ev.objID)
			return
		}
		w.TimeDisconnected = append(w.TimeDisconnected, ev.ts)
	case "RESOURCES":
		if !known {
			c.anomaly(run, model.AnomalyUnknownReference, st.name, ev.line, "resources of unknown worker %s", ev.objID)
			return
		}
		if w.HasResources {
			return
		}
		capacity, err := payload.ParseCapacity(ev.info)
		c.payloadAnomaly(st, ev, err)
		w.HasResources = true
		w.Cores = capacity.Cores
		w.MemoryMB = capacity.MemoryMB
		w.DiskMB = capacity.DiskMB
		st.coremap[ev.objID] = make([]bool, max(capacity.Cores, 0)+1)
	}
}

func (c *Correlator) managerEvent(st *txnState, ev txnEvent) {
	run := st.run
	switch ev.status {
	case "START":
		if run.Manager != nil {
			c.anomaly(run, model.AnomalyUnbalancedState, st.name, ev.line, "manager started twice")
		}
		run.Manager = &model.Manager{TimeStart: ev.ts}
	case "END":
		if run.Manager == nil {
			c.anomaly(run, model.AnomalyUnbalancedState, st.name, ev.line, "manager ended without start")
			run.Manager = &model.Manager{TimeStart: ev.ts}
		}
		run.Manager.TimeEnd = ev.ts
		run.Manager.Lifetime = round(ev.ts-run.Manager.TimeStart, 2)
	}
}

// closeManager fills in a run whose manager never logged END.
func (c *Correlator) closeManager(st *txnState) {
	run := st.run
	if run.Manager == nil {
		c.anomaly(run, model.AnomalyUnbalancedState, st.name, 0, "manager start not found")
		run.Manager = &model.Manager{TimeStart: st.first}
	}
	if run.Manager.TimeEnd == 0 {
		run.Manager.TimeEnd = run.LastTimestamp
		run.Manager.Lifetime = round(run.Manager.TimeEnd-run.Manager.TimeStart, 2)
		run.Manager.Failed = true
		c.log(model.LogLevelWarn, "manager end not found log=%s end=%.6f", st.name, run.Manager.TimeEnd)
	}
}
