package correlate

import (
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/msageha/vinetrace/internal/logstream"
	"github.com/msageha/vinetrace/internal/model"
)

const (
	bytesPerMB = 1 << 20
	// debugDateLayout matches the "2006/01/02 15:04:05.000000" prefix of
	// debug lines. Fractional seconds are accepted without being named.
	debugDateLayout = "2006/01/02 15:04:05"
)

// debugState is the transient state of one debug-log pass.
type debugState struct {
	run  *model.Run
	name string

	// addrs maps "ip:port" to the worker hash announced at that address.
	addrs map[string]string
	// putPending is set by a put marker until its file descriptor line.
	putPending bool
	mgrStart   float64
}

// Debug enriches run with worker network identity, per-worker file residency
// and recovery-task marks from the debug log.
func (c *Correlator) Debug(run *model.Run, s *logstream.Stream) error {
	if run == nil || run.Manager == nil {
		return errors.New("debug log requires a correlated transaction log")
	}
	st := &debugState{
		run:      run,
		name:     s.Name,
		addrs:    make(map[string]string),
		mgrStart: run.Manager.TimeStart,
	}
	c.watchProgress(s)

	err := s.Each(func(l logstream.Line) error {
		parts := strings.Fields(l.Text)
		// A put marker pairs with the line right after it, or with nothing.
		if st.putPending {
			st.putPending = false
			if isPutDescriptor(parts) {
				c.put(st, l.No, parts)
				return nil
			}
			c.log(model.LogLevelDebug, "put marker without descriptor log=%s line=%d", st.name, l.No)
		}
		if len(parts) == 0 {
			return nil
		}
		switch {
		case indexOf(parts, "worker-id") >= 0:
			c.workerID(st, l.No, parts)
		case indexOf(parts, "put") >= 0:
			st.putPending = true
		case indexOf(parts, "puturl") >= 0 || indexOf(parts, "puturl_now") >= 0:
			c.putURL(st, l.No, parts)
		case indexOf(parts, "cache-update") >= 0:
			c.cacheUpdate(st, l.No, parts)
		case indexOf(parts, "unlink") >= 0:
			c.unlink(st, l.No, parts)
		case indexOf(parts, "Submitted") >= 0 && indexOf(parts, "recovery") >= 0 && indexOf(parts, "task") >= 0:
			c.recovery(st, l.No, parts)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.finalizeResidency(st)
	run.FilesAnnounced = true
	c.log(model.LogLevelInfo, "debug correlated log=%s addresses=%d files=%d", s.Name, len(st.addrs), len(run.Files))
	return nil
}

func isPutDescriptor(parts []string) bool {
	i := indexOf(parts, "file")
	return i > 0 && strings.HasSuffix(parts[i-1], ":")
}

// parseAddress turns "(10.0.0.1:9123):" into host and port.
func parseAddress(tok string) (string, string, error) {
	tok = strings.TrimPrefix(tok, "(")
	tok = strings.TrimSuffix(tok, ":")
	tok = strings.TrimSuffix(tok, ")")
	return net.SplitHostPort(tok)
}

func (c *Correlator) wallClock(parts []string) (float64, error) {
	if len(parts) < 2 {
		return 0, errors.New("missing date")
	}
	t, err := time.ParseInLocation(debugDateLayout, parts[0]+" "+parts[1], c.location)
	if err != nil {
		return 0, err
	}
	return float64(t.UnixNano()) / 1e9, nil
}

// lookupWorker resolves the address token at parts[i] to a worker.
func (c *Correlator) lookupWorker(st *debugState, line int, parts []string, i int) (*model.Worker, bool) {
	if i < 0 || i >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "missing worker address")
		return nil, false
	}
	host, port, err := parseAddress(parts[i])
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "bad worker address %q", parts[i])
		return nil, false
	}
	hash, ok := st.addrs[net.JoinHostPort(host, port)]
	if !ok {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, line, "no worker announced at %s:%s", host, port)
		return nil, false
	}
	w, ok := st.run.Workers[hash]
	if !ok {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, line, "worker %s missing from transaction log", hash)
		return nil, false
	}
	if w.Disk == nil {
		w.Disk = make(map[string]*model.Residency)
	}
	return w, true
}

func residency(w *model.Worker, name string, sizeMB float64) (*model.Residency, bool) {
	if r, ok := w.Disk[name]; ok {
		return r, true
	}
	r := &model.Residency{
		SizeMB:       sizeMB,
		StartStageIn: []float64{},
		StageIn:      []float64{},
		StageOut:     []float64{},
	}
	w.Disk[name] = r
	return r, false
}

// snapToManager clamps a worker-reported time that is slightly before the
// manager start. Larger gaps are kept and reported.
func (c *Correlator) snapToManager(st *debugState, line int, what string, t float64) float64 {
	if t >= st.mgrStart {
		return t
	}
	if t == 0 || st.mgrStart-t < c.config.Debug.ClockSkewToleranceSec {
		return st.mgrStart
	}
	c.anomaly(st.run, model.AnomalyClockSkew, st.name, line, "%s time %.6f is %.3fs before manager start", what, t, st.mgrStart-t)
	return t
}

func (c *Correlator) workerID(st *debugState, line int, parts []string) {
	i := indexOf(parts, "worker-id")
	if i < 3 || i+1 >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "truncated worker-id announcement")
		return
	}
	host, port, err := parseAddress(parts[i-2])
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "bad worker address %q", parts[i-2])
		return
	}
	hash := parts[i+1]
	st.addrs[net.JoinHostPort(host, port)] = hash
	w, ok := st.run.Workers[hash]
	if !ok {
		c.log(model.LogLevelDebug, "worker-id for worker absent from transactions hash=%s line=%d", hash, line)
		return
	}
	w.MachineName = parts[i-3]
	w.IP = host
	w.Port = port
}

func (c *Correlator) put(st *debugState, line int, parts []string) {
	i := indexOf(parts, "file")
	if i+4 >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "truncated put descriptor")
		return
	}
	size, err1 := strconv.ParseInt(parts[i+2], 10, 64)
	start, err2 := strconv.ParseFloat(parts[i+4], 64)
	if err := errors.Join(err1, err2); err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "put descriptor: %v", err)
		return
	}
	w, ok := c.lookupWorker(st, line, parts, i-1)
	if !ok {
		return
	}
	name := parts[i+1]
	sizeMB := float64(size) / bytesPerMB
	start = c.snapToManager(st, line, "put start", start)

	r, existed := residency(w, name, sizeMB)
	if existed && r.SizeMB != sizeMB {
		c.log(model.LogLevelDebug, "size mismatch file=%s worker=%s known=%.6f put=%.6f", name, w.Hash, r.SizeMB, sizeMB)
	}
	// Manager puts complete synchronously: the start is also the stage-in.
	r.StartStageIn = append(r.StartStageIn, start)
	r.StageIn = append(r.StageIn, start)
}

func (c *Correlator) putURL(st *debugState, line int, parts []string) {
	i := indexOf(parts, "puturl")
	if i < 0 {
		i = indexOf(parts, "puturl_now")
	}
	if i+4 >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "truncated puturl")
		return
	}
	size, err := strconv.ParseInt(parts[i+4], 10, 64)
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "puturl size: %v", err)
		return
	}
	ts, err := c.wallClock(parts)
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "puturl date: %v", err)
		return
	}
	w, ok := c.lookupWorker(st, line, parts, i-1)
	if !ok {
		return
	}
	r, _ := residency(w, parts[i+2], float64(size)/bytesPerMB)
	r.StartStageIn = append(r.StartStageIn, ts)
}

// cacheUpdate handles "cache-update name type level size mtime wall_us start_us".
func (c *Correlator) cacheUpdate(st *debugState, line int, parts []string) {
	i := indexOf(parts, "cache-update")
	if i+7 >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "truncated cache-update")
		return
	}
	size, err1 := strconv.ParseInt(parts[i+4], 10, 64)
	wall, err2 := strconv.ParseFloat(parts[i+6], 64)
	start, err3 := strconv.ParseFloat(parts[i+7], 64)
	if err := errors.Join(err1, err2, err3); err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "cache-update: %v", err)
		return
	}
	w, ok := c.lookupWorker(st, line, parts, i-1)
	if !ok {
		return
	}
	wall /= 1e6
	start = c.snapToManager(st, line, "cache-update start", start/1e6)

	r, _ := residency(w, parts[i+1], float64(size)/bytesPerMB)
	// Without a preceding puturl the start is first seen here.
	if len(r.StartStageIn) <= len(r.StageIn) {
		r.StartStageIn = append(r.StartStageIn, start)
	}
	r.StageIn = append(r.StageIn, start+wall)
}

// backfillStageIn completes url stage-ins whose cache-update never arrived,
// using the announced start as the stage-in time.
func backfillStageIn(r *model.Residency) {
	for len(r.StageIn) < len(r.StartStageIn) {
		r.StageIn = append(r.StageIn, r.StartStageIn[len(r.StageIn)])
	}
}

func (c *Correlator) unlink(st *debugState, line int, parts []string) {
	i := indexOf(parts, "unlink")
	if i+1 >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "truncated unlink")
		return
	}
	ts, err := c.wallClock(parts)
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "unlink date: %v", err)
		return
	}
	w, ok := c.lookupWorker(st, line, parts, i-1)
	if !ok {
		return
	}
	name := parts[i+1]
	r, ok := w.Disk[name]
	if !ok {
		c.anomaly(st.run, model.AnomalyUnbalancedState, st.name, line, "unlink of %s on worker %s that was never staged in", name, w.Hash)
		return
	}
	backfillStageIn(r)
	if len(r.StageOut) >= len(r.StageIn) {
		c.anomaly(st.run, model.AnomalyUnbalancedState, st.name, line, "unlink of %s on worker %s without open stage-in", name, w.Hash)
		return
	}
	r.StageOut = append(r.StageOut, ts)
	f := st.run.EnsureFile(name, r.SizeMB)
	f.Holding = append(f.Holding, model.Holding{
		WorkerHash: w.Hash,
		StageIn:    r.StageIn[len(r.StageOut)-1],
		StageOut:   ts,
	})
}

func (c *Correlator) recovery(st *debugState, line int, parts []string) {
	i := indexOf(parts, "task")
	if i+1 >= len(parts) {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "recovery submission without task id")
		return
	}
	taskID, err := strconv.Atoi(strings.TrimSuffix(parts[i+1], ","))
	if err != nil {
		c.anomaly(st.run, model.AnomalyMalformedLine, st.name, line, "recovery task id %q", parts[i+1])
		return
	}
	attempts := st.run.Attempts(taskID)
	if len(attempts) == 0 {
		c.anomaly(st.run, model.AnomalyUnknownReference, st.name, line, "recovery submission of unknown task %d", taskID)
		return
	}
	for _, t := range attempts {
		t.IsRecoveryTask = true
		t.Category = "recovery_task"
	}
}

// finalizeResidency announces every staged file and closes residencies still
// open at the end of the log with an implicit stage-out at manager end.
func (c *Correlator) finalizeResidency(st *debugState) {
	end := st.run.Manager.TimeEnd
	hashes := make([]string, 0, len(st.run.Workers))
	for h := range st.run.Workers {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)

	for _, h := range hashes {
		w := st.run.Workers[h]
		names := make([]string, 0, len(w.Disk))
		for name := range w.Disk {
			names = append(names, name)
		}
		sort.Strings(names)

		pending := 0
		for _, name := range names {
			r := w.Disk[name]
			f := st.run.EnsureFile(name, r.SizeMB)
			backfillStageIn(r)
			for len(r.StageOut) < len(r.StageIn) {
				f.Holding = append(f.Holding, model.Holding{
					WorkerHash: h,
					StageIn:    r.StageIn[len(r.StageOut)],
					StageOut:   end,
				})
				r.StageOut = append(r.StageOut, end)
				pending++
			}
		}
		if pending > 0 {
			c.anomaly(st.run, model.AnomalyUnbalancedState, st.name, 0,
				"worker %s: %d residencies still open at manager end", h, pending)
		}
	}
}
