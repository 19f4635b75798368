package correlate

import (
	"bytes"
	"log"
	"strings"
	"testing"

	"github.com/msageha/vinetrace/internal/logstream"
	"github.com/msageha/vinetrace/internal/model"
)

// managerStart is 2024/01/02 10:00:00 America/New_York.
const managerStart = 1704207600.0

func newTestCorrelator(t *testing.T) (*Correlator, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	c, err := New(model.DefaultConfig(), log.New(&buf, "", 0), model.LogLevelDebug)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, &buf
}

func newStream(t *testing.T, name string, lines ...string) *logstream.Stream {
	t.Helper()
	s, err := logstream.Read(name, strings.NewReader(strings.Join(lines, "\n")+"\n"))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return s
}

func mustTransactions(t *testing.T, c *Correlator, lines ...string) *model.Run {
	t.Helper()
	run, err := c.Transactions(newStream(t, "transactions", lines...))
	if err != nil {
		t.Fatalf("Transactions: %v", err)
	}
	return run
}

func anomaliesOf(run *model.Run, kind model.AnomalyKind) []model.Anomaly {
	var out []model.Anomaly
	for _, a := range run.Anomalies {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}

// baseTransactions is a finished run with one four-core worker and two tasks
// where task 1 produces data for task 2.
var baseTransactions = []string{
	"# time manager_pid MANAGER START|END",
	"1704207600000000 100 MANAGER 100 START",
	"1704207601000000 100 WORKER worker-a CONNECTION 10.0.0.1:9000",
	`1704207601100000 100 WORKER worker-a RESOURCES {"cores":[4,"cores"],"memory":[8000,"MB"],"disk":[20000,"MB"]}`,
	"1704207601200000 100 WORKER worker-b CONNECTION 10.0.0.2:9000",
	`1704207601300000 100 WORKER worker-b RESOURCES {"cores":[2,"cores"],"memory":[4000,"MB"],"disk":[10000,"MB"]}`,
	`1704207602000000 100 TASK 1 READY produce FIRST_RESOURCES {"cores":[1,"cores"],"memory":[100,"MB"]}`,
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
