package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/vinetrace/internal/model"
)

func addTask(run *model.Run, t *model.Task) *model.Task {
	run.Tasks[t.Key()] = t
	if t.TryID > run.TryCount[t.TaskID] {
		run.TryCount[t.TaskID] = t.TryID
	}
	for _, name := range t.OutputFiles {
		f := run.EnsureFile(name, 0)
		f.Producers = append(f.Producers, t.TaskID)
	}
	for _, name := range t.InputFiles {
		f := run.EnsureFile(name, 0)
		f.Consumers = append(f.Consumers, t.TaskID)
	}
	return t
}

func fixtureRun() *model.Run {
	run := model.NewRun()
	run.Manager = &model.Manager{TimeStart: 0, TimeEnd: 100}
	run.Workers["wa"] = &model.Worker{
		Hash: "wa", ID: 1, DiskMB: 200, TasksCompleted: 2,
		TimeConnected: []float64{1}, TimeDisconnected: []float64{50},
		Disk: map[string]*model.Residency{
			"a.txt": {SizeMB: 40, StageIn: []float64{5}, StageOut: []float64{30}},
			"b.txt": {SizeMB: 60, StageIn: []float64{10}, StageOut: []float64{30}},
			"c.txt": {SizeMB: 10, StageIn: []float64{30}, StageOut: []float64{40}},
		},
	}
	run.Workers["wb"] = &model.Worker{
		Hash: "wb", ID: 2,
		TimeConnected: []float64{2, 60}, TimeDisconnected: []float64{40, 100},
	}

	addTask(run, &model.Task{
		TaskID: 1, TryID: 1, Category: "produce", WorkerHash: "wa", WorkerID: 1,
		WhenReady: 2, WhenRunning: 3, TimeWorkerStart: 4, TimeWorkerEnd: 8,
		WhenWaitingRetrieval: 9, WhenRetrieved: 10, WhenDone: 11,
		OutputFiles: []string{"a.txt"},
	})
	addTask(run, &model.Task{
		TaskID: 2, TryID: 1, Category: "produce", WorkerHash: "wa", WorkerID: 1,
		WhenReady: 2, WhenRunning: 4, TimeWorkerStart: 5, TimeWorkerEnd: 12,
		WhenWaitingRetrieval: 13, WhenRetrieved: 14, WhenDone: 15,
		OutputFiles: []string{"b.txt"},
	})
	addTask(run, &model.Task{
		TaskID: 3, TryID: 1, Category: "consume", WorkerHash: "wb", WorkerID: 2,
		WhenReady: 16, WhenRunning: 17, WhenNextReady: 20,
		InputFiles: []string{"a.txt", "b.txt"},
	})
	addTask(run, &model.Task{
		TaskID: 3, TryID: 2, Category: "consume", WorkerHash: "wb", WorkerID: 2,
		WhenReady: 20, WhenRunning: 21, TimeWorkerStart: 22, TimeWorkerEnd: 30,
		WhenWaitingRetrieval: 31, WhenRetrieved: 32, WhenDone: 33,
		InputFiles: []string{"a.txt", "b.txt"}, OutputFiles: []string{"c.txt"},
	})
	addTask(run, &model.Task{TaskID: 4, TryID: 1, Category: "consume", WhenReady: 40})

	run.Files["a.txt"].SizeMB = 40
	run.Files["b.txt"].SizeMB = 60
	run.Files["c.txt"].SizeMB = 10
	run.AddAnomaly(model.Anomaly{Kind: model.AnomalyClockSkew, Log: "debug", Message: "x"})
	return run
}

func TestCompute_ManagerCounters(t *testing.T) {
	run := fixtureRun()
	s := Compute(run)

	m := run.Manager
	if m.TasksSubmitted != 4 {
		t.Errorf("TasksSubmitted = %d, want 4", m.TasksSubmitted)
	}
	if m.TasksDone != 3 {
		t.Errorf("TasksDone = %d, want 3", m.TasksDone)
	}
	if m.TasksFailedOnManager != 1 {
		t.Errorf("TasksFailedOnManager = %d, want 1", m.TasksFailedOnManager)
	}
	if m.TasksFailedOnWorker != 1 {
		t.Errorf("TasksFailedOnWorker = %d, want 1", m.TasksFailedOnWorker)
	}
	if m.MaxTaskTryCount != 2 {
		t.Errorf("MaxTaskTryCount = %d, want 2", m.MaxTaskTryCount)
	}
	if m.MaxConcurrentWorkers != 2 {
		t.Errorf("MaxConcurrentWorkers = %d, want 2", m.MaxConcurrentWorkers)
	}
	assert.Equal(t, *m, s.Manager)
	assert.Equal(t, 1, s.Anomalies[model.AnomalyClockSkew])
}

func TestCompute_CriticalParentPicksSmallestWait(t *testing.T) {
	run := fixtureRun()
	Compute(run)

	task := run.Tasks[model.TaskKey{TaskID: 3, TryID: 2}]
	// task 1 ended at 8 (wait 14), task 2 at 12 (wait 10)
	assert.Equal(t, 2, task.CriticalParent)
	assert.Equal(t, "b.txt", task.CriticalInputFile)
	assert.InDelta(t, 10.0, task.CriticalInputFileWait, 1e-9)
	assert.InDelta(t, 100.0, task.SizeInputFilesMB, 1e-9)
	assert.InDelta(t, 10.0, task.SizeOutputFilesMB, 1e-9)

	failed := run.Tasks[model.TaskKey{TaskID: 3, TryID: 1}]
	assert.Zero(t, failed.CriticalParent, "attempt without a worker start has no critical parent")

	producer := run.Tasks[model.TaskKey{TaskID: 1, TryID: 1}]
	assert.Zero(t, producer.CriticalParent)
	assert.InDelta(t, 40.0, producer.SizeOutputFilesMB, 1e-9)
}

func TestCompute_CriticalParentIgnoresLateProducers(t *testing.T) {
	run := model.NewRun()
	run.Manager = &model.Manager{TimeEnd: 50}
	addTask(run, &model.Task{TaskID: 1, TryID: 1, WhenDone: 20, TimeWorkerStart: 1, TimeWorkerEnd: 15, OutputFiles: []string{"f"}})
	addTask(run, &model.Task{TaskID: 2, TryID: 1, WhenDone: 20, TimeWorkerStart: 10, TimeWorkerEnd: 12, InputFiles: []string{"f"}})

	Compute(run)
	consumer := run.Tasks[model.TaskKey{TaskID: 2, TryID: 1}]
	assert.Zero(t, consumer.CriticalParent)
	assert.Empty(t, consumer.CriticalInputFile)
}

func TestCompute_CriticalParentOnlyForDoneAttempts(t *testing.T) {
	run := model.NewRun()
	run.Manager = &model.Manager{TimeEnd: 50}
	addTask(run, &model.Task{TaskID: 1, TryID: 1, WhenRunning: 1, WhenDone: 10, TimeWorkerStart: 2, TimeWorkerEnd: 8, OutputFiles: []string{"f"}})
	// retrieved after a worker start but never done
	addTask(run, &model.Task{
		TaskID: 2, TryID: 1, WhenReady: 9, WhenRunning: 10, TimeWorkerStart: 12, TimeWorkerEnd: 14,
		WhenRetrieved: 15, InputFiles: []string{"f"},
	})

	Compute(run)
	failed := run.Tasks[model.TaskKey{TaskID: 2, TryID: 1}]
	require.False(t, failed.IsDone())
	assert.Zero(t, failed.CriticalParent)
	assert.Empty(t, failed.CriticalInputFile)
	assert.Zero(t, failed.CriticalInputFileWait)
}

func TestCompute_Categories(t *testing.T) {
	s := Compute(fixtureRun())

	require.Len(t, s.Categories, 3)
	total := s.Categories[0]
	assert.Equal(t, TotalCategory, total.Category)
	assert.Equal(t, 4, total.Submitted)
	assert.Equal(t, 5, total.Ready)
	assert.Equal(t, 4, total.Running)
	assert.Equal(t, 3, total.Done)
	assert.Equal(t, 2, total.Workers)

	// equal submitted counts fall back to name order
	assert.Equal(t, "consume", s.Categories[1].Category)
	assert.Equal(t, 2, s.Categories[1].Submitted)
	assert.Equal(t, 1, s.Categories[1].Workers)
	assert.Equal(t, "produce", s.Categories[2].Category)
}

func TestCompute_WorkerPeakDisk(t *testing.T) {
	run := fixtureRun()
	s := Compute(run)

	require.Len(t, s.Workers, 2)
	wa := s.Workers[0]
	assert.Equal(t, 1, wa.ID)
	// a+b resident until 30, where both leave before c arrives
	assert.InDelta(t, 100.0, wa.PeakDiskUsageMB, 1e-9)
	assert.InDelta(t, 50.0, wa.PeakDiskUsagePct, 1e-9)
	assert.InDelta(t, 49.0, wa.ConnectedSeconds, 1e-9)
	assert.InDelta(t, 5.5, wa.AvgTaskRuntime, 1e-9)
	assert.InDelta(t, 100.0, run.Workers["wa"].PeakDiskUsageMB, 1e-9)

	wb := s.Workers[1]
	assert.Zero(t, wb.PeakDiskUsageMB)
	assert.Zero(t, wb.PeakDiskUsagePct)
	assert.InDelta(t, 78.0, wb.ConnectedSeconds, 1e-9)
	assert.InDelta(t, 8.0, wb.AvgTaskRuntime, 1e-9)
}

func TestCompute_MaxConcurrentTasks(t *testing.T) {
	s := Compute(fixtureRun())
	// tasks 1 and 2 overlap in [4, 9)
	assert.Equal(t, 2, s.MaxConcurrentTasks)
}

func TestSweep_DecrementsFirstAtEqualTimes(t *testing.T) {
	got := sweep([]sweepEvent{{1, 1}, {5, 1}, {5, -1}, {9, -1}})
	assert.InDelta(t, 1.0, got, 1e-9)
}

func TestCompute_NilManager(t *testing.T) {
	run := model.NewRun()
	s := Compute(run)
	require.NotNil(t, run.Manager)
	assert.Zero(t, s.Manager.TasksSubmitted)
	require.Len(t, s.Categories, 1)
	assert.Equal(t, TotalCategory, s.Categories[0].Category)
}
