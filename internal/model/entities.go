// Package model defines the entities reconstructed from a run's logs and the
// analyzer configuration.
//
// Timestamps are seconds since the epoch as float64. A zero timestamp means the
// event was never observed for that entity.
package model

// TaskKey identifies one attempt of a task.
type TaskKey struct {
	TaskID int
	TryID  int
}

// Task is a single attempt of a task id. A task re-submitted after failure
// gets a new Task with TryID+1.
type Task struct {
	TaskID   int    `yaml:"task_id" json:"task_id"`
	TryID    int    `yaml:"try_id" json:"try_id"`
	Category string `yaml:"category" json:"category"`

	// WorkerHash references the committed worker by identity; WorkerID is the
	// sequential id assigned during reconciliation (0 when unassigned).
	WorkerHash string `yaml:"worker_committed,omitempty" json:"worker_committed,omitempty"`
	WorkerID   int    `yaml:"worker_id" json:"worker_id"`
	CoreIDs    []int  `yaml:"core_id,omitempty" json:"core_id,omitempty"`

	WhenReady            float64 `yaml:"when_ready" json:"when_ready"`
	TimeCommitStart      float64 `yaml:"time_commit_start,omitempty" json:"time_commit_start,omitempty"`
	TimeCommitEnd        float64 `yaml:"time_commit_end,omitempty" json:"time_commit_end,omitempty"`
	WhenRunning          float64 `yaml:"when_running,omitempty" json:"when_running,omitempty"`
	TimeWorkerStart      float64 `yaml:"time_worker_start,omitempty" json:"time_worker_start,omitempty"`
	TimeWorkerEnd        float64 `yaml:"time_worker_end,omitempty" json:"time_worker_end,omitempty"`
	WhenWaitingRetrieval float64 `yaml:"when_waiting_retrieval,omitempty" json:"when_waiting_retrieval,omitempty"`
	WhenRetrieved        float64 `yaml:"when_retrieved,omitempty" json:"when_retrieved,omitempty"`
	WhenDone             float64 `yaml:"when_done,omitempty" json:"when_done,omitempty"`
	WhenNextReady        float64 `yaml:"when_next_ready,omitempty" json:"when_next_ready,omitempty"`

	CoresRequested    int     `yaml:"cores_requested" json:"cores_requested"`
	GPUsRequested     int     `yaml:"gpus_requested" json:"gpus_requested"`
	MemoryRequestedMB float64 `yaml:"memory_requested_mb" json:"memory_requested_mb"`
	DiskRequestedMB   float64 `yaml:"disk_requested_mb" json:"disk_requested_mb"`

	SizeInputMgr    float64 `yaml:"size_input_mgr,omitempty" json:"size_input_mgr,omitempty"`
	SizeOutputMgr   float64 `yaml:"size_output_mgr,omitempty" json:"size_output_mgr,omitempty"`
	RetrievedStatus string  `yaml:"retrieved_status,omitempty" json:"retrieved_status,omitempty"`
	DoneStatus      string  `yaml:"done_status,omitempty" json:"done_status,omitempty"`
	DoneCode        string  `yaml:"done_code,omitempty" json:"done_code,omitempty"`

	InputFiles        []string `yaml:"input_files" json:"input_files"`
	OutputFiles       []string `yaml:"output_files" json:"output_files"`
	SizeInputFilesMB  float64  `yaml:"size_input_files_mb" json:"size_input_files_mb"`
	SizeOutputFilesMB float64  `yaml:"size_output_files_mb" json:"size_output_files_mb"`
	IsRecoveryTask    bool     `yaml:"is_recovery_task" json:"is_recovery_task"`

	CriticalParent        int     `yaml:"critical_parent,omitempty" json:"critical_parent,omitempty"`
	CriticalInputFile     string  `yaml:"critical_input_file,omitempty" json:"critical_input_file,omitempty"`
	CriticalInputFileWait float64 `yaml:"critical_input_file_wait_time,omitempty" json:"critical_input_file_wait_time,omitempty"`
	GraphID               int     `yaml:"graph_id,omitempty" json:"graph_id,omitempty"`
}

// Key returns the attempt identity.
func (t *Task) Key() TaskKey {
	return TaskKey{TaskID: t.TaskID, TryID: t.TryID}
}

// ExecutionTime is the worker-local execution span, or 0 if either end is missing.
func (t *Task) ExecutionTime() float64 {
	if t.TimeWorkerStart == 0 || t.TimeWorkerEnd == 0 {
		return 0
	}
	return t.TimeWorkerEnd - t.TimeWorkerStart
}

// Library is a long-lived process placed on a worker. It shares the task id
// namespace but never appears in Run.Tasks.
type Library struct {
	TaskID          int     `yaml:"task_id" json:"task_id"`
	WhenRunning     float64 `yaml:"when_running" json:"when_running"`
	TimeCommitStart float64 `yaml:"time_commit_start,omitempty" json:"time_commit_start,omitempty"`
	TimeCommitEnd   float64 `yaml:"time_commit_end,omitempty" json:"time_commit_end,omitempty"`
	WhenSent        float64 `yaml:"when_sent,omitempty" json:"when_sent,omitempty"`
	WhenStarted     float64 `yaml:"when_started,omitempty" json:"when_started,omitempty"`
	WhenRetrieved   float64 `yaml:"when_retrieved,omitempty" json:"when_retrieved,omitempty"`
	WorkerHash      string  `yaml:"worker_committed" json:"worker_committed"`
	WorkerID        int     `yaml:"worker_id" json:"worker_id"`
	SizeInputMgr    float64 `yaml:"size_input_mgr,omitempty" json:"size_input_mgr,omitempty"`

	CoresRequested    int     `yaml:"cores_requested" json:"cores_requested"`
	GPUsRequested     int     `yaml:"gpus_requested" json:"gpus_requested"`
	MemoryRequestedMB float64 `yaml:"memory_requested_mb" json:"memory_requested_mb"`
	DiskRequestedMB   float64 `yaml:"disk_requested_mb" json:"disk_requested_mb"`
}

// Residency is the disk timeline of one file on one worker.
//
// StartStageIn records when a stage-in began (url sources announce the start
// before the transfer completes); StageIn records completed stage-ins and
// StageOut records evictions. Index i of StageIn pairs with index i of StageOut.
type Residency struct {
	SizeMB       float64   `yaml:"size_mb" json:"size_mb"`
	StartStageIn []float64 `yaml:"when_start_stage_in" json:"when_start_stage_in"`
	StageIn      []float64 `yaml:"when_stage_in" json:"when_stage_in"`
	StageOut     []float64 `yaml:"when_stage_out" json:"when_stage_out"`
}

// Worker is a remote execution agent. Multiple connections of the same agent
// share one Worker.
type Worker struct {
	Hash        string `yaml:"worker_hash" json:"worker_hash"`
	ID          int    `yaml:"worker_id" json:"worker_id"`
	MachineName string `yaml:"worker_machine_name,omitempty" json:"worker_machine_name,omitempty"`
	IP          string `yaml:"worker_ip,omitempty" json:"worker_ip,omitempty"`
	Port        string `yaml:"worker_port,omitempty" json:"worker_port,omitempty"`

	TimeConnected    []float64 `yaml:"time_connected" json:"time_connected"`
	TimeDisconnected []float64 `yaml:"time_disconnected" json:"time_disconnected"`

	// Capacity is taken from the first RESOURCES report only.
	HasResources bool    `yaml:"-" json:"-"`
	Cores        int     `yaml:"cores" json:"cores"`
	MemoryMB     float64 `yaml:"memory_mb" json:"memory_mb"`
	DiskMB       float64 `yaml:"disk_mb" json:"disk_mb"`

	TasksCompleted  int                   `yaml:"tasks_completed" json:"tasks_completed"`
	PeakDiskUsageMB float64               `yaml:"peak_disk_usage_mb" json:"peak_disk_usage_mb"`
	Disk            map[string]*Residency `yaml:"disk_update,omitempty" json:"disk_update,omitempty"`
}

// FirstConnected returns the earliest connect time, or 0 for a worker that
// never connected.
func (w *Worker) FirstConnected() float64 {
	if len(w.TimeConnected) == 0 {
		return 0
	}
	return w.TimeConnected[0]
}

// Holding is one finished residency of a file on a worker.
type Holding struct {
	WorkerHash string  `yaml:"worker_hash" json:"worker_hash"`
	WorkerID   int     `yaml:"worker_id" json:"worker_id"`
	StageIn    float64 `yaml:"time_stage_in" json:"time_stage_in"`
	StageOut   float64 `yaml:"time_stage_out" json:"time_stage_out"`
}

// File is a named data object exchanged between the manager and workers.
// A file without producers was provided by the manager.
type File struct {
	Name      string    `yaml:"filename" json:"filename"`
	SizeMB    float64   `yaml:"size_mb" json:"size_mb"`
	Producers []int     `yaml:"producers" json:"producers"`
	Consumers []int     `yaml:"consumers" json:"consumers"`
	Holding   []Holding `yaml:"worker_holding" json:"worker_holding"`
}

// Produced reports whether some task produced the file.
func (f *File) Produced() bool {
	return len(f.Producers) > 0
}

// Manager is the single scheduler instance of a run.
type Manager struct {
	TimeStart float64 `yaml:"time_start" json:"time_start"`
	TimeEnd   float64 `yaml:"time_end" json:"time_end"`
	Lifetime  float64 `yaml:"lifetime_s" json:"lifetime_s"`
	// Failed is set when no END event was observed.
	Failed bool `yaml:"failed" json:"failed"`

	TasksSubmitted       int `yaml:"tasks_submitted" json:"tasks_submitted"`
	TasksDone            int `yaml:"tasks_done" json:"tasks_done"`
	TasksFailedOnManager int `yaml:"tasks_failed_on_manager" json:"tasks_failed_on_manager"`
	TasksFailedOnWorker  int `yaml:"tasks_failed_on_worker" json:"tasks_failed_on_worker"`
	MaxTaskTryCount      int `yaml:"max_task_try_count" json:"max_task_try_count"`
	TotalWorkers         int `yaml:"total_workers" json:"total_workers"`
	ActiveWorkers        int `yaml:"active_workers" json:"active_workers"`
	MaxConcurrentWorkers int `yaml:"max_concurrent_workers" json:"max_concurrent_workers"`
}
