package protocol

import "time"

// Pipeline actions accepted on SubjectPipelineRequest.
const (
	ActionIngest     = "ingest"
	ActionAnalyze    = "analyze"
	ActionSynthesize = "synthesize"
	ActionAssemble   = "assemble"
	ActionRun        = "run"
	ActionExport     = "export"
	ActionStatus     = "status"
	ActionTask       = "task"
)

// Error kinds carried in PipelineReply.ErrorKind.
const (
	ErrorNotFound     = "not_found"
	ErrorInvalidState = "invalid_state"
	ErrorInvalidInput = "invalid_input"
	ErrorBusy         = "busy"
	ErrorInternal     = "internal"
)

// PipelineRequest asks the job service to run one action. Async applies to
// synthesize only: the reply carries a task id to poll with ActionTask.
type PipelineRequest struct {
	Action     string `json:"action"`
	ProjectID  string `json:"project_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Name       string `json:"name,omitempty"`
	SourcePath string `json:"source_path,omitempty"`
	Async      bool   `json:"async,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
}

// PipelineReply answers a PipelineRequest.
type PipelineReply struct {
	OK        bool           `json:"ok"`
	Project   *ProjectStatus `json:"project,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	TaskState string         `json:"task_state,omitempty"`
	Archive   string         `json:"archive,omitempty"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

// ProjectStatus is broadcast on every committed project change.
type ProjectStatus struct {
	ProjectID   string    `json:"project_id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	PriorStatus string    `json:"prior_status,omitempty"`
	LastStage   string    `json:"last_stage,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	AudioDir    string    `json:"audio_dir,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const (
	SubjectPipelineRequest = "narrator.pipeline.request"
	SubjectProjectStatus   = "narrator.project.status"
)
