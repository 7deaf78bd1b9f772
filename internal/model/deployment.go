package model

import "time"

// StepName identifies one workflow step; it is also the key under which the
// step's result is reported.
type StepName string

const (
	StepValidation StepName = "validation"
	StepSandbox    StepName = "sandbox"
	StepSync       StepName = "sync"
	StepBuild      StepName = "build"
	StepDeploy     StepName = "deploy"
	StepCleanup    StepName = "cleanup"
)

// StepResult is the outcome of one workflow step.
type StepResult struct {
	Success  bool           `json:"success"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// DeploymentState is the polled view of a deployment. It has no row of its
// own and is rebuilt from the project's coarse status on every read.
type DeploymentState struct {
	ID          string                  `json:"id"`
	ProjectID   string                  `json:"projectId"`
	Status      WorkflowStatus          `json:"status"`
	Progress    int                     `json:"progress"`
	Stage       string                  `json:"stage"`
	StartedAt   time.Time               `json:"startedAt"`
	CompletedAt *time.Time              `json:"completedAt,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	WorkerURL   *string                 `json:"workerUrl,omitempty"`
	StepResults map[StepName]StepResult `json:"stepResults"`
	Config      MessageConfig           `json:"config"`
	Metadata    map[string]string       `json:"metadata"`
}
