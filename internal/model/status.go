package model

import "fmt"

// DeploymentStatus is the coarse status durably stored on a project row.
// The empty value is the idle state (NULL in the database).
type DeploymentStatus string

const (
	DeploymentIdle      DeploymentStatus = ""
	DeploymentPreparing DeploymentStatus = "preparing"
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentDeployed  DeploymentStatus = "deployed"
	DeploymentFailed    DeploymentStatus = "failed"
)

// AllDeploymentStatuses lists every coarse status, idle included.
func AllDeploymentStatuses() []DeploymentStatus {
	return []DeploymentStatus{
		DeploymentIdle,
		DeploymentPreparing,
		DeploymentDeploying,
		DeploymentDeployed,
		DeploymentFailed,
	}
}

// ParseDeploymentStatus converts a nullable column value. "idle" and NULL
// both map to DeploymentIdle.
func ParseDeploymentStatus(s *string) (DeploymentStatus, error) {
	if s == nil || *s == "" || *s == "idle" {
		return DeploymentIdle, nil
	}
	switch st := DeploymentStatus(*s); st {
	case DeploymentPreparing, DeploymentDeploying, DeploymentDeployed, DeploymentFailed:
		return st, nil
	}
	return DeploymentIdle, fmt.Errorf("unknown deployment status %q", *s)
}

// Active reports whether a deployment is in flight for the project.
func (s DeploymentStatus) Active() bool {
	return s == DeploymentPreparing || s == DeploymentDeploying
}

// Column returns the value written to the database; idle is stored as NULL.
func (s DeploymentStatus) Column() *string {
	if s == DeploymentIdle {
		return nil
	}
	v := string(s)
	return &v
}

func (s DeploymentStatus) String() string {
	if s == DeploymentIdle {
		return "idle"
	}
	return string(s)
}

// WorkflowStatus is the fine-grained state of one workflow execution.
type WorkflowStatus string

const (
	WorkflowPending          WorkflowStatus = "PENDING"
	WorkflowValidating       WorkflowStatus = "VALIDATING"
	WorkflowCreatingSandbox  WorkflowStatus = "CREATING_SANDBOX"
	WorkflowSyncingFiles     WorkflowStatus = "SYNCING_FILES"
	WorkflowBuilding         WorkflowStatus = "BUILDING"
	WorkflowDeploying        WorkflowStatus = "DEPLOYING"
	WorkflowUpdatingDatabase WorkflowStatus = "UPDATING_DATABASE"
	WorkflowCompleted        WorkflowStatus = "COMPLETED"
	WorkflowFailed           WorkflowStatus = "FAILED"
)

// AllWorkflowStatuses lists every workflow status in pipeline order.
func AllWorkflowStatuses() []WorkflowStatus {
	return []WorkflowStatus{
		WorkflowPending,
		WorkflowValidating,
		WorkflowCreatingSandbox,
		WorkflowSyncingFiles,
		WorkflowBuilding,
		WorkflowDeploying,
		WorkflowUpdatingDatabase,
		WorkflowCompleted,
		WorkflowFailed,
	}
}

// Coarse maps a workflow status onto the bucket persisted on the project.
func (s WorkflowStatus) Coarse() (DeploymentStatus, error) {
	switch s {
	case WorkflowPending, WorkflowValidating, WorkflowCreatingSandbox:
		return DeploymentPreparing, nil
	case WorkflowSyncingFiles, WorkflowBuilding, WorkflowDeploying, WorkflowUpdatingDatabase:
		return DeploymentDeploying, nil
	case WorkflowCompleted:
		return DeploymentDeployed, nil
	case WorkflowFailed:
		return DeploymentFailed, nil
	}
	return DeploymentIdle, fmt.Errorf("no coarse status for workflow status %q", s)
}

// Terminal reports whether no further transitions follow.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed
}

// Observed is the projection of a coarse status that pollers see.
type Observed struct {
	Status   WorkflowStatus
	Progress int
	Stage    string
}

// Observe maps a coarse status to the status, progress and stage reported
// by the state store.
func (s DeploymentStatus) Observe() (Observed, error) {
	switch s {
	case DeploymentIdle:
		return Observed{Status: WorkflowPending, Progress: 0, Stage: "idle"}, nil
	case DeploymentPreparing:
		return Observed{Status: WorkflowValidating, Progress: 10, Stage: "preparing"}, nil
	case DeploymentDeploying:
		return Observed{Status: WorkflowDeploying, Progress: 60, Stage: "deploying"}, nil
	case DeploymentDeployed:
		return Observed{Status: WorkflowCompleted, Progress: 100, Stage: "completed"}, nil
	case DeploymentFailed:
		return Observed{Status: WorkflowFailed, Progress: 100, Stage: "failed"}, nil
	}
	return Observed{}, fmt.Errorf("no observed state for deployment status %q", string(s))
}
