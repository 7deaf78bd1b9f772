package workflow

import (
	"time"

	"github.com/edvin/edgedeploy/internal/filetree"
	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/sandbox"
	"github.com/edvin/edgedeploy/internal/statestore"
	"github.com/edvin/edgedeploy/internal/template"
)

// Results is the accumulator threaded through the steps. Each step returns
// a copy with its own output set; outputs are never modified afterwards.
type Results struct {
	Validation *ValidationOutput
	Sandbox    *SandboxOutput
	Sync       *SyncOutput
	Build      *BuildOutput
	Deploy     *DeployOutput
	Cleanup    *CleanupOutput
}

type ValidationOutput struct {
	Project   *model.Project
	Template  *template.Template
	InitFiles map[string]string
	History   []filetree.Message
	Charge    *model.QuotaCharge
}

type SandboxOutput struct {
	SandboxID string
	Provider  string
}

type SyncOutput struct {
	Handle     *sandbox.Handle
	Synced     []string
	Failed     []string
	Excluded   []string
	BuildReady bool
}

type BuildOutput struct {
	Skipped bool
	Marker  string
}

type DeployOutput struct {
	WorkerURL   string
	URLFallback bool
	Reachable   bool
}

type CleanupOutput struct {
	WorkerURL string
	// SandboxReleased is set once termination was attempted, whatever its
	// result.
	SandboxReleased bool
	ArtifactStored  bool
}

// CleanupOutcome reports the failure-path sandbox termination.
type CleanupOutcome struct {
	SandboxID  string
	Attempted  bool
	Terminated bool
	Err        error
}

// Report is the result of one workflow execution.
type Report struct {
	DeploymentID string
	Success      bool
	WorkerURL    string
	Error        error
	Duration     time.Duration
	StepResults  map[model.StepName]model.StepResult
	// Cleanup is set on failure when a sandbox had been created.
	Cleanup *CleanupOutcome
	// FailureWrite is set on failure.
	FailureWrite *statestore.FailureWrite
	TimedOut     bool
}
