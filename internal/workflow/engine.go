// Package workflow runs a deployment as a fixed sequence of steps:
// validation, sandbox, sync, build, deploy and cleanup. The project's
// coarse status is written before each step; the first failing step ends
// the run, terminates the sandbox if one exists and marks the project
// failed.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/artifact"
	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/logging"
	"github.com/edvin/edgedeploy/internal/metrics"
	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/sandbox"
	"github.com/edvin/edgedeploy/internal/statestore"
	"github.com/edvin/edgedeploy/internal/template"
)

const failureWriteTimeout = 10 * time.Second

// ProjectStore is the project persistence the steps use.
type ProjectStore interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	SetWorkerURL(ctx context.Context, id, workerURL string, customDomain *string) error
}

// StateStore records progress and terminal status.
type StateStore interface {
	UpdateStatusByProject(ctx context.Context, projectID string, status model.WorkflowStatus) error
	SaveStepResult(ctx context.Context, deploymentID string, step model.StepName, result model.StepResult)
	MarkFailed(ctx context.Context, projectID string, cause error) statestore.FailureWrite
}

// QuotaDeducter charges a deployment to its organization once.
type QuotaDeducter interface {
	DeductQuota(ctx context.Context, orgID, deploymentID string) (*model.QuotaCharge, error)
}

// Settings are the platform parameters of every deployment.
type Settings struct {
	PlatformAPIToken  string
	PlatformAccountID string
	PlatformDomain    string
	SandboxLifetime   time.Duration
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Projects  ProjectStore
	State     StateStore
	Quota     QuotaDeducter
	Sandboxes *sandbox.Manager
	Templates *template.Catalog
	Artifacts artifact.Store
	Prober    Prober
	Settings  Settings
	Logger    zerolog.Logger
}

type step struct {
	name   model.StepName
	status model.WorkflowStatus
	run    func(ctx context.Context, ex *execution, in Results) (Results, map[string]any, error)
}

// execution is the read-only context of one run.
type execution struct {
	msg    *model.QueueMessage
	logger zerolog.Logger
}

type Engine struct {
	projects  ProjectStore
	state     StateStore
	quota     QuotaDeducter
	sandboxes *sandbox.Manager
	templates *template.Catalog
	artifacts artifact.Store
	prober    Prober
	settings  Settings
	logger    zerolog.Logger
	urlRe     *regexp.Regexp
	steps     []step
}

func New(d Deps) *Engine {
	e := &Engine{
		projects:  d.Projects,
		state:     d.State,
		quota:     d.Quota,
		sandboxes: d.Sandboxes,
		templates: d.Templates,
		artifacts: d.Artifacts,
		prober:    d.Prober,
		settings:  d.Settings,
		logger:    d.Logger.With().Str("component", "workflow").Logger(),
		urlRe:     workerURLPattern(d.Settings.PlatformDomain),
	}
	if e.artifacts == nil {
		e.artifacts = artifact.NopStore{}
	}
	e.steps = []step{
		{model.StepValidation, model.WorkflowValidating, e.validate},
		{model.StepSandbox, model.WorkflowCreatingSandbox, e.createSandbox},
		{model.StepSync, model.WorkflowSyncingFiles, e.syncFiles},
		{model.StepBuild, model.WorkflowBuilding, e.build},
		{model.StepDeploy, model.WorkflowDeploying, e.deploy},
		{model.StepCleanup, model.WorkflowUpdatingDatabase, e.cleanup},
	}
	return e
}

// Execute runs the workflow for one message. It never panics on step
// errors; the returned report describes the outcome.
func (e *Engine) Execute(ctx context.Context, msg *model.QueueMessage) *Report {
	start := time.Now()
	ex := &execution{msg: msg, logger: logging.ForDeployment(e.logger, msg)}
	if d := msg.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx = ex.logger.WithContext(ctx)

	skip := e.skipSet(ex)
	projectID := msg.Params.ProjectID
	stepResults := make(map[model.StepName]model.StepResult, len(e.steps))

	ex.logger.Info().Msg("deployment workflow started")

	results := Results{}
	for _, st := range e.steps {
		if skip[st.name] {
			ex.logger.Info().Str("step", string(st.name)).Msg("step skipped by config")
			stepResults[st.name] = model.StepResult{Success: true, Data: map[string]any{"skipped": true}}
			continue
		}

		stepStart := time.Now()
		next, data, err := e.runStep(ctx, ex, st, results)
		res := model.StepResult{Success: err == nil, Duration: time.Since(stepStart), Data: data}
		if err != nil {
			res.Error = err.Error()
		}
		stepResults[st.name] = res
		e.state.SaveStepResult(ctx, msg.Metadata.DeploymentID, st.name, res)
		metrics.StepDuration.WithLabelValues(string(st.name), metrics.Result(err == nil)).Observe(res.Duration.Seconds())

		if err != nil {
			return e.fail(ctx, ex, results, stepResults, deployerr.NewStepExecutionError(string(st.name), err), start)
		}
		results = next
	}

	if err := e.state.UpdateStatusByProject(ctx, projectID, model.WorkflowCompleted); err != nil {
		// The cleanup step already released the sandbox, so fail skips termination.
		return e.fail(ctx, ex, results, stepResults, fmt.Errorf("persist completed status: %w", err), start)
	}

	report := e.report(ctx, msg, stepResults, start, results.Deploy.WorkerURL, nil)
	ex.logger.Info().Str("worker_url", report.WorkerURL).Dur("duration", report.Duration).Msg("deployment workflow completed")
	return report
}

func (e *Engine) runStep(ctx context.Context, ex *execution, st step, in Results) (Results, map[string]any, error) {
	if err := e.state.UpdateStatusByProject(ctx, ex.msg.Params.ProjectID, st.status); err != nil {
		return in, nil, err
	}
	ex.logger.Debug().Str("step", string(st.name)).Msg("step started")
	return st.run(ctx, ex, in)
}

func (e *Engine) fail(ctx context.Context, ex *execution, results Results, stepResults map[model.StepName]model.StepResult, err error, start time.Time) *Report {
	ex.logger.Error().Err(err).Msg("deployment workflow failed")

	cleanup := e.cleanupAfterFailure(ctx, ex, results)

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	write := e.state.MarkFailed(wctx, ex.msg.Params.ProjectID, err)

	report := e.report(ctx, ex.msg, stepResults, start, "", err)
	report.Cleanup = cleanup
	report.FailureWrite = &write
	return report
}

// cleanupAfterFailure terminates the sandbox recorded by the sandbox step,
// unless the cleanup step already released it.
func (e *Engine) cleanupAfterFailure(ctx context.Context, ex *execution, results Results) *CleanupOutcome {
	if results.Sandbox == nil {
		return nil
	}
	out := &CleanupOutcome{SandboxID: results.Sandbox.SandboxID}
	if results.Cleanup != nil && results.Cleanup.SandboxReleased {
		return out
	}
	out.Attempted = true
	out.Err = e.sandboxes.Terminate(ctx, results.Sandbox.SandboxID, sandbox.TerminateTimeout)
	out.Terminated = out.Err == nil
	if out.Err != nil {
		ex.logger.Warn().Err(out.Err).Str("sandbox_id", out.SandboxID).Msg("failed to terminate sandbox after failure")
	}
	return out
}

func (e *Engine) report(ctx context.Context, msg *model.QueueMessage, stepResults map[model.StepName]model.StepResult, start time.Time, workerURL string, err error) *Report {
	r := &Report{
		DeploymentID: msg.Metadata.DeploymentID,
		Success:      err == nil,
		WorkerURL:    workerURL,
		Error:        err,
		Duration:     time.Since(start),
		StepResults:  stepResults,
		TimedOut:     errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	metrics.WorkflowDuration.WithLabelValues(metrics.Result(r.Success)).Observe(r.Duration.Seconds())
	return r
}

// skipSet returns the steps the message asked to skip. Only the build step
// may be skipped.
func (e *Engine) skipSet(ex *execution) map[model.StepName]bool {
	skip := map[model.StepName]bool{}
	if ex.msg.Config == nil {
		return skip
	}
	for _, name := range ex.msg.Config.SkipSteps {
		if model.StepName(name) == model.StepBuild {
			skip[model.StepBuild] = true
			continue
		}
		ex.logger.Warn().Str("step", name).Msg("step cannot be skipped, ignoring")
	}
	return skip
}

func workerURLPattern(domain string) *regexp.Regexp {
	if domain == "" {
		domain = "workers.dev"
	}
	return regexp.MustCompile(`https://[A-Za-z0-9-]+(?:\.[A-Za-z0-9-]+)*\.` + regexp.QuoteMeta(domain))
}
