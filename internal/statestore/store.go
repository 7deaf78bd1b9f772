// Package statestore derives deployment state from the project's coarse
// status column and writes status transitions back to it.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/model"
)

// ProjectStore is the project persistence the state store writes through.
type ProjectStore interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	UpdateDeploymentStatus(ctx context.Context, id string, status model.DeploymentStatus) error
	SetDeploymentStatusRaw(ctx context.Context, id string, status model.DeploymentStatus) error
}

type Store struct {
	projects ProjectStore
	logger   zerolog.Logger
}

func New(projects ProjectStore, logger zerolog.Logger) *Store {
	return &Store{
		projects: projects,
		logger:   logger.With().Str("component", "statestore").Logger(),
	}
}

// GetStateByProject rebuilds the observable state of a deployment. It
// returns nil without error when the project does not exist.
func (s *Store) GetStateByProject(ctx context.Context, projectID, deploymentID string) (*model.DeploymentState, error) {
	p, err := s.projects.GetByID(ctx, projectID)
	if errors.Is(err, deployerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	obs, err := p.DeploymentStatus.Observe()
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", projectID, err)
	}

	state := &model.DeploymentState{
		ID:          deploymentID,
		ProjectID:   p.ID,
		Status:      obs.Status,
		Progress:    obs.Progress,
		Stage:       obs.Stage,
		StartedAt:   p.UpdatedAt,
		StepResults: map[model.StepName]model.StepResult{},
		Metadata: map[string]string{
			"organizationId": p.OrganizationID,
			"template":       p.Template,
		},
	}
	if obs.Status.Terminal() {
		completed := p.UpdatedAt
		state.CompletedAt = &completed
	}
	if obs.Status == model.WorkflowCompleted {
		state.WorkerURL = p.WorkerURL
	}
	if obs.Status == model.WorkflowFailed {
		msg := "deployment failed"
		state.Error = &msg
	}
	return state, nil
}

// UpdateStatusByProject persists the coarse bucket of a workflow status.
func (s *Store) UpdateStatusByProject(ctx context.Context, projectID string, status model.WorkflowStatus) error {
	coarse, err := status.Coarse()
	if err != nil {
		return err
	}
	if err := s.projects.UpdateDeploymentStatus(ctx, projectID, coarse); err != nil {
		return fmt.Errorf("update status to %s: %w", status, err)
	}
	s.logger.Debug().
		Str("project_id", projectID).
		Str("workflow_status", string(status)).
		Str("deployment_status", coarse.String()).
		Msg("deployment status updated")
	return nil
}

// SaveStepResult only logs: step results are not persisted.
func (s *Store) SaveStepResult(ctx context.Context, deploymentID string, step model.StepName, result model.StepResult) {
	ev := s.logger.Info()
	if !result.Success {
		ev = s.logger.Warn().Str("error", result.Error)
	}
	ev.Str("deployment_id", deploymentID).
		Str("step", string(step)).
		Bool("success", result.Success).
		Dur("duration", result.Duration).
		Msg("step result")
}

// FailureWrite is the outcome of MarkFailed.
type FailureWrite struct {
	Persisted bool
	// Fallback is set when the transactional write failed and the raw
	// update was used instead.
	Fallback bool
	Err      error
}

// MarkFailed persists FAILED for the project. It tries the transactional
// path, then a raw single-statement update, and never returns an error:
// when both fail the outcome carries a StatusPersistenceError and the
// project status may stay stuck.
func (s *Store) MarkFailed(ctx context.Context, projectID string, cause error) FailureWrite {
	primary := s.UpdateStatusByProject(ctx, projectID, model.WorkflowFailed)
	if primary == nil {
		return FailureWrite{Persisted: true}
	}

	s.logger.Warn().Err(primary).Str("project_id", projectID).Msg("failed status write failed, trying raw update")
	fallback := s.projects.SetDeploymentStatusRaw(ctx, projectID, model.DeploymentFailed)
	if fallback == nil {
		return FailureWrite{Persisted: true, Fallback: true}
	}

	err := &deployerr.StatusPersistenceError{ProjectID: projectID, Primary: primary, Fallback: fallback}
	ev := s.logger.Error().Str("severity", deployerr.SeverityOf(err).String()).Err(err).Str("project_id", projectID)
	if cause != nil {
		ev = ev.AnErr("cause", cause)
	}
	ev.Msg("could not persist failed status, project may be stuck")
	return FailureWrite{Err: err}
}
