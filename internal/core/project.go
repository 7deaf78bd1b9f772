package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/model"
)

const projectColumns = `id, organization_id, name, template, is_active, message_history,
	deployment_status, worker_url, custom_domain, created_at, updated_at`

type ProjectService struct {
	db DB
}

func NewProjectService(db DB) *ProjectService {
	return &ProjectService{db: db}
}

func scanProject(row pgx.Row) (*model.Project, error) {
	var p model.Project
	var status *string
	err := row.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Template, &p.IsActive, &p.MessageHistory,
		&status, &p.WorkerURL, &p.CustomDomain, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.DeploymentStatus, err = model.ParseDeploymentStatus(status)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetByID returns the project or a NotFoundError.
func (s *ProjectService) GetByID(ctx context.Context, id string) (*model.Project, error) {
	p, err := scanProject(s.db.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, deployerr.NewNotFoundError("project", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return p, nil
}

// UpdateDeploymentStatus writes the coarse status inside a transaction.
func (s *ProjectService) UpdateDeploymentStatus(ctx context.Context, id string, status model.DeploymentStatus) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin status update for project %s: %w", id, err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE projects SET deployment_status = $1, updated_at = now() WHERE id = $2`,
		status.Column(), id,
	)
	if err != nil {
		return fmt.Errorf("update deployment status for project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return deployerr.NewNotFoundError("project", id)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit status update for project %s: %w", id, err)
	}
	return nil
}

// SetDeploymentStatusRaw is the single-statement fallback used when the
// transactional write failed. It takes no locks and opens no transaction.
func (s *ProjectService) SetDeploymentStatusRaw(ctx context.Context, id string, status model.DeploymentStatus) error {
	_, err := s.db.Exec(ctx,
		`UPDATE projects SET deployment_status = $1 WHERE id = $2`,
		status.Column(), id,
	)
	if err != nil {
		return fmt.Errorf("raw status update for project %s: %w", id, err)
	}
	return nil
}

// SetWorkerURL records the public URL of the deployed worker.
func (s *ProjectService) SetWorkerURL(ctx context.Context, id, workerURL string, customDomain *string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE projects SET worker_url = $1, custom_domain = COALESCE($2, custom_domain), updated_at = now() WHERE id = $3`,
		workerURL, customDomain, id,
	)
	if err != nil {
		return fmt.Errorf("set worker url for project %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return deployerr.NewNotFoundError("project", id)
	}
	return nil
}

// ClaimDeployment atomically moves the project to preparing unless a
// deployment is already in flight. It returns the status it replaced so a
// failed enqueue can restore it.
func (s *ProjectService) ClaimDeployment(ctx context.Context, id string) (model.DeploymentStatus, error) {
	var previous *string
	err := s.db.QueryRow(ctx,
		`WITH prev AS (
			SELECT id, deployment_status FROM projects WHERE id = $1 FOR UPDATE
		)
		UPDATE projects p SET deployment_status = 'preparing', updated_at = now()
		FROM prev
		WHERE p.id = prev.id
		  AND (prev.deployment_status IS NULL OR prev.deployment_status NOT IN ('preparing', 'deploying'))
		RETURNING prev.deployment_status`, id,
	).Scan(&previous)
	if err == nil {
		return model.ParseDeploymentStatus(previous)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.DeploymentIdle, fmt.Errorf("claim deployment for project %s: %w", id, err)
	}

	// No row updated: either the project is missing or it lost the race.
	p, err := s.GetByID(ctx, id)
	if err != nil {
		return model.DeploymentIdle, err
	}
	return model.DeploymentIdle, deployerr.NewConflictError(id, p.DeploymentStatus.String())
}

// ReleaseDeployment restores the status replaced by ClaimDeployment. It only
// touches rows still in preparing, so it never clobbers a running workflow.
func (s *ProjectService) ReleaseDeployment(ctx context.Context, id string, previous model.DeploymentStatus) error {
	_, err := s.db.Exec(ctx,
		`UPDATE projects SET deployment_status = $1, updated_at = now() WHERE id = $2 AND deployment_status = 'preparing'`,
		previous.Column(), id,
	)
	if err != nil {
		return fmt.Errorf("release deployment for project %s: %w", id, err)
	}
	return nil
}

// Ping checks database reachability for health endpoints.
func (s *ProjectService) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}
