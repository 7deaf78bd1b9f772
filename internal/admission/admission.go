// Package admission gates deployments before and at the start of a workflow:
// one in-flight deployment per project, and one quota deduction per
// deployment id.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/metrics"
	"github.com/edvin/edgedeploy/internal/model"
)

var timeNow = time.Now

// ProjectStore is the slice of project persistence admission needs.
type ProjectStore interface {
	GetByID(ctx context.Context, id string) (*model.Project, error)
	ClaimDeployment(ctx context.Context, id string) (model.DeploymentStatus, error)
	ReleaseDeployment(ctx context.Context, id string, previous model.DeploymentStatus) error
}

// QuotaTx is the set of quota operations run inside one transaction.
type QuotaTx interface {
	// ClaimCharge inserts the ledger row for deploymentID. It returns false
	// when the deployment was already charged.
	ClaimCharge(ctx context.Context, deploymentID, orgID string) (bool, error)
	// LockFreeLimit returns the organization's active FREE limit locked for
	// update, or nil when there is none.
	LockFreeLimit(ctx context.Context, orgID string) (*model.SubscriptionLimit, error)
	// DecrementLimit decrements a locked limit and returns what remains.
	DecrementLimit(ctx context.Context, limitID string) (int, error)
	// DecrementPaidLimit atomically decrements the first usable paid limit
	// and returns it, or nil when no paid plan has deployments left.
	DecrementPaidLimit(ctx context.Context, orgID string) (*model.SubscriptionLimit, error)
	RecordCharge(ctx context.Context, deploymentID string, limit *model.SubscriptionLimit) error
}

// QuotaStore runs fn in a transaction, committing only when fn returns nil.
type QuotaStore interface {
	InTx(ctx context.Context, fn func(QuotaTx) error) error
}

// Controller implements concurrency and quota admission.
type Controller struct {
	projects ProjectStore
	quota    QuotaStore
	logger   zerolog.Logger
}

func NewController(projects ProjectStore, quota QuotaStore, logger zerolog.Logger) *Controller {
	return &Controller{
		projects: projects,
		quota:    quota,
		logger:   logger.With().Str("component", "admission").Logger(),
	}
}

// CheckConcurrency fails with NotFoundError when the project is missing and
// with ConflictError when a deployment is already preparing or deploying.
// It is a read-only check; Claim is the race-free variant.
func (c *Controller) CheckConcurrency(ctx context.Context, projectID string) error {
	p, err := c.projects.GetByID(ctx, projectID)
	if err != nil {
		return err
	}
	if p.DeploymentStatus.Active() {
		metrics.AdmissionRejectionsTotal.WithLabelValues("conflict").Inc()
		return deployerr.NewConflictError(projectID, p.DeploymentStatus.String())
	}
	return nil
}

// Claim atomically marks the project as preparing. The returned status is
// what Release restores if the deployment never gets enqueued.
func (c *Controller) Claim(ctx context.Context, projectID string) (model.DeploymentStatus, error) {
	previous, err := c.projects.ClaimDeployment(ctx, projectID)
	if err != nil {
		if errors.Is(err, deployerr.ErrConflict) {
			metrics.AdmissionRejectionsTotal.WithLabelValues("conflict").Inc()
		}
		return model.DeploymentIdle, err
	}
	return previous, nil
}

// Release undoes a Claim whose deployment was never enqueued.
func (c *Controller) Release(ctx context.Context, projectID string, previous model.DeploymentStatus) error {
	if err := c.projects.ReleaseDeployment(ctx, projectID, previous); err != nil {
		c.logger.Error().Err(err).Str("project_id", projectID).Msg("failed to release deployment claim")
		return err
	}
	return nil
}

// DeductQuota charges one deployment to the organization. The FREE plan is
// consumed first unless it expired or ran out; otherwise an active paid plan
// is charged. A deployment id that was already charged is not charged again.
func (c *Controller) DeductQuota(ctx context.Context, orgID, deploymentID string) (*model.QuotaCharge, error) {
	var charge *model.QuotaCharge
	err := c.quota.InTx(ctx, func(tx QuotaTx) error {
		claimed, err := tx.ClaimCharge(ctx, deploymentID, orgID)
		if err != nil {
			return err
		}
		if !claimed {
			charge = &model.QuotaCharge{DeploymentID: deploymentID, OrganizationID: orgID, Replayed: true}
			return nil
		}

		limit, err := c.deductFree(ctx, tx, orgID)
		if err != nil {
			return err
		}
		if limit == nil {
			limit, err = tx.DecrementPaidLimit(ctx, orgID)
			if err != nil {
				return err
			}
		}
		if limit == nil {
			return deployerr.NewValidationError(deployerr.ErrQuotaExceeded,
				"organization %s has no deployments left on any active plan", orgID)
		}

		if err := tx.RecordCharge(ctx, deploymentID, limit); err != nil {
			return err
		}
		charge = &model.QuotaCharge{
			DeploymentID:   deploymentID,
			OrganizationID: orgID,
			LimitID:        limit.ID,
			PlanName:       limit.PlanName,
		}
		return nil
	})
	if err != nil {
		var valErr *deployerr.ValidationError
		if errors.As(err, &valErr) {
			metrics.QuotaDeductionsTotal.WithLabelValues("exceeded").Inc()
			return nil, err
		}
		return nil, fmt.Errorf("deduct quota for deployment %s: %w", deploymentID, err)
	}

	switch {
	case charge.Replayed:
		metrics.QuotaDeductionsTotal.WithLabelValues("replayed").Inc()
		c.logger.Info().Str("deployment_id", deploymentID).Msg("quota already charged for deployment, skipping")
	case charge.PlanName == model.PlanFree:
		metrics.QuotaDeductionsTotal.WithLabelValues("free").Inc()
	default:
		metrics.QuotaDeductionsTotal.WithLabelValues("paid").Inc()
	}
	return charge, nil
}

// deductFree returns the decremented FREE limit, or nil when the FREE phase
// cannot pay. Running out is expected and not an error.
func (c *Controller) deductFree(ctx context.Context, tx QuotaTx, orgID string) (*model.SubscriptionLimit, error) {
	free, err := tx.LockFreeLimit(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if free == nil {
		return nil, nil
	}
	if free.Expired(timeNow()) {
		c.logger.Debug().Str("organization_id", orgID).Time("period_end", free.PeriodEnd).Msg("free plan expired, falling back to paid")
		return nil, nil
	}
	if free.DeployLimit <= 0 {
		return nil, nil
	}

	remaining, err := tx.DecrementLimit(ctx, free.ID)
	if err != nil {
		return nil, err
	}
	free.DeployLimit = remaining
	return free, nil
}
