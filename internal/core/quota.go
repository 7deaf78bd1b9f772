package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/edvin/edgedeploy/internal/admission"
	"github.com/edvin/edgedeploy/internal/model"
)

const limitColumns = `id, organization_id, plan_name, is_active, deploy_limit, period_start, period_end, updated_at`

// QuotaService persists subscription limits and the per-deployment charge
// ledger. It implements admission.QuotaStore.
type QuotaService struct {
	db DB
}

func NewQuotaService(db DB) *QuotaService {
	return &QuotaService{db: db}
}

// InTx runs fn in one transaction and commits only if fn succeeds.
func (s *QuotaService) InTx(ctx context.Context, fn func(admission.QuotaTx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin quota transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&quotaTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit quota transaction: %w", err)
	}
	return nil
}

func scanLimit(row pgx.Row) (*model.SubscriptionLimit, error) {
	var l model.SubscriptionLimit
	if err := row.Scan(&l.ID, &l.OrganizationID, &l.PlanName, &l.IsActive, &l.DeployLimit,
		&l.PeriodStart, &l.PeriodEnd, &l.UpdatedAt); err != nil {
		return nil, err
	}
	return &l, nil
}

type quotaTx struct {
	tx pgx.Tx
}

func (q *quotaTx) ClaimCharge(ctx context.Context, deploymentID, orgID string) (bool, error) {
	tag, err := q.tx.Exec(ctx,
		`INSERT INTO deployment_quota_charges (deployment_id, organization_id)
		 VALUES ($1, $2)
		 ON CONFLICT (deployment_id) DO NOTHING`,
		deploymentID, orgID,
	)
	if err != nil {
		return false, fmt.Errorf("claim quota charge for deployment %s: %w", deploymentID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (q *quotaTx) LockFreeLimit(ctx context.Context, orgID string) (*model.SubscriptionLimit, error) {
	l, err := scanLimit(q.tx.QueryRow(ctx,
		`SELECT `+limitColumns+` FROM subscription_limits
		 WHERE organization_id = $1 AND plan_name = $2 AND is_active
		 ORDER BY period_end DESC
		 LIMIT 1
		 FOR UPDATE`,
		orgID, model.PlanFree,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lock free limit for organization %s: %w", orgID, err)
	}
	return l, nil
}

func (q *quotaTx) DecrementLimit(ctx context.Context, limitID string) (int, error) {
	var remaining int
	err := q.tx.QueryRow(ctx,
		`UPDATE subscription_limits SET deploy_limit = deploy_limit - 1, updated_at = now()
		 WHERE id = $1 AND deploy_limit > 0
		 RETURNING deploy_limit`,
		limitID,
	).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("decrement limit %s: %w", limitID, err)
	}
	return remaining, nil
}

func (q *quotaTx) DecrementPaidLimit(ctx context.Context, orgID string) (*model.SubscriptionLimit, error) {
	l, err := scanLimit(q.tx.QueryRow(ctx,
		`UPDATE subscription_limits SET deploy_limit = deploy_limit - 1, updated_at = now()
		 WHERE id = (
			SELECT id FROM subscription_limits
			WHERE organization_id = $1 AND plan_name <> $2 AND is_active
			  AND deploy_limit > 0 AND period_end >= now()
			ORDER BY period_end
			LIMIT 1
			FOR UPDATE
		 ) AND deploy_limit > 0
		 RETURNING `+limitColumns,
		orgID, model.PlanFree,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decrement paid limit for organization %s: %w", orgID, err)
	}
	return l, nil
}

func (q *quotaTx) RecordCharge(ctx context.Context, deploymentID string, limit *model.SubscriptionLimit) error {
	_, err := q.tx.Exec(ctx,
		`UPDATE deployment_quota_charges SET limit_id = $2, plan_name = $3, charged_at = now()
		 WHERE deployment_id = $1`,
		deploymentID, limit.ID, limit.PlanName,
	)
	if err != nil {
		return fmt.Errorf("record quota charge for deployment %s: %w", deploymentID, err)
	}
	return nil
}
