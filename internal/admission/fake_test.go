package admission

import (
	"context"
	"sync"
	"time"

	"github.com/edvin/edgedeploy/internal/deployerr"
	"github.com/edvin/edgedeploy/internal/model"
)

// fakeProjects is an in-memory ProjectStore.
type fakeProjects struct {
	mu       sync.Mutex
	projects map[string]*model.Project
}

func newFakeProjects(projects ...*model.Project) *fakeProjects {
	f := &fakeProjects{projects: map[string]*model.Project{}}
	for _, p := range projects {
		f.projects[p.ID] = p
	}
	return f
}

func (f *fakeProjects) GetByID(_ context.Context, id string) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, deployerr.NewNotFoundError("project", id)
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProjects) ClaimDeployment(_ context.Context, id string) (model.DeploymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return model.DeploymentIdle, deployerr.NewNotFoundError("project", id)
	}
	if p.DeploymentStatus.Active() {
		return model.DeploymentIdle, deployerr.NewConflictError(id, p.DeploymentStatus.String())
	}
	prev := p.DeploymentStatus
	p.DeploymentStatus = model.DeploymentPreparing
	return prev, nil
}

func (f *fakeProjects) ReleaseDeployment(_ context.Context, id string, previous model.DeploymentStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.projects[id]; ok && p.DeploymentStatus == model.DeploymentPreparing {
		p.DeploymentStatus = previous
	}
	return nil
}

// fakeQuota is an in-memory QuotaStore with snapshot rollback.
type fakeQuota struct {
	mu      sync.Mutex
	limits  []*model.SubscriptionLimit
	charges map[string]*model.QuotaCharge
	now     time.Time
}

func newFakeQuota(now time.Time, limits ...*model.SubscriptionLimit) *fakeQuota {
	return &fakeQuota{limits: limits, charges: map[string]*model.QuotaCharge{}, now: now}
}

func (f *fakeQuota) limit(id string) *model.SubscriptionLimit {
	for _, l := range f.limits {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (f *fakeQuota) InTx(_ context.Context, fn func(QuotaTx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	savedLimits := make([]model.SubscriptionLimit, len(f.limits))
	for i, l := range f.limits {
		savedLimits[i] = *l
	}
	savedCharges := make(map[string]*model.QuotaCharge, len(f.charges))
	for k, v := range f.charges {
		savedCharges[k] = v
	}

	if err := fn(fakeQuotaTx{f}); err != nil {
		for i := range f.limits {
			*f.limits[i] = savedLimits[i]
		}
		f.charges = savedCharges
		return err
	}
	return nil
}

type fakeQuotaTx struct{ f *fakeQuota }

func (t fakeQuotaTx) ClaimCharge(_ context.Context, deploymentID, orgID string) (bool, error) {
	if _, ok := t.f.charges[deploymentID]; ok {
		return false, nil
	}
	t.f.charges[deploymentID] = &model.QuotaCharge{DeploymentID: deploymentID, OrganizationID: orgID}
	return true, nil
}

func (t fakeQuotaTx) LockFreeLimit(_ context.Context, orgID string) (*model.SubscriptionLimit, error) {
	for _, l := range t.f.limits {
		if l.OrganizationID == orgID && l.PlanName == model.PlanFree && l.IsActive {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (t fakeQuotaTx) DecrementLimit(_ context.Context, limitID string) (int, error) {
	l := t.f.limit(limitID)
	l.DeployLimit--
	return l.DeployLimit, nil
}

func (t fakeQuotaTx) DecrementPaidLimit(_ context.Context, orgID string) (*model.SubscriptionLimit, error) {
	for _, l := range t.f.limits {
		if l.OrganizationID == orgID && l.PlanName != model.PlanFree && l.IsActive &&
			l.DeployLimit > 0 && !l.PeriodEnd.Before(t.f.now) {
			l.DeployLimit--
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (t fakeQuotaTx) RecordCharge(_ context.Context, deploymentID string, limit *model.SubscriptionLimit) error {
	c := t.f.charges[deploymentID]
	c.LimitID = limit.ID
	c.PlanName = limit.PlanName
	return nil
}
