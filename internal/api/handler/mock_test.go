package handler

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/queue"
)

type mockAdmitter struct {
	mock.Mock
}

func (m *mockAdmitter) Claim(ctx context.Context, projectID string) (model.DeploymentStatus, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).(model.DeploymentStatus), args.Error(1)
}

func (m *mockAdmitter) Release(ctx context.Context, projectID string, previous model.DeploymentStatus) error {
	args := m.Called(ctx, projectID, previous)
	return args.Error(0)
}

type mockEnqueuer struct {
	mock.Mock
}

func (m *mockEnqueuer) Send(ctx context.Context, msg *model.QueueMessage, opts queue.SendOptions) (queue.PublishResult, error) {
	args := m.Called(ctx, msg, opts)
	return args.Get(0).(queue.PublishResult), args.Error(1)
}

type mockStateReader struct {
	mock.Mock
}

func (m *mockStateReader) GetStateByProject(ctx context.Context, projectID, deploymentID string) (*model.DeploymentState, error) {
	args := m.Called(ctx, projectID, deploymentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeploymentState), args.Error(1)
}
