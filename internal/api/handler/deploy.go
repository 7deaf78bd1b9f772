package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/api/request"
	"github.com/edvin/edgedeploy/internal/api/response"
	"github.com/edvin/edgedeploy/internal/model"
	"github.com/edvin/edgedeploy/internal/platform"
	"github.com/edvin/edgedeploy/internal/queue"
)

const releaseTimeout = 5 * time.Second

// Admitter guards the one-deployment-per-project rule.
type Admitter interface {
	Claim(ctx context.Context, projectID string) (model.DeploymentStatus, error)
	Release(ctx context.Context, projectID string, previous model.DeploymentStatus) error
}

// Enqueuer hands a deployment message to the queue.
type Enqueuer interface {
	Send(ctx context.Context, msg *model.QueueMessage, opts queue.SendOptions) (queue.PublishResult, error)
}

type Deploy struct {
	admission Admitter
	queue     Enqueuer
	now       func() time.Time
}

func NewDeploy(admission Admitter, q Enqueuer) *Deploy {
	return &Deploy{admission: admission, queue: q, now: time.Now}
}

// DeployResponse is the body of an accepted deployment.
type DeployResponse struct {
	Success      bool   `json:"success"`
	DeploymentID string `json:"deploymentId"`
}

// Create admits a deployment and enqueues it. The project is claimed
// before the send; if the send fails the claim is released.
func (h *Deploy) Create(w http.ResponseWriter, r *http.Request) {
	var req request.Deploy
	if err := request.Decode(r, &req); err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	logger := zerolog.Ctx(ctx).With().Str("project_id", req.ProjectID).Logger()

	previous, err := h.admission.Claim(ctx, req.ProjectID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	msg := &model.QueueMessage{
		Metadata: model.MessageMetadata{
			DeploymentID:   platform.NewID(),
			CreatedAt:      h.now().UTC(),
			UserID:         req.UserID,
			OrganizationID: req.OrgID,
			Version:        model.MessageVersion,
			Priority:       model.PriorityNormal,
		},
		Params: model.DeploymentRequest{
			ProjectID:      req.ProjectID,
			OrganizationID: req.OrgID,
			UserID:         req.UserID,
			CustomDomain:   req.CustomDomain,
		},
	}

	if _, err := h.queue.Send(ctx, msg, queue.SendOptions{DeduplicationID: msg.Metadata.DeploymentID}); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := h.admission.Release(rctx, req.ProjectID, previous); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release deployment claim after enqueue failure")
		}
		writeServiceError(w, r, err)
		return
	}

	logger.Info().Str("deployment_id", msg.Metadata.DeploymentID).Msg("deployment accepted")
	response.WriteJSON(w, http.StatusAccepted, DeployResponse{Success: true, DeploymentID: msg.Metadata.DeploymentID})
}
