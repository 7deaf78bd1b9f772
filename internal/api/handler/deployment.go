package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edvin/edgedeploy/internal/api/request"
	"github.com/edvin/edgedeploy/internal/api/response"
	"github.com/edvin/edgedeploy/internal/model"
)

// StateReader rebuilds the observable state of a project's deployment.
type StateReader interface {
	GetStateByProject(ctx context.Context, projectID, deploymentID string) (*model.DeploymentState, error)
}

type Deployment struct {
	states StateReader
}

func NewDeployment(states StateReader) *Deployment {
	return &Deployment{states: states}
}

// Get returns the deployment state of a project. The optional deploymentId
// query parameter is echoed as the state id.
func (h *Deployment) Get(w http.ResponseWriter, r *http.Request) {
	projectID, err := request.RequireID(chi.URLParam(r, "projectId"))
	if err != nil {
		response.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	state, err := h.states.GetStateByProject(r.Context(), projectID, r.URL.Query().Get("deploymentId"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if state == nil {
		response.WriteError(w, http.StatusNotFound, "project "+projectID+" not found")
		return
	}
	response.WriteJSON(w, http.StatusOK, state)
}
