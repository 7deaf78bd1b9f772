package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/edvin/edgedeploy/internal/model"
)

func TestDeployment_Get(t *testing.T) {
	states := new(mockStateReader)
	url := "https://p1-worker.workers.dev"
	completed := time.Date(2026, 5, 1, 10, 5, 0, 0, time.UTC)
	states.On("GetStateByProject", mock.Anything, "p1", "d-1").Return(&model.DeploymentState{
		ID:          "d-1",
		ProjectID:   "p1",
		Status:      model.WorkflowCompleted,
		Progress:    100,
		Stage:       "completed",
		CompletedAt: &completed,
		WorkerURL:   &url,
		StepResults: map[model.StepName]model.StepResult{},
	}, nil)
	h := NewDeployment(states)

	rec := httptest.NewRecorder()
	r := withChiURLParam(newRequest(http.MethodGet, "/deployments/p1?deploymentId=d-1", nil), "projectId", "p1")
	h.Get(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "COMPLETED", body["status"])
	assert.Equal(t, float64(100), body["progress"])
	assert.Equal(t, url, body["workerUrl"])
	assert.Equal(t, "d-1", body["id"])
}

func TestDeployment_Get_NotFound(t *testing.T) {
	states := new(mockStateReader)
	states.On("GetStateByProject", mock.Anything, "missing", "").Return(nil, nil)
	h := NewDeployment(states)

	rec := httptest.NewRecorder()
	h.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/deployments/missing", nil), "projectId", "missing"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeployment_Get_InvalidID(t *testing.T) {
	h := NewDeployment(new(mockStateReader))

	rec := httptest.NewRecorder()
	h.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/deployments/x", nil), "projectId", "bad id"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeployment_Get_StoreError(t *testing.T) {
	states := new(mockStateReader)
	states.On("GetStateByProject", mock.Anything, "p1", "").Return(nil, errors.New("connection reset"))
	h := NewDeployment(states)

	rec := httptest.NewRecorder()
	h.Get(rec, withChiURLParam(newRequest(http.MethodGet, "/deployments/p1", nil), "projectId", "p1"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
