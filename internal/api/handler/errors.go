package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/edvin/edgedeploy/internal/api/response"
	"github.com/edvin/edgedeploy/internal/deployerr"
)

// writeServiceError maps the error taxonomy onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		valErr   *deployerr.ValidationError
		queueErr *deployerr.QueueError
	)
	switch {
	case errors.As(err, &valErr):
		response.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, deployerr.ErrNotFound):
		response.WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, deployerr.ErrConflict):
		response.WriteError(w, http.StatusConflict, err.Error())
	case errors.As(err, &queueErr):
		response.WriteError(w, http.StatusServiceUnavailable, "deployment queue unavailable")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		response.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}
