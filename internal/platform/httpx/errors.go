// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/ngsnet/billing/internal/shared"
)

// ErrBadRequest marks malformed requests rejected before reaching a service.
var ErrBadRequest = errors.New("bad request")

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		JSON(w, http.StatusUnprocessableEntity, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: verr.Error(),
			Fields: verr.Fields,
		})
	case errors.Is(err, ErrBadRequest), errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrUniqueConstraint):
		Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrStoreIO):
		Problem(w, http.StatusServiceUnavailable, "Service Unavailable", shared.UserSafeMessage(err))
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
