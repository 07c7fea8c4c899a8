package rest

import (
	"errors"
	"net/http"

	"github.com/remaestro/deplyx/internal/models"
)

// APIError is the structured error body every failed request returns.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

const (
	ErrCodeInvalidRequest   = "INVALID_REQUEST"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeConflict         = "CONFLICT"
	ErrCodePolicyBlocked    = "POLICY_BLOCKED"
	ErrCodeOutsideWindow    = "OUTSIDE_MAINTENANCE_WINDOW"
	ErrCodeConnectorFailure = "CONNECTOR_FAILURE"
	ErrCodeInternalError    = "INTERNAL_ERROR"
)

// respondError maps domain errors onto HTTP statuses and a stable error code.
func respondError(w http.ResponseWriter, err error) {
	var (
		validation *models.ValidationError
		notFound   *models.NotFoundError
		emptyTgt   *models.EmptyTargetError
		blocked    *models.PolicyBlockedError
		forbidden  *models.TransitionForbiddenError
		decided    *models.ApprovalAlreadyDecidedError
		window     *models.MaintenanceWindowViolationError
		syncErr    *models.ConnectorSyncError
		invariant  *models.GraphInvariantError
	)

	status, code := http.StatusInternalServerError, ErrCodeInternalError
	switch {
	case errors.As(err, &validation), errors.As(err, &emptyTgt):
		status, code = http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.As(err, &notFound):
		status, code = http.StatusNotFound, ErrCodeNotFound
	case errors.As(err, &blocked):
		status, code = http.StatusUnprocessableEntity, ErrCodePolicyBlocked
	case errors.As(err, &forbidden), errors.As(err, &decided):
		status, code = http.StatusConflict, ErrCodeConflict
	case errors.As(err, &window):
		status, code = http.StatusConflict, ErrCodeOutsideWindow
	case errors.As(err, &syncErr):
		status, code = http.StatusBadGateway, ErrCodeConnectorFailure
	case errors.As(err, &invariant):
		status, code = http.StatusUnprocessableEntity, ErrCodeInvalidRequest
	}

	respondJSON(w, status, APIError{Error: err.Error(), Code: code})
}

func respondBadRequest(w http.ResponseWriter, message string) {
	respondJSON(w, http.StatusBadRequest, APIError{Error: message, Code: ErrCodeInvalidRequest})
}
