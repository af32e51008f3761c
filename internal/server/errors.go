package server

import (
	"errors"
	"net/http"

	"bridgectl/internal/api"
)

// Error codes carried by ErrorResponse.
const (
	CodeBadRequest        = "bad_request"
	CodeValidationFailed  = "validation_failed"
	CodeConfigConflict    = "config_conflict"
	CodeInstallInProgress = "install_in_progress"
	CodeInstallFailed     = "install_failed"
	CodeBridgeRunning     = "bridge_running"
	CodeNotAutomatable    = "not_automatable"
	CodeUnknownBackend    = "unknown_backend"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	FailureKind api.FailureKind       `json:"failure_kind,omitempty"`
	Candidate   string                `json:"candidate,omitempty"`
	Failures    []api.ValidationCheck `json:"failures,omitempty"`

	Active    *api.BackendConfig `json:"active,omitempty"`
	Requested *api.BackendConfig `json:"requested,omitempty"`

	InstallKind api.InstallErrorKind `json:"install_kind,omitempty"`
	SessionID   string               `json:"session_id,omitempty"`
	Step        string               `json:"step,omitempty"`

	ResourceType string `json:"resource_type,omitempty"`
	ResourceName string `json:"resource_name,omitempty"`
}

// toResponse maps err to a status code and body.
func toResponse(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Code: CodeInternal}

	var (
		validationErr *api.ValidationError
		conflictErr   *api.ConfigConflictError
		installErr    *api.InstallError
		notFoundErr   *api.NotFoundError
	)
	switch {
	case errors.As(err, &validationErr):
		resp.Code = CodeValidationFailed
		resp.FailureKind = validationErr.Kind
		resp.Candidate = validationErr.Candidate
		resp.Failures = validationErr.Failures
		return http.StatusUnprocessableEntity, resp
	case errors.As(err, &conflictErr):
		resp.Code = CodeConfigConflict
		resp.Active = &conflictErr.Active
		resp.Requested = &conflictErr.Requested
		return http.StatusConflict, resp
	case errors.Is(err, api.ErrInstallInProgress):
		resp.Code = CodeInstallInProgress
		return http.StatusConflict, resp
	case errors.Is(err, api.ErrBridgeRunning):
		resp.Code = CodeBridgeRunning
		return http.StatusConflict, resp
	case errors.Is(err, api.ErrNotAutomatable):
		resp.Code = CodeNotAutomatable
		return http.StatusBadRequest, resp
	case errors.Is(err, api.ErrUnknownBackend):
		resp.Code = CodeUnknownBackend
		return http.StatusBadRequest, resp
	case errors.As(err, &installErr):
		resp.Code = CodeInstallFailed
		resp.InstallKind = installErr.Kind
		resp.SessionID = installErr.SessionID
		resp.Step = installErr.Step
		if installErr.Kind == api.InstallPreconditionsNotMet {
			return http.StatusUnprocessableEntity, resp
		}
		return http.StatusInternalServerError, resp
	case errors.As(err, &notFoundErr):
		resp.Code = CodeNotFound
		resp.ResourceType = notFoundErr.ResourceType
		resp.ResourceName = notFoundErr.ResourceName
		return http.StatusNotFound, resp
	}
	return http.StatusInternalServerError, resp
}

// AsError rebuilds the typed error described by the response.
func (r ErrorResponse) AsError() error {
	switch r.Code {
	case CodeValidationFailed:
		return &api.ValidationError{Kind: r.FailureKind, Candidate: r.Candidate, Failures: r.Failures}
	case CodeConfigConflict:
		if r.Active != nil && r.Requested != nil {
			return &api.ConfigConflictError{Active: *r.Active, Requested: *r.Requested}
		}
	case CodeInstallInProgress:
		return api.ErrInstallInProgress
	case CodeBridgeRunning:
		return api.ErrBridgeRunning
	case CodeNotAutomatable:
		return api.ErrNotAutomatable
	case CodeUnknownBackend:
		return api.ErrUnknownBackend
	case CodeInstallFailed:
		return &api.InstallError{Kind: r.InstallKind, SessionID: r.SessionID, Step: r.Step, Cause: errors.New(r.Error)}
	case CodeNotFound:
		return api.NewNotFoundError(r.ResourceType, r.ResourceName)
	}
	return errors.New(r.Error)
}
