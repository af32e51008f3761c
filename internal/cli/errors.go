package cli

import (
	"errors"

	"bridgectl/internal/api"
	"bridgectl/internal/client"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (command failed, invalid arguments).
	ExitCodeError = 1
	// ExitCodeValidation indicates a validation check blocked the operation.
	ExitCodeValidation = 2
	// ExitCodeConflict indicates the bridge is busy with another configuration
	// or installation.
	ExitCodeConflict = 3
	// ExitCodeServerUnavailable indicates the command needs `bridgectl serve`.
	ExitCodeServerUnavailable = 4
)

// ExitCode determines the exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	var unavailable *client.ServerUnavailableError
	switch {
	case api.IsValidationError(err), api.IsInstallError(err, api.InstallPreconditionsNotMet):
		return ExitCodeValidation
	case api.IsConfigConflict(err),
		errors.Is(err, api.ErrInstallInProgress),
		errors.Is(err, api.ErrBridgeRunning):
		return ExitCodeConflict
	case errors.As(err, &unavailable):
		return ExitCodeServerUnavailable
	}
	return ExitCodeError
}

// NoBackendError is returned when a command needs a backend and none is
// selected by flag, project override, record or configuration.
type NoBackendError struct{}

func (e *NoBackendError) Error() string {
	return "no backend configured; pass --backend or run `bridgectl config set-default`"
}
