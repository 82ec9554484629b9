package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKind is returned when a caller names a kind the registry does not hold.
	ErrUnknownKind = errors.New("unknown bot kind")

	// ErrAlreadyRunning is the idempotency guard on start.
	ErrAlreadyRunning = errors.New("bot already running")

	// ErrScriptNotFound is returned when a descriptor's executable is missing at launch time.
	ErrScriptNotFound = errors.New("bot script not found")

	// ErrLaunchFailed is the sentinel wrapped by LaunchError, for errors.Is checks.
	ErrLaunchFailed = errors.New("bot launch failed")
)

// LaunchError reports a process that exited within the post-launch liveness
// window. Detail carries the exit code plus the head of captured stderr.
type LaunchError struct {
	Kind     Kind
	ExitCode int
	Detail   string
}

func (e *LaunchError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("launch failed: %s exited with code %d", e.Kind, e.ExitCode)
	}
	return fmt.Sprintf("launch failed: %s exited with code %d: %s", e.Kind, e.ExitCode, e.Detail)
}

func (e *LaunchError) Unwrap() error { return ErrLaunchFailed }
