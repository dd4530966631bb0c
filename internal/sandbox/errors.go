package sandbox

import (
	"context"
	"errors"
	"fmt"
)

// Error classes. Wrap one of these so callers can tell "your command
// failed" (a CommandResult) from "the sandbox failed" (an error).
var (
	// ErrConfig is an invalid configuration, rejected before any engine starts.
	ErrConfig = errors.New("invalid configuration")
	// ErrAsset is a download or integrity failure in the asset cache.
	ErrAsset = errors.New("asset error")
	// ErrBoot means a microVM never reached Ready.
	ErrBoot = errors.New("sandbox boot failed")
	// ErrTimeout means a command exceeded its deadline and was killed.
	ErrTimeout = errors.New("sandbox timeout")
	// ErrCommunication is a broken host/guest transport.
	ErrCommunication = errors.New("sandbox communication failed")
	// ErrExecution means the engine could not run the command at all.
	ErrExecution = errors.New("sandbox execution failed")
	// ErrBackendUnavailable means the requested backend cannot run here.
	ErrBackendUnavailable = errors.New("backend not available")
	// ErrShutdown is returned by operations on a backend that was shut down.
	ErrShutdown = errors.New("sandbox is shut down")
)

// BackendUnavailableError names the backend and why it cannot run.
type BackendUnavailableError struct {
	Backend string
	Reason  string
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s not available: %s", e.Backend, e.Reason)
}

func (e *BackendUnavailableError) Is(target error) bool {
	return target == ErrBackendUnavailable
}

// IsInfrastructure reports whether err is a sandbox failure rather than
// a caller mistake.
func IsInfrastructure(err error) bool {
	for _, target := range []error{ErrBoot, ErrTimeout, ErrCommunication, ErrExecution, ErrShutdown} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorKind returns a short stable name for err's class, used in the
// CLI's JSON error output.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrBackendUnavailable):
		return "backend_unavailable"
	case errors.Is(err, ErrAsset):
		return "asset"
	case errors.Is(err, ErrBoot):
		return "boot"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCommunication):
		return "communication"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrShutdown):
		return "shutdown"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

// TimeoutError converts a context failure during execution into the
// matching sandbox error. Other errors pass through unchanged.
func TimeoutError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: command killed after deadline", ErrTimeout)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("command canceled: %w", context.Canceled)
	default:
		return err
	}
}
