package lifecycle

import "errors"

// Error taxonomy for the Lifecycle Controller (spec §7), stable across
// the containerized, null, and local-process-fallback variants.
var (
	ErrNotFound                 = errors.New("unknown app id")
	ErrNoPortsAvailable         = errors.New("no ports available")
	ErrStartupTimeout           = errors.New("dev server did not become ready before startup timeout")
	ErrContainerizationDisabled = errors.New("containerization disabled")
)

// StartFailed reports that the engine observed the container exit
// during startup, before a readiness signal was seen.
type StartFailed struct {
	AppID  string
	Reason string
}

func (e *StartFailed) Error() string {
	return "start failed for " + e.AppID + ": " + e.Reason
}
