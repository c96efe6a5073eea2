package api

import (
	"fmt"
	"strings"
	"time"
)

// ConfigInvariantError reports configuration that should have been validated
// upstream but wasn't there when the engine needed it. It is a programmer
// error, always fatal, never retried.
type ConfigInvariantError struct {
	Reason string
}

func (e *ConfigInvariantError) Error() string {
	return fmt.Sprintf("configuration invariant violated: %s", e.Reason)
}

// InfrastructureNotFoundError reports that an expected long-lived support
// workload (build daemon or sync pod) is absent from the cluster. Retrying
// cannot fix a topology problem, so this is fatal and never retried.
type InfrastructureNotFoundError struct {
	Namespace  string
	Deployment string
}

func (e *InfrastructureNotFoundError) Error() string {
	return fmt.Sprintf("no running pod found for deployment %s/%s", e.Namespace, e.Deployment)
}

// RemoteCommandError reports a non-zero exit from a remote tool that does not
// match any known benign output marker. The full command and raw output are
// kept because diagnosing remote failures without them is impractical.
type RemoteCommandError struct {
	Command  []string
	Output   string
	ExitCode int
}

func (e *RemoteCommandError) Error() string {
	return fmt.Sprintf("command %q exited with code %d:\n%s",
		strings.Join(e.Command, " "), e.ExitCode, e.Output)
}

// TransportError reports a connection or tunnel failure. Only the context
// sync step retries these; everywhere else they are fatal.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError reports that an operation exceeded its allotted duration. The
// remote process may still be running; callers must treat its eventual
// outcome as indeterminate, not failed. PartialLog carries whatever output
// was captured before the deadline.
type TimeoutError struct {
	Op         string
	Duration   time.Duration
	PartialLog string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Duration)
}
