package registry

import (
	"context"
	"os/exec"
	"time"

	"github.com/openshift/cluster-builds/pkg/api"
	buildexec "github.com/openshift/cluster-builds/pkg/exec"
)

// LocalRunner runs the probe tool as a local subprocess.
type LocalRunner struct{}

func (LocalRunner) RunCommand(ctx context.Context, args []string) (int, string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), string(output), nil
		}
		return -1, string(output), &api.TransportError{Op: "running " + args[0], Err: err}
	}
	return 0, string(output), nil
}

// ExecRunner runs the probe tool inside a container of a running pod, with a
// fixed short timeout independent of any build timeout, since a registry
// round-trip has no business taking long.
type ExecRunner struct {
	Executor  buildexec.Interface
	Pod       buildexec.PodHandle
	Container string
	Timeout   time.Duration
}

func (r ExecRunner) RunCommand(ctx context.Context, args []string) (int, string, error) {
	result, err := r.Executor.Exec(ctx, r.Pod, r.Container, args, r.Timeout, nil)
	if err != nil {
		return -1, "", err
	}
	return result.ExitCode, result.CombinedOutput(), nil
}
