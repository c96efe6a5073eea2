package engine

import (
	"context"

	"github.com/openshift/cluster-builds/pkg/api"
	"github.com/openshift/cluster-builds/pkg/registry"
)

// The persistent daemon pod is a shared mutable resource with no locking:
// concurrent builds routed to the same daemon interleave at the docker
// level. That is a known hazard of this mode, not a guarantee; callers
// needing isolation should use the isolated-builder mode, which gives every
// build its own pod.

func (e *Engine) daemonStatus(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildStatus, error) {
	ref, err := e.remoteImageRef(module, provider)
	if err != nil {
		return nil, err
	}
	pod, err := e.findBuilderPod(ctx, provider.Namespace, DaemonDeployment)
	if err != nil {
		return nil, err
	}
	prober := registry.New(registry.ExecRunner{
		Executor:  e.executor,
		Pod:       pod,
		Container: daemonContainer,
		Timeout:   probeTimeout,
	})
	present, err := prober.Probe(ctx, ref, provider.InClusterRegistry)
	observeProbe(present, err)
	if err != nil {
		return nil, err
	}
	return &api.BuildStatus{Ready: present}, nil
}

// buildWithDaemon execs a build and then a push inside the shared daemon
// pod. The build is bounded by the module's build timeout; the push by the
// fixed push timeout. Both outputs append to one cumulative build log.
func (e *Engine) buildWithDaemon(ctx context.Context, module *api.Module, provider *api.ProviderConfig, ref string) (*api.BuildResult, error) {
	pod, err := e.findBuilderPod(ctx, provider.Namespace, DaemonDeployment)
	if err != nil {
		return nil, err
	}

	ctxPath := e.stagingPath(module)
	buildArgs := []string{"docker", "build", "-t", ref, "-f", ctxPath + "/" + module.DockerfilePath()}
	if module.Target != "" {
		buildArgs = append(buildArgs, "--target", module.Target)
	}
	buildArgs = append(buildArgs, ctxPath)
	if provider.BuildKit {
		buildArgs = append([]string{"env", "DOCKER_BUILDKIT=1"}, buildArgs...)
	}

	buildRes, err := e.executor.Exec(ctx, pod, daemonContainer, buildArgs, e.buildTimeout(module), e.logSink)
	if err != nil {
		return nil, err
	}
	buildLog := buildRes.CombinedOutput()
	if buildRes.ExitCode != 0 {
		return nil, &api.RemoteCommandError{Command: buildRes.Command, Output: buildLog, ExitCode: buildRes.ExitCode}
	}

	pushRes, err := e.executor.Exec(ctx, pod, daemonContainer, []string{"docker", "push", ref}, pushTimeout, e.logSink)
	if err != nil {
		return nil, err
	}
	buildLog += pushRes.CombinedOutput()
	if pushRes.ExitCode != 0 {
		return nil, &api.RemoteCommandError{Command: pushRes.Command, Output: pushRes.CombinedOutput(), ExitCode: pushRes.ExitCode}
	}

	return &api.BuildResult{
		BuildLog: buildLog,
		Fresh:    true,
		Version:  module.Version,
		Details:  &api.BuildDetails{Identifier: ref},
	}, nil
}
