package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
	"github.com/openshift/cluster-builds/pkg/registry"
)

// DockerClient is the subset of the docker engine API the local mode needs
// for tagging and pushing. Satisfied by *docker.Client.
type DockerClient interface {
	TagImage(name string, opts docker.TagImageOptions) error
	PushImage(opts docker.PushImageOptions, auth docker.AuthConfiguration) error
}

// localStatus checks the deployment registry when one is configured, since
// that is where local-mode builds ultimately land; otherwise it falls back
// to the local docker path's own status contract.
func (e *Engine) localStatus(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildStatus, error) {
	if provider.DeploymentRegistry != nil {
		ref, err := api.DeploymentImageName(module, provider.DeploymentRegistry)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		defer cancel()
		present, err := registry.New(e.localProbe).Probe(ctx, ref, provider.InClusterRegistry)
		observeProbe(present, err)
		if err != nil {
			return nil, err
		}
		return &api.BuildStatus{Ready: present}, nil
	}

	if e.localBuilder == nil {
		return nil, &api.ConfigInvariantError{Reason: "local build mode active but no local builder wired"}
	}
	ready, err := e.localBuilder.Status(ctx, module)
	if err != nil {
		return nil, err
	}
	return &api.BuildStatus{Ready: ready}, nil
}

// buildLocal delegates the build itself to the local docker path, then makes
// the image reachable by the cluster: pushed to the deployment registry when
// one is configured, or loaded straight into the development cluster's node
// image cache when not.
func (e *Engine) buildLocal(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildResult, error) {
	if e.localBuilder == nil {
		return nil, &api.ConfigInvariantError{Reason: "local build mode active but no local builder wired"}
	}

	log, imageID, err := e.localBuilder.Build(ctx, module)
	if err != nil {
		return nil, err
	}
	localRef, err := api.DeploymentImageName(module, nil)
	if err != nil {
		return nil, err
	}

	if provider.DeploymentRegistry == nil {
		if provider.ClusterFlavor != "" {
			if err := e.loadImage(ctx, provider.ClusterFlavor, localRef); err != nil {
				return nil, err
			}
		}
		return &api.BuildResult{
			BuildLog: log,
			Fresh:    true,
			Version:  module.Version,
			Details:  &api.BuildDetails{Identifier: imageID},
		}, nil
	}

	remoteRef, err := api.DeploymentImageName(module, provider.DeploymentRegistry)
	if err != nil {
		return nil, err
	}
	repo, tag := splitRepoTag(remoteRef)

	if e.docker == nil {
		return nil, &api.ConfigInvariantError{Reason: "deployment registry configured but no docker client wired"}
	}
	if err := e.docker.TagImage(localRef, docker.TagImageOptions{Repo: repo, Tag: tag, Force: true}); err != nil {
		return nil, fmt.Errorf("tagging %s as %s: %v", localRef, remoteRef, err)
	}
	var pushOut bytes.Buffer
	err = e.docker.PushImage(docker.PushImageOptions{
		Name:              repo,
		Tag:               tag,
		OutputStream:      &pushOut,
		InactivityTimeout: pushTimeout,
		Context:           ctx,
	}, docker.AuthConfiguration{})
	log += pushOut.String()
	if err != nil {
		return nil, fmt.Errorf("pushing %s: %v", remoteRef, err)
	}

	return &api.BuildResult{
		BuildLog: log,
		Fresh:    true,
		Version:  module.Version,
		Details:  &api.BuildDetails{Identifier: remoteRef},
	}, nil
}

// loadImageIntoCluster copies a locally built image into the dev cluster's
// node image cache, using whichever loading mechanism the flavor supports.
func loadImageIntoCluster(ctx context.Context, flavor api.ClusterFlavor, imageRef string) error {
	var args []string
	switch flavor {
	case api.ClusterFlavorKind:
		args = []string{"kind", "load", "docker-image", imageRef}
	case api.ClusterFlavorMinikube:
		args = []string{"minikube", "image", "load", imageRef}
	default:
		return &api.ConfigInvariantError{Reason: fmt.Sprintf("unknown cluster flavor %q", flavor)}
	}
	klog.V(4).Infof("Loading image into cluster: %v", args)
	output, err := exec.CommandContext(ctx, args[0], args[1:]...).CombinedOutput()
	if err != nil {
		return &api.RemoteCommandError{Command: args, Output: string(output), ExitCode: exitCode(err)}
	}
	return nil
}

func exitCode(err error) int {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

func splitRepoTag(ref string) (repo, tag string) {
	i := strings.LastIndex(ref, ":")
	if i < 0 || strings.Contains(ref[i:], "/") {
		return ref, "latest"
	}
	return ref[:i], ref[i+1:]
}
