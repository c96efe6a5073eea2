package main

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	docker "github.com/fsouza/go-dockerclient"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
	"github.com/openshift/cluster-builds/pkg/engine"
)

// dockerCLIBuilder satisfies the engine's local build collaborator with the
// docker CLI on the invoking machine.
type dockerCLIBuilder struct{}

func newDockerCLIBuilder() dockerCLIBuilder { return dockerCLIBuilder{} }

func (dockerCLIBuilder) Status(ctx context.Context, module *api.Module) (bool, error) {
	ref, err := api.DeploymentImageName(module, nil)
	if err != nil {
		return false, err
	}
	err = exec.CommandContext(ctx, "docker", "image", "inspect", ref).Run()
	return err == nil, nil
}

func (dockerCLIBuilder) Build(ctx context.Context, module *api.Module) (string, string, error) {
	ref, err := api.DeploymentImageName(module, nil)
	if err != nil {
		return "", "", err
	}
	args := []string{"build", "-t", ref, "-f", filepath.Join(module.Path, module.DockerfilePath())}
	if module.Target != "" {
		args = append(args, "--target", module.Target)
	}
	args = append(args, module.Path)
	klog.V(2).Infof("Building locally: docker %s", strings.Join(args, " "))
	output, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return string(output), "", fmt.Errorf("docker build failed: %v:\n%s", err, output)
	}

	id, err := exec.CommandContext(ctx, "docker", "image", "inspect", "--format", "{{.Id}}", ref).Output()
	if err != nil {
		return string(output), "", fmt.Errorf("resolving built image id: %v", err)
	}
	return string(output), strings.TrimSpace(string(id)), nil
}

// dockerCLIFetcher pulls images for modules that have nothing to build.
type dockerCLIFetcher struct{}

func (dockerCLIFetcher) Fetch(ctx context.Context, module *api.Module) (*api.BuildResult, error) {
	ref := module.Name + ":" + module.Version
	output, err := exec.CommandContext(ctx, "docker", "pull", ref).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker pull %s: %v:\n%s", ref, err, output)
	}
	return &api.BuildResult{
		BuildLog: string(output),
		Fetched:  true,
		Version:  module.Version,
		Details:  &api.BuildDetails{Identifier: ref},
	}, nil
}

// newDockerClient connects to the local docker engine for tag and push in
// local mode. A nil client is fine when local mode is never used.
func newDockerClient() engine.DockerClient {
	client, err := docker.NewClientFromEnv()
	if err != nil {
		klog.V(2).Infof("Docker engine not reachable, local mode unavailable: %v", err)
		return nil
	}
	return client
}
