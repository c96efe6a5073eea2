// Package api holds the data model shared by the build engine and its callers.
package api

import (
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// BuildMode selects where and how container image builds execute. The set is
// closed; dispatch over it is an exhaustive switch so that adding a mode is a
// compile-visible change rather than a runtime lookup miss.
type BuildMode string

const (
	// BuildModeLocal builds with the docker engine on the local machine.
	BuildModeLocal BuildMode = "local"
	// BuildModeDaemon builds inside a persistent shared docker daemon pod.
	BuildModeDaemon BuildMode = "remote-persistent-daemon"
	// BuildModeKaniko builds with kaniko running as an ephemeral pod.
	BuildModeKaniko BuildMode = "remote-isolated-builder"
)

// ClusterFlavor identifies the local development cluster variant, which
// determines how locally built images are loaded into the cluster's node
// image cache when no deployment registry is configured.
type ClusterFlavor string

const (
	ClusterFlavorKind     ClusterFlavor = "kind"
	ClusterFlavorMinikube ClusterFlavor = "minikube"
)

// Module is a single buildable unit of source plus build configuration. It is
// owned by the caller and treated as immutable for the duration of one build
// invocation.
type Module struct {
	// Name is the stable module name, used in image references and remote
	// staging paths.
	Name string `json:"name"`
	// Path is the absolute path to the module's source tree.
	Path string `json:"path"`
	// Dockerfile is the path of the Dockerfile relative to Path. Empty means
	// the default name "Dockerfile".
	Dockerfile string `json:"dockerfile,omitempty"`
	// Target is the build stage to stop at, if any.
	Target string `json:"target,omitempty"`
	// Include lists the files (relative to Path) that make up the build
	// context. Empty means the whole tree.
	Include []string `json:"include,omitempty"`
	// BuildTimeout bounds the outermost remote operation of one build call.
	BuildTimeout time.Duration `json:"buildTimeout,omitempty"`
	// Version is the content-addressed version identifier for the module.
	Version string `json:"version"`
}

// DockerfilePath returns the Dockerfile path relative to the module root,
// applying the default name.
func (m *Module) DockerfilePath() string {
	if m.Dockerfile != "" {
		return m.Dockerfile
	}
	return "Dockerfile"
}

// HasDockerfile reports whether the module declares a container build at all.
// Modules without a Dockerfile in their source tree have nothing to build and
// are trivially ready.
func (m *Module) HasDockerfile() bool {
	_, err := os.Stat(filepath.Join(m.Path, m.DockerfilePath()))
	return err == nil
}

// DeploymentRegistry is the remote image registry that builds are pushed to.
type DeploymentRegistry struct {
	// Hostname is the registry host, including port when non-standard.
	Hostname string `json:"hostname"`
	// Namespace is the repository prefix under the registry host.
	Namespace string `json:"namespace,omitempty"`
}

// ProviderConfig carries the cluster-level configuration the engine needs.
// It is validated upstream; the engine treats missing required fields as
// internal invariant violations.
type ProviderConfig struct {
	BuildMode BuildMode `json:"buildMode"`
	// DeploymentRegistry is required for the remote build modes.
	DeploymentRegistry *DeploymentRegistry `json:"deploymentRegistry,omitempty"`
	// ClusterFlavor only affects local-mode post-build image loading.
	ClusterFlavor ClusterFlavor `json:"clusterFlavor,omitempty"`
	// Namespace is where the build support workloads (sync daemon, docker
	// daemon, ephemeral builder pods) live.
	Namespace string `json:"namespace,omitempty"`
	// InClusterRegistry indicates the deployment registry is the in-cluster
	// unauthenticated one, which requires insecure TLS flags on the tools
	// and registry traffic to be proxied from inside builder pods.
	InClusterRegistry bool `json:"inClusterRegistry,omitempty"`
	// BuildKit enables the docker daemon's experimental BuildKit builder.
	BuildKit bool `json:"buildKit,omitempty"`
	// BuilderResources are applied to the isolated builder container.
	BuilderResources corev1.ResourceRequirements `json:"builderResources,omitempty"`
}

// BuildStatus answers "is the built image already where it needs to be?".
// It is recomputed on every check and never cached by the engine.
type BuildStatus struct {
	Ready bool `json:"ready"`
}

// BuildDetails carries extra identifying information about a build output.
type BuildDetails struct {
	// Identifier is the image reference or id the build produced.
	Identifier string `json:"identifier"`
}

// BuildResult is the outcome of one build call.
type BuildResult struct {
	BuildLog string        `json:"buildLog"`
	Fetched  bool          `json:"fetched"`
	Fresh    bool          `json:"fresh"`
	Version  string        `json:"version"`
	Details  *BuildDetails `json:"details,omitempty"`
}
