// Package engine decides, per build module, whether a container image
// already exists where it needs to be and, if not, builds and publishes it
// using the configured build mode.
package engine

import (
	"context"
	"fmt"
	"io"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	restclient "k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
	buildexec "github.com/openshift/cluster-builds/pkg/exec"
	"github.com/openshift/cluster-builds/pkg/podrunner"
	"github.com/openshift/cluster-builds/pkg/registry"
	"github.com/openshift/cluster-builds/pkg/rsync"
)

const (
	// DaemonDeployment is the deployment backing the persistent docker
	// daemon pod in remote-persistent-daemon mode.
	DaemonDeployment = "build-daemon"
	// daemonContainer is the container inside the daemon pod that has the
	// docker and skopeo CLIs.
	daemonContainer = "docker"

	// stagingMountPath is where the shared staging volume is mounted in the
	// sync daemon, the docker daemon, and ephemeral builder pods alike.
	// Remote build contexts live at <stagingMountPath>/<session>/<module>.
	stagingMountPath = "/data"
	// stagingClaimName is the PVC backing the staging volume.
	stagingClaimName = "build-sync-data"

	// probeTimeout and pushTimeout are fixed and independent of the module's
	// build timeout: registry round-trips are expected to be quick no matter
	// how complex the build is.
	probeTimeout = 1 * time.Minute
	pushTimeout  = 5 * time.Minute

	defaultBuildTimeout = 10 * time.Minute
)

// LocalBuilder is the local single-process docker build path. Only its
// status-check and build contracts are consumed here.
type LocalBuilder interface {
	Status(ctx context.Context, module *api.Module) (bool, error)
	// Build builds the module locally, tagging it with its local reference,
	// and returns the build log and the resulting image id.
	Build(ctx context.Context, module *api.Module) (log string, imageID string, err error)
}

// Fetcher pulls a pre-built image for modules that have nothing to build.
type Fetcher interface {
	Fetch(ctx context.Context, module *api.Module) (*api.BuildResult, error)
}

// Engine dispatches status checks and builds to the handler pair selected by
// the provider's build mode. It holds no per-build state; repeated calls are
// independent and never deduplicated here.
type Engine struct {
	client       kubernetes.Interface
	executor     buildexec.Interface
	runner       podrunner.Interface
	syncer       rsync.Interface
	localBuilder LocalBuilder
	fetcher      Fetcher
	docker       DockerClient
	localProbe   registry.CommandRunner
	loadImage    func(ctx context.Context, flavor api.ClusterFlavor, imageRef string) error

	// sessionID scopes remote staging paths so concurrent users of one
	// cluster cannot collide.
	sessionID string
	// logSink, when set, receives build output incrementally.
	logSink io.Writer
}

// Config wires an Engine. Client, RESTConfig and SessionID are required.
// LocalBuilder, Fetcher and Docker may be nil when the configuration never
// reaches the paths that need them; reaching such a path with a nil
// collaborator is an invariant violation.
type Config struct {
	Client       kubernetes.Interface
	RESTConfig   *restclient.Config
	SessionID    string
	LocalBuilder LocalBuilder
	Fetcher      Fetcher
	Docker       DockerClient
	LogSink      io.Writer
}

// New returns an Engine for the given configuration.
func New(cfg Config) *Engine {
	e := &Engine{
		client:       cfg.Client,
		executor:     buildexec.New(cfg.Client, cfg.RESTConfig),
		runner:       podrunner.New(cfg.Client),
		syncer:       rsync.New(cfg.Client, cfg.RESTConfig),
		localBuilder: cfg.LocalBuilder,
		fetcher:      cfg.Fetcher,
		docker:       cfg.Docker,
		localProbe:   registry.LocalRunner{},
		loadImage:    loadImageIntoCluster,
		sessionID:    cfg.SessionID,
		logSink:      cfg.LogSink,
	}
	return e
}

// GetBuildStatus reports whether the module's image already exists where the
// configured mode needs it. Modules without a Dockerfile have nothing to
// build and are trivially ready. The result is recomputed on every call.
func (e *Engine) GetBuildStatus(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildStatus, error) {
	if !module.HasDockerfile() {
		klog.V(4).Infof("Module %s has no Dockerfile, nothing to build", module.Name)
		return &api.BuildStatus{Ready: true}, nil
	}
	status, err := e.getBuildStatus(ctx, module, provider)
	if err != nil {
		return nil, fmt.Errorf("checking build status of module %s (mode %s): %w", module.Name, provider.BuildMode, err)
	}
	return status, nil
}

func (e *Engine) getBuildStatus(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildStatus, error) {
	switch provider.BuildMode {
	case api.BuildModeLocal:
		return e.localStatus(ctx, module, provider)
	case api.BuildModeDaemon:
		return e.daemonStatus(ctx, module, provider)
	case api.BuildModeKaniko:
		return e.kanikoStatus(ctx, module, provider)
	default:
		return nil, &api.ConfigInvariantError{Reason: fmt.Sprintf("unknown build mode %q", provider.BuildMode)}
	}
}

// Build produces the module's image via the configured mode and returns the
// cumulative build log. For modules without a Dockerfile it delegates to the
// image fetch path and performs no remote operation.
func (e *Engine) Build(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildResult, error) {
	start := time.Now()
	result, err := e.build(ctx, module, provider)
	observeBuild(provider.BuildMode, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("building module %s (mode %s): %w", module.Name, provider.BuildMode, err)
	}
	return result, nil
}

func (e *Engine) build(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildResult, error) {
	if !module.HasDockerfile() {
		klog.V(4).Infof("Module %s has no Dockerfile, fetching image instead", module.Name)
		if e.fetcher == nil {
			return nil, &api.ConfigInvariantError{Reason: "module has no Dockerfile but no image fetcher is wired"}
		}
		return e.fetcher.Fetch(ctx, module)
	}
	switch provider.BuildMode {
	case api.BuildModeLocal:
		return e.buildLocal(ctx, module, provider)
	case api.BuildModeDaemon, api.BuildModeKaniko:
		return e.buildRemote(ctx, module, provider)
	default:
		return nil, &api.ConfigInvariantError{Reason: fmt.Sprintf("unknown build mode %q", provider.BuildMode)}
	}
}

// buildRemote is shared by both remote modes. They differ only in how the
// compiled image reaches the registry; the surrounding protocol (registry
// target resolution, context sync, result shape) is identical.
func (e *Engine) buildRemote(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildResult, error) {
	// Resolve the registry target before touching the cluster: its absence
	// is an upstream validation bug, not something a remote call can fix.
	ref, err := e.remoteImageRef(module, provider)
	if err != nil {
		return nil, err
	}

	if err := e.syncer.Sync(ctx, provider.Namespace, module, e.sessionID); err != nil {
		return nil, err
	}

	if provider.BuildMode == api.BuildModeDaemon {
		return e.buildWithDaemon(ctx, module, provider, ref)
	}
	return e.buildWithKaniko(ctx, module, provider, ref)
}

// remoteImageRef returns the deployment registry reference for the module.
// A missing registry in a remote mode is an internal invariant violation:
// upstream validation guarantees it is set before a remote mode is active.
func (e *Engine) remoteImageRef(module *api.Module, provider *api.ProviderConfig) (string, error) {
	if provider.DeploymentRegistry == nil {
		return "", &api.ConfigInvariantError{
			Reason: fmt.Sprintf("build mode %s requires a deployment registry", provider.BuildMode),
		}
	}
	return api.DeploymentImageName(module, provider.DeploymentRegistry)
}

func (e *Engine) buildTimeout(module *api.Module) time.Duration {
	if module.BuildTimeout > 0 {
		return module.BuildTimeout
	}
	return defaultBuildTimeout
}

// stagingPath is the module's build context directory on the shared staging
// volume, as seen from inside the cluster.
func (e *Engine) stagingPath(module *api.Module) string {
	return fmt.Sprintf("%s/%s/%s", stagingMountPath, e.sessionID, module.Name)
}

// findBuilderPod looks up the running pod backing a known long-lived
// deployment. The pod is only discovered here, never created or destroyed;
// its absence is a fatal infrastructure problem.
func (e *Engine) findBuilderPod(ctx context.Context, namespace, deployment string) (buildexec.PodHandle, error) {
	pods, err := e.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + deployment,
	})
	if err != nil {
		return buildexec.PodHandle{}, &api.TransportError{Op: "listing pods for deployment " + deployment, Err: err}
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			return buildexec.PodHandle{Namespace: namespace, Name: p.Name}, nil
		}
	}
	return buildexec.PodHandle{}, &api.InfrastructureNotFoundError{Namespace: namespace, Deployment: deployment}
}
