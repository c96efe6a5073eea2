package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/pborman/uuid"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/openshift/cluster-builds/pkg/api"
	"github.com/openshift/cluster-builds/pkg/podrunner"
	"github.com/openshift/cluster-builds/pkg/registry"
	"github.com/openshift/cluster-builds/pkg/sidecar"
)

const (
	// kanikoImage must be the debug variant: the handshake scripts need its
	// busybox shell.
	kanikoImage = "gcr.io/kaniko-project/executor:v1.9.1-debug"
	skopeoImage = "quay.io/skopeo/stable:v1.13.3"
	socatImage  = "docker.io/alpine/socat:1.7.4.4"

	kanikoContainer = "builder"
	proxyContainer  = "registry-proxy"

	// registryProxyPort is where the socat sidecar listens inside the pod,
	// standing in for the in-cluster registry.
	registryProxyPort = 5000

	defaultRegistryPort = 5000
)

func (e *Engine) kanikoStatus(ctx context.Context, module *api.Module, provider *api.ProviderConfig) (*api.BuildStatus, error) {
	ref, err := e.remoteImageRef(module, provider)
	if err != nil {
		return nil, err
	}
	prober := registry.New(&podProbeRunner{
		runner:    e.runner,
		namespace: provider.Namespace,
	})
	present, err := prober.Probe(ctx, ref, provider.InClusterRegistry)
	observeProbe(present, err)
	if err != nil {
		return nil, err
	}
	return &api.BuildStatus{Ready: present}, nil
}

// buildWithKaniko runs one ephemeral pod per build: the kaniko executor,
// plus, when pushing to the in-cluster registry, a socat proxy sidecar
// coordinated through the marker handshake.
func (e *Engine) buildWithKaniko(ctx context.Context, module *api.Module, provider *api.ProviderConfig, ref string) (*api.BuildResult, error) {
	pod, kanikoArgs := e.kanikoPod(module, provider, ref)

	result, err := e.runner.Run(ctx, pod, podrunner.Options{
		PrimaryContainer: kanikoContainer,
		Timeout:          e.buildTimeout(module),
		Interactive:      e.logSink != nil,
		Sink:             e.logSink,
	})
	if err != nil {
		return nil, err
	}
	if !result.Success {
		return nil, &api.RemoteCommandError{Command: kanikoArgs, Output: result.CombinedLog, ExitCode: 1}
	}
	return &api.BuildResult{
		BuildLog: result.CombinedLog,
		Fresh:    true,
		Version:  module.Version,
	}, nil
}

// kanikoPod composes the builder pod spec and returns it along with the
// kaniko argument vector (kept for error reporting).
func (e *Engine) kanikoPod(module *api.Module, provider *api.ProviderConfig, destination string) (*corev1.Pod, []string) {
	timeout := e.buildTimeout(module)
	proxied := provider.InClusterRegistry

	dest := destination
	if proxied {
		dest = proxiedReference(destination, provider.DeploymentRegistry)
	}

	kanikoArgs := []string{
		"/kaniko/executor",
		"--context=dir://" + e.stagingPath(module),
		"--dockerfile=" + module.DockerfilePath(),
		"--destination=" + dest,
		"--cache=true",
	}
	if module.Target != "" {
		kanikoArgs = append(kanikoArgs, "--target="+module.Target)
	}
	if proxied {
		kanikoArgs = append(kanikoArgs, "--insecure", "--skip-tls-verify")
	}

	// The builder signals completion through an EXIT trap so the proxy's
	// teardown stage sees the done marker even when kaniko fails.
	var script []string
	if proxied {
		script = append(script,
			sidecar.SignalOnExitScript(sidecar.MarkerBuildDone),
			sidecar.WaitScript(sidecar.MarkerProxyReady, timeout),
		)
	}
	script = append(script, strings.Join(kanikoArgs, " "))

	builder := corev1.Container{
		Name:      kanikoContainer,
		Image:     kanikoImage,
		Command:   []string{"/busybox/sh", "-c", strings.Join(script, "; ")},
		Resources: provider.BuilderResources,
		VolumeMounts: []corev1.VolumeMount{
			{Name: "staging", MountPath: stagingMountPath, ReadOnly: true},
		},
	}

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName("kaniko", module.Name),
			Namespace: provider.Namespace,
			Labels:    map[string]string{"app": "cluster-builds", "module": module.Name},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers:    []corev1.Container{builder},
			Volumes: []corev1.Volume{
				{
					Name: "staging",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: stagingClaimName,
						},
					},
				},
			},
		},
	}

	if proxied {
		pod.Spec.Containers[0].VolumeMounts = append(pod.Spec.Containers[0].VolumeMounts, sidecar.VolumeMount())

		// The proxy starts socat in the background, signals readiness, and
		// tears socat down only once the builder's done marker appears.
		proxyScript := fmt.Sprintf("socat TCP-LISTEN:%d,fork,reuseaddr TCP:%s & %s; %s; kill %%1",
			registryProxyPort,
			registryEndpoint(provider.DeploymentRegistry),
			sidecar.SignalScript(sidecar.MarkerProxyReady),
			sidecar.WaitScript(sidecar.MarkerBuildDone, timeout),
		)
		pod.Spec.Containers = append(pod.Spec.Containers, corev1.Container{
			Name:         proxyContainer,
			Image:        socatImage,
			Command:      []string{"sh", "-c", proxyScript},
			VolumeMounts: []corev1.VolumeMount{sidecar.VolumeMount()},
		})
		pod.Spec.Volumes = append(pod.Spec.Volumes, sidecar.Volume())
	}

	return pod, kanikoArgs
}

// podProbeRunner runs the probe tool in a short-lived pod. The pod API only
// surfaces success or failure, not the real exit code; absence detection
// keys on the output markers, so that is sufficient.
type podProbeRunner struct {
	runner    podrunner.Interface
	namespace string
}

func (r *podProbeRunner) RunCommand(ctx context.Context, args []string) (int, string, error) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName("skopeo", "probe"),
			Namespace: r.namespace,
			Labels:    map[string]string{"app": "cluster-builds"},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "skopeo",
				Image:   skopeoImage,
				Command: args,
			}},
		},
	}
	result, err := r.runner.Run(ctx, pod, podrunner.Options{PrimaryContainer: "skopeo", Timeout: probeTimeout})
	if err != nil {
		return -1, "", err
	}
	if result.Success {
		return 0, result.CombinedLog, nil
	}
	return 1, result.CombinedLog, nil
}

// proxiedReference rewrites an image reference so pushes go through the
// local socat listener instead of directly to the in-cluster registry.
func proxiedReference(ref string, reg *api.DeploymentRegistry) string {
	local := fmt.Sprintf("127.0.0.1:%d", registryProxyPort)
	return local + strings.TrimPrefix(ref, reg.Hostname)
}

// registryEndpoint returns host:port for the in-cluster registry service.
func registryEndpoint(reg *api.DeploymentRegistry) string {
	if strings.Contains(reg.Hostname, ":") {
		return reg.Hostname
	}
	return fmt.Sprintf("%s:%d", reg.Hostname, defaultRegistryPort)
}

func podName(prefix, qualifier string) string {
	return fmt.Sprintf("%s-%s-%s", prefix, qualifier, uuid.NewRandom().String()[:8])
}
