// Package rsync pushes a module's build context to the shared staging volume
// in the cluster, over a port-forwarded tunnel to the sync daemon pod.
package rsync

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	restclient "k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
)

const (
	// DeploymentName is the deployment backing the rsync daemon pod.
	DeploymentName = "build-sync"
	// DaemonPort is the rsync daemon port inside the sync pod.
	DaemonPort = 873
	// daemonModule is the module name in the daemon's rsyncd.conf, mapped to
	// the shared staging volume.
	daemonModule = "volume"

	maxAttempts = 3
)

var retryBackoff = time.Second

// Interface is implemented by anything that can push a build context.
type Interface interface {
	Sync(ctx context.Context, namespace string, module *api.Module, session string) error
}

// Syncer pushes build contexts with the rsync CLI through a client-go
// port-forward tunnel.
type Syncer struct {
	client kubernetes.Interface

	// seams for tests
	openTunnel func(ctx context.Context, namespace, pod string, remotePort int) (localPort int, stop func(), err error)
	runRsync   func(ctx context.Context, module *api.Module, dest string) error
}

// New returns a Syncer that tunnels to sync pods using config.
func New(client kubernetes.Interface, config *restclient.Config) *Syncer {
	s := &Syncer{client: client}
	s.openTunnel = func(ctx context.Context, ns, pod string, remotePort int) (int, func(), error) {
		return openPortForward(config, client, ns, pod, remotePort)
	}
	s.runRsync = runRsyncCommand
	return s
}

// Sync transfers the module's build context to the staging volume under a
// per-session, per-module subdirectory, mirroring the local tree exactly
// (extraneous remote files are deleted). A missing sync pod is fatal and not
// retried; transient tunnel or transfer failures are retried up to three
// attempts with a short backoff before surfacing as a TransportError.
func (s *Syncer) Sync(ctx context.Context, namespace string, module *api.Module, session string) error {
	pod, err := s.findSyncPod(ctx, namespace)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			klog.V(2).Infof("Retrying context sync for module %s (attempt %d/%d): %v",
				module.Name, attempt, maxAttempts, lastErr)
			select {
			case <-ctx.Done():
				return &api.TransportError{Op: "syncing build context for module " + module.Name, Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(retryBackoff):
			}
		}
		if lastErr = s.attempt(ctx, namespace, pod, module, session); lastErr == nil {
			return nil
		}
	}
	return &api.TransportError{Op: "syncing build context for module " + module.Name, Attempts: maxAttempts, Err: lastErr}
}

func (s *Syncer) attempt(ctx context.Context, namespace, pod string, module *api.Module, session string) error {
	localPort, stop, err := s.openTunnel(ctx, namespace, pod, DaemonPort)
	if err != nil {
		return err
	}
	defer stop()

	dest := fmt.Sprintf("rsync://127.0.0.1:%d/%s/%s/%s/", localPort, daemonModule, session, module.Name)
	klog.V(4).Infof("Syncing %s to %s", module.Path, dest)
	return s.runRsync(ctx, module, dest)
}

// findSyncPod locates a running pod backing the sync deployment. Its absence
// is a topology problem that retrying cannot fix.
func (s *Syncer) findSyncPod(ctx context.Context, namespace string) (string, error) {
	pods, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "app=" + DeploymentName,
	})
	if err != nil {
		return "", &api.TransportError{Op: "listing sync pods in " + namespace, Err: err}
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			return p.Name, nil
		}
	}
	return "", &api.InfrastructureNotFoundError{Namespace: namespace, Deployment: DeploymentName}
}

// runRsyncCommand shells out to rsync. -rlptD preserves permissions, mtimes,
// symlinks and devices without attempting ownership changes the daemon side
// would reject; --delete keeps the remote copy an exact mirror.
func runRsyncCommand(ctx context.Context, module *api.Module, dest string) error {
	args := []string{"-rlptD", "--delete"}
	var stdin string
	if len(module.Include) > 0 {
		args = append(args, "--files-from=-")
		stdin = strings.Join(module.Include, "\n") + "\n"
	}
	args = append(args, module.Path+"/", dest)

	cmd := exec.CommandContext(ctx, "rsync", args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rsync %s: %v:\n%s", strings.Join(args, " "), err, output)
	}
	return nil
}
