// Package podrunner creates short-lived multi-container pods, waits for them
// to finish, collects their logs, and guarantees they are deleted.
package podrunner

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
)

const pollInterval = 500 * time.Millisecond

// Result is the outcome of one pod run.
type Result struct {
	// Success is true only when the designated primary container exited 0.
	// Helper container exit codes do not affect it.
	Success bool
	// CombinedLog concatenates the logs of all containers in spec order.
	CombinedLog string
}

// Options control one Run call.
type Options struct {
	// PrimaryContainer names the container whose exit code decides Success.
	PrimaryContainer string
	// Timeout bounds the wait for the pod to reach a terminal state.
	Timeout time.Duration
	// Interactive streams the primary container's log to Sink while the pod
	// runs, for progress visibility.
	Interactive bool
	// Sink receives streamed output when Interactive is set.
	Sink io.Writer
}

// Interface is implemented by anything that can run a pod to completion.
type Interface interface {
	Run(ctx context.Context, pod *corev1.Pod, opts Options) (*Result, error)
}

// Runner runs pods against a Kubernetes cluster.
type Runner struct {
	client kubernetes.Interface
}

// New returns a Runner backed by the given client.
func New(client kubernetes.Interface) *Runner {
	return &Runner{client: client}
}

// Run creates the pod, waits for all of its containers to terminate or for
// opts.Timeout to elapse, collects the combined log, and deletes the pod
// before returning. The delete happens unconditionally, including on timeout
// and on error paths after creation succeeded, so repeated builds never
// accumulate orphaned pods. A timeout is reported as Success=false with the
// log collected up to that point.
func (r *Runner) Run(ctx context.Context, pod *corev1.Pod, opts Options) (*Result, error) {
	pods := r.client.CoreV1().Pods(pod.Namespace)

	created, err := pods.Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		return nil, &api.TransportError{Op: fmt.Sprintf("creating pod %s/%s", pod.Namespace, pod.Name), Err: err}
	}
	defer func() {
		// Use a fresh context: the caller's may already be expired.
		delCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pods.Delete(delCtx, created.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			klog.Warningf("Failed to delete pod %s/%s: %v", created.Namespace, created.Name, err)
		}
	}()

	if opts.Interactive && opts.Sink != nil {
		go r.streamLog(ctx, created, opts.PrimaryContainer, opts.Sink)
	}

	var last *corev1.Pod
	waitErr := wait.PollUntilContextTimeout(ctx, pollInterval, opts.Timeout, true,
		func(ctx context.Context) (bool, error) {
			p, err := pods.Get(ctx, created.Name, metav1.GetOptions{})
			if err != nil {
				return false, err
			}
			last = p
			return allContainersTerminated(p), nil
		})

	log := r.collectLogs(created)

	if waitErr != nil {
		if wait.Interrupted(waitErr) {
			klog.V(2).Infof("Pod %s/%s did not finish within %s", created.Namespace, created.Name, opts.Timeout)
			return &Result{Success: false, CombinedLog: log}, nil
		}
		return nil, &api.TransportError{Op: fmt.Sprintf("waiting for pod %s/%s", created.Namespace, created.Name), Err: waitErr}
	}

	return &Result{
		Success:     containerExitCode(last, opts.PrimaryContainer) == 0,
		CombinedLog: log,
	}, nil
}

// collectLogs concatenates the logs of every container in spec order. Log
// retrieval failures are recorded inline rather than aborting: a partial log
// is far more useful to the caller than none.
func (r *Runner) collectLogs(pod *corev1.Pod) string {
	var out strings.Builder
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, c := range pod.Spec.Containers {
		req := r.client.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Container: c.Name})
		rc, err := req.Stream(ctx)
		if err != nil {
			fmt.Fprintf(&out, "(could not retrieve log for container %s: %v)\n", c.Name, err)
			continue
		}
		if _, err := io.Copy(&out, rc); err != nil {
			fmt.Fprintf(&out, "(log stream for container %s interrupted: %v)\n", c.Name, err)
		}
		rc.Close()
	}
	return out.String()
}

func (r *Runner) streamLog(ctx context.Context, pod *corev1.Pod, container string, sink io.Writer) {
	req := r.client.CoreV1().Pods(pod.Namespace).GetLogs(pod.Name, &corev1.PodLogOptions{Container: container, Follow: true})
	rc, err := req.Stream(ctx)
	if err != nil {
		klog.V(4).Infof("Could not follow log of %s/%s[%s]: %v", pod.Namespace, pod.Name, container, err)
		return
	}
	defer rc.Close()
	io.Copy(sink, rc)
}

func allContainersTerminated(pod *corev1.Pod) bool {
	if len(pod.Status.ContainerStatuses) < len(pod.Spec.Containers) {
		return false
	}
	for _, s := range pod.Status.ContainerStatuses {
		if s.State.Terminated == nil {
			return false
		}
	}
	return true
}

func containerExitCode(pod *corev1.Pod, container string) int32 {
	if pod == nil {
		return -1
	}
	for _, s := range pod.Status.ContainerStatuses {
		if s.Name == container && s.State.Terminated != nil {
			return s.State.Terminated.ExitCode
		}
	}
	return -1
}
