// Package exec runs commands inside containers of already-running pods over
// the Kubernetes exec subresource.
package exec

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/url"
	"time"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	restclient "k8s.io/client-go/rest"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
)

// PodHandle identifies a running pod to exec into.
type PodHandle struct {
	Namespace string
	Name      string
}

func (h PodHandle) String() string { return h.Namespace + "/" + h.Name }

// Result is the outcome of one exec call. A non-zero exit code is data, not
// an error; classifying exit codes is the caller's concern.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Command  []string
}

// CombinedOutput returns stdout followed by stderr.
func (r *Result) CombinedOutput() string { return r.Stdout + r.Stderr }

// Interface is implemented by anything that can run a command in a pod's
// container. The production implementation speaks SPDY to the apiserver.
type Interface interface {
	Exec(ctx context.Context, pod PodHandle, container string, command []string, timeout time.Duration, streamTo io.Writer) (*Result, error)
}

// Executor execs into pods via the apiserver's exec subresource.
type Executor struct {
	client kubernetes.Interface
	config *restclient.Config

	// newStreamExecutor is a seam for tests; defaults to SPDY.
	newStreamExecutor func(config *restclient.Config, method string, url *url.URL) (remotecommand.Executor, error)
}

// New returns an Executor backed by the given client and REST config.
func New(client kubernetes.Interface, config *restclient.Config) *Executor {
	return &Executor{
		client:            client,
		config:            config,
		newStreamExecutor: remotecommand.NewSPDYExecutor,
	}
}

// Exec runs command in the named container of pod, bounded by timeout when
// timeout > 0. Output is captured into the Result; when streamTo is non-nil
// it additionally receives output incrementally as it arrives, whether or
// not the call ultimately times out. Only transport-level failures return an
// error; a remote non-zero exit comes back in Result.ExitCode. On timeout the
// remote process keeps running and its outcome is indeterminate.
func (e *Executor) Exec(ctx context.Context, pod PodHandle, container string, command []string, timeout time.Duration, streamTo io.Writer) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	klog.V(4).Infof("Executing in %s[%s]: %v", pod, container, command)

	req := e.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(pod.Namespace).
		Name(pod.Name).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: container,
			Command:   command,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, err := e.newStreamExecutor(e.config, "POST", req.URL())
	if err != nil {
		return nil, &api.TransportError{Op: "exec setup for pod " + pod.String(), Err: err}
	}

	var stdout, stderr bytes.Buffer
	outw := io.Writer(&stdout)
	errw := io.Writer(&stderr)
	if streamTo != nil {
		outw = io.MultiWriter(&stdout, streamTo)
		errw = io.MultiWriter(&stderr, streamTo)
	}

	streamErr := executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdout: outw,
		Stderr: errw,
	})

	result := &Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Command: command,
	}

	switch {
	case streamErr == nil:
		return result, nil
	case isExitError(streamErr, &result.ExitCode):
		return result, nil
	case errors.Is(streamErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, &api.TimeoutError{
			Op:         "exec in pod " + pod.String(),
			Duration:   timeout,
			PartialLog: stdout.String() + stderr.String(),
		}
	default:
		return nil, &api.TransportError{Op: "exec in pod " + pod.String(), Err: streamErr}
	}
}

func isExitError(err error, code *int) bool {
	var exitErr utilexec.CodeExitError
	if errors.As(err, &exitErr) {
		*code = exitErr.Code
		return true
	}
	return false
}
