// Package registry answers whether an image reference already exists in a
// remote registry, using skopeo wherever the build mode dictates it runs.
package registry

import (
	"context"
	"strings"

	"k8s.io/klog/v2"

	"github.com/openshift/cluster-builds/pkg/api"
)

// absentMarkers are the registry error substrings that mean "the image is
// not there" as opposed to "the registry is unreachable". Both cases exit
// non-zero, so the exit code alone cannot tell them apart; treating every
// non-zero exit as absent would mask outages as missing images. The
// substrings are tied to the error text of specific tool versions, which is
// a known compatibility risk.
var absentMarkers = []string{
	"manifest unknown",
	"no such manifest",
}

// CommandRunner runs an argument vector wherever the probe should execute:
// as a local subprocess, inside the persistent daemon pod, or in an
// ephemeral pod. A non-zero exit code is returned as data; err is reserved
// for transport-level failures.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (exitCode int, output string, err error)
}

// Prober checks for image existence with skopeo.
type Prober struct {
	runner CommandRunner
}

// New returns a Prober that runs skopeo through runner.
func New(runner CommandRunner) *Prober {
	return &Prober{runner: runner}
}

// Probe reports whether imageRef exists in its registry. insecure disables
// TLS verification, for in-cluster unauthenticated registries. Absence is
// only concluded from a non-zero exit whose output matches a known absent
// marker; any other non-zero exit is a RemoteCommandError carrying the
// attempted command and raw output.
func (p *Prober) Probe(ctx context.Context, imageRef string, insecure bool) (bool, error) {
	args := []string{"skopeo", "inspect", "--raw"}
	if insecure {
		args = append(args, "--tls-verify=false")
	}
	args = append(args, "docker://"+imageRef)

	klog.V(4).Infof("Probing registry for %s", imageRef)
	code, output, err := p.runner.RunCommand(ctx, args)
	if err != nil {
		return false, err
	}
	if code == 0 {
		return true, nil
	}
	for _, marker := range absentMarkers {
		if strings.Contains(output, marker) {
			klog.V(4).Infof("Image %s not present (matched %q)", imageRef, marker)
			return false, nil
		}
	}
	return false, &api.RemoteCommandError{Command: args, Output: output, ExitCode: code}
}
