package sidecar

import (
	"fmt"
	"path"
	"time"

	corev1 "k8s.io/api/core/v1"
)

// The shell fragments below implement the same protocol as Wait and Signal
// for containers that only ship a busybox shell (the kaniko debug image and
// the socat proxy image). The loop bound mirrors Attempts so a missing
// marker fails the container rather than spinning until the pod timeout.

// WaitScript returns a sh fragment that blocks until marker exists, exiting
// non-zero once the attempt budget is exhausted.
func WaitScript(marker string, budget time.Duration) string {
	return fmt.Sprintf(
		"i=0; while [ ! -f %s ]; do i=$((i+1)); if [ $i -gt %d ]; then echo \"timed out waiting for %s\" >&2; exit 1; fi; sleep 0.3; done",
		path.Join(MountPath, marker), Attempts(budget), marker)
}

// SignalScript returns a sh fragment that creates marker.
func SignalScript(marker string) string {
	return "touch " + path.Join(MountPath, marker)
}

// SignalOnExitScript returns a sh fragment installing an EXIT trap that
// creates marker, so completion is signalled even when the guarded command
// fails or is killed by a catchable signal.
func SignalOnExitScript(marker string) string {
	return fmt.Sprintf("trap '%s' EXIT", SignalScript(marker))
}

// Volume returns the shared emptyDir volume for the handshake directory.
func Volume() corev1.Volume {
	return corev1.Volume{
		Name: VolumeName,
		VolumeSource: corev1.VolumeSource{
			EmptyDir: &corev1.EmptyDirVolumeSource{},
		},
	}
}

// VolumeMount returns the mount every coordinating container needs.
func VolumeMount() corev1.VolumeMount {
	return corev1.VolumeMount{Name: VolumeName, MountPath: MountPath}
}
