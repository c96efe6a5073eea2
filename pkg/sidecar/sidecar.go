// Package sidecar implements the marker-file handshake used to order
// container startup and shutdown within one ephemeral builder pod.
//
// Containers of a pod are scheduled independently and there is no native
// "depends on readiness" primitive between them, but they do share the same
// node, so an emptyDir volume mounted into each of them gives a consistent
// view of marker files. A stage signals readiness or completion by creating
// a uniquely named file in the shared directory; dependent stages poll for
// it before proceeding. Every wait loop is bounded: a crashed peer that
// never writes its marker fails the waiting container instead of hanging it
// until the pod-level timeout fires with no attribution.
package sidecar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// VolumeName is the emptyDir volume shared by coordinating containers.
	VolumeName = "handshake"
	// MountPath is where the handshake volume is mounted in every container.
	MountPath = "/.handshake"
	// PollInterval is how often waiters re-check for a marker.
	PollInterval = 300 * time.Millisecond

	// MarkerProxyReady is created by the registry proxy once it is listening.
	MarkerProxyReady = "proxy-ready"
	// MarkerBuildDone is created when the builder's main command has exited,
	// successfully or not.
	MarkerBuildDone = "build-done"
)

// Dir is the marker directory as seen by one container.
type Dir interface {
	Exists(marker string) (bool, error)
	Create(marker string) error
}

type fsDir string

func (d fsDir) Exists(marker string) (bool, error) {
	_, err := os.Stat(filepath.Join(string(d), marker))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d fsDir) Create(marker string) error {
	f, err := os.Create(filepath.Join(string(d), marker))
	if err != nil {
		return err
	}
	return f.Close()
}

// NewDir returns a Dir backed by the filesystem at path.
func NewDir(path string) Dir { return fsDir(path) }

// Attempts converts a time budget into a poll attempt count, rounding up and
// never returning less than one.
func Attempts(budget time.Duration) int {
	n := int((budget + PollInterval - 1) / PollInterval)
	if n < 1 {
		n = 1
	}
	return n
}

// Wait polls dir until marker exists, checking every PollInterval, giving up
// after the attempt count derived from budget.
func Wait(ctx context.Context, dir Dir, marker string, budget time.Duration) error {
	attempts := Attempts(budget)
	for i := 0; i < attempts; i++ {
		ok, err := dir.Exists(marker)
		if err != nil {
			return fmt.Errorf("checking marker %q: %v", marker, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(PollInterval):
		}
	}
	return fmt.Errorf("marker %q did not appear within %s (%d attempts)", marker, budget, attempts)
}

// Signal creates marker in dir. Creating an existing marker is not an error.
func Signal(dir Dir, marker string) error {
	if err := dir.Create(marker); err != nil {
		return fmt.Errorf("creating marker %q: %v", marker, err)
	}
	return nil
}
