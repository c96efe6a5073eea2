package rsync

import (
	"context"
	"errors"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/openshift/cluster-builds/pkg/api"
)

func init() {
	retryBackoff = time.Millisecond
}

func syncPod(phase corev1.PodPhase) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "build-sync-7d9f8",
			Namespace: "builds",
			Labels:    map[string]string{"app": DeploymentName},
		},
		Status: corev1.PodStatus{Phase: phase},
	}
}

func testModule() *api.Module {
	return &api.Module{Name: "api", Path: "/src/api", Version: "v-123"}
}

func TestSyncSuccess(t *testing.T) {
	client := fake.NewSimpleClientset(syncPod(corev1.PodRunning))
	s := &Syncer{client: client}

	var dests []string
	s.openTunnel = func(ctx context.Context, ns, pod string, remotePort int) (int, func(), error) {
		if ns != "builds" || pod != "build-sync-7d9f8" || remotePort != DaemonPort {
			t.Errorf("unexpected tunnel target: %s/%s:%d", ns, pod, remotePort)
		}
		return 30873, func() {}, nil
	}
	s.runRsync = func(ctx context.Context, module *api.Module, dest string) error {
		dests = append(dests, dest)
		return nil
	}

	if err := s.Sync(context.Background(), "builds", testModule(), "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dests) != 1 {
		t.Fatalf("expected one transfer, got %d", len(dests))
	}
	expected := "rsync://127.0.0.1:30873/volume/sess-1/api/"
	if dests[0] != expected {
		t.Errorf("destination: got %q, expected %q", dests[0], expected)
	}
}

func TestSyncRetriesTransientFailures(t *testing.T) {
	client := fake.NewSimpleClientset(syncPod(corev1.PodRunning))
	s := &Syncer{client: client}

	attempts := 0
	tunnels := 0
	s.openTunnel = func(ctx context.Context, ns, pod string, remotePort int) (int, func(), error) {
		tunnels++
		return 30873, func() {}, nil
	}
	s.runRsync = func(ctx context.Context, module *api.Module, dest string) error {
		attempts++
		return errors.New("connection reset by peer")
	}

	err := s.Sync(context.Background(), "builds", testModule(), "sess-1")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	var transportErr *api.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
	if transportErr.Attempts != 3 {
		t.Errorf("error must report attempt count, got %d", transportErr.Attempts)
	}
	if tunnels != 3 {
		t.Errorf("expected a fresh tunnel per attempt, got %d", tunnels)
	}
}

func TestSyncSucceedsOnRetry(t *testing.T) {
	client := fake.NewSimpleClientset(syncPod(corev1.PodRunning))
	s := &Syncer{client: client}

	attempts := 0
	s.openTunnel = func(ctx context.Context, ns, pod string, remotePort int) (int, func(), error) {
		return 30873, func() {}, nil
	}
	s.runRsync = func(ctx context.Context, module *api.Module, dest string) error {
		attempts++
		if attempts < 2 {
			return errors.New("connection reset by peer")
		}
		return nil
	}

	if err := s.Sync(context.Background(), "builds", testModule(), "sess-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected success on second attempt, got %d attempts", attempts)
	}
}

func TestSyncMissingEndpointIsFatal(t *testing.T) {
	tests := []struct {
		name string
		pods []*corev1.Pod
	}{
		{name: "no pods at all"},
		{name: "pod exists but is not running", pods: []*corev1.Pod{syncPod(corev1.PodPending)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client := fake.NewSimpleClientset()
			for _, p := range tc.pods {
				if _, err := client.CoreV1().Pods(p.Namespace).Create(context.Background(), p, metav1.CreateOptions{}); err != nil {
					t.Fatal(err)
				}
			}
			s := &Syncer{client: client}
			tunnels := 0
			s.openTunnel = func(ctx context.Context, ns, pod string, remotePort int) (int, func(), error) {
				tunnels++
				return 0, func() {}, nil
			}
			s.runRsync = func(ctx context.Context, module *api.Module, dest string) error { return nil }

			err := s.Sync(context.Background(), "builds", testModule(), "sess-1")
			var notFound *api.InfrastructureNotFoundError
			if !errors.As(err, &notFound) {
				t.Fatalf("expected InfrastructureNotFoundError, got %v", err)
			}
			if notFound.Namespace != "builds" || notFound.Deployment != DeploymentName {
				t.Errorf("error must name the searched deployment: %+v", notFound)
			}
			if tunnels != 0 {
				t.Errorf("missing endpoint must not be retried, got %d tunnel attempts", tunnels)
			}
		})
	}
}
