package podrunner

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	clientgotesting "k8s.io/client-go/testing"
)

func testPod() *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "builder-abc123", Namespace: "builds"},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{
				{Name: "builder", Image: "builder:latest"},
				{Name: "proxy", Image: "socat:latest"},
			},
		},
	}
}

// withStatuses returns a copy of pod carrying terminated container statuses.
func withStatuses(pod *corev1.Pod, exitCodes map[string]int32) *corev1.Pod {
	p := pod.DeepCopy()
	for name, code := range exitCodes {
		p.Status.ContainerStatuses = append(p.Status.ContainerStatuses, corev1.ContainerStatus{
			Name: name,
			State: corev1.ContainerState{
				Terminated: &corev1.ContainerStateTerminated{ExitCode: code},
			},
		})
	}
	return p
}

// reactToGets makes every pod get observe the given terminal statuses.
func reactToGets(client *fake.Clientset, pod *corev1.Pod, exitCodes map[string]int32) {
	client.PrependReactor("get", "pods", func(action clientgotesting.Action) (bool, runtime.Object, error) {
		return true, withStatuses(pod, exitCodes), nil
	})
}

// podActionCounts tallies create and delete actions against pods, and the
// position of each, so tests can assert the cleanup ordering guarantee.
func podActionCounts(t *testing.T, client *fake.Clientset) (creates, deletes, lastCreate, firstDelete int) {
	t.Helper()
	firstDelete = -1
	for i, action := range client.Actions() {
		if action.GetResource().Resource != "pods" || action.GetSubresource() != "" {
			continue
		}
		switch action.GetVerb() {
		case "create":
			creates++
			lastCreate = i
		case "delete":
			deletes++
			if firstDelete < 0 {
				firstDelete = i
			}
		}
	}
	return creates, deletes, lastCreate, firstDelete
}

func assertCreatedThenDeletedOnce(t *testing.T, client *fake.Clientset) {
	t.Helper()
	creates, deletes, lastCreate, firstDelete := podActionCounts(t, client)
	if creates != 1 {
		t.Errorf("expected exactly one pod create, got %d", creates)
	}
	if deletes != 1 {
		t.Errorf("expected exactly one pod delete, got %d", deletes)
	}
	if firstDelete >= 0 && firstDelete < lastCreate {
		t.Error("pod deleted before it was created")
	}
}

func TestRunSuccess(t *testing.T) {
	client := fake.NewSimpleClientset()
	reactToGets(client, testPod(), map[string]int32{"builder": 0, "proxy": 0})

	result, err := New(client).Run(context.Background(), testPod(), Options{
		PrimaryContainer: "builder",
		Timeout:          5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Error("expected success for primary exit code 0")
	}
	if !strings.Contains(result.CombinedLog, "fake logs") {
		t.Errorf("expected collected container logs, got %q", result.CombinedLog)
	}
	assertCreatedThenDeletedOnce(t, client)
}

func TestRunPrimaryFailure(t *testing.T) {
	client := fake.NewSimpleClientset()
	reactToGets(client, testPod(), map[string]int32{"builder": 1, "proxy": 0})

	result, err := New(client).Run(context.Background(), testPod(), Options{
		PrimaryContainer: "builder",
		Timeout:          5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success {
		t.Error("expected failure for primary exit code 1")
	}
	assertCreatedThenDeletedOnce(t, client)
}

func TestRunIgnoresHelperExitCode(t *testing.T) {
	client := fake.NewSimpleClientset()
	reactToGets(client, testPod(), map[string]int32{"builder": 0, "proxy": 137})

	result, err := New(client).Run(context.Background(), testPod(), Options{
		PrimaryContainer: "builder",
		Timeout:          5 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Error("helper container exit code must not affect success")
	}
	assertCreatedThenDeletedOnce(t, client)
}

func TestRunTimeout(t *testing.T) {
	client := fake.NewSimpleClientset()
	// Gets observe a pod that never terminates.
	client.PrependReactor("get", "pods", func(action clientgotesting.Action) (bool, runtime.Object, error) {
		return true, testPod(), nil
	})

	result, err := New(client).Run(context.Background(), testPod(), Options{
		PrimaryContainer: "builder",
		Timeout:          100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("timeout must be reported as failure, not error: %v", err)
	}
	if result.Success {
		t.Error("expected failure on timeout")
	}
	assertCreatedThenDeletedOnce(t, client)
}

func TestRunDeletesPodOnWaitError(t *testing.T) {
	client := fake.NewSimpleClientset()
	// Make gets fail outright: the pod must still be deleted.
	client.PrependReactor("get", "pods", func(action clientgotesting.Action) (bool, runtime.Object, error) {
		return true, nil, errors.New("apiserver unavailable")
	})

	_, err := New(client).Run(context.Background(), testPod(), Options{
		PrimaryContainer: "builder",
		Timeout:          5 * time.Second,
	})
	if err == nil {
		t.Fatal("expected error when pod can no longer be observed")
	}
	assertCreatedThenDeletedOnce(t, client)
}
