package sidecar

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

// memDir is an in-memory marker directory that records every action, so
// tests can assert ordering between stages.
type memDir struct {
	mu      sync.Mutex
	markers map[string]bool
	actions *actionLog
}

type actionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *actionLog) record(action string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, action)
}

func (l *actionLog) index(action string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e == action {
			return i
		}
	}
	return -1
}

func newMemDir(log *actionLog) *memDir {
	return &memDir{markers: map[string]bool{}, actions: log}
}

func (d *memDir) Exists(marker string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.markers[marker], nil
}

func (d *memDir) Create(marker string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markers[marker] = true
	d.actions.record("signal:" + marker)
	return nil
}

func TestBuilderWaitsForProxyReadiness(t *testing.T) {
	log := &actionLog{}
	dir := newMemDir(log)

	var wg sync.WaitGroup
	wg.Add(2)

	// builder stage: must not start its main command before proxy-ready.
	go func() {
		defer wg.Done()
		if err := Wait(context.Background(), dir, MarkerProxyReady, 10*time.Second); err != nil {
			t.Errorf("builder wait: %v", err)
			return
		}
		log.record("builder-start")
	}()

	// proxy stage: comes up after a couple of poll intervals.
	go func() {
		defer wg.Done()
		time.Sleep(2 * PollInterval)
		log.record("proxy-listening")
		if err := Signal(dir, MarkerProxyReady); err != nil {
			t.Errorf("proxy signal: %v", err)
		}
	}()

	wg.Wait()

	builderStart := log.index("builder-start")
	proxyReady := log.index("signal:" + MarkerProxyReady)
	if builderStart < 0 || proxyReady < 0 {
		t.Fatalf("missing actions, recorded: %v", log.entries)
	}
	if builderStart < proxyReady {
		t.Errorf("builder started before proxy was ready: %v", log.entries)
	}
}

func TestTeardownWaitsForBuildCompletion(t *testing.T) {
	log := &actionLog{}
	dir := newMemDir(log)

	var wg sync.WaitGroup
	wg.Add(2)

	// teardown stage: must not kill the proxy before build-done.
	go func() {
		defer wg.Done()
		if err := Wait(context.Background(), dir, MarkerBuildDone, 10*time.Second); err != nil {
			t.Errorf("teardown wait: %v", err)
			return
		}
		log.record("proxy-terminated")
	}()

	go func() {
		defer wg.Done()
		time.Sleep(2 * PollInterval)
		if err := Signal(dir, MarkerBuildDone); err != nil {
			t.Errorf("builder signal: %v", err)
		}
	}()

	wg.Wait()

	terminated := log.index("proxy-terminated")
	done := log.index("signal:" + MarkerBuildDone)
	if terminated < done || done < 0 {
		t.Errorf("proxy terminated before build finished: %v", log.entries)
	}
}

func TestWaitGivesUpAfterBudget(t *testing.T) {
	dir := newMemDir(&actionLog{})
	budget := 3 * PollInterval
	start := time.Now()
	err := Wait(context.Background(), dir, "never-written", budget)
	if err == nil {
		t.Fatal("expected wait to give up")
	}
	if elapsed := time.Since(start); elapsed > 10*budget {
		t.Errorf("wait ran far past its budget: %s", elapsed)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	dir := newMemDir(&actionLog{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(PollInterval / 2)
		cancel()
	}()
	if err := Wait(ctx, dir, "never-written", time.Hour); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestAttempts(t *testing.T) {
	if got := Attempts(0); got != 1 {
		t.Errorf("zero budget: got %d attempts", got)
	}
	if got := Attempts(3 * PollInterval); got != 3 {
		t.Errorf("got %d attempts, expected 3", got)
	}
}

func TestFilesystemDir(t *testing.T) {
	dir := NewDir(t.TempDir())
	ok, err := dir.Exists("m")
	if err != nil || ok {
		t.Fatalf("unexpected initial state: %v %v", ok, err)
	}
	if err := Signal(dir, "m"); err != nil {
		t.Fatal(err)
	}
	ok, err = dir.Exists("m")
	if err != nil || !ok {
		t.Fatalf("marker not visible after signal: %v %v", ok, err)
	}
	// signalling twice is fine
	if err := Signal(dir, "m"); err != nil {
		t.Fatal(err)
	}
}

func TestScripts(t *testing.T) {
	wait := WaitScript(MarkerProxyReady, time.Minute)
	if !strings.Contains(wait, MountPath+"/"+MarkerProxyReady) {
		t.Errorf("wait script must poll the mounted marker path: %q", wait)
	}
	if !strings.Contains(wait, "exit 1") {
		t.Errorf("wait script must be bounded: %q", wait)
	}

	signal := SignalScript(MarkerBuildDone)
	if signal != "touch "+MountPath+"/"+MarkerBuildDone {
		t.Errorf("unexpected signal script: %q", signal)
	}

	onExit := SignalOnExitScript(MarkerBuildDone)
	if !strings.Contains(onExit, "trap") || !strings.Contains(onExit, MarkerBuildDone) {
		t.Errorf("unexpected exit trap script: %q", onExit)
	}
}
