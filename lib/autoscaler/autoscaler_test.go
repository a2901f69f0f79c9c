package autoscaler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/acefleet/fleetd/lib/registry"
)

func TestEvaluate_MinimumFloor(t *testing.T) {
	cfg := Config{MinReplicas: 2, MaxReplicas: 10, MaxStreamsPerEngine: 5, MinFreeReplicas: 1}
	actions, _ := Evaluate(nil, cfg, nil)

	if len(actions) == 0 || actions[0].Kind != ActionLaunch || actions[0].Count != 2 {
		t.Fatalf("expected launch(2) for empty fleet, got %+v", actions)
	}
}

func TestEvaluate_LookaheadRule_S6(t *testing.T) {
	cfg := Config{MinReplicas: 2, MaxReplicas: 10, MaxStreamsPerEngine: 5, MinFreeReplicas: 1}
	engines := []EngineSnapshot{
		{ContainerID: "e0", Healthy: true, Load: 4},
		{ContainerID: "e1", Healthy: true, Load: 3},
		{ContainerID: "e2", Healthy: true, Load: 3},
		{ContainerID: "e3", Healthy: true, Load: 3},
		{ContainerID: "e4", Healthy: true, Load: 3},
	}

	actions, lookahead := Evaluate(engines, cfg, nil)
	if lookahead == nil || *lookahead != 3 {
		t.Fatalf("expected lookahead=3, got %v", lookahead)
	}
	found := false
	for _, a := range actions {
		if a.Kind == ActionLaunch {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a launch action, got %+v", actions)
	}

	// A fresh engine F at load 0 should suppress further look-ahead triggers
	// until it reaches the recorded layer (3), even though e1 now hits load 4.
	engines2 := []EngineSnapshot{
		{ContainerID: "e0", Healthy: true, Load: 4},
		{ContainerID: "e1", Healthy: true, Load: 4},
		{ContainerID: "e2", Healthy: true, Load: 3},
		{ContainerID: "e3", Healthy: true, Load: 3},
		{ContainerID: "e4", Healthy: true, Load: 3},
		{ContainerID: "F", Healthy: true, Load: 0},
	}
	actions2, lookahead2 := Evaluate(engines2, cfg, lookahead)
	for _, a := range actions2 {
		if a.Kind == ActionLaunch {
			t.Fatalf("expected no further look-ahead launch while F (load 0) below layer 3, got %+v", actions2)
		}
	}
	if lookahead2 == nil || *lookahead2 != 3 {
		t.Fatalf("lookahead should remain 3, got %v", lookahead2)
	}

	// Once F reaches load 3, the next near-capacity event provisions again.
	engines3 := []EngineSnapshot{
		{ContainerID: "e0", Healthy: true, Load: 4},
		{ContainerID: "e1", Healthy: true, Load: 4},
		{ContainerID: "e2", Healthy: true, Load: 3},
		{ContainerID: "e3", Healthy: true, Load: 3},
		{ContainerID: "e4", Healthy: true, Load: 3},
		{ContainerID: "F", Healthy: true, Load: 3},
	}
	actions3, lookahead3 := Evaluate(engines3, cfg, lookahead2)
	found3 := false
	for _, a := range actions3 {
		if a.Kind == ActionLaunch {
			found3 = true
		}
	}
	if !found3 {
		t.Fatalf("expected look-ahead to re-trigger once F reached the layer, got %+v", actions3)
	}
	if lookahead3 == nil || *lookahead3 != 3 {
		t.Fatalf("expected lookahead reset to 3, got %v", lookahead3)
	}
}

func TestEvaluate_MaxCeilingSuppressesLaunches(t *testing.T) {
	cfg := Config{MinReplicas: 2, MaxReplicas: 3, MaxStreamsPerEngine: 5, MinFreeReplicas: 1}
	engines := []EngineSnapshot{
		{ContainerID: "e0", Healthy: true, Load: 5},
		{ContainerID: "e1", Healthy: true, Load: 5},
		{ContainerID: "e2", Healthy: true, Load: 5},
	}
	actions, _ := Evaluate(engines, cfg, nil)
	for _, a := range actions {
		if a.Kind == ActionLaunch {
			t.Fatalf("expected no launches at max ceiling, got %+v", actions)
		}
	}
}

func TestEvaluate_DrainAndTerminate(t *testing.T) {
	cfg := Config{MinReplicas: 1, MaxReplicas: 10, MaxStreamsPerEngine: 5, MinFreeReplicas: 1, EngineGracePeriod: time.Minute}
	engines := []EngineSnapshot{
		{ContainerID: "e0", Healthy: true, Load: 1},
		{ContainerID: "e1", Healthy: true, Load: 0, IdleSince: time.Now().Add(-2 * time.Minute)},
	}
	actions, _ := Evaluate(engines, cfg, nil)
	drained := false
	for _, a := range actions {
		if a.Kind == ActionTerminate && a.ContainerID == "e1" {
			drained = true
		}
	}
	if !drained {
		t.Fatalf("expected terminate action for idle engine e1, got %+v", actions)
	}
}

type fakeReg struct {
	mu        sync.Mutex
	engines   []*registry.Engine
	removed   []string
	lookahead *int
}

func (f *fakeReg) ListEngines() []*registry.Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engines
}

func (f *fakeReg) RemoveEngine(containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, containerID)
}

func (f *fakeReg) GetLookaheadLayer() *int  { return f.lookahead }
func (f *fakeReg) SetLookaheadLayer(n int)  { f.lookahead = &n }

type fakeRuntime struct {
	mu         sync.Mutex
	launches   []int
	terminated []string
	termErr    error
}

func (f *fakeRuntime) Launch(ctx context.Context, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches = append(f.launches, n)
	return nil
}

func (f *fakeRuntime) Terminate(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, containerID)
	return f.termErr
}

func (f *fakeRuntime) CleanupCache(ctx context.Context, containerID string) error { return nil }

func TestSignal_TerminateDropsEngineFromRegistryEvenOnError(t *testing.T) {
	idle := time.Now().Add(-time.Hour)
	reg := &fakeReg{engines: []*registry.Engine{
		{ContainerID: "e1", HealthStatus: registry.HealthHealthy, ActiveStreams: map[string]struct{}{}},
		{ContainerID: "e2", HealthStatus: registry.HealthHealthy, ActiveStreams: map[string]struct{}{}},
		{ContainerID: "e3", HealthStatus: registry.HealthHealthy, ActiveStreams: map[string]struct{}{}},
	}}
	rt := &fakeRuntime{termErr: errors.New("runtime unreachable")}
	cfg := Config{MinReplicas: 2, MaxReplicas: 10, MaxStreamsPerEngine: 5, MinFreeReplicas: 1, EngineGracePeriod: time.Minute}

	sig := NewSignal(reg, cfg, rt)
	sig.Evaluate(context.Background(), map[string]time.Time{"e1": idle, "e2": idle, "e3": idle})

	rt.mu.Lock()
	terminated := len(rt.terminated)
	rt.mu.Unlock()
	if terminated == 0 {
		t.Fatal("expected at least one terminate for long-idle engines over the minimum")
	}
	reg.mu.Lock()
	removed := len(reg.removed)
	reg.mu.Unlock()
	if removed != terminated {
		t.Fatalf("every terminated engine must be dropped from the registry (terminated %d, removed %d)", terminated, removed)
	}
}
