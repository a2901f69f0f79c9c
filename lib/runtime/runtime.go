// Package runtime defines the container-runtime and egress-health
// collaborators the Autoscaler and the front door depend on. No Docker or
// VPN integration ships here; NoopRuntime and StaticEgress exist so the app
// wiring compiles and can be exercised in tests without a real backend.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// EngineDescriptor is what a runtime backend reports about one running
// engine process. The Registry treats the backend's ListRunning as the
// source of truth: fleet state is fully reconstructable from it.
type EngineDescriptor struct {
	ContainerID   string
	ContainerName string
	Host          string
	Port          int
	Labels        map[string]string
}

// EngineRuntime provisions and tears down engine processes. A real
// implementation (Docker, systemd, a VPN-routed sidecar pool) is out of
// scope; this interface is what the Autoscaler's Signal drives and the
// app's reconcile loop reads.
type EngineRuntime interface {
	Launch(ctx context.Context, n int) error
	Terminate(ctx context.Context, containerID string) error
	ListRunning(ctx context.Context) ([]EngineDescriptor, error)
	ExecIn(ctx context.Context, containerID string, cmd []string) (string, error)
	CleanupCache(ctx context.Context, containerID string) error
}

// EgressHealth reports whether the fleet's shared egress path (e.g. a VPN
// tunnel) is currently usable. A provisioning attempt while unhealthy should
// fail fast with ferrors.CodeVPNDisconnected rather than launching an engine
// that cannot reach the swarm.
type EgressHealth interface {
	Healthy(ctx context.Context) bool
}

const noopBasePort = 7000

// NoopRuntime simulates a fleet in memory: Launch allocates sequential
// names via GenerateContainerName, Terminate forgets them, ListRunning
// reports what is "up". Nothing is actually started; this backs dev runs
// and wiring tests.
type NoopRuntime struct {
	mu      sync.Mutex
	engines map[string]EngineDescriptor
	seq     atomic.Int64
}

// NewNoopRuntime constructs a NoopRuntime with no engines running.
func NewNoopRuntime() *NoopRuntime {
	return &NoopRuntime{engines: make(map[string]EngineDescriptor)}
}

func (n *NoopRuntime) Launch(ctx context.Context, count int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := 0; i < count; i++ {
		existing := make([]string, 0, len(n.engines))
		for _, e := range n.engines {
			existing = append(existing, e.ContainerName)
		}
		name := GenerateContainerName("engine", existing)
		id := "noop-" + name
		n.engines[id] = EngineDescriptor{
			ContainerID:   id,
			ContainerName: name,
			Host:          "127.0.0.1",
			Port:          noopBasePort + int(n.seq.Add(1)),
			Labels:        map[string]string{},
		}
		slog.Info("runtime: launch requested (no-op backend)", "container_id", id, "name", name)
	}
	return nil
}

func (n *NoopRuntime) Terminate(ctx context.Context, containerID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.engines, containerID)
	slog.Info("runtime: terminate requested (no-op backend)", "container_id", containerID)
	return nil
}

func (n *NoopRuntime) ListRunning(ctx context.Context) ([]EngineDescriptor, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]EngineDescriptor, 0, len(n.engines))
	for _, e := range n.engines {
		out = append(out, e)
	}
	return out, nil
}

func (n *NoopRuntime) ExecIn(ctx context.Context, containerID string, cmd []string) (string, error) {
	slog.Debug("runtime: exec requested (no-op backend)", "container_id", containerID, "cmd", cmd)
	return "", nil
}

// CleanupCache asks the engine to drop its on-disk cache, routed through the
// runtime's exec path the way a container backend would run it.
func (n *NoopRuntime) CleanupCache(ctx context.Context, containerID string) error {
	_, err := n.ExecIn(ctx, containerID, []string{"rm", "-rf", "/home/appuser/.ACEStream/.acestream_cache"})
	return err
}

// StaticEgress reports a fixed health value, useful for tests and for
// deployments with no shared egress constraint at all.
type StaticEgress struct {
	healthy atomic.Bool
}

// NewStaticEgress constructs a StaticEgress starting in the given state.
func NewStaticEgress(healthy bool) *StaticEgress {
	s := &StaticEgress{}
	s.healthy.Store(healthy)
	return s
}

func (s *StaticEgress) Healthy(ctx context.Context) bool { return s.healthy.Load() }

// Set updates the reported health, e.g. from an external watchdog.
func (s *StaticEgress) Set(healthy bool) { s.healthy.Store(healthy) }

// ErrEgressDown describes an unhealthy egress path. No path in this module
// returns it: the front door's egress check answers with
// ferrors.CodeVPNDisconnected instead.
var ErrEgressDown = fmt.Errorf("runtime: egress path unhealthy")
