// Package autoscaler implements the five ordered provisioning rules as a
// pure function over a registry snapshot, plus a periodic-tick wrapper that
// emits the resulting actions to an EngineRuntime.
package autoscaler

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/acefleet/fleetd/lib/registry"
)

// ActionKind discriminates the two action types the Autoscaler emits.
type ActionKind int

const (
	ActionLaunch ActionKind = iota
	ActionTerminate
)

// Action is one item of the ordered action list Evaluate returns.
type Action struct {
	Kind        ActionKind
	Count       int    // for ActionLaunch
	ContainerID string // for ActionTerminate
}

// Config holds the autoscaling tunables.
type Config struct {
	MinReplicas         int
	MaxReplicas         int
	MaxStreamsPerEngine int
	MinFreeReplicas     int
	EngineGracePeriod   time.Duration
}

// EngineSnapshot is the per-engine view Evaluate needs.
type EngineSnapshot struct {
	ContainerID string
	Healthy     bool
	Load        int
	IdleSince   time.Time // zero if currently serving streams
}

// Evaluate runs the five ordered rules and returns the resulting actions
// plus the (possibly updated) look-ahead layer.
func Evaluate(engines []EngineSnapshot, cfg Config, lookahead *int) ([]Action, *int) {
	var actions []Action

	healthyRunning := 0
	for _, e := range engines {
		if e.Healthy {
			healthyRunning++
		}
	}

	// Rule 1: minimum floor.
	if healthyRunning < cfg.MinReplicas {
		actions = append(actions, Action{Kind: ActionLaunch, Count: cfg.MinReplicas - healthyRunning})
	}

	// Rule 2: free-replica floor.
	free := 0
	for _, e := range engines {
		if e.Healthy && e.Load < cfg.MaxStreamsPerEngine {
			free++
		}
	}
	if free < cfg.MinFreeReplicas {
		actions = append(actions, Action{Kind: ActionLaunch, Count: 1})
	}

	// Rule 3: look-ahead layer rule.
	threshold := cfg.MaxStreamsPerEngine - 1
	minLoad := -1
	anyAtThreshold := false
	for _, e := range engines {
		if !e.Healthy {
			continue
		}
		if minLoad == -1 || e.Load < minLoad {
			minLoad = e.Load
		}
		if e.Load >= threshold {
			anyAtThreshold = true
		}
	}
	newLookahead := lookahead
	if anyAtThreshold && minLoad != -1 && (lookahead == nil || minLoad >= *lookahead) {
		actions = append(actions, Action{Kind: ActionLaunch, Count: 1})
		v := minLoad
		newLookahead = &v
	}

	// Rule 4: max ceiling — strip any launch actions if at/over cap.
	if healthyRunning >= cfg.MaxReplicas {
		filtered := actions[:0:0]
		for _, a := range actions {
			if a.Kind != ActionLaunch {
				filtered = append(filtered, a)
			}
		}
		actions = filtered
	}

	// Rule 5: drain & terminate. Never shrinks the fleet below MinReplicas.
	if budget := len(engines) - cfg.MinReplicas; budget > 0 {
		for _, e := range engines {
			if budget == 0 {
				break
			}
			if e.Load == 0 && !e.IdleSince.IsZero() && time.Since(e.IdleSince) > cfg.EngineGracePeriod {
				actions = append(actions, Action{Kind: ActionTerminate, ContainerID: e.ContainerID})
				budget--
			}
		}
	}

	return actions, newLookahead
}

// Runtime is the out-of-scope collaborator consuming emitted actions.
type Runtime interface {
	Launch(ctx context.Context, n int) error
	Terminate(ctx context.Context, containerID string) error
	CleanupCache(ctx context.Context, containerID string) error
}

// RegistrySnapshotter is the subset of Registry the periodic loop reads and
// the one mutation it is allowed: dropping an engine it has terminated.
type RegistrySnapshotter interface {
	ListEngines() []*registry.Engine
	RemoveEngine(containerID string)
	GetLookaheadLayer() *int
	SetLookaheadLayer(n int)
}

// Signal drives the periodic Autoscaler tick; Evaluate is also invoked
// out-of-band after every successful stream start.
type Signal struct {
	reg     RegistrySnapshotter
	cfg     Config
	runtime Runtime
	limiter *rate.Limiter
}

// NewSignal constructs a Signal. The launch rate limiter caps how often
// Launch is actually invoked even if Evaluate requests several in a burst,
// protecting the container runtime from a thundering herd of look-ahead
// triggers.
func NewSignal(reg RegistrySnapshotter, cfg Config, runtime Runtime) *Signal {
	return &Signal{
		reg:     reg,
		cfg:     cfg,
		runtime: runtime,
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

func (s *Signal) snapshot(idleSince map[string]time.Time) []EngineSnapshot {
	engines := s.reg.ListEngines()
	out := make([]EngineSnapshot, 0, len(engines))
	for _, e := range engines {
		out = append(out, EngineSnapshot{
			ContainerID: e.ContainerID,
			Healthy:     e.HealthStatus == registry.HealthHealthy,
			Load:        len(e.ActiveStreams),
			IdleSince:   idleSince[e.ContainerID],
		})
	}
	return out
}

// Evaluate runs one autoscaling pass and applies the resulting actions
// against the Runtime. idleSince maps container_id to the time its active
// set last became empty (maintained by the caller, typically the app's
// drain tracker).
func (s *Signal) Evaluate(ctx context.Context, idleSince map[string]time.Time) {
	lookahead := s.reg.GetLookaheadLayer()
	actions, newLookahead := Evaluate(s.snapshot(idleSince), s.cfg, lookahead)

	if newLookahead != lookahead && newLookahead != nil {
		s.reg.SetLookaheadLayer(*newLookahead)
	}

	for _, a := range actions {
		switch a.Kind {
		case ActionLaunch:
			if !s.limiter.Allow() {
				slog.Warn("autoscaler: launch rate-limited, deferring", "count", a.Count)
				continue
			}
			if err := s.runtime.Launch(ctx, a.Count); err != nil {
				slog.Error("autoscaler: launch failed", "count", a.Count, "error", err)
			}
		case ActionTerminate:
			// Cache cleanup is fire-and-forget with its own timeout, never
			// blocking the Registry.
			go func(id string) {
				cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := s.runtime.CleanupCache(cctx, id); err != nil {
					slog.Warn("autoscaler: cache cleanup failed", "container_id", id, "error", err)
				}
			}(a.ContainerID)
			if err := s.runtime.Terminate(ctx, a.ContainerID); err != nil {
				slog.Error("autoscaler: terminate failed, dropping from registry anyway", "container_id", a.ContainerID, "error", err)
			}
			// Dropped regardless of the terminate outcome; the reconcile
			// loop re-adds it if the runtime still reports it running.
			s.reg.RemoveEngine(a.ContainerID)
		}
	}
}

// Run drives Evaluate on a ticker until ctx is cancelled.
func (s *Signal) Run(ctx context.Context, period time.Duration, idleSince func() map[string]time.Time) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate(ctx, idleSince())
		}
	}
}
