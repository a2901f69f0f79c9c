// Package selector implements the layered-fill engine placement policy:
// pick the engine with the highest load that still has room, preferring
// forwarded engines on ties, falling back to the lowest container_id for
// full determinism.
package selector

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/acefleet/fleetd/lib/registry"
)

// EngineView is the read-only slice of engine state the selector needs.
type EngineView struct {
	ContainerID  string
	Host         string
	Port         int
	Forwarded    bool
	HealthStatus registry.HealthStatus
	Load         int
}

// RegistrySnapshotter is the read-only interface EngineSelector depends on.
// It never touches the concrete Registry type, only what it reads, so the
// selector can be tested against a fake without a real Registry.
type RegistrySnapshotter interface {
	ListEngines() []*registry.Engine
}

const cacheTTL = 2 * time.Second

// Config holds the engine-selection tunables.
type Config struct {
	MaxStreamsPerEngine int
	MinFreeReplicas     int
}

// Selection is the chosen engine returned by Select.
type Selection struct {
	ContainerID string
	Host        string
	Port        int
	Forwarded   bool
}

// ErrNoneAvailable is returned when no healthy engine has room.
var ErrNoneAvailable = errNoneAvailable{}

type errNoneAvailable struct{}

func (errNoneAvailable) Error() string { return "selector: no engine available" }

// FailureGate is consulted before an otherwise-eligible engine is offered;
// an engine with an open circuit is excluded exactly as if unhealthy.
type FailureGate interface {
	CanAttempt(containerID string) (bool, string)
}

// EngineSelector applies the deterministic layered-fill algorithm over a
// short-lived cache of the engine/load view.
type EngineSelector struct {
	registry RegistrySnapshotter
	cfg      Config
	gate     FailureGate

	mu        sync.Mutex
	cached    []EngineView
	cachedAt  time.Time
}

// New constructs an EngineSelector. gate may be nil to disable the circuit
// breaker gate.
func New(reg RegistrySnapshotter, cfg Config, gate FailureGate) *EngineSelector {
	return &EngineSelector{registry: reg, cfg: cfg, gate: gate}
}

// InvalidateCache forces the next Select to recompute the engine view. Must
// be called on any Registry mutation.
func (s *EngineSelector) InvalidateCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cachedAt = time.Time{}
}

func (s *EngineSelector) engineViews() []EngineView {
	s.mu.Lock()
	if !s.cachedAt.IsZero() && time.Since(s.cachedAt) < cacheTTL {
		cached := s.cached
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	engines := s.registry.ListEngines()
	views := make([]EngineView, 0, len(engines))
	for _, e := range engines {
		views = append(views, EngineView{
			ContainerID:  e.ContainerID,
			Host:         e.Host,
			Port:         e.Port,
			Forwarded:    e.Forwarded(),
			HealthStatus: e.HealthStatus,
			Load:         len(e.ActiveStreams),
		})
	}

	s.mu.Lock()
	s.cached = views
	s.cachedAt = time.Now()
	s.mu.Unlock()

	return views
}

// Select runs the layered-fill algorithm and returns the chosen engine, or
// ErrNoneAvailable.
func (s *EngineSelector) Select() (Selection, error) {
	views := s.engineViews()

	candidates := make([]EngineView, 0, len(views))
	for _, v := range views {
		if v.HealthStatus != registry.HealthHealthy {
			continue
		}
		if v.Load >= s.cfg.MaxStreamsPerEngine {
			continue
		}
		if s.gate != nil {
			if ok, reason := s.gate.CanAttempt(v.ContainerID); !ok {
				slog.Debug("selector: engine excluded by circuit breaker", "container_id", v.ContainerID, "reason", reason)
				continue
			}
		}
		candidates = append(candidates, v)
	}

	if len(candidates) == 0 {
		return Selection{}, ErrNoneAvailable
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Load != b.Load {
			return a.Load > b.Load // highest load first
		}
		if a.Forwarded != b.Forwarded {
			return a.Forwarded // forwarded before non-forwarded
		}
		return a.ContainerID < b.ContainerID // stable by id
	})

	chosen := candidates[0]
	return Selection{
		ContainerID: chosen.ContainerID,
		Host:        chosen.Host,
		Port:        chosen.Port,
		Forwarded:   chosen.Forwarded,
	}, nil
}

// FreeReplicaCount reports how many healthy engines currently have room.
// The Autoscaler's free-replica-floor rule counts from its own snapshot and
// does not call it.
func (s *EngineSelector) FreeReplicaCount() int {
	views := s.engineViews()
	n := 0
	for _, v := range views {
		if v.HealthStatus == registry.HealthHealthy && v.Load < s.cfg.MaxStreamsPerEngine {
			n++
		}
	}
	return n
}
