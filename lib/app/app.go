// Package app wires every fleetd component into one running process: the
// Registry, engine selector, autoscaler signal, both proxy managers, the
// health collector, the event bus, and the background scheduler, behind one
// constructor and one Start/Close pair.
package app

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/acefleet/fleetd/lib/audit"
	"github.com/acefleet/fleetd/lib/autoscaler"
	"github.com/acefleet/fleetd/lib/bytestream"
	"github.com/acefleet/fleetd/lib/collector"
	"github.com/acefleet/fleetd/lib/config"
	"github.com/acefleet/fleetd/lib/diagnostics"
	"github.com/acefleet/fleetd/lib/eventbus"
	"github.com/acefleet/fleetd/lib/eventstream"
	"github.com/acefleet/fleetd/lib/hlsproxy"
	"github.com/acefleet/fleetd/lib/metrics"
	"github.com/acefleet/fleetd/lib/registry"
	"github.com/acefleet/fleetd/lib/runtime"
	"github.com/acefleet/fleetd/lib/scheduler"
	"github.com/acefleet/fleetd/lib/selector"
)

// App owns the wiring and lifecycle of the whole fleet orchestrator.
type App struct {
	Cfg *config.Config

	Registry  *registry.Registry
	Selector  *selector.EngineSelector
	Failures  *selector.FailureTracker
	Autoscale *autoscaler.Signal
	Collector *collector.HealthCollector
	Bus       *eventbus.Bus

	PromRegistry *prometheus.Registry
	Metrics      *metrics.Sink
	Audit        *audit.Store
	Diagnostics  *diagnostics.Logger

	HLS        *hlsproxy.Manager
	ByteStream *bytestream.Manager
	Hub        *eventstream.Hub

	Runtime runtime.EngineRuntime
	Egress  runtime.EgressHealth

	urlFor hlsproxy.SegmentURLFunc

	sched *scheduler.Scheduler

	idleMu    sync.Mutex
	idleSince map[string]time.Time
}

// New constructs every collaborator and wires them together with no
// upstream yet attached (HLS and ByteStream hold nil upstreams until
// SetUpstream is called), and starts no background loops apart from the
// websocket hub's own event loop; call Start to bring the process to life. publicScheme/publicAddr are this process's own
// externally reachable scheme and host:port, used to build the segment
// URLs the HLS manifest hands back to clients.
func New(cfg *config.Config, publicScheme, publicAddr string) (*App, error) {
	reg := registry.New()

	promReg := prometheus.NewRegistry()
	met := metrics.New(promReg)

	auditStore, err := audit.Open(cfg.AuditDBPath)
	if err != nil {
		return nil, err
	}

	diag := diagnostics.New(cfg.DebugMode, cfg.DebugLogDir)

	bus := eventbus.New(reg, auditStore, met)

	failures := selector.NewFailureTracker()
	sel := selector.New(reg, selector.Config{
		MaxStreamsPerEngine: cfg.MaxStreamsPerEngine,
		MinFreeReplicas:     cfg.MinFreeReplicas,
	}, failures)

	eng := runtime.NewNoopRuntime()
	egress := runtime.NewStaticEgress(true)

	scale := autoscaler.NewSignal(reg, cfg.AutoscalerConfig(), eng)

	col := collector.New(reg, met, cfg.CollectorConfig())

	urlFor := func(channelID string, seq int64) string {
		return publicScheme + "://" + publicAddr + "/ace/hls/" + channelID + "/segment/" + strconv.FormatInt(seq, 10) + ".ts"
	}
	hlsMgr := hlsproxy.NewManager(cfg.HLSConfig(), nil, bus, urlFor)
	bsMgr := bytestream.NewManager(cfg.ByteStreamConfig(), nil, bus)

	hub := eventstream.NewHub()
	bus.NotifyStarted(func(streamID, containerID string) {
		hub.Broadcast(eventstream.Event{
			Type:        "stream_started",
			StreamID:    streamID,
			ContainerID: containerID,
		})
	})

	a := &App{
		Cfg:          cfg,
		Registry:     reg,
		Selector:     sel,
		Failures:     failures,
		Autoscale:    scale,
		Collector:    col,
		Bus:          bus,
		PromRegistry: promReg,
		Metrics:      met,
		Audit:        auditStore,
		Diagnostics:  diag,
		HLS:          hlsMgr,
		ByteStream:   bsMgr,
		Hub:          hub,
		Runtime:      eng,
		Egress:       egress,
		urlFor:       urlFor,
		idleSince:    make(map[string]time.Time),
	}

	reg.AddObserver(a)

	return a, nil
}

// OnStreamTerminated implements registry.LifecycleObserver: invalidates the
// selector's engine-view cache (the Registry just mutated) and broadcasts
// the termination over the additive websocket event stream.
func (a *App) OnStreamTerminated(streamID, containerID, reason string) {
	a.Selector.InvalidateCache()
	a.Hub.Broadcast(eventstream.Event{
		Type:        "stream_ended",
		StreamID:    streamID,
		ContainerID: containerID,
		Reason:      reason,
	})
}

// KickAutoscaler runs one out-of-band autoscaling pass, called after every
// successful stream start in addition to the periodic tick.
func (a *App) KickAutoscaler(ctx context.Context) {
	a.Autoscale.Evaluate(ctx, a.idleSnapshot())
}

// SetUpstream replaces the HLS and byte-stream managers' upstream
// collaborators once the real *upstream.Client-backed adapters are ready.
// Kept separate from New so tests can exercise the rest of the wiring
// against fakes without touching HTTP at all.
func (a *App) SetUpstream(hls hlsproxy.Upstream, bs bytestream.Upstream) {
	a.HLS = hlsproxy.NewManager(a.Cfg.HLSConfig(), hls, a.Bus, a.urlFor)
	a.ByteStream = bytestream.NewManager(a.Cfg.ByteStreamConfig(), bs, a.Bus)
}

// Start launches every background loop: the health collector, the
// autoscaler signal, the idle-engine tracker, the maintenance scheduler,
// the runtime reconcile loop, and the metrics loop. It blocks until ctx is
// cancelled.
func (a *App) Start(ctx context.Context) {
	sched, err := scheduler.New(ctx, a.Failures, snapshotAdapter{a.Registry}, nil)
	if err != nil {
		slog.Error("app: scheduler init failed, continuing without it", "error", err)
	} else {
		a.sched = sched
		sched.Start()
	}

	go a.Collector.Run(ctx)
	go a.Autoscale.Run(ctx, 5*time.Second, a.idleSnapshot)
	go a.driftIdleTracker(ctx)
	go a.reconcileLoop(ctx)
	go a.metricsLoop(ctx)

	<-ctx.Done()
	if a.sched != nil {
		a.sched.Stop()
	}
}

// Close releases held resources (the audit database, the websocket hub).
func (a *App) Close() error {
	a.Hub.Close()
	return a.Audit.Close()
}

// idleSnapshot returns the current containerID -> became-idle-at map the
// autoscaler's drain rule needs.
func (a *App) idleSnapshot() map[string]time.Time {
	a.idleMu.Lock()
	defer a.idleMu.Unlock()
	out := make(map[string]time.Time, len(a.idleSince))
	for k, v := range a.idleSince {
		out[k] = v
	}
	return out
}

// driftIdleTracker periodically observes which engines have gone from
// carrying load to carrying none, recording the moment so the autoscaler's
// drain-and-terminate rule can measure ENGINE_GRACE_PERIOD_S against it.
func (a *App) driftIdleTracker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.idleMu.Lock()
			for _, e := range a.Registry.ListEngines() {
				if len(e.ActiveStreams) == 0 {
					if _, ok := a.idleSince[e.ContainerID]; !ok {
						a.idleSince[e.ContainerID] = time.Now()
					}
				} else {
					delete(a.idleSince, e.ContainerID)
				}
			}
			a.idleMu.Unlock()
		}
	}
}

// reconcileLoop keeps the Registry's engine set in sync with what the
// runtime reports running: new containers are upserted on first
// observation, and an engine the runtime no longer reports is removed once
// it carries no active streams (the engine lifecycle rule). The Registry
// stays fully reconstructable from ListRunning alone.
func (a *App) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reconcileOnce(ctx)
		}
	}
}

func (a *App) reconcileOnce(ctx context.Context) {
	running, err := a.Runtime.ListRunning(ctx)
	if err != nil {
		slog.Warn("app: runtime list failed, skipping reconcile", "error", err)
		return
	}

	seen := make(map[string]struct{}, len(running))
	for _, d := range running {
		seen[d.ContainerID] = struct{}{}
		a.Registry.UpsertEngine(registry.Engine{
			ContainerID:   d.ContainerID,
			ContainerName: d.ContainerName,
			Host:          d.Host,
			Port:          d.Port,
			Labels:        d.Labels,
			HealthStatus:  registry.HealthHealthy,
		})
	}
	for _, e := range a.Registry.ListEngines() {
		if _, ok := seen[e.ContainerID]; ok {
			continue
		}
		if len(e.ActiveStreams) > 0 {
			// Gone from the runtime but still carrying streams; the health
			// collector will reap those and a later pass removes the engine.
			continue
		}
		a.Registry.RemoveEngine(e.ContainerID)
		slog.Info("app: engine no longer running, removed", "container_id", e.ContainerID)
	}
	a.Selector.InvalidateCache()
}

// metricsLoop refreshes the registry-derived gauges (active streams, peers,
// engine population counts, egress health) from fresh snapshots. The
// cumulative byte counters and speed gauges are fed by the collector's
// per-poll path instead; only population-style gauges belong here.
func (a *App) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := registry.StreamStarted
			streams := a.Registry.ListStreams(&started)
			totalPeers := 0
			for _, s := range streams {
				if s.Peers != nil {
					totalPeers += *s.Peers
				}
			}
			a.Metrics.SetActiveStreams(len(streams), totalPeers)

			var healthy, unhealthy, withStreams int
			engines := a.Registry.ListEngines()
			for _, e := range engines {
				switch e.HealthStatus {
				case registry.HealthHealthy:
					healthy++
				case registry.HealthUnhealthy:
					unhealthy++
				}
				if len(e.ActiveStreams) > 0 {
					withStreams++
				}
			}
			overMinimum := len(engines) - a.Cfg.MinReplicas
			if overMinimum < 0 {
				overMinimum = 0
			}
			a.Metrics.SetEngineCounts(healthy, unhealthy, withStreams, overMinimum)

			if a.Egress.Healthy(ctx) {
				a.Metrics.SetEgressHealth(metrics.EgressHealthy)
			} else {
				a.Metrics.SetEgressHealth(metrics.EgressUnhealthy)
			}
		}
	}
}

// snapshotAdapter projects Registry onto scheduler.MetricsSnapshotter.
type snapshotAdapter struct {
	reg *registry.Registry
}

func (s snapshotAdapter) Snapshot() (activeStreams, healthyEngines, unhealthyEngines int) {
	started := registry.StreamStarted
	activeStreams = len(s.reg.ListStreams(&started))
	for _, e := range s.reg.ListEngines() {
		if e.HealthStatus == registry.HealthHealthy {
			healthyEngines++
		} else if e.HealthStatus == registry.HealthUnhealthy {
			unhealthyEngines++
		}
	}
	return
}
