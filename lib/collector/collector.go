// Package collector implements the HealthCollector: a single
// ticking loop that polls every started stream's stat_url, updates the
// Registry, and terminates stale or inactive streams.
package collector

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/acefleet/fleetd/lib/registry"
)

// MetricsSink receives cumulative-byte deltas on every stat update. Totals
// must be updated before a stream record is dropped, not derived after the
// fact.
type MetricsSink interface {
	OnStreamStatUpdate(streamID string, uploaded, downloaded *int64)
	SetStreamSpeed(streamID string, downKBps, upKBps int64)
	OnStreamEnded(streamID, reason string)
	IncStaleStreamsDetected()
	IncInactiveStreamsDetected()
}

// RegistryPort is the subset of Registry the collector mutates/reads.
type RegistryPort interface {
	ListStreams(status *registry.StreamStatus) []*registry.Stream
	AppendStat(streamID string, snap registry.StatSnapshot)
	OnStreamEnded(evt registry.EndedEvent) *registry.Stream
}

// Config holds the collector's tunables.
type Config struct {
	CollectInterval time.Duration
	StatTimeout     time.Duration
	StopTimeout     time.Duration
	Inactivity      InactivityConfig
}

// DefaultConfig returns the stock polling and termination timings.
func DefaultConfig() Config {
	return Config{
		CollectInterval: 2 * time.Second,
		StatTimeout:     3 * time.Second,
		StopTimeout:     5 * time.Second,
		Inactivity:      DefaultInactivityConfig(),
	}
}

// HealthCollector polls every started stream's stat endpoint on one loop.
type HealthCollector struct {
	reg     RegistryPort
	metrics MetricsSink
	cfg     Config
	client  *http.Client
	tracker *InactivityTracker
}

// New constructs a HealthCollector.
func New(reg RegistryPort, metrics MetricsSink, cfg Config) *HealthCollector {
	return &HealthCollector{
		reg:     reg,
		metrics: metrics,
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.StatTimeout},
		tracker: NewInactivityTracker(cfg.Inactivity),
	}
}

// SetInactivityConfig applies freshly reloaded inactivity thresholds to the
// running tracker.
func (c *HealthCollector) SetInactivityConfig(cfg InactivityConfig) {
	c.tracker.SetConfig(cfg)
}

// Run drives the collector loop until ctx is cancelled.
func (c *HealthCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *HealthCollector) tick(ctx context.Context) {
	started := registry.StreamStarted
	streams := c.reg.ListStreams(&started)

	var wg sync.WaitGroup
	for _, s := range streams {
		wg.Add(1)
		go func(s *registry.Stream) {
			defer wg.Done()
			c.collectOne(ctx, s)
		}(s)
	}
	wg.Wait()
}

func (c *HealthCollector) collectOne(ctx context.Context, s *registry.Stream) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.StatTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, s.StatURL, nil)
	if err != nil {
		slog.Debug("collector: bad stat request", "stream_id", s.ID, "error", err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		slog.Debug("collector: stat poll failed, retrying next tick", "stream_id", s.ID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		slog.Debug("collector: stat poll non-200", "stream_id", s.ID, "status", resp.StatusCode)
		return
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		slog.Debug("collector: failed reading stat response", "stream_id", s.ID, "error", err)
		return
	}
	stat, err := ParseStatResponse(body)
	if err != nil {
		slog.Debug("collector: malformed stat response", "stream_id", s.ID, "error", err)
		return
	}

	if stat.IsUnknownPlaybackSession() {
		c.stopAndEnd(ctx, s, "stale_stream_detected")
		c.metrics.IncStaleStreamsDetected()
		return
	}
	if stat.Response == nil {
		return
	}

	payload := stat.Response
	speedDown := payload.SpeedDownValue()
	speedUp := payload.SpeedUpValue()

	var livePos *int64
	if lp, ok := payload.LivePosition(); ok && lp.Pos != nil {
		livePos = lp.Pos
	}

	snap := registry.StatSnapshot{
		Timestamp:       time.Now().UTC(),
		Peers:           payload.Peers,
		SpeedDownKBps:   speedDown,
		SpeedUpKBps:     speedUp,
		DownloadedBytes: payload.Downloaded,
		UploadedBytes:   payload.Uploaded,
		UpstreamStatus:  payload.Status,
	}
	if livePos != nil {
		snap.LivePosition = &registry.LivePosition{Pos: *livePos}
	}

	c.reg.AppendStat(s.ID, snap)
	c.metrics.OnStreamStatUpdate(s.ID, payload.Uploaded, payload.Downloaded)
	c.metrics.SetStreamSpeed(s.ID, derefInt64(speedDown), derefInt64(speedUp))

	if c.tracker.Update(s.ID, livePos, payload.Status, speedDown, speedUp) {
		c.stopAndEnd(ctx, s, "inactive_stream_detected")
	}
}

func derefInt64(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}

func (c *HealthCollector) stopAndEnd(ctx context.Context, s *registry.Stream, reason string) {
	c.bestEffortStop(ctx, s.CommandURL)
	ended := c.reg.OnStreamEnded(registry.EndedEvent{StreamID: s.ID, ContainerID: s.ContainerID, Reason: reason})
	c.tracker.Remove(s.ID)
	if ended != nil {
		c.metrics.OnStreamEnded(s.ID, reason)
		if reason == "inactive_stream_detected" {
			c.metrics.IncInactiveStreamsDetected()
		}
	}
	slog.Info("collector: stream terminated", "stream_id", s.ID, "reason", reason)
}

func (c *HealthCollector) bestEffortStop(ctx context.Context, commandURL string) {
	if commandURL == "" {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, c.cfg.StopTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(stopCtx, http.MethodGet, commandURL+"?method=stop", nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		slog.Warn("collector: best-effort stop command failed", "error", err)
		return
	}
	resp.Body.Close()
}
