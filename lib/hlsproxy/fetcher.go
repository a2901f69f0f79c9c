package hlsproxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/acefleet/fleetd/lib/proxycommon"
)

// runFetchLoop is the single background fetch task per channel: an initial
// catch-up fetch, then a steady-state poll that picks up newly-appeared
// trailing segments, with exponential backoff on failure.
// Never holds the channel lock across network I/O.
func (c *Channel) runFetchLoop(ctx context.Context) {
	if err := c.initialFill(ctx); err != nil {
		slog.Warn("hlsproxy: initial fill failed", "channel_id", c.ChannelID, "error", err)
	}
	c.markBufferReady()

	backoff := proxycommon.NewBackoff(c.cfg.BackoffMin, c.cfg.BackoffMax)
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.life.Done():
			return
		default:
		}

		target, _ := c.manifestMeta()
		interval := time.Duration(target*c.cfg.SegmentFetchMultiplier*float64(time.Second))
		if interval <= 0 {
			interval = time.Second
		}

		if err := c.poll(ctx); err != nil {
			slog.Debug("hlsproxy: manifest poll failed, backing off", "channel_id", c.ChannelID, "error", err)
			c.sleep(ctx, backoff.Next())
			continue
		}
		backoff.Reset()
		c.sleep(ctx, interval)
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-c.life.Done():
	}
}

// initialFill fetches the manifest and enough trailing segments to cover
// InitialBufferSeconds, in chronological order, up to MaxInitialSegments.
func (c *Channel) initialFill(ctx context.Context) error {
	info, err := c.upstream.FetchManifest(ctx, c.currentPlaybackURL())
	if err != nil {
		return err
	}
	c.setManifestMeta(info.TargetDuration, info.Version)

	segs := info.Segments
	n := 0
	acc := 0.0
	for i := len(segs) - 1; i >= 0 && n < c.cfg.MaxInitialSegments && acc < c.cfg.InitialBufferSeconds; i-- {
		n++
		acc += segs[i].Duration
	}
	start := len(segs) - n
	if start < 0 {
		start = 0
	}

	for _, seg := range segs[start:] {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.life.Done():
			return ErrChannelStopped
		default:
		}
		data, err := c.upstream.FetchSegment(ctx, seg.URI)
		if err != nil {
			slog.Debug("hlsproxy: initial segment fetch failed", "channel_id", c.ChannelID, "uri", seg.URI, "error", err)
			continue
		}
		c.insertSegment(seg.URI, data, seg.Duration)
	}
	return nil
}

// poll re-fetches the manifest and downloads any newly-appeared trailing
// segment, deduped by upstream URI.
func (c *Channel) poll(ctx context.Context) error {
	info, err := c.upstream.FetchManifest(ctx, c.currentPlaybackURL())
	if err != nil {
		return err
	}
	c.setManifestMeta(info.TargetDuration, info.Version)

	if len(info.Segments) == 0 {
		return nil
	}
	latest := info.Segments[len(info.Segments)-1]

	c.mu.Lock()
	_, seen := c.seenURIs[latest.URI]
	c.mu.Unlock()
	if seen {
		return nil
	}

	data, err := c.upstream.FetchSegment(ctx, latest.URI)
	if err != nil {
		return err
	}
	c.insertSegment(latest.URI, data, latest.Duration)
	return nil
}

// runCleanupMonitor drops clients inactive beyond ClientIdleMultiplier *
// target_duration and stops the channel once no clients remain. Skips
// entirely until the initial buffer is ready, since legitimate initial
// buffering can exceed the client's own request timeout.
func (m *Manager) runCleanupMonitor(ctx context.Context, c *Channel) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.life.Done():
			return
		case <-ticker.C:
			if !c.initialBufferReady.Load() {
				continue
			}
			target, _ := c.manifestMeta()
			if target <= 0 {
				target = 2
			}
			maxAge := time.Duration(target*c.cfg.ClientIdleMultiplier*float64(time.Second))
			stale := c.activity.Sweep(maxAge)
			for _, key := range stale {
				slog.Debug("hlsproxy: client idle, dropped", "channel_id", c.ChannelID, "client_key", key)
			}
			if c.activity.Count() == 0 {
				m.StopChannel(c.ChannelID, "inactivity")
				// StopChannel declines if a client re-appeared between the
				// sweep and the stop; only exit once the stop actually took.
				if c.life.Stopped() {
					return
				}
			}
		}
	}
}
