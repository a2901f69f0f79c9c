// Package hlsproxy implements the segmented proxy: a per-content-item
// manifest window and segment ring fetched once from the upstream engine
// and served to many clients.
package hlsproxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acefleet/fleetd/lib/proxycommon"
)

// Config holds the segmented proxy's tunables.
type Config struct {
	WindowSize             int
	MaxSegments            int
	BufferReadyTimeout     time.Duration
	FirstSegmentTimeout    time.Duration
	InitialBufferSeconds   float64
	MaxInitialSegments     int
	SegmentFetchMultiplier float64
	CleanupInterval        time.Duration
	ClientIdleMultiplier   float64
	BackoffMin             time.Duration
	BackoffMax             time.Duration
}

// DefaultConfig returns the stock segmented-proxy tunables.
func DefaultConfig() Config {
	return Config{
		WindowSize:             6,
		MaxSegments:            20,
		BufferReadyTimeout:     30 * time.Second,
		FirstSegmentTimeout:    10 * time.Second,
		InitialBufferSeconds:   12,
		MaxInitialSegments:     6,
		SegmentFetchMultiplier: 0.5,
		CleanupInterval:        5 * time.Second,
		ClientIdleMultiplier:   3,
		BackoffMin:             time.Second,
		BackoffMax:             8 * time.Second,
	}
}

// ManifestSegment is one entry the upstream manifest lists.
type ManifestSegment struct {
	URI      string
	Duration float64
}

// ManifestInfo is the parsed upstream manifest.
type ManifestInfo struct {
	TargetDuration float64
	Version        int
	Segments       []ManifestSegment // chronological, oldest first
}

// Upstream fetches the upstream manifest and segment bytes. Implemented by
// *upstream.Client's HLS-aware wrapper in production, faked in tests.
type Upstream interface {
	FetchManifest(ctx context.Context, playbackURL string) (ManifestInfo, error)
	FetchSegment(ctx context.Context, uri string) ([]byte, error)
}

// Segment is one buffered media segment.
type Segment struct {
	Seq      int64
	URI      string
	Bytes    []byte
	Duration float64
}

// Channel is one content item's manifest state: mutable playback URL (a
// later client session may point the same content at a fresh upstream
// session), a bounded segment ring, and a per-channel client-activity
// table.
type Channel struct {
	ChannelID string

	cfg      Config
	upstream Upstream
	bus      proxycommon.EventBus

	mu          sync.Mutex
	playbackURL string
	containerID string

	targetDuration float64
	version        int
	nextSequence   int64
	seenURIs       map[string]struct{}

	segments *proxycommon.Ring[Segment]

	initialBufferReady atomic.Bool
	bufferReadyCh      chan struct{}
	bufferReadyOnce    sync.Once

	firstSegmentCh   chan struct{}
	firstSegmentOnce sync.Once

	activity *proxycommon.ActivityTracker
	life     *proxycommon.Lifecycle

	streamID string
}

func newChannel(channelID, playbackURL, containerID string, cfg Config, up Upstream, bus proxycommon.EventBus, streamID string) *Channel {
	return &Channel{
		ChannelID:     channelID,
		cfg:           cfg,
		upstream:      up,
		bus:           bus,
		playbackURL:   playbackURL,
		containerID:   containerID,
		seenURIs:      make(map[string]struct{}),
		segments:      proxycommon.NewRing[Segment](cfg.MaxSegments),
		bufferReadyCh: make(chan struct{}),
		firstSegmentCh: make(chan struct{}),
		activity:      proxycommon.NewActivityTracker(),
		life:          proxycommon.NewLifecycle(),
		streamID:      streamID,
	}
}

// updatePlaybackURL atomically retargets the channel at a fresh upstream
// session.
func (c *Channel) updatePlaybackURL(playbackURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playbackURL = playbackURL
}

func (c *Channel) currentPlaybackURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playbackURL
}

func (c *Channel) markBufferReady() {
	c.bufferReadyOnce.Do(func() {
		c.initialBufferReady.Store(true)
		close(c.bufferReadyCh)
	})
}

func (c *Channel) markFirstSegment() {
	c.firstSegmentOnce.Do(func() {
		close(c.firstSegmentCh)
	})
}

// insertSegment dedupes by upstream URI and evicts the oldest entries past
// MaxSegments.
func (c *Channel) insertSegment(uri string, bytes []byte, duration float64) bool {
	c.mu.Lock()
	if _, seen := c.seenURIs[uri]; seen {
		c.mu.Unlock()
		return false
	}
	c.seenURIs[uri] = struct{}{}
	seq := c.nextSequence
	c.nextSequence++
	c.mu.Unlock()

	c.segments.Push(seq, Segment{Seq: seq, URI: uri, Bytes: bytes, Duration: duration})
	c.markFirstSegment()
	return true
}

func (c *Channel) setManifestMeta(targetDuration float64, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetDuration = targetDuration
	c.version = version
}

func (c *Channel) manifestMeta() (float64, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetDuration, c.version
}

// waitBufferReady blocks (cooperative select, not a sleep loop) until the
// initial buffer is ready or the timeout elapses.
func (c *Channel) waitBufferReady(ctx context.Context) error {
	if c.initialBufferReady.Load() {
		return nil
	}
	timer := time.NewTimer(c.cfg.BufferReadyTimeout)
	defer timer.Stop()
	select {
	case <-c.bufferReadyCh:
		return nil
	case <-timer.C:
		return ErrBufferTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.life.Done():
		return ErrChannelStopped
	}
}

// waitFirstSegment blocks until at least one segment is buffered.
func (c *Channel) waitFirstSegment(ctx context.Context) error {
	select {
	case <-c.firstSegmentCh:
		return nil
	default:
	}
	timer := time.NewTimer(c.cfg.FirstSegmentTimeout)
	defer timer.Stop()
	select {
	case <-c.firstSegmentCh:
		return nil
	case <-timer.C:
		return ErrSegmentTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.life.Done():
		return ErrChannelStopped
	}
}

// window returns the last WindowSize buffered segments in ascending
// sequence order.
func (c *Channel) window() []Segment {
	_, vals := c.segments.Window(c.cfg.WindowSize)
	return vals
}

func (c *Channel) segmentBySeq(seq int64) ([]byte, bool) {
	seg, ok := c.segments.Get(seq)
	if !ok {
		return nil, false
	}
	return seg.Bytes, true
}
