package hlsproxy

import (
	"context"
	"errors"
	"sync"

	"github.com/acefleet/fleetd/lib/proxycommon"
)

var (
	// ErrBufferTimeout is returned by GetManifest when the initial buffer
	// never became ready within BufferReadyTimeout.
	ErrBufferTimeout = errors.New("hlsproxy: buffer-ready timeout")
	// ErrSegmentTimeout is returned by GetManifest when no segment ever
	// arrived within FirstSegmentTimeout.
	ErrSegmentTimeout = errors.New("hlsproxy: first-segment timeout")
	// ErrChannelStopped is returned when the channel tore down while a
	// caller was waiting on it.
	ErrChannelStopped = errors.New("hlsproxy: channel stopped")
	// ErrSegmentNotFound is returned by GetSegment for a sequence number
	// outside the current ring.
	ErrSegmentNotFound = errors.New("hlsproxy: segment not found")
	// ErrChannelNotFound is returned by GetManifest/GetSegment for an
	// unknown channel id.
	ErrChannelNotFound = errors.New("hlsproxy: channel not found")
)

// Manager owns every active Channel, keyed by channel id (the content key a
// client's HLS request maps to).
type Manager struct {
	mu       sync.Mutex
	channels map[string]*Channel

	cfg      Config
	upstream Upstream
	bus      proxycommon.EventBus
	urlFor   SegmentURLFunc
}

// NewManager constructs a Manager.
func NewManager(cfg Config, up Upstream, bus proxycommon.EventBus, urlFor SegmentURLFunc) *Manager {
	return &Manager{
		channels: make(map[string]*Channel),
		cfg:      cfg,
		upstream: up,
		bus:      bus,
		urlFor:   urlFor,
	}
}

// EnsureChannel creates the channel on first observation of channelID, or
// atomically retargets an existing one at a fresh upstream session. The
// channel id is supplied by the caller and used as-is; no placeholder id is
// ever allocated.
func (m *Manager) EnsureChannel(ctx context.Context, channelID, playbackURL, containerID string, evt proxycommon.StartedEvent) (*Channel, error) {
	m.mu.Lock()
	if existing, ok := m.channels[channelID]; ok {
		m.mu.Unlock()
		existing.updatePlaybackURL(playbackURL)
		return existing, nil
	}
	m.mu.Unlock()

	streamID, err := m.bus.StreamStarted(ctx, evt)
	if err != nil {
		return nil, err
	}

	c := newChannel(channelID, playbackURL, containerID, m.cfg, m.upstream, m.bus, streamID)

	m.mu.Lock()
	if existing, ok := m.channels[channelID]; ok {
		// Lost a race with a concurrent EnsureChannel; use the winner and
		// end the stream we just opened.
		m.mu.Unlock()
		existing.updatePlaybackURL(playbackURL)
		m.bus.StreamEnded(context.Background(), proxycommon.EndedEvent{StreamID: streamID, ContainerID: containerID, Reason: "duplicate_channel"})
		return existing, nil
	}
	m.channels[channelID] = c
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	go c.runFetchLoop(runCtx)
	go m.runCleanupMonitor(runCtx, c)
	go func() {
		<-c.life.Done()
		cancel()
	}()

	return c, nil
}

// GetManifest waits (cooperatively, no sleep loop) for the initial buffer
// and at least one segment, then renders the manifest window.
func (m *Manager) GetManifest(ctx context.Context, channelID string) (string, error) {
	c := m.lookup(channelID)
	if c == nil {
		return "", ErrChannelNotFound
	}

	if err := c.waitBufferReady(ctx); err != nil {
		return "", err
	}
	if err := c.waitFirstSegment(ctx); err != nil {
		return "", err
	}

	window := c.window()
	target, version := c.manifestMeta()
	return BuildManifest(channelID, window, target, version, m.urlFor), nil
}

// GetSegment returns the bytes of one buffered segment.
func (m *Manager) GetSegment(channelID string, seq int64) ([]byte, error) {
	c := m.lookup(channelID)
	if c == nil {
		return nil, ErrChannelNotFound
	}
	data, ok := c.segmentBySeq(seq)
	if !ok {
		return nil, ErrSegmentNotFound
	}
	return data, nil
}

// RecordClientActivity bumps a client's last-seen timestamp on a channel.
func (m *Manager) RecordClientActivity(channelID, clientKey string) {
	c := m.lookup(channelID)
	if c == nil {
		return
	}
	c.activity.Touch(clientKey)
}

// StopChannel idempotently tears a channel down: if clients are still
// active the stop is cancelled; otherwise the fetch task is cancelled, the
// channel dropped, and stream_ended fired.
func (m *Manager) StopChannel(channelID, reason string) {
	c := m.lookup(channelID)
	if c == nil {
		return
	}
	if c.activity.Count() > 0 {
		return
	}

	c.life.Stop(func() {
		m.mu.Lock()
		delete(m.channels, channelID)
		m.mu.Unlock()

		m.bus.StreamEnded(context.Background(), proxycommon.EndedEvent{
			StreamID:    c.streamID,
			ContainerID: c.containerID,
			Reason:      reason,
		})
	})
}

func (m *Manager) lookup(channelID string) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[channelID]
}
