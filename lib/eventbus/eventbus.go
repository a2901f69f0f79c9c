// Package eventbus delivers stream-lifecycle notifications as direct
// synchronous function calls into the Registry, never HTTP loopback. Audit
// logging and metrics updates ride the same call path but are dispatched
// fire-and-forget so a slow sink never stalls a proxy.
package eventbus

import (
	"context"
	"log/slog"

	"github.com/acefleet/fleetd/lib/proxycommon"
	"github.com/acefleet/fleetd/lib/registry"
)

// RegistryPort is the subset of Registry the bus drives.
type RegistryPort interface {
	OnStreamStarted(evt registry.StartedEvent) (*registry.Stream, error)
	OnStreamEnded(evt registry.EndedEvent) *registry.Stream
}

// AuditSink records a lifecycle transition for later inspection. Implemented
// by lib/audit.
type AuditSink interface {
	RecordStreamStarted(ctx context.Context, streamID, containerID, key string)
	RecordStreamEnded(ctx context.Context, streamID, containerID, reason string)
}

// MetricsSink is notified of lifecycle transitions for gauge/counter upkeep.
// Implemented by lib/metrics.
type MetricsSink interface {
	OnStreamStarted(containerID string)
	OnStreamEnded(streamID, reason string)
}

// Bus is the concrete proxycommon.EventBus implementation wiring Registry,
// audit, and metrics together.
type Bus struct {
	reg     RegistryPort
	audit   AuditSink
	metrics MetricsSink

	onStarted func(streamID, containerID string)
}

// New constructs a Bus. audit and metrics may be nil for tests.
func New(reg RegistryPort, audit AuditSink, metrics MetricsSink) *Bus {
	return &Bus{reg: reg, audit: audit, metrics: metrics}
}

// NotifyStarted registers a fire-and-forget hook run after every successful
// StreamStarted, used by the app to feed the external websocket event feed.
// Terminations reach that feed through the Registry's LifecycleObserver
// instead, which also covers ends that never pass through this bus (the
// health collector calls the Registry directly).
func (b *Bus) NotifyStarted(fn func(streamID, containerID string)) {
	b.onStarted = fn
}

var _ proxycommon.EventBus = (*Bus)(nil)

// StreamStarted records the stream in the Registry and fires audit/metrics
// side effects fire-and-forget.
func (b *Bus) StreamStarted(ctx context.Context, evt proxycommon.StartedEvent) (string, error) {
	s, err := b.reg.OnStreamStarted(registry.StartedEvent{
		ContainerID:       evt.ContainerID,
		KeyType:           registry.KeyType(evt.KeyType),
		Key:               evt.Key,
		PlaybackSessionID: evt.PlaybackSessionID,
		PlaybackURL:       evt.PlaybackURL,
		StatURL:           evt.StatURL,
		CommandURL:        evt.CommandURL,
		IsLive:            evt.IsLive,
	})
	if err != nil {
		return "", err
	}

	if b.audit != nil {
		go b.audit.RecordStreamStarted(context.Background(), s.ID, evt.ContainerID, evt.Key)
	}
	if b.metrics != nil {
		go b.metrics.OnStreamStarted(evt.ContainerID)
	}
	if b.onStarted != nil {
		go b.onStarted(s.ID, evt.ContainerID)
	}
	slog.Info("eventbus: stream started", "stream_id", s.ID, "container_id", evt.ContainerID)
	return s.ID, nil
}

// StreamEnded tears the stream down in the Registry and fires the same
// fire-and-forget side effects.
func (b *Bus) StreamEnded(ctx context.Context, evt proxycommon.EndedEvent) {
	s := b.reg.OnStreamEnded(registry.EndedEvent{
		StreamID:    evt.StreamID,
		ContainerID: evt.ContainerID,
		Reason:      evt.Reason,
	})
	if s == nil {
		return
	}

	if b.audit != nil {
		go b.audit.RecordStreamEnded(context.Background(), s.ID, s.ContainerID, evt.Reason)
	}
	if b.metrics != nil {
		go b.metrics.OnStreamEnded(s.ID, evt.Reason)
	}
	slog.Info("eventbus: stream ended", "stream_id", s.ID, "reason", evt.Reason)
}
