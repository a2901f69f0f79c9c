// Package registry holds the authoritative in-memory fleet state: engines,
// streams, and their rolling stats. All mutations serialize on a single
// lock; readers get independent copies.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrEngineUnknown is returned when a stream references a container_id
	// with no matching engine.
	ErrEngineUnknown = errors.New("registry: engine unknown")
	// ErrStreamNotFound is returned by lookups that require an existing stream.
	ErrStreamNotFound = errors.New("registry: stream not found")
)

// HealthStatus is an engine's reported health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// StreamStatus is a stream's lifecycle state.
type StreamStatus string

const (
	StreamStarted StreamStatus = "started"
	StreamEnded   StreamStatus = "ended"
)

// KeyType is the business-key discriminator for a Stream.
type KeyType string

const (
	KeyContentID KeyType = "content_id"
	KeyInfohash  KeyType = "infohash"
	KeyURL       KeyType = "url"
	KeyMagnet    KeyType = "magnet"
)

// Engine is the fleet's view of one streaming-engine process.
type Engine struct {
	ContainerID     string
	ContainerName   string
	Host            string
	Port            int
	Labels          map[string]string
	HealthStatus    HealthStatus
	FirstSeen       time.Time
	LastSeen        time.Time
	LastHealthCheck time.Time
	LastStreamUsage time.Time
	LastCacheCleanup time.Time
	CacheSizeBytes  *int64
	ActiveStreams   map[string]struct{}
}

// Forwarded reports whether the engine's reserved forwarded label is set.
func (e *Engine) Forwarded() bool {
	return e.Labels["acestream.forwarded"] == "true"
}

func (e *Engine) clone() *Engine {
	cp := *e
	cp.Labels = make(map[string]string, len(e.Labels))
	for k, v := range e.Labels {
		cp.Labels[k] = v
	}
	cp.ActiveStreams = make(map[string]struct{}, len(e.ActiveStreams))
	for id := range e.ActiveStreams {
		cp.ActiveStreams[id] = struct{}{}
	}
	if e.CacheSizeBytes != nil {
		v := *e.CacheSizeBytes
		cp.CacheSizeBytes = &v
	}
	return &cp
}

// LivePosition is the optional nested position object in a stat snapshot.
type LivePosition struct {
	Pos          int64
	LiveFirst    int64
	LiveLast     int64
	FirstTS      int64
	LastTS       int64
	BufferPieces int
}

// StatSnapshot is one observation of a stream's upstream stats.
type StatSnapshot struct {
	Timestamp         time.Time
	Peers             *int
	SpeedDownKBps     *int64
	SpeedUpKBps       *int64
	DownloadedBytes   *int64
	UploadedBytes     *int64
	UpstreamStatus    string
	LivePosition      *LivePosition
}

// Stream is the fleet's view of one active or just-ended playback session.
type Stream struct {
	ID                string
	KeyType           KeyType
	Key               string
	ContainerID       string
	PlaybackSessionID string
	PlaybackURL       string
	StatURL           string
	CommandURL        string
	IsLive            bool
	StartedAt         time.Time
	EndedAt           time.Time
	Status            StreamStatus

	// Latest observed fields, updated by AppendStat.
	Peers           *int
	SpeedDownKBps   *int64
	SpeedUpKBps     *int64
	DownloadedBytes *int64
	UploadedBytes   *int64
}

func (s *Stream) clone() *Stream {
	cp := *s
	return &cp
}

// StartedEvent is the input to OnStreamStarted.
type StartedEvent struct {
	StreamID          string // optional; allocated if empty
	ContainerID       string
	KeyType           KeyType
	Key               string
	PlaybackSessionID string
	PlaybackURL       string
	StatURL           string
	CommandURL        string
	IsLive            bool
}

// EndedEvent is the input to OnStreamEnded.
type EndedEvent struct {
	StreamID    string // if empty, resolved by ContainerID + last-started
	ContainerID string
	Reason      string
}

// LifecycleObserver is the single-direction interface the Registry uses to
// notify proxy components of terminations: proxies depend on the Registry,
// never the reverse.
type LifecycleObserver interface {
	OnStreamTerminated(streamID, containerID, reason string)
}

const defaultStatRingSize = 64

// Registry is the authoritative fleet state.
type Registry struct {
	mu sync.Mutex

	engines map[string]*Engine
	streams map[string]*Stream
	stats   map[string][]StatSnapshot // bounded ring per stream id

	// index from (container_id, key_type, key) to stream id, for
	// OnStreamStarted idempotency.
	activeByBusinessKey map[businessKey]string

	lookaheadLayer *int

	observers []LifecycleObserver

	statRingSize int
}

type businessKey struct {
	containerID string
	keyType     KeyType
	key         string
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		engines:             make(map[string]*Engine),
		streams:             make(map[string]*Stream),
		stats:               make(map[string][]StatSnapshot),
		activeByBusinessKey: make(map[businessKey]string),
		statRingSize:        defaultStatRingSize,
	}
}

// AddObserver registers a LifecycleObserver notified (fire-and-forget) on
// every OnStreamEnded.
func (r *Registry) AddObserver(o LifecycleObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// UpsertEngine creates or updates an engine record.
func (r *Registry) UpsertEngine(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.engines[e.ContainerID]
	now := time.Now().UTC()
	if !ok {
		if e.ActiveStreams == nil {
			e.ActiveStreams = make(map[string]struct{})
		}
		if e.Labels == nil {
			e.Labels = make(map[string]string)
		}
		if e.FirstSeen.IsZero() {
			e.FirstSeen = now
		}
		e.LastSeen = now
		cp := e
		r.engines[e.ContainerID] = &cp
		return
	}

	existing.ContainerName = e.ContainerName
	existing.Host = e.Host
	existing.Port = e.Port
	if e.Labels != nil {
		existing.Labels = e.Labels
	}
	if e.HealthStatus != "" {
		existing.HealthStatus = e.HealthStatus
	}
	existing.LastSeen = now
}

// RemoveEngine deletes the engine record. Removal and OnStreamStarted are
// mutually exclusive under the registry lock: a start that arrives
// mid-removal for this container_id will see no engine and fail with
// ErrEngineUnknown.
func (r *Registry) RemoveEngine(containerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.engines, containerID)
}

// SetEngineHealth updates an engine's health_status and last_health_check.
func (r *Registry) SetEngineHealth(containerID string, status HealthStatus, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[containerID]
	if !ok {
		return
	}
	e.HealthStatus = status
	e.LastHealthCheck = ts
}

// GetEngine returns a copy of the engine record, or nil.
func (r *Registry) GetEngine(containerID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[containerID]
	if !ok {
		return nil
	}
	return e.clone()
}

// ListEngines returns copies of every engine record.
func (r *Registry) ListEngines() []*Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.clone())
	}
	return out
}

// OnStreamStarted atomically creates (or idempotently returns) a Stream.
func (r *Registry) OnStreamStarted(evt StartedEvent) (*Stream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	engine, ok := r.engines[evt.ContainerID]
	if !ok {
		return nil, ErrEngineUnknown
	}

	bk := businessKey{containerID: evt.ContainerID, keyType: evt.KeyType, key: evt.Key}
	if existingID, ok := r.activeByBusinessKey[bk]; ok {
		if existing, ok := r.streams[existingID]; ok && existing.Status == StreamStarted {
			return existing.clone(), nil
		}
		delete(r.activeByBusinessKey, bk)
	}

	id := evt.StreamID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	s := &Stream{
		ID:                id,
		KeyType:           evt.KeyType,
		Key:               evt.Key,
		ContainerID:       evt.ContainerID,
		PlaybackSessionID: evt.PlaybackSessionID,
		PlaybackURL:       evt.PlaybackURL,
		StatURL:           evt.StatURL,
		CommandURL:        evt.CommandURL,
		IsLive:            evt.IsLive,
		StartedAt:         now,
		Status:            StreamStarted,
	}

	r.streams[id] = s
	r.activeByBusinessKey[bk] = id
	engine.ActiveStreams[id] = struct{}{}
	engine.LastStreamUsage = now

	return s.clone(), nil
}

// OnStreamEnded atomically tears down a Stream: hard delete from memory,
// drop its stat ring, remove it from its engine's active set. Observer
// notification is fire-and-forget and happens after the lock is released.
func (r *Registry) OnStreamEnded(evt EndedEvent) *Stream {
	r.mu.Lock()

	var s *Stream
	if evt.StreamID != "" {
		s = r.streams[evt.StreamID]
	}
	if s == nil && evt.ContainerID != "" {
		s = r.findLastStartedOnContainer(evt.ContainerID)
	}
	if s == nil {
		r.mu.Unlock()
		return nil
	}

	now := time.Now().UTC()
	ended := s.clone()
	ended.EndedAt = now
	ended.Status = StreamEnded

	delete(r.streams, s.ID)
	delete(r.stats, s.ID)
	delete(r.activeByBusinessKey, businessKey{containerID: s.ContainerID, keyType: s.KeyType, key: s.Key})
	if engine, ok := r.engines[s.ContainerID]; ok {
		delete(engine.ActiveStreams, s.ID)
	}

	observers := r.observers
	r.mu.Unlock()

	// Fire-and-forget: never awaited inside the critical section.
	for _, o := range observers {
		go o.OnStreamTerminated(ended.ID, ended.ContainerID, evt.Reason)
	}

	return ended
}

func (r *Registry) findLastStartedOnContainer(containerID string) *Stream {
	var best *Stream
	for _, s := range r.streams {
		if s.ContainerID != containerID || s.Status != StreamStarted {
			continue
		}
		if best == nil || s.StartedAt.After(best.StartedAt) {
			best = s
		}
	}
	return best
}

// AppendStat pushes a StatSnapshot onto the stream's bounded ring and
// updates its "latest" fields. No-op if the stream is not started.
func (r *Registry) AppendStat(streamID string, snap StatSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.streams[streamID]
	if !ok || s.Status != StreamStarted {
		return
	}

	ring := r.stats[streamID]
	ring = append(ring, snap)
	if len(ring) > r.statRingSize {
		ring = ring[len(ring)-r.statRingSize:]
	}
	r.stats[streamID] = ring

	if snap.Peers != nil {
		s.Peers = snap.Peers
	}
	if snap.SpeedDownKBps != nil {
		s.SpeedDownKBps = snap.SpeedDownKBps
	}
	if snap.SpeedUpKBps != nil {
		s.SpeedUpKBps = snap.SpeedUpKBps
	}
	if snap.DownloadedBytes != nil {
		s.DownloadedBytes = snap.DownloadedBytes
	}
	if snap.UploadedBytes != nil {
		s.UploadedBytes = snap.UploadedBytes
	}
}

// GetStream returns a copy of the stream, or nil.
func (r *Registry) GetStream(id string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[id]
	if !ok {
		return nil
	}
	return s.clone()
}

// ListStreams returns copies of streams matching the optional status filter.
func (r *Registry) ListStreams(status *StreamStatus) []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		if status != nil && s.Status != *status {
			continue
		}
		out = append(out, s.clone())
	}
	return out
}

// StreamWithStats pairs a stream snapshot with a copy of its stat ring.
type StreamWithStats struct {
	Stream *Stream
	Stats  []StatSnapshot
}

// ListStreamsWithStats returns copies of streams matching the optional
// status filter, each enriched with its bounded stat ring.
func (r *Registry) ListStreamsWithStats(status *StreamStatus) []StreamWithStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StreamWithStats, 0, len(r.streams))
	for _, s := range r.streams {
		if status != nil && s.Status != *status {
			continue
		}
		ring := r.stats[s.ID]
		stats := make([]StatSnapshot, len(ring))
		copy(stats, ring)
		out = append(out, StreamWithStats{Stream: s.clone(), Stats: stats})
	}
	return out
}

// StatRing returns a copy of the bounded stat ring for a stream.
func (r *Registry) StatRing(streamID string) []StatSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	ring := r.stats[streamID]
	out := make([]StatSnapshot, len(ring))
	copy(out, ring)
	return out
}

// GetLookaheadLayer returns the current look-ahead layer, or nil if unset.
func (r *Registry) GetLookaheadLayer() *int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lookaheadLayer == nil {
		return nil
	}
	v := *r.lookaheadLayer
	return &v
}

// SetLookaheadLayer records the min-load observed at the last look-ahead
// provisioning trigger.
func (r *Registry) SetLookaheadLayer(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookaheadLayer = &n
}

// ResetLookaheadLayer clears the look-ahead layer.
func (r *Registry) ResetLookaheadLayer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookaheadLayer = nil
}
