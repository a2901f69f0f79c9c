package bytestream

import (
	"context"
	"errors"
	"sync"

	"github.com/acefleet/fleetd/lib/ferrors"
	"github.com/acefleet/fleetd/lib/proxycommon"
)

// ErrSessionNotFound is returned by AttachClient when it is given no
// session.
var ErrSessionNotFound = errors.New("bytestream: session not found")

// Manager owns every active Session, keyed by content key (the business key
// a client request maps to one upstream connection).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	cfg      Config
	upstream Upstream
	bus      proxycommon.EventBus
}

// NewManager constructs a Manager.
func NewManager(cfg Config, up Upstream, bus proxycommon.EventBus) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		cfg:      cfg,
		upstream: up,
		bus:      bus,
	}
}

// OpenOrAttach returns the existing healthy Session for contentKey, or
// starts a new one: creates the session, launches its upstream task, fires
// stream_started through the event bus, then waits for the connection to
// establish. A timeout or connection failure is a session-creation
// failure, not a silently half-open session.
func (m *Manager) OpenOrAttach(ctx context.Context, contentKey string, evt proxycommon.StartedEvent) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[contentKey]; ok && existing.Healthy() {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	streamID, err := m.bus.StreamStarted(ctx, evt)
	if err != nil {
		return nil, err
	}

	s := newSession(streamID, evt.PlaybackURL, evt.ContainerID, m.cfg, m.upstream, m.bus)

	m.mu.Lock()
	m.sessions[contentKey] = s
	m.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	go func() {
		err := s.run(runCtx)
		// A session that never established is cleaned up by OpenOrAttach's
		// own failure path below; only an established session that lost its
		// upstream for good (clean EOF or exhausted retries) is torn down
		// here, so attached clients see end-of-stream instead of hanging on
		// an open but silent channel.
		select {
		case <-s.connEstablished:
			if s.connErr != nil {
				return
			}
		default:
			return
		}
		if !s.life.Stopped() {
			reason := "upstream_closed"
			if err != nil {
				r, _ := ferrors.Classify(err)
				reason = string(r)
			}
			m.Stop(contentKey, s, reason)
		}
	}()
	go s.healthLoop(runCtx)
	go func() {
		<-s.life.Done()
		cancel()
	}()

	if err := s.waitEstablished(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, contentKey)
		m.mu.Unlock()
		s.life.Stop(func() {})
		m.bus.StreamEnded(context.Background(), proxycommon.EndedEvent{StreamID: streamID, ContainerID: evt.ContainerID, Reason: "connection_failed"})
		return nil, err
	}

	return s, nil
}

// AttachClient registers a new client and returns its chunk channel,
// pre-seeded with a bounded snapshot of recently buffered chunks so
// playback can start immediately.
func (m *Manager) AttachClient(s *Session, clientID string) (*ClientWriter, error) {
	if s == nil {
		return nil, ErrSessionNotFound
	}
	cw := newClientWriter(clientID, s.cfg.ClientQueueDepth)

	s.clientsMu.Lock()
	s.clients[clientID] = cw
	s.clientsMu.Unlock()
	s.cancelIdleTimer()

	_, chunks := s.recency.Window(s.cfg.ClientQueueDepth)
	for _, c := range chunks {
		cw.offer(c)
	}

	// The session may have torn down between OpenOrAttach and here; hand the
	// client whatever was buffered and an immediate end-of-stream.
	if s.life.Stopped() {
		cw.close()
	}

	return cw, nil
}

// DetachClient removes a client and, if the session is now empty, schedules
// teardown after IdleTimeout unless a new client attaches first.
func (m *Manager) DetachClient(contentKey string, s *Session, clientID string) {
	if s == nil {
		return
	}
	s.clientsMu.Lock()
	if cw, ok := s.clients[clientID]; ok {
		cw.close()
		delete(s.clients, clientID)
	}
	empty := len(s.clients) == 0
	s.clientsMu.Unlock()

	if empty {
		s.scheduleIdleTeardown(func() {
			if s.clientCount() == 0 {
				m.Stop(contentKey, s, "idle_timeout")
			}
		})
	}
}

// Stop tears a session down: cancels its tasks, drains remaining clients
// with end-of-stream, and fires stream_ended.
func (m *Manager) Stop(contentKey string, s *Session, reason string) {
	if s == nil {
		return
	}
	s.life.Stop(func() {
		s.cancelIdleTimer()
		s.clientsMu.Lock()
		for id, cw := range s.clients {
			cw.close()
			delete(s.clients, id)
		}
		s.clientsMu.Unlock()

		m.mu.Lock()
		delete(m.sessions, contentKey)
		m.mu.Unlock()

		m.bus.StreamEnded(context.Background(), proxycommon.EndedEvent{
			StreamID:    s.StreamID,
			ContainerID: s.ContainerID,
			Reason:      reason,
		})
	})
}

// Lookup returns the current session for a content key, if any.
func (m *Manager) Lookup(contentKey string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[contentKey]
}
