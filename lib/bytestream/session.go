// Package bytestream implements the byte-stream proxy: one upstream byte
// connection fanned out to many slow-client-tolerant readers, for content
// whose upstream is a single continuous stream (typically MPEG-TS).
package bytestream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/acefleet/fleetd/lib/proxycommon"
)

// Config holds the byte-stream proxy's tunables.
type Config struct {
	ChunkSize           int
	ClientQueueDepth    int
	RecencyRingSize     int
	MaxRetries          int
	RetryCap            time.Duration
	EmptyStreamTimeout  time.Duration
	HealthCheckInterval time.Duration
	HealthyMaxSilence   time.Duration
	IdleTimeout         time.Duration
}

// DefaultConfig returns the stock byte-stream tunables.
func DefaultConfig() Config {
	return Config{
		ChunkSize:           64 * 1024,
		ClientQueueDepth:    100,
		RecencyRingSize:     100,
		MaxRetries:          3,
		RetryCap:            10 * time.Second,
		EmptyStreamTimeout:  60 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		HealthyMaxSilence:   30 * time.Second,
		IdleTimeout:         5 * time.Minute,
	}
}

// Upstream opens the raw playback connection. Implemented by
// *upstream.Client in production, faked in tests.
type Upstream interface {
	OpenPlayback(ctx context.Context, playbackURL string) (io.ReadCloser, error)
}

// ErrConnectionFailed is returned by OpenOrAttach when the upstream
// connection could not be established within the retry budget.
var ErrConnectionFailed = errors.New("bytestream: upstream connection failed")

// ClientWriter is one attached client's bounded delivery queue.
type ClientWriter struct {
	ID         string
	queue      chan []byte
	closed     atomic.Bool
	bytesSent  atomic.Int64
	chunksSent atomic.Int64
}

func newClientWriter(id string, depth int) *ClientWriter {
	return &ClientWriter{ID: id, queue: make(chan []byte, depth)}
}

// offer performs a non-blocking send; returns false if the queue was full
// (slow-client protection: the chunk is dropped, not the client).
func (c *ClientWriter) offer(chunk []byte) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.queue <- chunk:
		c.bytesSent.Add(int64(len(chunk)))
		c.chunksSent.Add(1)
		return true
	default:
		return false
	}
}

func (c *ClientWriter) close() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.queue)
	}
}

// Chunks returns the channel a client handler drains; a closed channel with
// no more values signals end-of-stream.
func (c *ClientWriter) Chunks() <-chan []byte { return c.queue }

// Session is one upstream byte-stream connection fanned out to N clients.
type Session struct {
	StreamID    string
	PlaybackURL string
	ContainerID string

	cfg      Config
	upstream Upstream
	bus      proxycommon.EventBus
	life     *proxycommon.Lifecycle

	clientsMu sync.Mutex
	clients   map[string]*ClientWriter

	recency *proxycommon.Ring[[]byte]

	connEstablished chan struct{}
	connOnce        sync.Once
	connErr         error

	isConnected atomic.Bool
	healthy     atomic.Bool
	lastDataNS  atomic.Int64
	retryCount  atomic.Int32

	idleTimer   *time.Timer
	idleTimerMu sync.Mutex
}

func newSession(streamID, playbackURL, containerID string, cfg Config, up Upstream, bus proxycommon.EventBus) *Session {
	s := &Session{
		StreamID:        streamID,
		PlaybackURL:     playbackURL,
		ContainerID:     containerID,
		cfg:             cfg,
		upstream:        up,
		bus:             bus,
		life:            proxycommon.NewLifecycle(),
		clients:         make(map[string]*ClientWriter),
		recency:         proxycommon.NewRing[[]byte](cfg.RecencyRingSize),
		connEstablished: make(chan struct{}),
	}
	s.healthy.Store(true)
	return s
}

func (s *Session) signalEstablished(err error) {
	s.connOnce.Do(func() {
		s.connErr = err
		close(s.connEstablished)
	})
}

// waitEstablished blocks until the upstream connection is up or failed.
func (s *Session) waitEstablished(ctx context.Context) error {
	select {
	case <-s.connEstablished:
		return s.connErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drives the upstream connection task: connect, stream chunks to
// clients, retry with backoff on failure, watch for an empty-stream stall.
// One goroutine per Session, daemonized under life.Done(). Returns the
// terminal error, or nil on a clean upstream EOF or an ordered stop.
func (s *Session) run(ctx context.Context) error {
	backoff := proxycommon.NewBackoff(time.Second, s.cfg.RetryCap)

	for attempt := 0; ; attempt++ {
		if s.life.Stopped() {
			return nil
		}

		body, err := s.upstream.OpenPlayback(ctx, s.PlaybackURL)
		if err != nil {
			s.isConnected.Store(false)
			if attempt >= s.cfg.MaxRetries {
				slog.Error("bytestream: upstream connect exhausted retries", "stream_id", s.StreamID, "error", err)
				s.signalEstablished(ErrConnectionFailed)
				return err
			}
			slog.Warn("bytestream: upstream connect failed, retrying", "stream_id", s.StreamID, "attempt", attempt, "error", err)
			s.sleep(ctx, backoff.Next())
			continue
		}

		s.isConnected.Store(true)
		s.lastDataNS.Store(time.Now().UnixNano())
		s.signalEstablished(nil)
		backoff.Reset()

		watchdogCtx, cancelWatchdog := context.WithCancel(ctx)
		go s.emptyStreamWatchdog(watchdogCtx, body)

		readErr := s.copyLoop(ctx, body)
		cancelWatchdog()
		body.Close()

		if s.life.Stopped() {
			return nil
		}
		if readErr == nil {
			return nil
		}
		if attempt >= s.cfg.MaxRetries {
			slog.Error("bytestream: upstream read exhausted retries", "stream_id", s.StreamID, "error", readErr)
			return readErr
		}
		slog.Warn("bytestream: upstream read failed, retrying", "stream_id", s.StreamID, "attempt", attempt, "error", readErr)
		s.sleep(ctx, backoff.Next())
	}
}

func (s *Session) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case <-s.life.Done():
	}
}

// copyLoop reads chunks and fans each one out to every attached client.
func (s *Session) copyLoop(ctx context.Context, body io.Reader) error {
	buf := make([]byte, s.cfg.ChunkSize)
	seq := int64(0)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.life.Done():
			return nil
		default:
		}

		n, err := body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.lastDataNS.Store(time.Now().UnixNano())
			s.healthy.Store(true)
			seq++
			s.recency.Push(seq, chunk)
			s.broadcast(chunk)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// broadcast offers chunk to every client queue in parallel, non-blocking:
// a full queue drops the chunk for that client only, never a synchronous
// blocking write.
func (s *Session) broadcast(chunk []byte) {
	s.clientsMu.Lock()
	clients := make([]*ClientWriter, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *ClientWriter) {
			defer wg.Done()
			if !c.offer(chunk) {
				slog.Warn("bytestream: client queue full, dropping chunk", "stream_id", s.StreamID, "client_id", c.ID)
			}
		}(c)
	}
	wg.Wait()
}

// emptyStreamWatchdog closes body and forces a retry if no data has arrived
// for EmptyStreamTimeout.
func (s *Session) emptyStreamWatchdog(ctx context.Context, body io.Closer) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			last := time.Unix(0, s.lastDataNS.Load())
			if time.Since(last) > s.cfg.EmptyStreamTimeout {
				slog.Warn("bytestream: empty-stream watchdog tripped", "stream_id", s.StreamID)
				body.Close()
				return
			}
		}
	}
}

// healthLoop flips Healthy false after HealthyMaxSilence of no data.
func (s *Session) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.life.Done():
			return
		case <-ticker.C:
			if !s.isConnected.Load() {
				continue
			}
			last := time.Unix(0, s.lastDataNS.Load())
			if time.Since(last) > s.cfg.HealthyMaxSilence {
				s.healthy.Store(false)
			}
		}
	}
}

// Healthy reports the session's current health-monitor state.
func (s *Session) Healthy() bool { return s.healthy.Load() && s.isConnected.Load() }

func (s *Session) cancelIdleTimer() {
	s.idleTimerMu.Lock()
	defer s.idleTimerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

func (s *Session) scheduleIdleTeardown(fn func()) {
	s.idleTimerMu.Lock()
	defer s.idleTimerMu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.cfg.IdleTimeout, fn)
}

func (s *Session) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
