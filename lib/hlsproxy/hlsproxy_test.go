package hlsproxy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acefleet/fleetd/lib/proxycommon"
)

type fakeUpstream struct {
	mu       sync.Mutex
	manifest ManifestInfo
	segData  map[string][]byte
	fetches  int
}

func (f *fakeUpstream) FetchManifest(ctx context.Context, playbackURL string) (ManifestInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.manifest, nil
}

func (f *fakeUpstream) FetchSegment(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.segData[uri], nil
}

func (f *fakeUpstream) appendSegment(uri string, dur float64, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifest.Segments = append(f.manifest.Segments, ManifestSegment{URI: uri, Duration: dur})
	f.segData[uri] = data
}

type fakeBus struct {
	mu      sync.Mutex
	started []proxycommon.StartedEvent
	ended   []proxycommon.EndedEvent
	nextID  string
}

func (b *fakeBus) StreamStarted(ctx context.Context, evt proxycommon.StartedEvent) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = append(b.started, evt)
	if b.nextID == "" {
		return "s1", nil
	}
	return b.nextID, nil
}

func (b *fakeBus) StreamEnded(ctx context.Context, evt proxycommon.EndedEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended = append(b.ended, evt)
}

func testURLFor(channelID string, seq int64) string {
	return fmt.Sprintf("/ace/hls/%s/segment/%d.ts", channelID, seq)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.BufferReadyTimeout = 2 * time.Second
	cfg.FirstSegmentTimeout = 2 * time.Second
	cfg.CleanupInterval = 20 * time.Millisecond
	cfg.SegmentFetchMultiplier = 0.1
	return cfg
}

func TestEnsureChannel_SingleUpstreamFetchForConcurrentClients(t *testing.T) {
	up := &fakeUpstream{
		manifest: ManifestInfo{TargetDuration: 2, Version: 3},
		segData:  map[string][]byte{},
	}
	up.appendSegment("seg0.ts", 2, []byte("a"))

	bus := &fakeBus{nextID: "stream-1"}
	m := NewManager(fastConfig(), up, bus, testURLFor)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := m.EnsureChannel(context.Background(), "chan-1", "http://engine/play", "c1", proxycommon.StartedEvent{ContainerID: "c1"})
			if err != nil {
				errs[i] = err
				return
			}
			results[i], errs[i] = m.GetManifest(context.Background(), ch.ChannelID)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("client %d: unexpected error: %v", i, err)
		}
	}
	if results[0] != results[1] {
		t.Fatalf("expected identical manifests, got %q vs %q", results[0], results[1])
	}
	if !strings.Contains(results[0], "EXT-X-MEDIA-SEQUENCE:0") {
		t.Fatalf("expected media-sequence 0, got: %s", results[0])
	}

	m.mu.Lock()
	nChannels := len(m.channels)
	m.mu.Unlock()
	if nChannels != 1 {
		t.Fatalf("expected exactly one channel, got %d", nChannels)
	}
}

func TestGetManifest_WindowIsLastNSegmentsWithMinMediaSequence(t *testing.T) {
	up := &fakeUpstream{manifest: ManifestInfo{TargetDuration: 1}, segData: map[string][]byte{}}
	for i := 0; i < 10; i++ {
		up.appendSegment(fmt.Sprintf("seg%d.ts", i), 1, []byte("x"))
	}

	bus := &fakeBus{}
	cfg := fastConfig()
	cfg.WindowSize = 3
	cfg.MaxInitialSegments = 10
	cfg.InitialBufferSeconds = 100
	m := NewManager(cfg, up, bus, testURLFor)

	ch, err := m.EnsureChannel(context.Background(), "chan-2", "http://engine/play", "c1", proxycommon.StartedEvent{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}

	manifest, err := m.GetManifest(context.Background(), ch.ChannelID)
	if err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	if !strings.Contains(manifest, "EXT-X-MEDIA-SEQUENCE:7") {
		t.Fatalf("expected media-sequence 7 (min of last 3 of 10), got: %s", manifest)
	}
	for _, want := range []string{"segment/7.ts", "segment/8.ts", "segment/9.ts"} {
		if !strings.Contains(manifest, want) {
			t.Fatalf("expected manifest to reference %s, got: %s", want, manifest)
		}
	}
	if strings.Contains(manifest, "segment/6.ts") {
		t.Fatalf("manifest should not include segments outside the window, got: %s", manifest)
	}
}

func TestGetSegment_NotFoundOutsideWindow(t *testing.T) {
	up := &fakeUpstream{manifest: ManifestInfo{TargetDuration: 1}, segData: map[string][]byte{}}
	up.appendSegment("seg0.ts", 1, []byte("x"))
	bus := &fakeBus{}
	m := NewManager(fastConfig(), up, bus, testURLFor)

	ch, err := m.EnsureChannel(context.Background(), "chan-3", "http://engine/play", "c1", proxycommon.StartedEvent{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	if _, err := m.GetManifest(context.Background(), ch.ChannelID); err != nil {
		t.Fatalf("GetManifest: %v", err)
	}

	if _, err := m.GetSegment(ch.ChannelID, 999); err != ErrSegmentNotFound {
		t.Fatalf("expected ErrSegmentNotFound, got %v", err)
	}
}

func TestStopChannel_CancelledWhileClientsActive(t *testing.T) {
	up := &fakeUpstream{manifest: ManifestInfo{TargetDuration: 1}, segData: map[string][]byte{}}
	up.appendSegment("seg0.ts", 1, []byte("x"))
	bus := &fakeBus{}
	m := NewManager(fastConfig(), up, bus, testURLFor)

	ch, err := m.EnsureChannel(context.Background(), "chan-4", "http://engine/play", "c1", proxycommon.StartedEvent{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	m.RecordClientActivity(ch.ChannelID, "client-1")

	m.StopChannel(ch.ChannelID, "inactivity")

	if m.lookup(ch.ChannelID) == nil {
		t.Fatalf("channel should still exist: stop must be cancelled while a client is active")
	}

	bus.mu.Lock()
	ended := len(bus.ended)
	bus.mu.Unlock()
	if ended != 0 {
		t.Fatalf("expected no stream_ended while client active, got %d", ended)
	}
}

func TestCleanupMonitor_TearsDownOnceClientsIdleOut(t *testing.T) {
	up := &fakeUpstream{manifest: ManifestInfo{TargetDuration: 1}, segData: map[string][]byte{}}
	up.appendSegment("seg0.ts", 1, []byte("x"))
	bus := &fakeBus{nextID: "stream-5"}
	cfg := fastConfig()
	cfg.ClientIdleMultiplier = 0.01 // idle threshold ~10ms at target_duration=1s... set target low instead
	m := NewManager(cfg, up, bus, testURLFor)

	ch, err := m.EnsureChannel(context.Background(), "chan-5", "http://engine/play", "c1", proxycommon.StartedEvent{ContainerID: "c1"})
	if err != nil {
		t.Fatalf("EnsureChannel: %v", err)
	}
	if _, err := m.GetManifest(context.Background(), ch.ChannelID); err != nil {
		t.Fatalf("GetManifest: %v", err)
	}
	m.RecordClientActivity(ch.ChannelID, "client-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.lookup(ch.ChannelID) == nil {
			bus.mu.Lock()
			ended := len(bus.ended)
			bus.mu.Unlock()
			if ended != 1 {
				t.Fatalf("expected exactly one stream_ended, got %d", ended)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("channel was not torn down after idle timeout")
}
