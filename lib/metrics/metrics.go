// Package metrics exposes the fleet's aggregate operational metrics as
// Prometheus collectors, registered via promauto.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// EgressState is the state label of the egress_health gauge.
// runtime.EgressHealth reports only a healthy/unhealthy bool, so the app's
// metrics loop sets only EgressHealthy or EgressUnhealthy.
type EgressState string

const (
	EgressHealthy     EgressState = "healthy"
	EgressUnhealthy   EgressState = "unhealthy"
	EgressDisabled    EgressState = "disabled"
	EgressStarting    EgressState = "starting"
	EgressUnknownState EgressState = "unknown"
)

var egressStates = []EgressState{EgressHealthy, EgressUnhealthy, EgressDisabled, EgressStarting, EgressUnknownState}

// Sink is the fleet's Prometheus metrics surface. Cumulative counters
// (uploaded/downloaded bytes) are incremented by delta *before* the owning
// Stream record is dropped, so totals survive stream end.
type Sink struct {
	mu sync.Mutex

	uploadedTotal   prometheus.Counter
	downloadedTotal prometheus.Counter

	uploadSpeedMbps   prometheus.Gauge
	downloadSpeedMbps prometheus.Gauge

	peers         prometheus.Gauge
	activeStreams prometheus.Gauge

	healthyEngines     prometheus.Gauge
	unhealthyEngines   prometheus.Gauge
	enginesWithStreams prometheus.Gauge
	enginesOverMinimum prometheus.Gauge

	egressHealth *prometheus.GaugeVec

	staleStreamsDetected     prometheus.Counter
	inactiveStreamsDetected  prometheus.Counter

	// last-known instantaneous speed per active stream, used to recompute
	// the gauges on every stat update and on stream end so the gauges always
	// equal the sum over the active set.
	liveDownSpeed map[string]int64
	liveUpSpeed   map[string]int64

	// last-observed cumulative byte counters per stream, so each poll's
	// absolute (not delta) upstream value can be folded into the
	// process-wide Counter as a delta.
	lastUploaded   map[string]int64
	lastDownloaded map[string]int64
}

// New constructs a Sink and registers all collectors against reg. Pass
// prometheus.NewRegistry() in tests, prometheus.DefaultRegisterer in
// production via promauto's default registry.
func New(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)

	s := &Sink{
		uploadedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aggr_uploaded_bytes_total",
			Help: "Cumulative bytes uploaded across every stream ever seen.",
		}),
		downloadedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "aggr_downloaded_bytes_total",
			Help: "Cumulative bytes downloaded across every stream ever seen.",
		}),
		uploadSpeedMbps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aggr_upload_speed_mbps",
			Help: "Sum of upload speed (MB/s) over currently active streams.",
		}),
		downloadSpeedMbps: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aggr_download_speed_mbps",
			Help: "Sum of download speed (MB/s) over currently active streams.",
		}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aggr_peers",
			Help: "Sum of peer counts over currently active streams.",
		}),
		activeStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aggr_active_streams",
			Help: "Number of streams currently in the started state.",
		}),
		healthyEngines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "healthy_engines",
			Help: "Number of engines currently reporting healthy.",
		}),
		unhealthyEngines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "unhealthy_engines",
			Help: "Number of engines currently reporting unhealthy.",
		}),
		enginesWithStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engines_with_streams",
			Help: "Number of engines with at least one active stream.",
		}),
		enginesOverMinimum: factory.NewGauge(prometheus.GaugeOpts{
			Name: "engines_over_minimum",
			Help: "Number of running engines beyond MIN_REPLICAS.",
		}),
		egressHealth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "egress_health",
			Help: "Egress path health state, one-hot across the state label.",
		}, []string{"state"}),
		staleStreamsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "stale_streams_detected_total",
			Help: "Streams terminated because the upstream reported an unknown playback session.",
		}),
		inactiveStreamsDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: "inactive_streams_detected_total",
			Help: "Streams terminated by the inactivity tracker.",
		}),
		liveDownSpeed:  make(map[string]int64),
		liveUpSpeed:    make(map[string]int64),
		lastUploaded:   make(map[string]int64),
		lastDownloaded: make(map[string]int64),
	}

	for _, st := range egressStates {
		s.egressHealth.WithLabelValues(string(st)).Set(0)
	}

	return s
}

// OnStreamStatUpdate receives the upstream's absolute (cumulative-since-
// stream-start) uploaded/downloaded byte counters and folds the delta since
// the last poll into the process-wide Counters. Totals must already be
// accumulated by delta before the Stream record is dropped, so they survive
// stream end.
func (s *Sink) OnStreamStatUpdate(streamID string, uploadedTotal, downloadedTotal *int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if uploadedTotal != nil {
		if delta := *uploadedTotal - s.lastUploaded[streamID]; delta > 0 {
			s.uploadedTotal.Add(float64(delta))
		}
		s.lastUploaded[streamID] = *uploadedTotal
	}
	if downloadedTotal != nil {
		if delta := *downloadedTotal - s.lastDownloaded[streamID]; delta > 0 {
			s.downloadedTotal.Add(float64(delta))
		}
		s.lastDownloaded[streamID] = *downloadedTotal
	}
}

// SetStreamSpeed records a stream's latest instantaneous speed (KB/s) and
// recomputes the aggregate speed gauges by summing over every
// currently-tracked active stream. KB/s in, MB/s out:
// sum_kbps * 1024 / (1024*1024).
func (s *Sink) SetStreamSpeed(streamID string, downKBps, upKBps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveDownSpeed[streamID] = downKBps
	s.liveUpSpeed[streamID] = upKBps
	s.recomputeSpeedGaugesLocked()
}

// DropStreamSpeed removes a stream from the instantaneous-speed aggregate,
// called when a stream ends, before the Stream record itself is dropped.
func (s *Sink) DropStreamSpeed(streamID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.liveDownSpeed, streamID)
	delete(s.liveUpSpeed, streamID)
	s.recomputeSpeedGaugesLocked()
}

func (s *Sink) recomputeSpeedGaugesLocked() {
	var downKBps, upKBps int64
	for _, v := range s.liveDownSpeed {
		downKBps += v
	}
	for _, v := range s.liveUpSpeed {
		upKBps += v
	}
	s.downloadSpeedMbps.Set(kbpsToMbps(downKBps))
	s.uploadSpeedMbps.Set(kbpsToMbps(upKBps))
}

// kbpsToMbps converts KB/s to MB/s: (kbps * 1024) / (1024*1024).
func kbpsToMbps(kbps int64) float64 {
	return float64(kbps) * 1024 / (1024 * 1024)
}

// OnStreamStarted is a no-op hook kept for symmetry with OnStreamEnded;
// active-stream count is driven by SetActiveStreams from a registry
// snapshot rather than incremented here, since the Registry is the
// authoritative count.
func (s *Sink) OnStreamStarted(containerID string) {}

// OnStreamEnded folds the stream out of the instantaneous-speed aggregate
// and drops its delta-tracking state. Cumulative totals need no further
// action here: they were already folded in by OnStreamStatUpdate calls made
// before the stream ended.
func (s *Sink) OnStreamEnded(streamID, reason string) {
	s.DropStreamSpeed(streamID)
	s.mu.Lock()
	delete(s.lastUploaded, streamID)
	delete(s.lastDownloaded, streamID)
	s.mu.Unlock()
}

// IncStaleStreamsDetected bumps the stale-stream counter.
func (s *Sink) IncStaleStreamsDetected() { s.staleStreamsDetected.Inc() }

// IncInactiveStreamsDetected bumps the inactive-stream counter.
func (s *Sink) IncInactiveStreamsDetected() { s.inactiveStreamsDetected.Inc() }

// SetActiveStreams sets the aggr_active_streams and aggr_peers gauges from
// a fresh registry snapshot.
func (s *Sink) SetActiveStreams(count int, totalPeers int) {
	s.activeStreams.Set(float64(count))
	s.peers.Set(float64(totalPeers))
}

// SetEngineCounts sets the engine-population gauges from a fresh registry
// snapshot.
func (s *Sink) SetEngineCounts(healthy, unhealthy, withStreams, overMinimum int) {
	s.healthyEngines.Set(float64(healthy))
	s.unhealthyEngines.Set(float64(unhealthy))
	s.enginesWithStreams.Set(float64(withStreams))
	s.enginesOverMinimum.Set(float64(overMinimum))
}

// SetEgressHealth one-hot encodes the current egress state across the
// egress_health gauge vector's state label.
func (s *Sink) SetEgressHealth(state EgressState) {
	for _, st := range egressStates {
		v := 0.0
		if st == state {
			v = 1.0
		}
		s.egressHealth.WithLabelValues(string(st)).Set(v)
	}
}
