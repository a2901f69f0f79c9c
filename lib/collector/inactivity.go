package collector

import (
	"sync"
	"time"
)

// InactivityConfig holds the four condition thresholds.
type InactivityConfig struct {
	LivePosUnchanged time.Duration
	Prebuf           time.Duration
	ZeroSpeed        time.Duration
	LowSpeed         time.Duration
	LowSpeedKB       int64
}

// DefaultInactivityConfig returns the stock thresholds.
func DefaultInactivityConfig() InactivityConfig {
	return InactivityConfig{
		LivePosUnchanged: 15 * time.Second,
		Prebuf:           10 * time.Second,
		ZeroSpeed:        10 * time.Second,
		LowSpeed:         20 * time.Second,
		LowSpeedKB:       400,
	}
}

type conditionState struct {
	livePosUnchangedSince time.Time
	prebufSince           time.Time
	zeroSpeedSince        time.Time
	lowSpeedSince         time.Time

	lastLivePos *int64
	lastStatus  string
}

// InactivityTracker watches four independent stall conditions per stream,
// each with a timestamp set on first trigger and cleared on any change away
// from it.
type InactivityTracker struct {
	mu    sync.Mutex
	cfg   InactivityConfig
	state map[string]*conditionState
}

// NewInactivityTracker constructs a tracker with the given thresholds.
func NewInactivityTracker(cfg InactivityConfig) *InactivityTracker {
	return &InactivityTracker{cfg: cfg, state: make(map[string]*conditionState)}
}

// SetConfig swaps the thresholds in place; condition timestamps already
// running are re-judged against the new values on the next Update.
func (t *InactivityTracker) SetConfig(cfg InactivityConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg
}

// Update feeds one observation into the tracker and reports whether any
// condition has now been continuously true longer than its threshold.
func (t *InactivityTracker) Update(streamID string, livePos *int64, status string, speedDown, speedUp *int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.state[streamID]
	if !ok {
		st = &conditionState{}
		t.state[streamID] = st
	}

	now := time.Now()

	// livepos_unchanged
	if livePos != nil {
		if st.lastLivePos != nil && *st.lastLivePos == *livePos {
			if st.livePosUnchangedSince.IsZero() {
				st.livePosUnchangedSince = now
			}
		} else {
			st.livePosUnchangedSince = time.Time{}
		}
		v := *livePos
		st.lastLivePos = &v
	}

	// prebuf
	if status == "prebuf" {
		if st.prebufSince.IsZero() {
			st.prebufSince = now
		}
	} else {
		st.prebufSince = time.Time{}
	}
	st.lastStatus = status

	// zero_speed: both explicit zero, not null.
	if speedDown != nil && speedUp != nil && *speedDown == 0 && *speedUp == 0 {
		if st.zeroSpeedSince.IsZero() {
			st.zeroSpeedSince = now
		}
	} else {
		st.zeroSpeedSince = time.Time{}
	}

	// low_speed
	if speedDown != nil && *speedDown < t.cfg.LowSpeedKB {
		if st.lowSpeedSince.IsZero() {
			st.lowSpeedSince = now
		}
	} else {
		st.lowSpeedSince = time.Time{}
	}

	return t.triggered(st, now)
}

func (t *InactivityTracker) triggered(st *conditionState, now time.Time) bool {
	if !st.livePosUnchangedSince.IsZero() && now.Sub(st.livePosUnchangedSince) >= t.cfg.LivePosUnchanged {
		return true
	}
	if !st.prebufSince.IsZero() && now.Sub(st.prebufSince) >= t.cfg.Prebuf {
		return true
	}
	if !st.zeroSpeedSince.IsZero() && now.Sub(st.zeroSpeedSince) >= t.cfg.ZeroSpeed {
		return true
	}
	if !st.lowSpeedSince.IsZero() && now.Sub(st.lowSpeedSince) >= t.cfg.LowSpeed {
		return true
	}
	return false
}

// Remove drops tracking state for a stream (called on termination).
func (t *InactivityTracker) Remove(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.state, streamID)
}
