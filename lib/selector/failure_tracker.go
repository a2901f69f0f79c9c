package selector

import (
	"sync"
	"time"
)

// FailureTracker implements a per-engine circuit breaker so repeated
// stream-start failures on one engine stop saturating it with further
// attempts.
type FailureTracker struct {
	mu sync.RWMutex

	failures            map[string]*failureState
	maxConsecutiveFails int
	cooldownPeriod      time.Duration
	maxConcurrent       int
}

type failureState struct {
	consecutiveFailures int
	lastFailureTime     time.Time
	circuitOpen         bool
	circuitOpenedAt     time.Time
	totalFailures       int
	totalAttempts       int
	activeAttempts      int
}

// NewFailureTracker constructs a FailureTracker with stock thresholds.
func NewFailureTracker() *FailureTracker {
	return &FailureTracker{
		failures:            make(map[string]*failureState),
		maxConsecutiveFails: 3,
		cooldownPeriod:      60 * time.Second,
		maxConcurrent:       5,
	}
}

// RecordAttempt reserves a concurrent-attempt slot for an engine. Returns
// false if the engine is already at its concurrency cap.
func (t *FailureTracker) RecordAttempt(containerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.failures[containerID]
	if !ok {
		st = &failureState{}
		t.failures[containerID] = st
	}
	if st.activeAttempts >= t.maxConcurrent {
		return false
	}
	st.totalAttempts++
	st.activeAttempts++
	return true
}

// ReleaseAttempt releases a concurrent-attempt slot.
func (t *FailureTracker) ReleaseAttempt(containerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.failures[containerID]; ok && st.activeAttempts > 0 {
		st.activeAttempts--
	}
}

// RecordSuccess clears consecutive-failure tracking for an engine.
func (t *FailureTracker) RecordSuccess(containerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.failures[containerID]
	if !ok {
		return
	}
	st.consecutiveFailures = 0
	st.circuitOpen = false
}

// RecordFailure records a failed attempt, opening the circuit once the
// consecutive-failure threshold is reached.
func (t *FailureTracker) RecordFailure(containerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.failures[containerID]
	if !ok {
		st = &failureState{}
		t.failures[containerID] = st
	}
	st.consecutiveFailures++
	st.totalFailures++
	st.lastFailureTime = time.Now()

	if st.consecutiveFailures >= t.maxConsecutiveFails {
		st.circuitOpen = true
		st.circuitOpenedAt = time.Now()
	}
}

// CanAttempt reports whether an engine may be attempted, honoring the
// circuit breaker's cooldown. Implements the FailureGate interface.
func (t *FailureTracker) CanAttempt(containerID string) (bool, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	st, ok := t.failures[containerID]
	if !ok {
		return true, ""
	}
	if st.circuitOpen {
		if time.Since(st.circuitOpenedAt) < t.cooldownPeriod {
			return false, "circuit breaker open"
		}
		// Cooldown elapsed: half-open, allow a probing attempt.
	}
	return true, ""
}

// Cleanup removes tracking entries whose last failure is old and who
// currently have no recorded failure history worth keeping.
func (t *FailureTracker) Cleanup(olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for id, st := range t.failures {
		if !st.lastFailureTime.IsZero() && now.Sub(st.lastFailureTime) > olderThan {
			delete(t.failures, id)
		}
	}
}
