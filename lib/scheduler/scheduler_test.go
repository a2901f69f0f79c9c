package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTracker struct{ calls atomic.Int64 }

func (f *fakeTracker) Cleanup(olderThan time.Duration) { f.calls.Add(1) }

type fakeSnapshotter struct{}

func (fakeSnapshotter) Snapshot() (int, int, int) { return 3, 2, 1 }

type fakeSweeper struct{ calls atomic.Int64 }

func (f *fakeSweeper) SweepPending(ctx context.Context) { f.calls.Add(1) }

func TestScheduler_SkipsNilJobs(t *testing.T) {
	s, err := New(context.Background(), nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()
}

func TestScheduler_WiresProvidedJobs(t *testing.T) {
	tracker := &fakeTracker{}
	sweeper := &fakeSweeper{}
	s, err := New(context.Background(), tracker, fakeSnapshotter{}, sweeper)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Not asserting on cron firing within the test window (the fastest job
	// is @every 1m); this only checks construction wires every collaborator
	// without error and Stop() cleanly drains.
	s.Start()
	s.Stop()
}
