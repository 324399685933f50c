package app

import (
	"context"
	"testing"
	"time"

	"github.com/liveclass/coordinator/internal/domain"
)

func TestSweepEvictsEndedSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start, _ := e.coord.Start(ctx, "r1", "t1")
	if err := e.coord.End(ctx, start.MeetingID, "t1"); err != nil {
		t.Fatalf("end: %v", err)
	}
	if e.cache.Len() != 1 {
		t.Fatal("ended session should stay cached until the sweep")
	}

	NewReaper(e.coord, time.Minute, time.Hour).Sweep(ctx)

	if e.cache.Len() != 0 {
		t.Fatalf("ended entry survived the sweep, cache len %d", e.cache.Len())
	}
}

func TestSweepForceEndsAbandonedSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start, _ := e.coord.Start(ctx, "r1", "t1")

	// Push the session past its abandonment deadline.
	e.coord.now = func() time.Time { return time.Now().Add(3 * time.Hour) }

	NewReaper(e.coord, time.Minute, time.Hour).Sweep(ctx)

	stored, err := e.store.FindByMeetingID(ctx, start.MeetingID)
	if err != nil {
		t.Fatalf("store lookup: %v", err)
	}
	if stored.State != domain.StateEnded {
		t.Fatalf("abandoned session should be force-ended, state %s", stored.State)
	}
	if _, ok := e.cache.Get(start.MeetingID); ok {
		t.Fatal("force-ended session should be evicted from the cache")
	}

	st := e.coord.GetStatus(ctx, start.MeetingID)
	if !st.Exists || st.Active {
		t.Fatalf("expected exists && !active after reaping, got %+v", st)
	}
}

func TestSweepKeepsLiveSessions(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	start, _ := e.coord.Start(ctx, "r1", "t1")

	NewReaper(e.coord, time.Minute, time.Hour).Sweep(ctx)

	if _, ok := e.cache.Get(start.MeetingID); !ok {
		t.Fatal("live session should survive the sweep")
	}
	if n := e.store.activeCount("r1"); n != 1 {
		t.Fatalf("live session should stay active, got %d", n)
	}
}

func TestReaperRunStopsOnContext(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewReaper(e.coord, 10*time.Millisecond, time.Hour).Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop on context cancellation")
	}
}
