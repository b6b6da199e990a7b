package bundle_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"photodrop/internal/archivecache"
	"photodrop/internal/bundle"
	"photodrop/internal/testutil"
)

type countingEvictor struct {
	calls     atomic.Int32
	retention atomic.Int64
	err       error
}

func (e *countingEvictor) EvictStale(retention time.Duration) (int, error) {
	e.calls.Add(1)
	e.retention.Store(int64(retention))
	return 0, e.err
}

func TestJanitor_Sweep(t *testing.T) {
	clock := testutil.FixedClock()
	cache, err := archivecache.New(t.TempDir(), time.Hour, clock)
	if err != nil {
		t.Fatal(err)
	}

	install := func(name string) digest.Digest {
		t.Helper()
		key := digest.FromString(name)
		f, err := cache.CreateTemp()
		if err != nil {
			t.Fatal(err)
		}
		f.WriteString(name)
		f.Close()
		if _, err := cache.Install(key, f.Name()); err != nil {
			t.Fatal(err)
		}
		return key
	}

	old := install("old")
	clock.Advance(30 * time.Minute)
	recent := install("recent")
	clock.Advance(30 * time.Minute)

	j := bundle.NewJanitor(cache, time.Hour, time.Hour, bundle.NewNopLogger())
	removed, err := j.Sweep()
	if err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("Sweep() = %d, want 1", removed)
	}
	if entry, _ := cache.Lookup(old); entry.State != archivecache.Absent {
		t.Errorf("old entry State = %v, want absent", entry.State)
	}
	if entry, _ := cache.Lookup(recent); entry.State != archivecache.Fresh {
		t.Errorf("recent entry State = %v, want fresh", entry.State)
	}
}

func TestJanitor_Sweep_Error(t *testing.T) {
	boom := errors.New("disk gone")
	j := bundle.NewJanitor(&countingEvictor{err: boom}, time.Hour, time.Hour, bundle.NewNopLogger())
	if _, err := j.Sweep(); !errors.Is(err, boom) {
		t.Errorf("Sweep() error = %v, want %v", err, boom)
	}
}

func TestJanitor_StartStop(t *testing.T) {
	evictor := &countingEvictor{}
	j := bundle.NewJanitor(evictor, 2*time.Hour, 5*time.Millisecond, bundle.NewNopLogger())

	j.Stop() // stopping a janitor that never started is a no-op

	j.Start(context.Background())
	j.Start(context.Background()) // second start is ignored

	deadline := time.Now().Add(2 * time.Second)
	for evictor.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor swept %d times, want at least 3", evictor.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := time.Duration(evictor.retention.Load()); got != 2*time.Hour {
		t.Errorf("retention passed to EvictStale = %v, want 2h", got)
	}

	j.Stop()
	after := evictor.calls.Load()
	time.Sleep(30 * time.Millisecond)
	if got := evictor.calls.Load(); got != after {
		t.Errorf("janitor kept sweeping after Stop: %d -> %d", after, got)
	}

	j.Stop()
}

func TestJanitor_StopsWithContext(t *testing.T) {
	evictor := &countingEvictor{}
	j := bundle.NewJanitor(evictor, time.Hour, 5*time.Millisecond, bundle.NewNopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	j.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		j.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() did not return after the context was cancelled")
	}
}
