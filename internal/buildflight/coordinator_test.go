package buildflight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// gatedBuild returns a BuildFunc that signals started, then blocks until
// release is closed. It counts its invocations in calls.
func gatedBuild(calls *atomic.Int32, started chan<- struct{}, release <-chan struct{}, path string, err error) BuildFunc {
	return func(ctx context.Context) (string, error) {
		calls.Add(1)
		if started != nil {
			started <- struct{}{}
		}
		<-release
		return path, err
	}
}

func TestNew(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) expected error")
	}
	c, err := New(DefaultLimit)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if c.Limit() != DefaultLimit {
		t.Errorf("Limit() = %d, want %d", c.Limit(), DefaultLimit)
	}
}

func TestCoordinator_RunExclusive_SameKey(t *testing.T) {
	c, _ := New(3)

	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	build := gatedBuild(&calls, started, release, "/cache/a.zip", nil)

	const waiters = 8
	results := make([]Result, waiters)
	errs := make([]error, waiters)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = c.RunExclusive(context.Background(), "k", build)
	}()
	<-started

	for i := 1; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.RunExclusive(context.Background(), "k", build)
		}(i)
	}

	// Give the joiners time to attach to the flight before it completes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("build ran %d times, want 1", got)
	}
	for i := range waiters {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		if results[i].Path != "/cache/a.zip" {
			t.Errorf("caller %d path = %q, want %q", i, results[i].Path, "/cache/a.zip")
		}
		if !results[i].Shared {
			t.Errorf("caller %d Shared = false, want true", i)
		}
	}
}

func TestCoordinator_RunExclusive_Limit(t *testing.T) {
	c, _ := New(2)

	var calls atomic.Int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	var wg sync.WaitGroup
	for _, key := range []string{"k1", "k2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if _, err := c.RunExclusive(context.Background(), key, gatedBuild(&calls, started, release, key, nil)); err != nil {
				t.Errorf("RunExclusive(%s) error = %v", key, err)
			}
		}(key)
	}
	<-started
	<-started

	t.Run("new key over the limit is rejected", func(t *testing.T) {
		_, err := c.RunExclusive(context.Background(), "k3", func(context.Context) (string, error) {
			t.Error("rejected build must not run")
			return "", nil
		})
		if !errors.Is(err, ErrTooManyConcurrentBuilds) {
			t.Errorf("RunExclusive(k3) error = %v, want ErrTooManyConcurrentBuilds", err)
		}
	})

	t.Run("joining an admitted key is not rejected", func(t *testing.T) {
		done := make(chan error, 1)
		go func() {
			res, err := c.RunExclusive(context.Background(), "k1", gatedBuild(&calls, nil, release, "other", nil))
			if err == nil && res.Path != "k1" {
				err = errors.New("joiner got path " + res.Path)
			}
			done <- err
		}()
		time.Sleep(20 * time.Millisecond)
		close(release)
		if err := <-done; err != nil {
			t.Errorf("joiner error = %v", err)
		}
	})

	wg.Wait()

	if got := calls.Load(); got != 2 {
		t.Errorf("builds run = %d, want 2", got)
	}

	res, err := c.RunExclusive(context.Background(), "k3", func(context.Context) (string, error) {
		return "k3", nil
	})
	if err != nil || res.Path != "k3" {
		t.Errorf("RunExclusive(k3) after slots freed = %v, %v", res, err)
	}
}

func TestCoordinator_RunExclusive_FailureClearsSlot(t *testing.T) {
	c, _ := New(1)
	boom := errors.New("boom")

	var calls atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	failing := gatedBuild(&calls, started, release, "", boom)

	errs := make(chan error, 2)
	go func() {
		_, err := c.RunExclusive(context.Background(), "k", failing)
		errs <- err
	}()
	<-started
	go func() {
		_, err := c.RunExclusive(context.Background(), "k", failing)
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	for range 2 {
		if err := <-errs; !errors.Is(err, boom) {
			t.Errorf("waiter error = %v, want %v", err, boom)
		}
	}

	res, err := c.RunExclusive(context.Background(), "k", func(context.Context) (string, error) {
		return "retried", nil
	})
	if err != nil {
		t.Fatalf("retry error = %v", err)
	}
	if res.Path != "retried" {
		t.Errorf("retry path = %q, want %q", res.Path, "retried")
	}
}

func TestCoordinator_RunExclusive_WaiterCancellation(t *testing.T) {
	c, _ := New(1)

	started := make(chan struct{})
	release := make(chan struct{})
	finished := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.RunExclusive(ctx, "k", func(buildCtx context.Context) (string, error) {
			close(started)
			<-release
			finished <- buildCtx.Err()
			return "path", nil
		})
		done <- err
	}()

	<-started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("RunExclusive() error = %v, want context.Canceled", err)
	}

	close(release)
	if err := <-finished; err != nil {
		t.Errorf("build context error = %v, want nil", err)
	}
}

func TestCoordinator_RunExclusive_Panic(t *testing.T) {
	c, _ := New(1)

	_, err := c.RunExclusive(context.Background(), "k", func(context.Context) (string, error) {
		panic("kaboom")
	})
	if err == nil {
		t.Fatal("RunExclusive() expected error from panicking build")
	}

	if _, err := c.RunExclusive(context.Background(), "k", func(context.Context) (string, error) {
		return "ok", nil
	}); err != nil {
		t.Errorf("RunExclusive() after panic error = %v", err)
	}
}
