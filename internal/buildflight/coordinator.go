// Package buildflight runs at most one archive build per cache key and
// caps how many distinct builds run at once.
package buildflight

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// DefaultLimit is the default number of distinct builds allowed at once.
const DefaultLimit = 3

// ErrTooManyConcurrentBuilds is returned when starting a new build would
// exceed the coordinator's limit. Callers may retry later.
var ErrTooManyConcurrentBuilds = errors.New("too many concurrent archive builds")

// BuildFunc produces the installed archive path for one key. The context
// it receives is not cancelled when the requester that started the build
// goes away, since other requesters may be waiting on the same result.
type BuildFunc func(ctx context.Context) (string, error)

// Result is the outcome of a build as seen by one caller.
type Result struct {
	Path string
	// Shared reports whether the outcome was delivered to more than one caller.
	Shared bool
}

// Coordinator owns the table of in-flight builds. The table lives inside
// the singleflight.Group and is guarded by its mutex; nothing outside this
// type can observe or mutate it.
type Coordinator struct {
	flights singleflight.Group
	slots   *semaphore.Weighted
	limit   int
}

// New creates a Coordinator that admits at most limit distinct builds.
func New(limit int) (*Coordinator, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("build limit must be positive, got %d", limit)
	}
	return &Coordinator{
		slots: semaphore.NewWeighted(int64(limit)),
		limit: limit,
	}, nil
}

// Limit returns the maximum number of concurrent distinct builds.
func (c *Coordinator) Limit() int {
	return c.limit
}

// RunExclusive runs fn for key unless a build for key is already in
// flight, in which case it waits for that build instead. Every caller
// for the same flight gets the same path or the same error. When ctx ends
// before the build finishes, RunExclusive returns ctx.Err() and the build
// keeps running for the remaining waiters.
func (c *Coordinator) RunExclusive(ctx context.Context, key string, fn BuildFunc) (Result, error) {
	buildCtx := context.WithoutCancel(ctx)

	ch := c.flights.DoChan(key, func() (path any, err error) {
		if !c.slots.TryAcquire(1) {
			return "", ErrTooManyConcurrentBuilds
		}
		defer c.slots.Release(1)
		// DoChan re-panics on its own goroutine, which would take the
		// process down with it.
		defer func() {
			if r := recover(); r != nil {
				path, err = "", fmt.Errorf("archive build for %s panicked: %v", key, r)
			}
		}()
		return fn(buildCtx)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{Shared: res.Shared}, res.Err
		}
		return Result{Path: res.Val.(string), Shared: res.Shared}, nil
	}
}
