package testutil

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"photodrop/internal/bundle"
	"photodrop/internal/objectstore"
)

// ErrInjected is returned by FlakyObjectStore for objects marked as failing.
var ErrInjected = errors.New("injected fetch failure")

// FlakyObjectStore wraps an in-memory store, counts fetches and fails
// fetches of chosen objects. Fetches can also be held until Release is
// called, to keep a build in flight while a test piles up requests.
type FlakyObjectStore struct {
	*objectstore.MemoryStore

	fetches atomic.Int32

	mu      sync.Mutex
	failing map[string]bool
	gate    chan struct{}
	started chan struct{}
}

// NewFlakyObjectStore creates an empty FlakyObjectStore.
func NewFlakyObjectStore() *FlakyObjectStore {
	return &FlakyObjectStore{
		MemoryStore: objectstore.NewMemoryStore(),
		failing:     make(map[string]bool),
	}
}

// Fail makes every later fetch of objectKey return ErrInjected.
func (s *FlakyObjectStore) Fail(objectKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[objectKey] = true
}

// Hold makes fetches block until Release. The returned channel receives
// one value per fetch that reaches the gate.
func (s *FlakyObjectStore) Hold() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.started = make(chan struct{}, 64)
	return s.started
}

// Release unblocks fetches held by Hold.
func (s *FlakyObjectStore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Fetches returns how many fetches have been attempted.
func (s *FlakyObjectStore) Fetches() int {
	return int(s.fetches.Load())
}

func (s *FlakyObjectStore) Fetch(ctx context.Context, location string) (io.ReadCloser, error) {
	s.fetches.Add(1)

	s.mu.Lock()
	gate, started := s.gate, s.started
	failing := s.failing[strings.TrimPrefix(location, "memory://")]
	s.mu.Unlock()

	if gate != nil {
		started <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, ErrInjected
	}
	return s.MemoryStore.Fetch(ctx, location)
}

// Photo describes an item to seed with AddPhoto.
type Photo struct {
	ID      string
	Name    string
	Content string
}

// AddPhoto stores the photo's content under "objects/<id>" and records its
// metadata. CreatedAt is fixed so archive bytes are reproducible.
func AddPhoto(t *testing.T, store bundle.ObjectStore, db bundle.MetadataStore, p Photo) *bundle.Item {
	t.Helper()
	ctx := context.Background()

	item := &bundle.Item{
		ID:          p.ID,
		ObjectKey:   "objects/" + p.ID,
		DisplayName: p.Name,
		ContentType: "image/jpeg",
		Size:        int64(len(p.Content)),
		CreatedAt:   time.Date(2024, 1, 14, 18, 0, 0, 0, time.UTC),
	}
	if err := store.PutObject(ctx, item.ObjectKey, strings.NewReader(p.Content), item.Size); err != nil {
		t.Fatalf("storing %s: %v", p.ID, err)
	}
	if err := db.CreateItem(ctx, item); err != nil {
		t.Fatalf("recording %s: %v", p.ID, err)
	}
	return item
}

var _ bundle.ObjectStore = (*FlakyObjectStore)(nil)
