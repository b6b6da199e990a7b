// Package archivecache stores completed archives on disk, one file per
// cache key. Archives are immutable: an entry is installed once by an
// atomic rename and later removed, never rewritten in place.
//
// Layout:
//
//	<dir>/
//	  <sha256 hex>.zip   (installed archives)
//	  .tmp/              (archives being built, invisible to lookups)
package archivecache

import (
	_ "crypto/sha256" // registers the digest algorithm
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	archiveExt = ".zip"
	tempDir    = ".tmp"
	tempPrefix = "build-"

	// DefaultRetention is how long an installed archive may be served.
	DefaultRetention = time.Hour
)

// State classifies a cache lookup.
type State int

const (
	Absent State = iota
	Fresh
	Stale
)

func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	default:
		return "absent"
	}
}

// Entry is the result of a cache lookup.
type Entry struct {
	Key       digest.Digest
	State     State
	Path      string
	CreatedAt time.Time
	Size      int64
}

// Clock abstracts time retrieval so freshness is deterministic in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store is a filesystem-backed map from cache key to archive file.
// It is safe for concurrent use: writers only ever touch private temp
// files, and a single rename publishes a finished archive.
type Store struct {
	dir       string
	tmpDir    string
	retention time.Duration
	clock     Clock
}

// New creates a Store rooted at dir. A nil clock uses the system clock.
func New(dir string, retention time.Duration, clock Clock) (*Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention window must be positive")
	}
	if clock == nil {
		clock = systemClock{}
	}

	tmp := filepath.Join(dir, tempDir)
	if err := os.MkdirAll(tmp, 0o700); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}

	return &Store{
		dir:       dir,
		tmpDir:    tmp,
		retention: retention,
		clock:     clock,
	}, nil
}

// Dir returns the cache root.
func (s *Store) Dir() string {
	return s.dir
}

// TempDir returns the directory for files under construction. Files left
// there are swept once they are older than the retention window.
func (s *Store) TempDir() string {
	return s.tmpDir
}

// Retention returns the configured retention window.
func (s *Store) Retention() time.Duration {
	return s.retention
}

// Lookup reports whether an archive exists for key and whether it is
// still within the retention window.
func (s *Store) Lookup(key digest.Digest) (Entry, error) {
	path, err := s.path(key)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{Key: key, State: Absent}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entry, nil
		}
		return Entry{}, fmt.Errorf("stat cache entry: %w", err)
	}

	entry.Path = path
	entry.CreatedAt = info.ModTime()
	entry.Size = info.Size()
	if s.isStale(info.ModTime(), s.retention) {
		entry.State = Stale
	} else {
		entry.State = Fresh
	}
	return entry, nil
}

// CreateTemp opens a private file for an archive under construction.
// The caller either passes its name to Install or removes it.
func (s *Store) CreateTemp() (*os.File, error) {
	f, err := os.CreateTemp(s.tmpDir, tempPrefix+"*"+archiveExt)
	if err != nil {
		return nil, fmt.Errorf("creating temp archive: %w", err)
	}
	return f, nil
}

// Install publishes a fully written temp file as the archive for key,
// replacing any previous entry. It returns the installed path.
func (s *Store) Install(key digest.Digest, tmpPath string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}
	if filepath.Dir(tmpPath) != s.tmpDir {
		return "", fmt.Errorf("temp archive %s is not owned by this cache", tmpPath)
	}

	now := s.clock.Now()
	if err := os.Chtimes(tmpPath, now, now); err != nil {
		return "", fmt.Errorf("stamping temp archive: %w", err)
	}

	// Same filesystem, so readers see either the old file or the new one.
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("installing archive: %w", err)
	}
	return path, nil
}

// Remove deletes the archive for key. A missing entry is not an error.
func (s *Store) Remove(key digest.Digest) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing cache entry: %w", err)
	}
	return nil
}

// EvictStale removes every installed archive whose age is at least
// retention and returns how many were removed. Entries that disappear
// while the sweep runs are skipped. Abandoned temp files older than
// retention are removed as well but not counted.
func (s *Store) EvictStale(retention time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("reading cache directory: %w", err)
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		ok, err := s.removeIfStale(filepath.Join(s.dir, e.Name()), retention)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	temps, err := os.ReadDir(s.tmpDir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return removed, fmt.Errorf("reading temp directory: %w", err)
	}
	for _, e := range temps {
		if _, err := s.removeIfStale(filepath.Join(s.tmpDir, e.Name()), retention); err != nil {
			return removed, err
		}
	}

	return removed, nil
}

func (s *Store) removeIfStale(path string, retention time.Duration) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if !s.isStale(info.ModTime(), retention) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("removing %s: %w", path, err)
	}
	return true, nil
}

func (s *Store) isStale(createdAt time.Time, retention time.Duration) bool {
	return s.clock.Now().Sub(createdAt) >= retention
}

func (s *Store) path(key digest.Digest) (string, error) {
	if err := key.Validate(); err != nil {
		return "", fmt.Errorf("invalid cache key %q: %w", key, err)
	}
	return filepath.Join(s.dir, key.Encoded()+archiveExt), nil
}
