// Package bundle turns signed download tokens into zip archives of the
// photos they reference, building each archive once and serving it from
// the on-disk cache until it goes stale.
package bundle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/mail"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"photodrop/internal/archivecache"
	"photodrop/internal/buildflight"
	"photodrop/internal/token"
)

// Link is an issued download link.
type Link struct {
	Token     string
	URL       string
	ItemIDs   []string
	ExpiresAt time.Time
}

// Archive is an open, fully built archive ready to be streamed.
type Archive struct {
	File    *os.File
	Name    string
	Size    int64
	ModTime time.Time
	Key     digest.Digest
}

// Close releases the underlying file.
func (a *Archive) Close() error {
	return a.File.Close()
}

// Flight runs at most one build per key. *buildflight.Coordinator is the
// production implementation.
type Flight interface {
	RunExclusive(ctx context.Context, key string, fn buildflight.BuildFunc) (buildflight.Result, error)
}

// Service issues download links and serves the archives behind them.
type Service struct {
	codec   *token.Codec
	cache   *archivecache.Store
	flight  Flight
	builder *Builder
	mailer  Mailer
	logger  Logger
	baseURL string
}

// NewService creates a Service. baseURL is the externally reachable
// origin that download links are built from.
func NewService(codec *token.Codec, cache *archivecache.Store, flight Flight, builder *Builder, mailer Mailer, logger Logger, baseURL string) *Service {
	return &Service{
		codec:   codec,
		cache:   cache,
		flight:  flight,
		builder: builder,
		mailer:  mailer,
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// DownloadURL returns the public URL that serves raw.
func (s *Service) DownloadURL(raw string) string {
	return s.baseURL + "/download/" + url.PathEscape(raw)
}

// IssueLink signs a token for itemIDs and mails its download URL to
// recipient. When delivery fails the link is still returned together with
// an error wrapping ErrDeliveryFailed; the token stays valid.
func (s *Service) IssueLink(ctx context.Context, itemIDs []string, recipient string) (*Link, error) {
	addr, err := mail.ParseAddress(recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecipient, err)
	}

	raw, err := s.codec.Issue(itemIDs)
	if err != nil {
		return nil, err
	}
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("verifying issued token: %w", err)
	}

	link := &Link{
		Token:     raw,
		URL:       s.DownloadURL(raw),
		ItemIDs:   claims.ItemIDs,
		ExpiresAt: claims.ExpiresAt(s.codec.Validity()),
	}

	if err := s.mailer.Deliver(ctx, addr.Address, link.URL); err != nil {
		s.logger.Warn("download link delivery failed", "recipient", addr.Address, "error", err)
		return link, fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	s.logger.Info("download link issued",
		"recipient", addr.Address,
		"items", len(link.ItemIDs),
		"expires", link.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return link, nil
}

// OpenArchive verifies raw and returns the archive for it, building the
// archive first when the cache has no fresh copy. Concurrent requests for
// the same token share a single build. Errors wrap token.ErrInvalid,
// token.ErrExpired, buildflight.ErrTooManyConcurrentBuilds or ErrNoContent
// where applicable. The caller must close the returned archive.
func (s *Service) OpenArchive(ctx context.Context, raw string) (*Archive, error) {
	claims, err := s.codec.Verify(raw)
	if err != nil {
		return nil, err
	}
	key := token.CacheKey(raw)
	name := archiveName(claims.IssuedAt)

	archive, err := s.openFresh(key, name)
	if err != nil || archive != nil {
		return archive, err
	}

	res, err := s.flight.RunExclusive(ctx, key.String(), func(buildCtx context.Context) (string, error) {
		return s.build(buildCtx, key, claims)
	})
	if errors.Is(err, buildflight.ErrTooManyConcurrentBuilds) {
		// A build for this key may have been installed after the first
		// lookup while the slots were taken by other keys.
		if archive, lookupErr := s.openFresh(key, name); lookupErr == nil && archive != nil {
			return archive, nil
		}
	}
	if err != nil {
		return nil, err
	}

	archive, err = openArchive(res.Path, name, key)
	if err != nil {
		return nil, fmt.Errorf("opening built archive: %w", err)
	}
	return archive, nil
}

// openFresh opens the cached archive for key if it is fresh. It returns
// nil without an error when the archive has to be built.
func (s *Service) openFresh(key digest.Digest, name string) (*Archive, error) {
	entry, err := s.cache.Lookup(key)
	if err != nil {
		return nil, err
	}
	if entry.State != archivecache.Fresh {
		return nil, nil
	}
	archive, err := openArchive(entry.Path, name, key)
	if err != nil {
		// Evicted between lookup and open.
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	s.logger.Debug("serving cached archive", "key", shortKey(key))
	return archive, nil
}

// build produces and installs the archive for key. It runs inside the
// build coordinator, so at most one build per key is active.
func (s *Service) build(ctx context.Context, key digest.Digest, claims token.Claims) (string, error) {
	// A build that finished just before this one was admitted may already
	// have installed the archive.
	entry, err := s.cache.Lookup(key)
	if err != nil {
		return "", err
	}
	switch entry.State {
	case archivecache.Fresh:
		return entry.Path, nil
	case archivecache.Stale:
		if err := s.cache.Remove(key); err != nil {
			return "", err
		}
	}

	start := time.Now()
	tmp, err := s.cache.CreateTemp()
	if err != nil {
		return "", err
	}

	report, err := s.builder.Build(ctx, claims.ItemIDs, tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing temp archive: %w", closeErr)
	}
	if err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("archive build failed",
			"key", shortKey(key),
			"requested", report.Requested,
			"resolved", report.Resolved,
			"failed", report.Failed,
			"error", err,
		)
		return "", err
	}

	path, err := s.cache.Install(key, tmp.Name())
	if err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	s.logger.Info("archive built",
		"key", shortKey(key),
		"requested", report.Requested,
		"resolved", report.Resolved,
		"added", report.Added,
		"failed", report.Failed,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return path, nil
}

func openArchive(path, name string, key digest.Digest) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Archive{
		File:    f,
		Name:    name,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Key:     key,
	}, nil
}

// archiveName is the file name offered to the browser.
func archiveName(issuedAt time.Time) string {
	return "photos-" + issuedAt.UTC().Format("20060102") + ".zip"
}

// shortKey abbreviates a cache key for log lines.
func shortKey(key digest.Digest) string {
	enc := key.Encoded()
	if len(enc) > 12 {
		return enc[:12]
	}
	return enc
}
