package bundle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"
	"unicode"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

const (
	// DefaultFetchTimeout bounds a single item's resolve and download.
	DefaultFetchTimeout = 30 * time.Second
	// DefaultCompressionLevel is the deflate level for archive entries.
	DefaultCompressionLevel = 5
)

// BuildReport summarizes one archive build.
type BuildReport struct {
	Requested int // distinct ids carried by the token
	Resolved  int // ids that still have metadata
	Added     int // entries written to the archive
	Failed    int // resolved items whose fetch failed
}

// Builder streams the objects behind a set of item ids into a zip archive.
type Builder struct {
	metadata     MetadataStore
	objects      ObjectStore
	logger       Logger
	fetchTimeout time.Duration
	level        int
	spoolDir     string
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithFetchTimeout sets the per-item fetch timeout.
func WithFetchTimeout(d time.Duration) BuilderOption {
	return func(b *Builder) {
		b.fetchTimeout = d
	}
}

// WithCompressionLevel sets the deflate level (1..9).
func WithCompressionLevel(level int) BuilderOption {
	return func(b *Builder) {
		b.level = level
	}
}

// WithSpoolDir sets where fetched objects are buffered before they are
// added to the archive. Defaults to os.TempDir().
func WithSpoolDir(dir string) BuilderOption {
	return func(b *Builder) {
		b.spoolDir = dir
	}
}

// NewBuilder creates a Builder.
func NewBuilder(metadata MetadataStore, objects ObjectStore, logger Logger, opts ...BuilderOption) (*Builder, error) {
	b := &Builder{
		metadata:     metadata,
		objects:      objects,
		logger:       logger,
		fetchTimeout: DefaultFetchTimeout,
		level:        DefaultCompressionLevel,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.fetchTimeout <= 0 {
		return nil, fmt.Errorf("fetch timeout must be positive")
	}
	if b.level < flate.BestSpeed || b.level > flate.BestCompression {
		return nil, fmt.Errorf("compression level must be between %d and %d, got %d", flate.BestSpeed, flate.BestCompression, b.level)
	}
	return b, nil
}

// Build writes a zip archive of the items behind itemIDs to w. Ids
// without metadata are dropped. Items that fail to download are logged
// and left out. If nothing could be added, Build returns ErrNoContent and
// w holds no usable archive.
func (b *Builder) Build(ctx context.Context, itemIDs []string, w io.Writer) (BuildReport, error) {
	var report BuildReport

	items, err := b.resolve(ctx, itemIDs, &report)
	if err != nil {
		return report, err
	}

	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, b.level)
	})

	names := newEntryNamer()
	for _, item := range items {
		spool, err := b.fetch(ctx, item)
		if err != nil {
			report.Failed++
			b.logger.Warn("skipping item", "item", item.ID, "object", item.ObjectKey, "error", err)
			continue
		}

		err = b.addEntry(zw, names.name(item), item, spool)
		spool.discard()
		if err != nil {
			return report, fmt.Errorf("writing %s to archive: %w", item.ID, err)
		}
		report.Added++
	}

	if report.Added == 0 {
		return report, ErrNoContent
	}

	if err := zw.Close(); err != nil {
		return report, fmt.Errorf("finalizing archive: %w", err)
	}
	return report, nil
}

// resolve looks up metadata and returns the items in token order.
func (b *Builder) resolve(ctx context.Context, itemIDs []string, report *BuildReport) ([]*Item, error) {
	ids := make([]string, 0, len(itemIDs))
	seen := make(map[string]struct{}, len(itemIDs))
	for _, id := range itemIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	report.Requested = len(ids)

	found, err := b.metadata.ListItemsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolving items: %w", err)
	}

	byID := make(map[string]*Item, len(found))
	for _, item := range found {
		byID[item.ID] = item
	}

	items := make([]*Item, 0, len(ids))
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}
	report.Resolved = len(items)

	if missing := report.Requested - report.Resolved; missing > 0 {
		b.logger.Info("items no longer exist", "missing", missing, "requested", report.Requested)
	}
	return items, nil
}

// spooled is a fully downloaded object waiting to be added to the archive.
type spooled struct {
	f    *os.File
	size int64
}

func (s *spooled) discard() {
	s.f.Close()
	os.Remove(s.f.Name())
}

// fetch downloads one item into a spool file. Only a complete download is
// returned, so a broken transfer never leaves a truncated archive entry.
func (b *Builder) fetch(ctx context.Context, item *Item) (*spooled, error) {
	ctx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
	defer cancel()

	location, err := b.objects.ResolveDownloadLocation(ctx, item.ObjectKey)
	if err != nil {
		return nil, fmt.Errorf("resolving download location: %w", err)
	}

	rc, err := b.objects.Fetch(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("fetching object: %w", err)
	}
	defer rc.Close()

	f, err := os.CreateTemp(b.spoolDir, "item-*")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	s := &spooled{f: f}

	n, err := io.Copy(f, rc)
	if err != nil {
		s.discard()
		return nil, fmt.Errorf("reading object: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		s.discard()
		return nil, fmt.Errorf("rewinding spool file: %w", err)
	}
	s.size = n
	return s, nil
}

func (b *Builder) addEntry(zw *zip.Writer, name string, item *Item, spool *spooled) error {
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: item.CreatedAt,
	}
	ew, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	n, err := io.Copy(ew, spool.f)
	if err != nil {
		return err
	}
	if n != spool.size {
		return errors.New("short copy from spool file")
	}
	return nil
}

// entryNamer assigns archive entry names, keeping them unique
// case-insensitively so extraction never overwrites a sibling.
type entryNamer struct {
	used map[string]struct{}
}

func newEntryNamer() *entryNamer {
	return &entryNamer{used: make(map[string]struct{})}
}

func (n *entryNamer) name(item *Item) string {
	base := sanitizeEntryName(item.DisplayName)
	if base == "" {
		base = sanitizeEntryName(item.ID)
	}
	if base == "" {
		base = "photo"
	}

	candidate := base
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	for i := 2; ; i++ {
		if _, taken := n.used[strings.ToLower(candidate)]; !taken {
			break
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, i, ext)
	}
	n.used[strings.ToLower(candidate)] = struct{}{}
	return candidate
}

// sanitizeEntryName reduces a display name to a flat file name.
func sanitizeEntryName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "." || name == ".." || name == "/" {
		return ""
	}
	return name
}
