package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"

	"photodrop/internal/archivecache"
	"photodrop/internal/buildflight"
	"photodrop/internal/bundle"
	"photodrop/internal/config"
	"photodrop/internal/database"
	"photodrop/internal/mail"
	"photodrop/internal/objectstore"
	"photodrop/internal/server"
	"photodrop/internal/token"
)

// ErrNoSigningSecret is returned by operations that need to sign or verify
// download tokens when no signing secret is configured.
var ErrNoSigningSecret = errors.New("no signing secret configured: run `photodrop keygen` and set " + config.EnvPrefix + "SIGNING_SECRET")

// ErrUnknownPhotos is returned by IssueLink when some ids are not registered.
var ErrUnknownPhotos = errors.New("unknown photo ids")

// App is the application layer between the CLI and the download service.
// It constructs all dependencies from config, exposes high-level operations
// and releases resources on Close.
type App struct {
	cfg     *config.Config
	op      *Operation
	log     bundle.Logger
	logFile *os.File
	clock   bundle.Clock
	ids     bundle.IDGenerator

	db      *database.SQLiteDatabase
	objects bundle.ObjectStore
	cache   *archivecache.Store
	janitor *bundle.Janitor
	codec   *token.Codec
	service *bundle.Service
}

// Option configures an App.
type Option func(*options)

type options struct {
	clock     bundle.Clock
	ids       bundle.IDGenerator
	logWriter io.Writer
}

// WithClock replaces the wall clock.
func WithClock(c bundle.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator replaces the random item id generator.
func WithIDGenerator(g bundle.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogWriter sends the console copy of the log to w instead of stderr.
func WithLogWriter(w io.Writer) Option {
	return func(o *options) { o.logWriter = w }
}

// New creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "Serve", "AddPhoto").
// The caller must call Close when done.
func New(ctx context.Context, cfg *config.Config, operation string, opts ...Option) (*App, error) {
	o := options{
		clock:     bundle.RealClock{},
		ids:       bundle.UUIDGenerator{},
		logWriter: os.Stderr,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	op := NewOperation(operation, o.clock.Now())
	logger, logFile, err := newLogger(cfg.LogDir, op.ID, parseLevel(cfg.LogLevel), o.logWriter)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	log := &slogAdapter{l: logger}

	a := &App{
		cfg:     cfg,
		op:      op,
		log:     log,
		logFile: logFile,
		clock:   o.clock,
		ids:     o.ids,
	}
	if err := a.wire(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.cfg

	db, err := database.NewDatabaseFromConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	a.db = db
	if err := db.CheckMigrations(); err != nil {
		return fmt.Errorf("database schema out of date: %w", err)
	}

	objects, err := objectstore.NewFromConfig(ctx, cfg.ObjectStore)
	if err != nil {
		return fmt.Errorf("creating object store: %w", err)
	}
	a.objects = objects

	cache, err := archivecache.New(cfg.Download.CacheDir, cfg.Download.Retention.Duration, a.clock)
	if err != nil {
		return fmt.Errorf("creating archive cache: %w", err)
	}
	a.cache = cache
	a.janitor = bundle.NewJanitor(cache, cfg.Download.Retention.Duration, cfg.Download.JanitorInterval.Duration, a.log)

	// Photos can be managed without a secret; links cannot.
	if cfg.Download.SigningSecret == "" {
		return nil
	}

	codec, err := token.NewCodec([]byte(cfg.Download.SigningSecret), cfg.Download.Validity.Duration, cfg.Download.MaxItems, a.clock)
	if err != nil {
		return fmt.Errorf("creating token codec: %w", err)
	}
	a.codec = codec

	flight, err := buildflight.New(cfg.Download.MaxConcurrentBuilds)
	if err != nil {
		return fmt.Errorf("creating build coordinator: %w", err)
	}

	builder, err := bundle.NewBuilder(db, objects, a.log,
		bundle.WithFetchTimeout(cfg.Download.FetchTimeout.Duration),
		bundle.WithCompressionLevel(cfg.Download.CompressionLevel),
		bundle.WithSpoolDir(cache.TempDir()),
	)
	if err != nil {
		return fmt.Errorf("creating archive builder: %w", err)
	}

	mailer, err := mail.NewFromConfig(cfg.Mail, a.log)
	if err != nil {
		return fmt.Errorf("creating mailer: %w", err)
	}

	a.service = bundle.NewService(codec, cache, flight, builder, mailer, a.log, cfg.Server.BaseURL)
	return nil
}

// Operation returns the record of the command this App was created for.
func (a *App) Operation() *Operation {
	return a.op
}

// AddPhoto uploads the file at rawPath to the object store and registers it.
// name overrides the file name shown inside archives.
func (a *App) AddPhoto(ctx context.Context, rawPath, name string) (*bundle.Item, error) {
	absPath, err := filepath.Abs(rawPath)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}

	f, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("opening photo: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat photo: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", absPath)
	}

	contentType, err := detectContentType(f)
	if err != nil {
		return nil, err
	}

	if name == "" {
		name = filepath.Base(absPath)
	}
	id := a.ids.New()
	item := &bundle.Item{
		ID:          id,
		ObjectKey:   "photos/" + id + strings.ToLower(filepath.Ext(absPath)),
		DisplayName: name,
		ContentType: contentType,
		Size:        info.Size(),
		CreatedAt:   a.clock.Now().UTC(),
	}

	if err := a.objects.PutObject(ctx, item.ObjectKey, f, item.Size); err != nil {
		return nil, fmt.Errorf("uploading photo: %w", err)
	}
	if err := a.db.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("registering photo: %w", err)
	}

	a.log.Info("photo added", "id", item.ID, "name", item.DisplayName, "size", item.Size)
	return item, nil
}

// detectContentType sniffs the first bytes of f and rewinds it. The file
// extension wins when it maps to a known type.
func detectContentType(f *os.File) (string, error) {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(f.Name()))); ct != "" {
		return ct, nil
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading photo: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding photo: %w", err)
	}
	return http.DetectContentType(head[:n]), nil
}

// ListPhotos returns the most recently added photos, newest first.
// A limit of zero or less returns all of them.
func (a *App) ListPhotos(ctx context.Context, limit int) ([]*bundle.Item, error) {
	return a.db.ListItems(ctx, limit)
}

// IssueLink signs a download link for photoIDs and mails it to recipient.
// Every id must refer to a registered photo.
func (a *App) IssueLink(ctx context.Context, photoIDs []string, recipient string) (*bundle.Link, error) {
	if a.service == nil {
		return nil, ErrNoSigningSecret
	}

	// Same selection rules as the token codec, so blanks and repeats are
	// dropped rather than reported as unknown.
	ids := token.NormalizeIDs(photoIDs)
	if len(ids) > 0 {
		items, err := a.db.ListItemsByIDs(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("looking up photos: %w", err)
		}
		known := make(map[string]bool, len(items))
		for _, it := range items {
			known[it.ID] = true
		}
		var missing []string
		for _, id := range ids {
			if !known[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPhotos, strings.Join(missing, ", "))
		}
	}

	return a.service.IssueLink(ctx, ids, recipient)
}

// LinkInfo describes a verified download token.
type LinkInfo struct {
	ItemIDs   []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	URL       string
	CacheKey  digest.Digest
	Cache     archivecache.Entry
}

// InspectLink verifies raw and reports its contents and cache state.
func (a *App) InspectLink(raw string) (*LinkInfo, error) {
	if a.service == nil {
		return nil, ErrNoSigningSecret
	}

	claims, err := a.codec.Verify(raw)
	if err != nil {
		return nil, err
	}
	key := token.CacheKey(raw)
	entry, err := a.cache.Lookup(key)
	if err != nil {
		return nil, fmt.Errorf("looking up cached archive: %w", err)
	}

	return &LinkInfo{
		ItemIDs:   claims.ItemIDs,
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt(a.codec.Validity()),
		URL:       a.service.DownloadURL(raw),
		CacheKey:  key,
		Cache:     entry,
	}, nil
}

// SweepCache evicts stale archives and returns how many were removed.
func (a *App) SweepCache() (int, error) {
	return a.janitor.Sweep()
}

// Handler returns the HTTP handler serving downloads and the link API.
func (a *App) Handler() (http.Handler, error) {
	if a.service == nil {
		return nil, ErrNoSigningSecret
	}
	return server.New(a.service, a.log, server.WithAdminToken(a.cfg.Server.AdminToken)), nil
}

// Serve listens on the configured address and serves until ctx is done,
// then shuts down gracefully.
func (a *App) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Server.Listen, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	handler, err := a.Handler()
	if err != nil {
		ln.Close()
		return err
	}
	if err := a.objects.ValidateSetup(ctx); err != nil {
		ln.Close()
		return fmt.Errorf("object store not ready: %w", err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Clear out whatever a previous run left behind before accepting traffic.
	a.janitor.Sweep()
	a.janitor.Start(ctx)
	defer a.janitor.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	a.log.Info("serving downloads", "addr", ln.Addr().String(), "base_url", a.cfg.Server.BaseURL)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	case <-ctx.Done():
	}

	a.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return nil
}

// Close logs the outcome of the operation and releases all resources.
func (a *App) Close() error {
	a.op.Finish(a.clock.Now())
	a.log.Info("operation finished",
		"operation", a.op.Name,
		"status", a.op.Status,
		"duration", a.op.Duration().Round(time.Millisecond),
	)
	return a.closeResources()
}

func (a *App) closeResources() error {
	var firstErr error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			firstErr = fmt.Errorf("closing database: %w", err)
		}
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}

// GenerateSecret returns a new random signing secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, config.MinSigningSecretSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
