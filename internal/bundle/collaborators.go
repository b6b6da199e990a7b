package bundle

import (
	"context"
	"io"
	"time"
)

// Item is the metadata of one uploaded photo.
type Item struct {
	ID          string
	ObjectKey   string
	DisplayName string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// ObjectStore holds the original uploaded files. Downloads go through a
// short-lived location so that the store can hand out presigned URLs.
type ObjectStore interface {
	// ResolveDownloadLocation returns a short-lived location for objectKey.
	ResolveDownloadLocation(ctx context.Context, objectKey string) (string, error)

	// Fetch opens the bytes behind a location returned by ResolveDownloadLocation.
	// The caller must close the reader.
	Fetch(ctx context.Context, location string) (io.ReadCloser, error)

	// PutObject stores size bytes read from r under objectKey.
	PutObject(ctx context.Context, objectKey string, r io.Reader, size int64) error

	// ValidateSetup verifies that the store is reachable and configured.
	ValidateSetup(ctx context.Context) error
}

// MetadataStore holds the rows describing uploaded items.
type MetadataStore interface {
	// ListItemsByIDs returns the items whose ids are in ids. Unknown ids
	// are silently omitted; the order of the result is unspecified.
	ListItemsByIDs(ctx context.Context, ids []string) ([]*Item, error)

	// CreateItem records a new item.
	CreateItem(ctx context.Context, item *Item) error

	// ListItems returns the most recently created items, newest first.
	ListItems(ctx context.Context, limit int) ([]*Item, error)

	// Close closes the underlying connection.
	Close() error
}

// Mailer delivers download links to recipients.
type Mailer interface {
	Deliver(ctx context.Context, recipient, downloadURL string) error
}
