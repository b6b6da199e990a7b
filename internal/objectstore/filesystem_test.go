package objectstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFilesystemStore_PutAndFetch(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	if err != nil {
		t.Fatalf("NewFilesystemStore() error = %v", err)
	}
	ctx := context.Background()

	if err := store.PutObject(ctx, "albums/2024/a.jpg", strings.NewReader("jpeg"), 4); err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "albums", "2024", "a.jpg"))
	if err != nil {
		t.Fatalf("object not written where expected: %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("stored content = %q, want %q", data, "jpeg")
	}

	location, err := store.ResolveDownloadLocation(ctx, "albums/2024/a.jpg")
	if err != nil {
		t.Fatalf("ResolveDownloadLocation() error = %v", err)
	}
	if !strings.HasPrefix(location, "file://") {
		t.Errorf("location = %q, want a file:// URL", location)
	}
	if got := readLocation(t, store.Fetch, location); got != "jpeg" {
		t.Errorf("content = %q, want %q", got, "jpeg")
	}
}

func TestFilesystemStore_PutObject_SizeMismatch(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	if err != nil {
		t.Fatal(err)
	}

	if err := store.PutObject(context.Background(), "a.jpg", strings.NewReader("abc"), 99); err == nil {
		t.Fatal("PutObject() expected size mismatch error")
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("root holds %d entries after failed put, want 0", len(entries))
	}
}

func TestFilesystemStore_Errors(t *testing.T) {
	root := t.TempDir()
	store, err := NewFilesystemStore(root)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	t.Run("missing object", func(t *testing.T) {
		if _, err := store.ResolveDownloadLocation(ctx, "missing.jpg"); !errors.Is(err, ErrNotFound) {
			t.Errorf("ResolveDownloadLocation() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("object removed after resolve", func(t *testing.T) {
		if err := store.PutObject(ctx, "gone.jpg", strings.NewReader("x"), 1); err != nil {
			t.Fatal(err)
		}
		location, err := store.ResolveDownloadLocation(ctx, "gone.jpg")
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(filepath.Join(root, "gone.jpg")); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Fetch(ctx, location); !errors.Is(err, ErrNotFound) {
			t.Errorf("Fetch() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("location outside root", func(t *testing.T) {
		outside := filepath.Join(t.TempDir(), "secret.txt")
		if err := os.WriteFile(outside, []byte("secret"), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Fetch(ctx, "file://"+filepath.ToSlash(outside)); err == nil {
			t.Error("Fetch() expected error for location outside the root")
		}
	})

	t.Run("traversal key", func(t *testing.T) {
		if err := store.PutObject(ctx, "../escape.jpg", strings.NewReader("x"), 1); err == nil {
			t.Error("PutObject() expected error for traversal key")
		}
	})
}

func TestFilesystemStore_ValidateSetup(t *testing.T) {
	root := filepath.Join(t.TempDir(), "objects")
	store, err := NewFilesystemStore(root)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.ValidateSetup(context.Background()); err != nil {
		t.Errorf("ValidateSetup() error = %v", err)
	}

	if err := os.RemoveAll(root); err != nil {
		t.Fatal(err)
	}
	if err := store.ValidateSetup(context.Background()); err == nil {
		t.Error("ValidateSetup() expected error after root was removed")
	}
}
