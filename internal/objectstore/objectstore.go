// Package objectstore holds the original photo files. Every store hands
// out a short-lived download location for an object key and can fetch the
// bytes behind that location.
package objectstore

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrNotFound is returned when an object or location does not exist.
var ErrNotFound = errors.New("object not found")

// cleanKey validates an object key. Keys are slash separated and must stay
// inside the store, so absolute paths and ".." segments are rejected.
func cleanKey(key string) (string, error) {
	if key == "" {
		return "", errors.New("object key is empty")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return cleaned, nil
}
