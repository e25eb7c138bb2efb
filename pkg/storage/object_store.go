// Package storage keeps uploaded drug photos and audio notes.
package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("object not found")
	ErrBadKey   = errors.New("invalid object key")
	// ErrPresignUnsupported means the backend serves objects itself.
	ErrPresignUnsupported = errors.New("presigned urls not supported")
)

// ObjectStore provides access to uploaded media.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// CleanKey rejects keys that could escape the media root.
func CleanKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || strings.Contains(key, "\\") || strings.HasPrefix(key, "/") {
		return "", ErrBadKey
	}
	cleaned := path.Clean(key)
	if cleaned != key || cleaned == "." || strings.HasPrefix(cleaned, "..") {
		return "", ErrBadKey
	}
	return cleaned, nil
}

// MediaPath is the API path that serves key.
func MediaPath(key string) string {
	return "/media/" + key
}
