package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoPatient is returned when an operation needs a patient id and has none.
	ErrNoPatient = errors.New("no patient selected")
	// ErrQuotaExceeded is returned when a value would not fit the storage quota.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
	// ErrInvalidImport is returned when imported text is not a reminder list.
	ErrInvalidImport = errors.New("invalid import data")
)

// KV is the key-value contract every backend implements. Values are JSON
// documents.
type KV interface {
	// Get returns the stored value; ok is false when the key is absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Update runs fn on the current value (nil when absent) and stores what it
	// returns as one atomic step. A nil result leaves the key untouched.
	Update(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) error
	Close() error
}

// Quota caps the size of a single value in bytes. Zero means unlimited.
type Quota int

func (q Quota) check(key string, value []byte) error {
	if q > 0 && len(key)+len(value) > int(q) {
		return fmt.Errorf("%w: %s needs %d bytes, limit %d", ErrQuotaExceeded, key, len(key)+len(value), int(q))
	}
	return nil
}

// Options selects and configures a backend.
type Options struct {
	// Driver is memory, redis, sqlite or postgres.
	Driver        string
	DSN           string
	RedisAddr     string
	RedisPassword string
	QuotaBytes    int
}

// Open builds the backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (KV, error) {
	quota := Quota(opts.QuotaBytes)
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "memory":
		return NewMemoryKV(quota), nil
	case "redis":
		return NewRedisKV(ctx, opts.RedisAddr, opts.RedisPassword, quota)
	case "sqlite", "postgres":
		return NewGormKV(opts.Driver, opts.DSN, quota)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", opts.Driver)
	}
}
