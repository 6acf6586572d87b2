// Package storage provides the client-side key/value store used for the auth
// token and in-flight payment snapshots.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/keyrent/errs"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errs.New("storage", errs.CodeNotFound, errs.WithMessage("key not found"))

// Store is a persistent string-keyed byte store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend   string
	DSN       string
	KeyPrefix string
}

// Open constructs the configured backend, applying migrations for SQL backends.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendSQLite:
		return OpenSQLite(ctx, cfg.DSN)
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case BackendRedis:
		return OpenRedis(ctx, cfg.DSN, cfg.KeyPrefix)
	default:
		return nil, errs.New("storage", errs.CodeInvalid,
			errs.WithMessage("unknown storage backend"),
			errs.WithField("backend", cfg.Backend))
	}
}

// GetJSON decodes the value stored at key into out.
func GetJSON(ctx context.Context, s Store, key string, out any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes value and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}

// IsNotFound reports whether err means the key was absent.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errs.New("storage", errs.CodeInvalid, errs.WithMessage("key required"))
	}
	return nil
}
