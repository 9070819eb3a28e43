package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

var (
	ErrInvalidConfig = errors.New("kv: invalid config")
	ErrInvalidKey    = errors.New("kv: invalid key")
	ErrNotFound      = errors.New("kv: not found")
)

// Store is a string-keyed value store. Implementations must be safe for
// concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Config selects and configures a Store driver.
type Config struct {
	Driver string

	// Redis fields.
	Addr     string
	Password string
	DB       int
}

func New(cfg Config) (Store, error) {
	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		return NewMemoryStore(), nil
	case DriverRedis:
		return newRedisStore(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverMemory
	}
	return v
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if key != strings.TrimSpace(key) {
		return fmt.Errorf("%w: key has leading or trailing whitespace", ErrInvalidKey)
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return nil
}
