package state

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/user/storyforge/internal/types"
)

// Options selects and configures a storage driver.
type Options struct {
	Driver     string
	DataDir    string
	SQLitePath string
	RedisURL   string
	Namespace  string
}

// Open returns the StorageAdapter for the configured driver: "file" (default),
// "sqlite", "redis" or "memory".
func Open(ctx context.Context, opts Options) (types.StorageAdapter, error) {
	switch opts.Driver {
	case "", "file":
		return NewFileStore(opts.DataDir), nil
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = filepath.Join(opts.DataDir, "storyforge.db")
		}
		return NewSQLiteStore(path)
	case "redis":
		return NewRedisStore(ctx, opts.RedisURL, opts.Namespace)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", opts.Driver)
	}
}
