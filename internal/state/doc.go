// Package state provides StorageAdapter implementations: JSON files on disk,
// SQLite, Redis and an in-memory map.
package state

import "github.com/user/storyforge/internal/types"

// Compile-time interface compliance checks.
var _ types.StorageAdapter = (*FileStore)(nil)
var _ types.StorageAdapter = (*MemoryStore)(nil)
var _ types.StorageAdapter = (*SQLiteStore)(nil)
var _ types.StorageAdapter = (*RedisStore)(nil)
