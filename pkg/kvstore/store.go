package kvstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound         = errors.New("key not found")
	ErrExists           = errors.New("key already exists")
	ErrRevisionMismatch = errors.New("revision mismatch")
)

type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is a durable key-value store with per-key revisions. Update only succeeds when the
// caller's revision is still current, which is what callers use for optimistic concurrency.
type Store interface {
	Get(ctx context.Context, key string) (Entry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Close() error
}
