// Package kvstore abstracts the durable key-value store the relay keeps all
// of its state in: string keys and values, optional per-key expiry, and
// cursor-paginated prefix listing. Consistency is per key only; there are no
// cross-key transactions.
package kvstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("kvstore: key not found")

type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)
	// Put writes key=value. ttl <= 0 means no expiry.
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns up to limit keys starting with prefix. cursor is ""
	// for the first page; the returned cursor is "" when the listing is
	// complete.
	List(ctx context.Context, prefix, cursor string, limit int) (keys []string, next string, err error)
}
