// Package storage provides the durable key-value capability that the
// session and memory stores persist through. Records are opaque blobs; the
// stores own the wire format.
package storage

import "context"

// KV is a durable key-value store. Implementations must treat keys as
// opaque strings and return core.ErrNotFound (wrapped is fine) from Get
// when a key is absent.
type KV interface {
	// Get returns the blob stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores blob under key, replacing any previous value.
	Set(ctx context.Context, key string, blob []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, in unspecified order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases resources.
	Close() error
}
