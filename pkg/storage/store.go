// Package storage persists LLM interactions: raw JSON blobs in an object
// store plus an index row per interaction in the database, with
// lookup-before-call caching keyed by a content hash of the rendered
// prompt and its context.
package storage

import (
	"context"
	"errors"
)

// ErrBlobNotFound is returned when a blob key does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// BlobStore is the narrow object-store contract the interaction store
// needs. Implementations must be safe for concurrent use; interaction
// paths carry a UUID fragment so they do not collide, while prompt
// archives are keyed by run id and prompt type only.
type BlobStore interface {
	// Write stores data under key, creating parent prefixes as needed.
	Write(ctx context.Context, key string, data []byte) error

	// Read returns the full content stored under key.
	// Returns ErrBlobNotFound if the key does not exist.
	Read(ctx context.Context, key string) ([]byte, error)

	// List returns all keys under the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}
