// Package storage persists generated audio assets and serves them back by
// key. The filesystem store covers development and tests; S3 covers
// deployments.
package storage

import "context"

// Store persists opaque blobs under caller-chosen keys.
type Store interface {
	// Write persists data under key and returns the canonicalized key.
	Write(ctx context.Context, key string, data []byte) (string, error)

	// Read returns the blob stored under key.
	Read(ctx context.Context, key string) ([]byte, error)
}
