// Package storage abstracts the object store that archive jobs upload
// project snapshots to.
package storage

import "context"

type Storage interface {
	// Upload stores a snapshot archive under objectPath.
	Upload(ctx context.Context, objectPath string, data []byte) error

	// Download retrieves a snapshot archive by objectPath.
	Download(ctx context.Context, objectPath string) ([]byte, error)

	Close()
}
