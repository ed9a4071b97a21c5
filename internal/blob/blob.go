// Package blob stores the durable binary CRDT state per document,
// with transparent gzip compression for large payloads. Backends:
// the document table itself (bytea column, the default) or a MinIO
// bucket for deployments that keep binary state out of the
// relational store.
package blob

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no blob exists for a document.
var ErrNotFound = errors.New("blob: not found")

// Store is the durable blob backend. Put receives the bytes exactly
// as they should be written (callers compress first); Get returns
// them exactly as written.
type Store interface {
	Get(ctx context.Context, documentID string) ([]byte, error)
	Put(ctx context.Context, documentID string, data []byte) error
}
