package store

import (
	"context"
	"errors"

	"coscribe/api/internal/blob"
)

// stateBlobs adapts the documents table's crdt_state column to the
// blob.Store interface, the default backend when no object store is
// configured.
type stateBlobs struct {
	s *PostgresStore
}

// Blobs returns a blob.Store backed by the documents table.
func (s *PostgresStore) Blobs() blob.Store {
	return stateBlobs{s: s}
}

func (b stateBlobs) Get(ctx context.Context, documentID string) ([]byte, error) {
	data, err := b.s.GetState(ctx, documentID)
	if errors.Is(err, ErrNotFound) {
		return nil, blob.ErrNotFound
	}
	return data, err
}

func (b stateBlobs) Put(ctx context.Context, documentID string, data []byte) error {
	return b.s.PutState(ctx, documentID, data)
}
