// Package persist is the bridge between in-memory replicas and the
// durable store: it loads a document's CRDT state (with transparent
// decompression and a one-time legacy-content upgrade) and writes it
// back (with threshold compression, lastEditedBy tagging and a
// best-effort denormalized mirror).
package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"coscribe/api/internal/blob"
	"coscribe/api/internal/crdt"
	"coscribe/api/internal/legacy"
	"coscribe/api/internal/search"
	"coscribe/api/internal/store"
)

// ErrPersistence marks durable-store failures. Callers keep sessions
// alive and retry on the next debounce cycle.
var ErrPersistence = errors.New("persist: store failure")

// Editor identifies who triggered a write, for metadata tagging. The
// zero value means no identity is available.
type Editor struct {
	UserID string
	Name   string
}

// MetadataStore is the slice of the record store the adapter needs.
type MetadataStore interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	UpdateEditedBy(ctx context.Context, documentID, userID, name string) error
	UpdateContentMirror(ctx context.Context, documentID string, mirror []byte) error
}

type Adapter struct {
	meta  MetadataStore
	blobs blob.Store
	index *search.Meili
	log   zerolog.Logger
}

// New builds an adapter. index may be nil when search is not
// configured.
func New(meta MetadataStore, blobs blob.Store, index *search.Meili, log zerolog.Logger) *Adapter {
	return &Adapter{meta: meta, blobs: blobs, index: index, log: log}
}

// Fetch loads a document's CRDT state. Returns (nil, false, nil) for
// a document with no prior state, and (state, true, nil) when the
// state was freshly upgraded from legacy content — the caller should
// persist it so future reads take the fast path. The legacy field is
// never mutated here.
func (a *Adapter) Fetch(ctx context.Context, documentID string) (state []byte, upgraded bool, err error) {
	doc, err := a.meta.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	stored, err := a.blobs.Get(ctx, documentID)
	switch {
	case err == nil:
		raw, err := blob.Open(stored)
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return raw, false, nil
	case errors.Is(err, blob.ErrNotFound):
		// fall through to the legacy path
	default:
		return nil, false, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if len(doc.Content) == 0 {
		return nil, false, nil
	}

	converted, err := legacy.ToDoc(doc.Content)
	if err != nil {
		// A malformed legacy document opens empty rather than
		// failing the load.
		a.log.Error().Str("document", documentID).Err(err).Msg("legacy content conversion failed")
		return nil, false, nil
	}
	a.log.Info().Str("document", documentID).Msg("upgraded legacy content to collaborative state")
	return converted.EncodeStateAsUpdate(), true, nil
}

// Store writes a document's CRDT state durably. The raw state is the
// source of truth: mirror and metadata failures are logged, not
// raised; only the binary write itself fails the call.
func (a *Adapter) Store(ctx context.Context, documentID string, state []byte, editor Editor) error {
	doc, err := a.meta.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	a.mirror(ctx, doc, state, editor)

	sealed, err := blob.Seal(state)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := a.blobs.Put(ctx, documentID, sealed); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if editor.UserID != "" {
		if err := a.meta.UpdateEditedBy(ctx, documentID, editor.UserID, editor.Name); err != nil {
			a.log.Warn().Str("document", documentID).Err(err).Msg("update lastEditedBy failed")
		}
	}
	return nil
}

// mirror decodes the state into the denormalized representation for
// non-collaborative read paths and hands it to the search index.
// Decode failures are non-fatal by design.
func (a *Adapter) mirror(ctx context.Context, doc store.Document, state []byte, editor Editor) {
	replica, err := crdt.FromUpdate(state)
	if err != nil {
		a.log.Warn().Str("document", doc.ID).Err(err).Msg("state decode for mirror failed")
		return
	}
	tree := replica.Tree()

	mirror, err := legacy.FromTree(tree)
	if err != nil {
		a.log.Warn().Str("document", doc.ID).Err(err).Msg("mirror encode failed")
		return
	}
	if err := a.meta.UpdateContentMirror(ctx, doc.ID, mirror); err != nil {
		a.log.Warn().Str("document", doc.ID).Err(err).Msg("mirror write failed")
		return
	}

	if a.index != nil {
		workspaceID := ""
		if doc.WorkspaceID != nil {
			workspaceID = *doc.WorkspaceID
		}
		a.index.IndexDocument(search.DocumentRecord{
			ID:               doc.ID,
			WorkspaceID:      workspaceID,
			Text:             tree.PlainText(),
			LastEditedBy:     editor.UserID,
			LastEditedByName: editor.Name,
			UpdatedAt:        time.Now().Unix(),
		})
	}
}
