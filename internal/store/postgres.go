package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	const query = `
		SELECT id, owner_id, workspace_id, is_published, deleted_at,
		       content, content_mirror, last_edited_by, last_edited_by_name,
		       created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var (
		doc        Document
		lastEdited sql.NullString
		lastName   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, documentID).Scan(
		&doc.ID, &doc.OwnerID, &doc.WorkspaceID, &doc.IsPublished, &doc.DeletedAt,
		&doc.Content, &doc.ContentMirror, &lastEdited, &lastName,
		&doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get document: %w", err)
	}
	doc.LastEditedBy = lastEdited.String
	doc.LastEditedByName = lastName.String
	return doc, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, owner_id, workspace_id, is_published, content)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.OwnerID, doc.WorkspaceID, doc.IsPublished, doc.Content)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, workspaceID string) (Workspace, error) {
	var ws Workspace
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, name, created_at FROM workspaces WHERE id = $1
	`, workspaceID).Scan(&ws.ID, &ws.OwnerID, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Workspace{}, ErrNotFound
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// GetMembership returns the membership row for (workspaceID, userID),
// or ErrNotFound when the user is not a member.
func (s *PostgresStore) GetMembership(ctx context.Context, workspaceID, userID string) (WorkspaceMembership, error) {
	var m WorkspaceMembership
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, user_id, role, permission, created_at
		FROM workspace_memberships
		WHERE workspace_id = $1 AND user_id = $2
	`, workspaceID, userID).Scan(&m.WorkspaceID, &m.UserID, &m.Role, &m.Permission, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkspaceMembership{}, ErrNotFound
	}
	if err != nil {
		return WorkspaceMembership{}, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// GetCollaborator returns the per-document grant for an email, or
// ErrNotFound. Status filtering is the caller's concern: the access
// funnel only honors accepted grants but wants to see the row.
func (s *PostgresStore) GetCollaborator(ctx context.Context, documentID, email string) (DocumentCollaborator, error) {
	var c DocumentCollaborator
	err := s.db.QueryRowContext(ctx, `
		SELECT document_id, email, permission, status, token, expires_at, accepted_at
		FROM document_collaborators
		WHERE document_id = $1 AND LOWER(email) = LOWER($2)
	`, documentID, email).Scan(&c.DocumentID, &c.Email, &c.Permission, &c.Status, &c.Token, &c.ExpiresAt, &c.AcceptedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentCollaborator{}, ErrNotFound
	}
	if err != nil {
		return DocumentCollaborator{}, fmt.Errorf("get collaborator: %w", err)
	}
	return c, nil
}

// UpdateEditedBy tags the document with the last editor. Called on
// every successful state write when an editor identity is known.
func (s *PostgresStore) UpdateEditedBy(ctx context.Context, documentID, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET last_edited_by = $2, last_edited_by_name = $3, updated_at = NOW()
		WHERE id = $1
	`, documentID, userID, name)
	if err != nil {
		return fmt.Errorf("update edited by: %w", err)
	}
	return nil
}

// UpdateContentMirror writes the denormalized content copy used by
// non-collaborative read paths.
func (s *PostgresStore) UpdateContentMirror(ctx context.Context, documentID string, mirror []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents SET content_mirror = $2, updated_at = NOW() WHERE id = $1
	`, documentID, mirror)
	if err != nil {
		return fmt.Errorf("update content mirror: %w", err)
	}
	return nil
}

// GetState reads the raw stored CRDT blob (possibly compressed).
// blob.ErrNotFound semantics are mapped by the caller; here a missing
// row or NULL column is ErrNotFound.
func (s *PostgresStore) GetState(ctx context.Context, documentID string) ([]byte, error) {
	var state []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT crdt_state FROM documents WHERE id = $1
	`, documentID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get state: %w", err)
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

// PutState writes the stored CRDT blob.
func (s *PostgresStore) PutState(ctx context.Context, documentID string, state []byte) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET crdt_state = $2, updated_at = NOW() WHERE id = $1
	`, documentID, state)
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("put state: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
