package store

import "time"

type Document struct {
	ID               string
	OwnerID          string
	WorkspaceID      *string
	IsPublished      bool
	DeletedAt        *time.Time
	Content          []byte // legacy plain-structure content, nil once CRDT state exists
	ContentMirror    []byte // denormalized read mirror, best-effort
	LastEditedBy     string
	LastEditedByName string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Workspace struct {
	ID        string
	OwnerID   string
	Name      string
	CreatedAt time.Time
}

type WorkspaceMembership struct {
	WorkspaceID string
	UserID      string
	Role        string // owner, admin, member
	Permission  string // edit, view
	CreatedAt   time.Time
}

// DocumentCollaborator is the per-document invitation grant. The
// collaboration core consumes permission/status only; the invitation
// workflow (token, expiry, acceptance) is owned elsewhere.
type DocumentCollaborator struct {
	DocumentID string
	Email      string
	Permission string // edit, view
	Status     string // pending, accepted, rejected
	Token      string
	ExpiresAt  *time.Time
	AcceptedAt *time.Time
}
