// Package app is the HTTP-facing application layer: it assembles
// live access facts from the record store, issues and revokes
// collaboration tokens, and routes requests.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/rs/zerolog"

	"coscribe/api/internal/access"
	"coscribe/api/internal/store"
	"coscribe/api/internal/token"
)

// Records is the slice of the record store the service reads.
type Records interface {
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	GetMembership(ctx context.Context, workspaceID, userID string) (store.WorkspaceMembership, error)
	GetCollaborator(ctx context.Context, documentID, email string) (store.DocumentCollaborator, error)
	Ping(ctx context.Context) error
}

type Service struct {
	records Records
	tokens  *token.Service
	log     zerolog.Logger
}

func NewService(records Records, tokens *token.Service, log zerolog.Logger) *Service {
	return &Service{records: records, tokens: tokens, log: log}
}

// Facts assembles the current access facts for one identity and
// document. Every caller gets facts read at call time; nothing here
// is cached, so membership or grant changes take effect on the next
// decision. A store.ErrNotFound from the document lookup passes
// through untouched.
func (s *Service) Facts(ctx context.Context, documentID string, identity token.Identity) (access.Facts, error) {
	doc, err := s.records.GetDocument(ctx, documentID)
	if err != nil {
		return access.Facts{}, err
	}

	facts := access.Facts{
		DocumentOwnerID: doc.OwnerID,
		IsPublished:     doc.IsPublished,
		Deleted:         doc.DeletedAt != nil,
		UserID:          identity.UserID,
	}

	if doc.WorkspaceID != nil {
		facts.WorkspaceID = *doc.WorkspaceID
		workspace, err := s.records.GetWorkspace(ctx, *doc.WorkspaceID)
		switch {
		case err == nil:
			facts.WorkspaceOwnerID = workspace.OwnerID
		case !errors.Is(err, store.ErrNotFound):
			return access.Facts{}, fmt.Errorf("load workspace: %w", err)
		}

		if identity.UserID != "" {
			membership, err := s.records.GetMembership(ctx, *doc.WorkspaceID, identity.UserID)
			switch {
			case err == nil:
				facts.MemberRole = access.Role(membership.Role)
				facts.MemberPermission = access.Permission(membership.Permission)
			case !errors.Is(err, store.ErrNotFound):
				return access.Facts{}, fmt.Errorf("load membership: %w", err)
			}
		}
	}

	if identity.Email != "" {
		grant, err := s.records.GetCollaborator(ctx, documentID, identity.Email)
		switch {
		case err == nil:
			if !grantExpired(grant) {
				facts.GrantStatus = access.GrantStatus(grant.Status)
				facts.GrantPermission = access.Permission(grant.Permission)
			}
		case !errors.Is(err, store.ErrNotFound):
			return access.Facts{}, fmt.Errorf("load collaborator: %w", err)
		}
	}

	return facts, nil
}

// grantExpired reports whether a pending invitation has lapsed.
// Accepted grants never expire.
func grantExpired(grant store.DocumentCollaborator) bool {
	if grant.Status != string(access.GrantPending) {
		return false
	}
	return grant.ExpiresAt != nil && grant.ExpiresAt.Before(time.Now())
}

// TokenRequest asks for a collaboration token. The caller vouches
// for the identity fields; an empty UserID is an anonymous request
// and only succeeds for published documents.
type TokenRequest struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Email      string `json:"email"`
	Name       string `json:"name"`
}

func (r TokenRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DocumentID, validation.Required),
		validation.Field(&r.Email, is.Email),
		validation.Field(&r.Name, validation.Length(0, 200)),
	)
}

// TokenGrant is an issued collaboration token plus the decided level
// it embeds.
type TokenGrant struct {
	Token       string       `json:"token"`
	AccessLevel access.Level `json:"accessLevel"`
	ExpiresAt   time.Time    `json:"expiresAt"`
}

// IssueToken decides the requester's access level and, if it is at
// least view, mints a token carrying it.
func (s *Service) IssueToken(ctx context.Context, req TokenRequest) (TokenGrant, error) {
	if err := req.Validate(); err != nil {
		return TokenGrant{}, domainError(http.StatusBadRequest, "VALIDATION", "Invalid request", err)
	}

	identity := token.Identity{UserID: req.UserID, Email: req.Email, Name: req.Name}
	facts, err := s.Facts(ctx, req.DocumentID, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return TokenGrant{}, domainError(http.StatusNotFound, "DOCUMENT_NOT_FOUND", "Document not found", nil)
		}
		return TokenGrant{}, err
	}

	level := access.Decide(facts)
	if !access.CanRead(level) {
		s.log.Debug().Str("document", req.DocumentID).Str("user", req.UserID).
			Msg("token request denied")
		return TokenGrant{}, domainError(http.StatusForbidden, "FORBIDDEN", "No access to this document", nil)
	}

	signed, err := s.tokens.Issue(identity, req.DocumentID, level)
	if err != nil {
		return TokenGrant{}, fmt.Errorf("issue token: %w", err)
	}

	s.log.Info().Str("document", req.DocumentID).Str("user", req.UserID).
		Str("access", string(level)).Msg("collaboration token issued")
	return TokenGrant{
		Token:       signed,
		AccessLevel: level,
		ExpiresAt:   time.Now().Add(s.tokens.TTL()),
	}, nil
}

// RevokeToken invalidates a still-valid token ahead of its expiry.
func (s *Service) RevokeToken(ctx context.Context, raw string) error {
	if err := s.tokens.Revoke(ctx, raw); err != nil {
		if errors.Is(err, token.ErrInvalidToken) {
			return domainError(http.StatusUnauthorized, "INVALID_TOKEN", "Token is invalid or expired", nil)
		}
		return err
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.records.Ping(ctx)
}
