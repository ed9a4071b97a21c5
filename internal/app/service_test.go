package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coscribe/api/internal/access"
	"coscribe/api/internal/store"
	"coscribe/api/internal/token"
)

type fakeRecords struct {
	documents     map[string]store.Document
	workspaces    map[string]store.Workspace
	memberships   map[string]store.WorkspaceMembership // workspaceID + "/" + userID
	collaborators map[string]store.DocumentCollaborator
	pingErr       error
}

func (f *fakeRecords) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	doc, ok := f.documents[documentID]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return doc, nil
}

func (f *fakeRecords) GetWorkspace(_ context.Context, workspaceID string) (store.Workspace, error) {
	workspace, ok := f.workspaces[workspaceID]
	if !ok {
		return store.Workspace{}, store.ErrNotFound
	}
	return workspace, nil
}

func (f *fakeRecords) GetMembership(_ context.Context, workspaceID, userID string) (store.WorkspaceMembership, error) {
	membership, ok := f.memberships[workspaceID+"/"+userID]
	if !ok {
		return store.WorkspaceMembership{}, store.ErrNotFound
	}
	return membership, nil
}

func (f *fakeRecords) GetCollaborator(_ context.Context, documentID, email string) (store.DocumentCollaborator, error) {
	grant, ok := f.collaborators[documentID+"/"+email]
	if !ok {
		return store.DocumentCollaborator{}, store.ErrNotFound
	}
	return grant, nil
}

func (f *fakeRecords) Ping(_ context.Context) error {
	return f.pingErr
}

func strptr(s string) *string { return &s }

func timeptr(t time.Time) *time.Time { return &t }

func testRecords() *fakeRecords {
	return &fakeRecords{
		documents: map[string]store.Document{
			"doc-personal": {ID: "doc-personal", OwnerID: "u-owner"},
			"doc-team":     {ID: "doc-team", OwnerID: "u-owner", WorkspaceID: strptr("ws1")},
			"doc-public":   {ID: "doc-public", OwnerID: "u-owner", IsPublished: true},
		},
		workspaces: map[string]store.Workspace{
			"ws1": {ID: "ws1", OwnerID: "u-wsowner"},
		},
		memberships: map[string]store.WorkspaceMembership{
			"ws1/u-member": {WorkspaceID: "ws1", UserID: "u-member", Role: "member", Permission: "edit"},
		},
		collaborators: map[string]store.DocumentCollaborator{
			"doc-personal/guest@example.com": {
				DocumentID: "doc-personal",
				Email:      "guest@example.com",
				Permission: "edit",
				Status:     "accepted",
			},
			"doc-personal/invited@example.com": {
				DocumentID: "doc-personal",
				Email:      "invited@example.com",
				Permission: "edit",
				Status:     "pending",
				ExpiresAt:  timeptr(time.Now().Add(-time.Hour)),
			},
		},
	}
}

func newTestService(t *testing.T) (*Service, *fakeRecords) {
	t.Helper()
	tokens, err := token.NewService("test-secret", time.Hour, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	records := testRecords()
	return NewService(records, tokens, zerolog.Nop()), records
}

func TestFactsAssembly(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		documentID string
		identity   token.Identity
		want       access.Level
	}{
		{"document owner", "doc-personal", token.Identity{UserID: "u-owner"}, access.LevelOwner},
		{"workspace owner", "doc-team", token.Identity{UserID: "u-wsowner"}, access.LevelOwner},
		{"workspace member default", "doc-team", token.Identity{UserID: "u-member"}, access.LevelEdit},
		{"stranger on private doc", "doc-personal", token.Identity{UserID: "u-stranger"}, access.LevelNone},
		{"anonymous on published doc", "doc-public", token.Identity{}, access.LevelView},
		{"accepted grant", "doc-personal", token.Identity{UserID: "u-guest", Email: "guest@example.com"}, access.LevelEdit},
		{"expired pending invitation", "doc-personal", token.Identity{UserID: "u-inv", Email: "invited@example.com"}, access.LevelNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			facts, err := service.Facts(ctx, tt.documentID, tt.identity)
			if err != nil {
				t.Fatalf("Facts(): %v", err)
			}
			if got := access.Decide(facts); got != tt.want {
				t.Fatalf("Decide() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFactsUnknownDocument(t *testing.T) {
	service, _ := newTestService(t)
	_, err := service.Facts(context.Background(), "nope", token.Identity{UserID: "u-owner"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Facts() error = %v, want store.ErrNotFound", err)
	}
}

func TestFactsGrantMatchIsCaseHandledByStore(t *testing.T) {
	// The store matches collaborator emails case-insensitively; the
	// service passes the email through untouched.
	service, records := newTestService(t)
	records.collaborators["doc-personal/Guest@Example.com"] = store.DocumentCollaborator{
		DocumentID: "doc-personal", Email: "Guest@Example.com", Permission: "view", Status: "accepted",
	}
	facts, err := service.Facts(context.Background(), "doc-personal", token.Identity{UserID: "u-x", Email: "Guest@Example.com"})
	if err != nil {
		t.Fatalf("Facts(): %v", err)
	}
	if facts.GrantStatus != access.GrantAccepted {
		t.Fatalf("GrantStatus = %q, want accepted", facts.GrantStatus)
	}
}

func TestIssueToken(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	grant, err := service.IssueToken(ctx, TokenRequest{DocumentID: "doc-personal", UserID: "u-owner", Name: "Olive"})
	if err != nil {
		t.Fatalf("IssueToken(): %v", err)
	}
	if grant.AccessLevel != access.LevelOwner {
		t.Fatalf("AccessLevel = %q, want owner", grant.AccessLevel)
	}
	if grant.Token == "" {
		t.Fatal("empty token")
	}
	if !grant.ExpiresAt.After(time.Now()) {
		t.Fatal("token already expired at issue")
	}
}

func TestIssueTokenAnonymousForPublishedDocument(t *testing.T) {
	service, _ := newTestService(t)

	grant, err := service.IssueToken(context.Background(), TokenRequest{DocumentID: "doc-public"})
	if err != nil {
		t.Fatalf("IssueToken(): %v", err)
	}
	if grant.AccessLevel != access.LevelView {
		t.Fatalf("AccessLevel = %q, want view", grant.AccessLevel)
	}

	// The minted anonymous token must verify, or it would be dead on
	// arrival at the websocket handshake.
	_, claims, err := service.tokens.Verify(context.Background(), grant.Token)
	if err != nil {
		t.Fatalf("Verify() of anonymous token: %v", err)
	}
	if claims.Subject != "" || claims.DocumentID != "doc-public" {
		t.Fatalf("claims = %q/%q, want empty subject scoped to doc-public", claims.Subject, claims.DocumentID)
	}
}

func TestIssueTokenDenied(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  TokenRequest
		code string
	}{
		{"no access", TokenRequest{DocumentID: "doc-personal", UserID: "u-stranger"}, "FORBIDDEN"},
		{"anonymous private", TokenRequest{DocumentID: "doc-personal"}, "FORBIDDEN"},
		{"unknown document", TokenRequest{DocumentID: "nope", UserID: "u-owner"}, "DOCUMENT_NOT_FOUND"},
		{"missing document id", TokenRequest{UserID: "u-owner"}, "VALIDATION"},
		{"bad email", TokenRequest{DocumentID: "doc-personal", UserID: "u1", Email: "not-an-email"}, "VALIDATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.IssueToken(ctx, tt.req)
			var derr *DomainError
			if !errors.As(err, &derr) {
				t.Fatalf("IssueToken() error = %v, want DomainError", err)
			}
			if derr.Code != tt.code {
				t.Fatalf("code = %q, want %q", derr.Code, tt.code)
			}
		})
	}
}

func TestIssueTokenDeletedDocumentDeniedForOwner(t *testing.T) {
	service, records := newTestService(t)
	doc := records.documents["doc-personal"]
	doc.DeletedAt = timeptr(time.Now())
	records.documents["doc-personal"] = doc

	_, err := service.IssueToken(context.Background(), TokenRequest{DocumentID: "doc-personal", UserID: "u-owner"})
	var derr *DomainError
	if !errors.As(err, &derr) || derr.Status != 403 {
		t.Fatalf("IssueToken() on deleted doc = %v, want 403 DomainError", err)
	}
}
