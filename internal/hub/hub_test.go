package hub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"coscribe/api/internal/access"
	"coscribe/api/internal/crdt"
	"coscribe/api/internal/persist"
	"coscribe/api/internal/store"
	"coscribe/api/internal/token"
)

type fakeVerifier struct {
	tokens map[string]struct {
		identity token.Identity
		claims   token.Claims
	}
}

func (f *fakeVerifier) Verify(_ context.Context, raw string) (token.Identity, token.Claims, error) {
	entry, ok := f.tokens[raw]
	if !ok {
		return token.Identity{}, token.Claims{}, token.ErrInvalidToken
	}
	return entry.identity, entry.claims, nil
}

type factsFunc func(ctx context.Context, documentID string, identity token.Identity) (access.Facts, error)

func (f factsFunc) Facts(ctx context.Context, documentID string, identity token.Identity) (access.Facts, error) {
	return f(ctx, documentID, identity)
}

type fakePersister struct {
	mu            sync.Mutex
	fetchDelay    time.Duration
	fetchState    []byte
	fetchUpgraded bool
	fetches       int
	stores        int
	state         []byte
	editor        persist.Editor
	storeErr      error
}

func (f *fakePersister) Fetch(_ context.Context, _ string) ([]byte, bool, error) {
	f.mu.Lock()
	f.fetches++
	delay := f.fetchDelay
	state := f.fetchState
	upgraded := f.fetchUpgraded
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return state, upgraded, nil
}

func (f *fakePersister) Store(_ context.Context, _ string, state []byte, editor persist.Editor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.stores++
	f.state = state
	f.editor = editor
	return nil
}

func (f *fakePersister) snapshot() (int, int, []byte, persist.Editor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.stores, f.state, f.editor
}

func newTestHub(cfg Config, persister Persister) *Hub {
	verifier := &fakeVerifier{tokens: map[string]struct {
		identity token.Identity
		claims   token.Claims
	}{
		"tok-owner": {
			identity: token.Identity{UserID: "u1", Email: "owner@example.com", Name: "Olive"},
			claims:   token.Claims{DocumentID: "doc1"},
		},
		"tok-viewer": {
			identity: token.Identity{UserID: "u2", Email: "viewer@example.com", Name: "Vera"},
			claims:   token.Claims{DocumentID: "doc1"},
		},
		"tok-member": {
			identity: token.Identity{UserID: "u3", Email: "member@example.com", Name: "Mira"},
			claims:   token.Claims{DocumentID: "doc1"},
		},
		"tok-other-doc": {
			identity: token.Identity{UserID: "u1"},
			claims:   token.Claims{DocumentID: "doc2"},
		},
	}}
	return New(cfg, verifier, testFacts(), persister, zerolog.Nop())
}

func testFacts() factsFunc {
	return func(_ context.Context, documentID string, identity token.Identity) (access.Facts, error) {
		if documentID == "missing" {
			return access.Facts{}, store.ErrNotFound
		}
		f := access.Facts{
			DocumentOwnerID: "u1",
			IsPublished:     documentID == "doc1",
			UserID:          identity.UserID,
		}
		if identity.UserID == "u3" {
			f.WorkspaceID = "ws1"
			f.MemberRole = access.RoleMember
			f.MemberPermission = access.PermissionEdit
		}
		return f, nil
	}
}

func awaitFrame(t *testing.T, s *Session, frameType string) Frame {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame, ok := <-s.Out():
			if !ok {
				t.Fatalf("session closed while waiting for %q frame", frameType)
			}
			if frame.Type == frameType {
				return frame
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame", frameType)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func clientUpdate(t *testing.T, actor, text string) []byte {
	t.Helper()
	d := crdt.NewWithActor(actor)
	id, err := d.InsertNode(crdt.RootID, 0, "paragraph")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := d.SetText(id, text); err != nil {
		t.Fatalf("set text: %v", err)
	}
	return d.EncodeStateAsUpdate()
}

func plainText(t *testing.T, state []byte) string {
	t.Helper()
	d, err := crdt.FromUpdate(state)
	if err != nil {
		t.Fatalf("decode state: %v", err)
	}
	return d.Tree().PlainText()
}

func TestConnectRejections(t *testing.T) {
	h := newTestHub(Config{}, &fakePersister{})

	tests := []struct {
		name       string
		documentID string
		token      string
		want       error
	}{
		{"unknown token", "doc1", "tok-bogus", token.ErrInvalidToken},
		{"token for another document", "doc1", "tok-other-doc", token.ErrInvalidToken},
		{"unknown document", "missing", "tok-bogus", token.ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Connect(context.Background(), tt.documentID, tt.token)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Connect() error = %v, want %v", err, tt.want)
			}
		})
	}

	if h.ResidentReplicas() != 0 {
		t.Fatalf("rejected connections left %d replicas resident", h.ResidentReplicas())
	}
}

func TestAnonymousTokenConnectsToPublishedDocument(t *testing.T) {
	tokens, err := token.NewService("test-secret", time.Hour, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("token.NewService: %v", err)
	}
	h := New(Config{}, tokens, testFacts(), &fakePersister{}, zerolog.Nop())

	raw, err := tokens.Issue(token.Identity{}, "doc1", access.LevelView)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	sess, err := h.Connect(context.Background(), "doc1", raw)
	if err != nil {
		t.Fatalf("Connect() with anonymous token: %v", err)
	}
	if sess.Context.UserID != "" {
		t.Fatalf("anonymous session carries user %q", sess.Context.UserID)
	}
	if sess.Context.Access != access.LevelView {
		t.Fatalf("anonymous access = %q, want view", sess.Context.Access)
	}
	sess.Close()

	// The same anonymous token is scoped to its document only.
	if _, err := h.Connect(context.Background(), "doc2", raw); !errors.Is(err, token.ErrInvalidToken) {
		t.Fatalf("cross-document connect = %v, want ErrInvalidToken", err)
	}
}

func TestConnectUnknownDocumentDeniesAccess(t *testing.T) {
	h := newTestHub(Config{}, &fakePersister{})
	verifier := h.tokens.(*fakeVerifier)
	verifier.tokens["tok-missing"] = struct {
		identity token.Identity
		claims   token.Claims
	}{
		identity: token.Identity{UserID: "u1"},
		claims:   token.Claims{DocumentID: "missing"},
	}

	_, err := h.Connect(context.Background(), "missing", "tok-missing")
	if !errors.Is(err, ErrNoAccess) {
		t.Fatalf("Connect() error = %v, want ErrNoAccess", err)
	}
}

func TestConcurrentConnectsShareOneLoad(t *testing.T) {
	persister := &fakePersister{fetchDelay: 50 * time.Millisecond}
	h := newTestHub(Config{}, persister)

	var wg sync.WaitGroup
	sessions := make([]*Session, 2)
	errs := make([]error, 2)
	for i, tok := range []string{"tok-owner", "tok-viewer"} {
		wg.Add(1)
		go func(i int, tok string) {
			defer wg.Done()
			sessions[i], errs[i] = h.Connect(context.Background(), "doc1", tok)
		}(i, tok)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Connect() %d: %v", i, err)
		}
	}
	fetches, _, _, _ := persister.snapshot()
	if fetches != 1 {
		t.Fatalf("concurrent connects performed %d fetches, want 1", fetches)
	}
	if h.ResidentReplicas() != 1 {
		t.Fatalf("ResidentReplicas() = %d, want 1", h.ResidentReplicas())
	}

	for _, s := range sessions {
		s.Close()
	}
	if h.ResidentReplicas() != 0 {
		t.Fatalf("ResidentReplicas() = %d after close, want 0", h.ResidentReplicas())
	}
}

func TestAbandonedLoadDoesNotScheduleWrites(t *testing.T) {
	persister := &fakePersister{fetchDelay: 50 * time.Millisecond, fetchUpgraded: true}
	h := newTestHub(Config{Debounce: 10 * time.Millisecond, Ceiling: 50 * time.Millisecond}, persister)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Connect(ctx, "doc1", "tok-owner"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Connect() = %v, want context.DeadlineExceeded", err)
	}
	if h.ResidentReplicas() != 0 {
		t.Fatalf("ResidentReplicas() = %d after abandoned connect, want 0", h.ResidentReplicas())
	}

	// Let the in-flight load finish; the upgraded state must not be
	// written back by a replica nobody holds.
	time.Sleep(150 * time.Millisecond)
	_, stores, _, _ := persister.snapshot()
	if stores != 0 {
		t.Fatalf("orphaned replica performed %d stores, want 0", stores)
	}

	// A fresh connect starts over with its own load.
	sess, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect() retry: %v", err)
	}
	fetches, _, _, _ := persister.snapshot()
	if fetches != 2 {
		t.Fatalf("fetches = %d, want 2", fetches)
	}
	sess.Close()
}

func TestSyncRepliesWithServerDiff(t *testing.T) {
	seed := crdt.NewWithActor("server")
	id, err := seed.InsertNode(crdt.RootID, 0, "paragraph")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := seed.SetText(id, "seed"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	persister := &fakePersister{fetchState: seed.EncodeStateAsUpdate()}
	h := newTestHub(Config{}, persister)

	sess, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	defer sess.Close()

	sess.Handle(Frame{Type: FrameSync})
	reply := awaitFrame(t, sess, FrameSync)
	if len(reply.StateVector) == 0 {
		t.Fatal("sync reply missing state vector")
	}
	if got := plainText(t, reply.Update); !strings.Contains(got, "seed") {
		t.Fatalf("sync diff text = %q, want it to contain %q", got, "seed")
	}
}

func TestEditBroadcastsAndPersists(t *testing.T) {
	persister := &fakePersister{}
	h := newTestHub(Config{Debounce: 20 * time.Millisecond, Ceiling: 100 * time.Millisecond}, persister)

	owner, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(owner): %v", err)
	}
	member, err := h.Connect(context.Background(), "doc1", "tok-member")
	if err != nil {
		t.Fatalf("Connect(member): %v", err)
	}
	if member.Context.Access != access.LevelEdit {
		t.Fatalf("member access = %q, want edit", member.Context.Access)
	}

	owner.Handle(Frame{Type: FrameUpdate, Update: clientUpdate(t, "client-a", "hello from A")})

	relayed := awaitFrame(t, member, FrameUpdate)
	if got := plainText(t, relayed.Update); !strings.Contains(got, "hello from A") {
		t.Fatalf("relayed update text = %q, want it to contain %q", got, "hello from A")
	}

	member.Handle(Frame{Type: FrameUpdate, Update: clientUpdate(t, "client-b", "reply from B")})
	awaitFrame(t, owner, FrameUpdate)

	waitFor(t, "debounced store with both edits", func() bool {
		_, stores, state, _ := persister.snapshot()
		if stores == 0 {
			return false
		}
		text := plainText(t, state)
		return strings.Contains(text, "hello from A") && strings.Contains(text, "reply from B")
	})
	_, _, _, editor := persister.snapshot()
	if editor.UserID != "u3" {
		t.Fatalf("stored editor = %q, want the last writer u3", editor.UserID)
	}

	owner.Close()
	member.Close()
}

func TestLastDisconnectFlushes(t *testing.T) {
	persister := &fakePersister{}
	// A long debounce so only the release can have written.
	h := newTestHub(Config{Debounce: time.Hour, Ceiling: 2 * time.Hour}, persister)

	sess, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	sess.Handle(Frame{Type: FrameUpdate, Update: clientUpdate(t, "client-a", "flushed on exit")})
	sess.Close()

	_, stores, state, _ := persister.snapshot()
	if stores != 1 {
		t.Fatalf("stores = %d after last disconnect, want 1", stores)
	}
	if got := plainText(t, state); !strings.Contains(got, "flushed on exit") {
		t.Fatalf("flushed state text = %q, want it to contain %q", got, "flushed on exit")
	}
	if h.ResidentReplicas() != 0 {
		t.Fatalf("ResidentReplicas() = %d after close, want 0", h.ResidentReplicas())
	}
}

func TestReadOnlySessionCannotWrite(t *testing.T) {
	persister := &fakePersister{}
	h := newTestHub(Config{Debounce: time.Hour, Ceiling: 2 * time.Hour}, persister)

	owner, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(owner): %v", err)
	}
	viewer, err := h.Connect(context.Background(), "doc1", "tok-viewer")
	if err != nil {
		t.Fatalf("Connect(viewer): %v", err)
	}
	if viewer.Context.Access != access.LevelView {
		t.Fatalf("viewer access = %q, want view", viewer.Context.Access)
	}

	viewer.Handle(Frame{Type: FrameUpdate, Update: clientUpdate(t, "client-b", "smuggled")})
	warning := awaitFrame(t, viewer, FrameError)
	if warning.Code != CodeReadOnly {
		t.Fatalf("warning code = %q, want %q", warning.Code, CodeReadOnly)
	}
	if viewer.State() == StateClosed {
		t.Fatal("read-only rejection must not close the session")
	}

	// The connection stays useful: awareness still relays.
	viewer.Handle(Frame{Type: FrameAwareness, Awareness: []byte(`{"cursor":3}`)})
	aware := awaitFrame(t, owner, FrameAwareness)
	if aware.UserID != "u2" {
		t.Fatalf("awareness relayed from %q, want u2", aware.UserID)
	}

	owner.Close()
	viewer.Close()
	_, stores, _, _ := persister.snapshot()
	if stores != 0 {
		t.Fatalf("stores = %d, want 0: read-only edits must not dirty the document", stores)
	}
}

func TestSlowSessionIsDropped(t *testing.T) {
	persister := &fakePersister{}
	h := newTestHub(Config{Debounce: time.Hour, Ceiling: 2 * time.Hour, SendBuffer: 1}, persister)

	owner, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(owner): %v", err)
	}
	member, err := h.Connect(context.Background(), "doc1", "tok-member")
	if err != nil {
		t.Fatalf("Connect(member): %v", err)
	}

	// Nobody drains the member's queue; required updates cannot be
	// delivered and the session must go, not silently diverge.
	for i := 0; i < 3; i++ {
		owner.Handle(Frame{Type: FrameUpdate, Update: clientUpdate(t, "client-a", "burst")})
	}

	waitFor(t, "slow session to close", func() bool {
		return member.State() == StateClosed
	})
	if owner.State() == StateClosed {
		t.Fatal("healthy session was closed along with the slow one")
	}

	owner.Close()
	if h.ResidentReplicas() != 0 {
		t.Fatalf("ResidentReplicas() = %d after close, want 0", h.ResidentReplicas())
	}
}

func TestMalformedUpdateRejected(t *testing.T) {
	h := newTestHub(Config{Debounce: time.Hour, Ceiling: 2 * time.Hour}, &fakePersister{})

	sess, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(): %v", err)
	}
	defer sess.Close()

	sess.Handle(Frame{Type: FrameUpdate, Update: []byte{0xff, 0x00, 0x01}})
	warning := awaitFrame(t, sess, FrameError)
	if warning.Code != CodeBadUpdate {
		t.Fatalf("warning code = %q, want %q", warning.Code, CodeBadUpdate)
	}
}

func TestPresenceJoinAndLeave(t *testing.T) {
	h := newTestHub(Config{Debounce: time.Hour, Ceiling: 2 * time.Hour}, &fakePersister{})

	owner, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(owner): %v", err)
	}
	viewer, err := h.Connect(context.Background(), "doc1", "tok-viewer")
	if err != nil {
		t.Fatalf("Connect(viewer): %v", err)
	}

	join := awaitFrame(t, owner, FramePresence)
	if join.Event != "join" || join.UserID != "u2" {
		t.Fatalf("owner saw presence %q/%q, want join/u2", join.Event, join.UserID)
	}
	roster := awaitFrame(t, viewer, FramePresence)
	if roster.Event != "join" || roster.UserID != "u1" {
		t.Fatalf("viewer saw presence %q/%q, want join/u1", roster.Event, roster.UserID)
	}

	viewer.Close()
	leave := awaitFrame(t, owner, FramePresence)
	if leave.Event != "leave" || leave.UserID != "u2" {
		t.Fatalf("owner saw presence %q/%q, want leave/u2", leave.Event, leave.UserID)
	}
	owner.Close()
}

func TestSaveFailureWarnsSessions(t *testing.T) {
	persister := &fakePersister{storeErr: errors.New("disk full")}
	h := newTestHub(Config{Debounce: 10 * time.Millisecond, Ceiling: 50 * time.Millisecond}, persister)

	sess, err := h.Connect(context.Background(), "doc1", "tok-owner")
	if err != nil {
		t.Fatalf("Connect(): %v", err)
	}

	sess.Handle(Frame{Type: FrameUpdate, Update: clientUpdate(t, "client-a", "doomed")})
	warning := awaitFrame(t, sess, FrameError)
	if warning.Code != CodeSaveFailed {
		t.Fatalf("warning code = %q, want %q", warning.Code, CodeSaveFailed)
	}
	if sess.State() == StateClosed {
		t.Fatal("save failure must not close the session")
	}

	// The store recovers; the retry cycle or final flush gets the
	// edit down.
	persister.mu.Lock()
	persister.storeErr = nil
	persister.mu.Unlock()
	sess.Close()

	_, stores, state, _ := persister.snapshot()
	if stores < 1 {
		t.Fatal("recovered store never received the document")
	}
	if got := plainText(t, state); !strings.Contains(got, "doomed") {
		t.Fatalf("recovered state text = %q, want it to contain %q", got, "doomed")
	}
}
