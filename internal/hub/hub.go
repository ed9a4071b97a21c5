// Package hub orchestrates collaboration sessions: per-connection
// authentication, the shared in-memory replica per document,
// presence relay and debounced write-back to the persistence
// adapter.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"coscribe/api/internal/access"
	"coscribe/api/internal/persist"
	"coscribe/api/internal/store"
	"coscribe/api/internal/token"
)

// ErrNoAccess rejects a connection whose live access resolves to
// none.
var ErrNoAccess = errors.New("hub: no access")

// SessionContext is the immutable identity and grant a session
// carries after authorization.
type SessionContext struct {
	UserID     string
	Name       string
	Email      string
	Access     access.Level
	DocumentID string
}

// Verifier checks a collaboration token. *token.Service implements
// it.
type Verifier interface {
	Verify(ctx context.Context, raw string) (token.Identity, token.Claims, error)
}

// FactsSource assembles live access facts for a document and
// identity. Implemented by the app service over the record store.
type FactsSource interface {
	Facts(ctx context.Context, documentID string, identity token.Identity) (access.Facts, error)
}

// Persister loads and stores durable CRDT state. *persist.Adapter
// implements it.
type Persister interface {
	Fetch(ctx context.Context, documentID string) (state []byte, upgraded bool, err error)
	Store(ctx context.Context, documentID string, state []byte, editor persist.Editor) error
}

// Config bounds the hub's timing behavior.
type Config struct {
	// Debounce is the quiet period after an edit before a write-back.
	Debounce time.Duration
	// Ceiling forces a write-back this long after the first unflushed
	// edit, even under continuous editing.
	Ceiling time.Duration
	// AuthTimeout bounds token verification plus fact loading at
	// connect time.
	AuthTimeout time.Duration
	// StoreTimeout bounds a single persistence write.
	StoreTimeout time.Duration
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.Ceiling <= 0 {
		c.Ceiling = 10 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 30 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	return c
}

type Hub struct {
	cfg       Config
	tokens    Verifier
	facts     FactsSource
	persister Persister
	log       zerolog.Logger

	mu       sync.Mutex
	replicas map[string]*replica
}

func New(cfg Config, tokens Verifier, facts FactsSource, persister Persister, log zerolog.Logger) *Hub {
	return &Hub{
		cfg:       cfg.withDefaults(),
		tokens:    tokens,
		facts:     facts,
		persister: persister,
		log:       log,
		replicas:  make(map[string]*replica),
	}
}

// Connect runs the connection lifecycle up to Authorized: token
// verification, a live access decision, and binding to the shared
// replica (loading it if needed). The returned session is ready for
// the sync exchange. Rejections surface as token.ErrInvalidToken or
// ErrNoAccess.
func (h *Hub) Connect(ctx context.Context, documentID, rawToken string) (*Session, error) {
	authCtx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	defer cancel()

	identity, claims, err := h.tokens.Verify(authCtx, rawToken)
	if err != nil {
		return nil, err
	}
	// A token minted for another document does not authenticate this
	// one.
	if claims.DocumentID != documentID {
		h.log.Debug().Str("document", documentID).Str("tokenDocument", claims.DocumentID).
			Msg("token document mismatch")
		return nil, token.ErrInvalidToken
	}

	// The embedded access level is only a hint; decide from live
	// facts.
	facts, err := h.facts.Facts(authCtx, documentID, identity)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.log.Debug().Str("document", documentID).Msg("connect to unknown document")
			return nil, ErrNoAccess
		}
		return nil, fmt.Errorf("load access facts: %w", err)
	}
	level := access.Decide(facts)
	if !access.CanRead(level) {
		return nil, ErrNoAccess
	}

	sctx := SessionContext{
		UserID:     identity.UserID,
		Name:       identity.Name,
		Email:      identity.Email,
		Access:     level,
		DocumentID: documentID,
	}

	r, err := h.acquire(ctx, documentID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:      uuid.NewString(),
		Context: sctx,
		replica: r,
		out:     make(chan Frame, h.cfg.SendBuffer),
		log: h.log.With().Str("document", documentID).
			Str("user", sctx.UserID).Logger(),
	}
	sess.setState(StateAuthorized)
	r.attach(sess)

	h.log.Info().Str("document", documentID).Str("user", sctx.UserID).
		Str("access", string(level)).Msg("session authorized")
	return sess, nil
}

// acquire binds to the document's replica, creating and loading it
// if absent. Concurrent acquisitions of an unloaded document share a
// single fetch; a caller whose context ends mid-load detaches
// without observing partial state.
func (h *Hub) acquire(ctx context.Context, documentID string) (*replica, error) {
	h.mu.Lock()
	r, ok := h.replicas[documentID]
	if !ok {
		r = newReplica(h, documentID)
		h.replicas[documentID] = r
		go r.load()
	}
	r.refs++
	h.mu.Unlock()

	select {
	case <-r.ready:
	case <-ctx.Done():
		h.release(r)
		return nil, ctx.Err()
	}
	if r.loadErr != nil {
		h.release(r)
		return nil, r.loadErr
	}
	return r, nil
}

// release drops one reference. The last reference flushes pending
// writes synchronously before the replica leaves the registry; a
// connection arriving during that flush re-adopts the replica
// instead of racing a fresh load against the in-flight write.
func (h *Hub) release(r *replica) {
	h.mu.Lock()
	r.refs--
	if r.refs > 0 {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	r.flushSync()

	h.mu.Lock()
	if r.refs == 0 && h.replicas[r.documentID] == r {
		delete(h.replicas, r.documentID)
		h.log.Info().Str("document", r.documentID).Msg("replica released")
	}
	h.mu.Unlock()
}

// evict removes a replica whose load failed so the next connect
// retries from scratch.
func (h *Hub) evict(r *replica) {
	h.mu.Lock()
	if h.replicas[r.documentID] == r {
		delete(h.replicas, r.documentID)
	}
	h.mu.Unlock()
}

// ResidentReplicas reports how many documents are currently loaded.
func (h *Hub) ResidentReplicas() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.replicas)
}
