package hub

import (
	"context"
	"sync"
	"time"

	"coscribe/api/internal/crdt"
	"coscribe/api/internal/persist"
)

// replica is the single in-process instance of a document's shared
// state. It owns the authoritative mergeable tree, the attached
// session set and the debounced write-back schedule. It exists only
// while at least one session references it.
type replica struct {
	hub        *Hub
	documentID string

	// load coordination: ready is closed exactly once, after which
	// doc and loadErr are immutable.
	ready   chan struct{}
	doc     *crdt.Doc
	loadErr error

	mu         sync.Mutex
	cond       *sync.Cond
	refs       int // guarded by hub.mu
	sessions   map[string]*Session
	dirty      bool
	firstDirty time.Time
	timer      *time.Timer
	storing    bool
	pending    bool
	lastEditor persist.Editor
}

func newReplica(h *Hub, documentID string) *replica {
	r := &replica{
		hub:        h,
		documentID: documentID,
		ready:      make(chan struct{}),
		sessions:   make(map[string]*Session),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// load fetches durable state exactly once per replica lifetime. All
// concurrent connectors wait on ready and share the outcome. A
// legacy upgrade marks the replica dirty so the converted state is
// persisted and future loads take the fast path.
func (r *replica) load() {
	ctx, cancel := context.WithTimeout(context.Background(), r.hub.cfg.StoreTimeout)
	defer cancel()

	state, upgraded, err := r.hub.persister.Fetch(ctx, r.documentID)
	if err != nil {
		r.loadErr = err
		r.hub.evict(r)
		close(r.ready)
		return
	}

	doc := crdt.New()
	if state != nil {
		if applyErr := doc.ApplyUpdate(state); applyErr != nil {
			r.loadErr = applyErr
			r.hub.evict(r)
			close(r.ready)
			return
		}
	}
	r.doc = doc
	close(r.ready)

	r.hub.log.Info().Str("document", r.documentID).Bool("upgraded", upgraded).
		Msg("document loaded")
	if upgraded && r.adopted() {
		r.markDirty(persist.Editor{})
	}
}

// adopted reports whether anyone still holds this replica. A load
// whose waiters all gave up must not schedule writes: the replica has
// already left the registry and a later connect may be loading a
// fresh one for the same document.
func (r *replica) adopted() bool {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	return r.refs > 0 && r.hub.replicas[r.documentID] == r
}

func (r *replica) attach(s *Session) {
	r.mu.Lock()
	roster := make([]*Session, 0, len(r.sessions))
	for _, other := range r.sessions {
		roster = append(roster, other)
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()

	join := Frame{Type: FramePresence, Event: "join", UserID: s.Context.UserID, Name: s.Context.Name}
	for _, other := range roster {
		other.enqueueBestEffort(join)
		// Tell the newcomer who is already here.
		s.enqueueBestEffort(Frame{
			Type:   FramePresence,
			Event:  "join",
			UserID: other.Context.UserID,
			Name:   other.Context.Name,
		})
	}
}

func (r *replica) detach(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.ID)
	others := r.peers(s)
	r.mu.Unlock()

	leave := Frame{Type: FramePresence, Event: "leave", UserID: s.Context.UserID, Name: s.Context.Name}
	for _, other := range others {
		other.enqueueBestEffort(leave)
	}
}

// peers snapshots all sessions except s. Callers hold r.mu.
func (r *replica) peers(s *Session) []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for id, other := range r.sessions {
		if id != s.ID {
			out = append(out, other)
		}
	}
	return out
}

// applyUpdate merges an incoming edit into the shared tree,
// rebroadcasts it to the other sessions and schedules a write-back.
func (r *replica) applyUpdate(from *Session, update []byte) error {
	if err := r.doc.ApplyUpdate(update); err != nil {
		return err
	}

	r.mu.Lock()
	others := r.peers(from)
	r.mu.Unlock()

	frame := Frame{Type: FrameUpdate, Update: update}
	for _, other := range others {
		// A session that cannot take a required frame has diverged;
		// dropping it forces a fresh sync on reconnect.
		if !other.enqueueUpdate(frame) {
			other.Close()
		}
	}

	r.markDirty(persist.Editor{UserID: from.Context.UserID, Name: from.Context.Name})
	return nil
}

// relayAwareness forwards ephemeral presence state to the other
// sessions, best-effort.
func (r *replica) relayAwareness(from *Session, frame Frame) {
	r.mu.Lock()
	others := r.peers(from)
	r.mu.Unlock()
	for _, other := range others {
		other.enqueueBestEffort(frame)
	}
}

// markDirty records an unflushed edit and (re)schedules the
// debounced write: the timer resets on every edit but never extends
// past the hard ceiling from the first unflushed edit.
func (r *replica) markDirty(editor persist.Editor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !r.dirty {
		r.dirty = true
		r.firstDirty = now
	}
	if editor.UserID != "" {
		r.lastEditor = editor
	}

	delay := r.hub.cfg.Debounce
	if ceiling := r.hub.cfg.Ceiling - now.Sub(r.firstDirty); ceiling < delay {
		delay = ceiling
	}
	if delay < 0 {
		delay = 0
	}
	if r.timer == nil {
		r.timer = time.AfterFunc(delay, r.flushAsync)
	} else {
		r.timer.Reset(delay)
	}
}

// flushAsync runs on timer expiry.
func (r *replica) flushAsync() {
	r.flush(false)
}

// flushSync is the last-disconnect flush: it waits out any in-flight
// write, then writes remaining dirty state before the replica is
// released.
func (r *replica) flushSync() {
	r.mu.Lock()
	for r.storing {
		r.cond.Wait()
	}
	// Bounded: a persister that keeps failing must not pin the
	// release forever. Unflushed state is abandoned after the retry.
	for attempts := 0; r.dirty && r.doc != nil && attempts < 2; attempts++ {
		r.mu.Unlock()
		r.flush(true)
		r.mu.Lock()
		for r.storing {
			r.cond.Wait()
		}
	}
	if r.dirty {
		r.hub.log.Error().Str("document", r.documentID).Msg("releasing replica with unflushed state")
	}
	r.mu.Unlock()
}

// flush performs at most one write at a time per replica. A flush
// requested while a write is in flight coalesces into the next
// cycle.
func (r *replica) flush(wait bool) {
	r.mu.Lock()
	if r.storing {
		r.pending = true
		r.mu.Unlock()
		return
	}
	if !r.dirty || r.doc == nil {
		r.mu.Unlock()
		return
	}
	r.storing = true
	r.dirty = false
	r.firstDirty = time.Time{}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	editor := r.lastEditor
	r.mu.Unlock()

	state := r.doc.EncodeStateAsUpdate()

	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.hub.cfg.StoreTimeout)
		defer cancel()
		err := r.hub.persister.Store(ctx, r.documentID, state, editor)

		r.mu.Lock()
		r.storing = false
		r.cond.Broadcast()
		rearm := false
		if err != nil {
			// The session keeps operating; the next cycle retries.
			// With nobody attached there is no next cycle.
			r.dirty = true
			r.firstDirty = time.Now()
			rearm = len(r.sessions) > 0
			for _, s := range r.sessions {
				s.enqueueBestEffort(Frame{Type: FrameError, Code: CodeSaveFailed, Message: "document save failed, retrying"})
			}
		}
		if r.pending {
			r.pending = false
			if r.dirty {
				rearm = true
			}
		}
		if rearm && r.timer == nil {
			r.timer = time.AfterFunc(r.hub.cfg.Debounce, r.flushAsync)
		}
		r.mu.Unlock()

		if err != nil {
			r.hub.log.Error().Str("document", r.documentID).Err(err).Msg("document store failed")
		} else {
			r.hub.log.Info().Str("document", r.documentID).Int("bytes", len(state)).
				Msg("document stored")
		}
	}

	if wait {
		run()
	} else {
		go run()
	}
}
