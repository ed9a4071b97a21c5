package hub

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"coscribe/api/internal/access"
)

// Session is one authorized connection to a document. Frames arrive
// through Handle in receipt order; outbound frames are consumed from
// Out by the transport. The session context is fixed at
// authorization and never changes for the connection's lifetime.
type Session struct {
	ID      string
	Context SessionContext

	replica *replica
	out     chan Frame
	state   atomic.Int32
	log     zerolog.Logger

	// outMu serializes sends against Close: a broadcast from another
	// session must never hit a closed channel.
	outMu     sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// Out is the outbound frame queue the transport drains. It is closed
// when the session closes.
func (s *Session) Out() <-chan Frame {
	return s.out
}

// State reports the connection's lifecycle position.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Handle processes one inbound frame. Unknown frame types are
// ignored so protocol additions stay backward compatible.
func (s *Session) Handle(frame Frame) {
	switch frame.Type {
	case FrameSync:
		s.handleSync(frame)
	case FrameSynced:
		s.setState(StateSynced)
	case FrameUpdate:
		s.handleUpdate(frame)
	case FrameAwareness:
		s.replica.relayAwareness(s, Frame{
			Type:      FrameAwareness,
			Awareness: frame.Awareness,
			UserID:    s.Context.UserID,
		})
	default:
		s.log.Debug().Str("frameType", frame.Type).Msg("ignoring unknown frame")
	}
}

// handleSync merges the client's offline edits (if it may write) and
// answers with the server's diff against the client's state vector.
func (s *Session) handleSync(frame Frame) {
	s.setState(StateSyncing)

	if len(frame.Update) > 0 {
		if !access.CanWrite(s.Context.Access) {
			s.enqueueBestEffort(Frame{Type: FrameError, Code: CodeReadOnly, Message: "read-only access"})
		} else if err := s.replica.applyUpdate(s, frame.Update); err != nil {
			s.log.Warn().Err(err).Msg("bad sync update")
			s.enqueueBestEffort(Frame{Type: FrameError, Code: CodeBadUpdate, Message: "malformed update"})
		}
	}

	diff, err := s.replica.doc.Diff(frame.StateVector)
	if err != nil {
		s.log.Warn().Err(err).Msg("bad state vector")
		s.enqueueBestEffort(Frame{Type: FrameError, Code: CodeBadUpdate, Message: "malformed state vector"})
		return
	}
	delivered := s.enqueueUpdate(Frame{
		Type:        FrameSync,
		Update:      diff,
		StateVector: s.replica.doc.EncodeStateVector(),
	})
	if !delivered {
		s.Close()
	}
}

// handleUpdate merges one incremental edit. Read-only sessions get a
// warning frame instead of a merge; the connection stays up and
// awareness keeps working.
func (s *Session) handleUpdate(frame Frame) {
	if !access.CanWrite(s.Context.Access) {
		s.enqueueBestEffort(Frame{Type: FrameError, Code: CodeReadOnly, Message: "read-only access"})
		return
	}
	s.setState(StateEditing)
	if err := s.replica.applyUpdate(s, frame.Update); err != nil {
		s.log.Warn().Err(err).Msg("bad update")
		s.enqueueBestEffort(Frame{Type: FrameError, Code: CodeBadUpdate, Message: "malformed update"})
		return
	}
	s.setState(StateSynced)
}

// Close detaches the session from its replica. The last session's
// departure flushes pending writes and releases the replica.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateDisconnecting)
		s.replica.detach(s)
		s.replica.hub.release(s.replica)

		s.outMu.Lock()
		s.closed = true
		close(s.out)
		s.outMu.Unlock()

		s.setState(StateClosed)
		s.log.Info().Msg("session closed")
	})
}

// enqueueUpdate queues a frame the client must receive to stay
// consistent. Returns false when the outbound queue is full, in
// which case the transport should drop the connection.
func (s *Session) enqueueUpdate(frame Frame) bool {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		s.log.Warn().Msg("outbound queue full, dropping session")
		return false
	}
}

// enqueueBestEffort queues a frame that may be dropped under load
// (presence, awareness, warnings) without correctness impact.
func (s *Session) enqueueBestEffort(frame Frame) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- frame:
	default:
	}
}
