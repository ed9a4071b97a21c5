package hub

import "encoding/json"

// Frame is the JSON envelope exchanged over a collaboration
// connection. Binary CRDT payloads ride as base64 through the
// standard []byte JSON encoding.
type Frame struct {
	Type        string          `json:"type"`
	StateVector []byte          `json:"sv,omitempty"`
	Update      []byte          `json:"update,omitempty"`
	Awareness   json.RawMessage `json:"awareness,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Event       string          `json:"event,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	Name        string          `json:"name,omitempty"`
}

// Frame types.
const (
	FrameSync      = "sync"      // state vector + optional update; server answers with its diff
	FrameSynced    = "synced"    // client confirms receipt of the sync diff
	FrameUpdate    = "update"    // incremental document update
	FrameAwareness = "awareness" // ephemeral cursor/selection state
	FramePresence  = "presence"  // join/leave events
	FrameError     = "error"     // non-fatal error notice
)

// Error codes carried in FrameError.
const (
	CodeReadOnly   = "read_only"
	CodeBadUpdate  = "bad_update"
	CodeSaveFailed = "save_failed"
)

// Rejection reasons surfaced to a client whose connection attempt is
// refused.
const (
	ReasonInvalidToken = "invalid_or_expired_token"
	ReasonNoAccess     = "no_access"
)

// State is a connection's position in its lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateRejected
	StateAuthorized
	StateSyncing
	StateSynced
	StateEditing
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateRejected:
		return "rejected"
	case StateAuthorized:
		return "authorized"
	case StateSyncing:
		return "syncing"
	case StateSynced:
		return "synced"
	case StateEditing:
		return "editing"
	case StateDisconnecting:
		return "disconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
