// Package access computes the effective access level for a document
// request. Decide is a pure function over facts the caller assembles;
// it never touches a store, so every check is re-derived from current
// state rather than cached.
package access

type Level string
type Role string
type Permission string
type GrantStatus string

const (
	LevelOwner Level = "owner"
	LevelEdit  Level = "edit"
	LevelView  Level = "view"
	LevelNone  Level = "none"
)

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

const (
	PermissionEdit Permission = "edit"
	PermissionView Permission = "view"
)

const (
	GrantPending  GrantStatus = "pending"
	GrantAccepted GrantStatus = "accepted"
	GrantRejected GrantStatus = "rejected"
)

// Facts holds everything Decide needs, as plain scalars. Zero values
// mean "absent": an empty UserID is an unauthenticated request, an
// empty MemberRole means no membership row, an empty GrantStatus means
// no collaborator record.
type Facts struct {
	DocumentOwnerID string
	WorkspaceID     string
	IsPublished     bool
	Deleted         bool

	UserID string

	WorkspaceOwnerID string
	MemberRole       Role
	MemberPermission Permission

	GrantStatus     GrantStatus
	GrantPermission Permission
}

// Decide evaluates the access funnel tiers in priority order and
// returns at the first tier that applies.
func Decide(f Facts) Level {
	// Soft deletion vetoes everything, including the owner.
	if f.Deleted {
		return LevelNone
	}

	if f.UserID == "" {
		if f.IsPublished {
			return LevelView
		}
		return LevelNone
	}

	if f.UserID == f.DocumentOwnerID {
		return LevelOwner
	}
	if f.WorkspaceID != "" && f.UserID == f.WorkspaceOwnerID {
		return LevelOwner
	}
	if f.WorkspaceID != "" && f.MemberRole == RoleAdmin {
		return LevelEdit
	}

	// An accepted per-document grant overrides the workspace default
	// in either direction. Admins and owners never reach this tier.
	if f.GrantStatus == GrantAccepted {
		if f.GrantPermission == PermissionEdit {
			return LevelEdit
		}
		return LevelView
	}

	if f.WorkspaceID != "" && f.MemberRole != "" {
		if f.MemberPermission == PermissionEdit {
			return LevelEdit
		}
		return LevelView
	}

	if f.IsPublished {
		return LevelView
	}

	return LevelNone
}

// CanWrite reports whether a level permits document mutation.
func CanWrite(level Level) bool {
	return level == LevelOwner || level == LevelEdit
}

// CanRead reports whether a level permits reading the document.
func CanRead(level Level) bool {
	return level != LevelNone
}

// Normalize clamps an arbitrary string to a known level, defaulting
// to none.
func Normalize(level string) Level {
	switch Level(level) {
	case LevelOwner, LevelEdit, LevelView, LevelNone:
		return Level(level)
	default:
		return LevelNone
	}
}
