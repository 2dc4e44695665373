package store

import (
	"time"

	"authsync/internal/access"
)

type User struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// Namespace is a group in the sharing hierarchy. ParentID is nil for
// top-level groups.
type Namespace struct {
	ID       int64
	ParentID *int64
	Name     string
	Path     string
}

type Project struct {
	ID          int64
	NamespaceID int64
	Name        string
	Path        string
}

// Member is a single membership grant: a user's access level on one
// source, either a group ("Namespace") or a project ("Project").
type Member struct {
	ID          int64
	UserID      int64
	SourceType  string
	SourceID    int64
	AccessLevel access.Level
	CreatedAt   time.Time
}

const (
	SourceNamespace = "Namespace"
	SourceProject   = "Project"
)

// ProjectGroupLink is the sharing link between a group and a project.
// Creating or removing one is the event that triggers reconciliation.
type ProjectGroupLink struct {
	ID        int64
	ProjectID int64
	GroupID   int64
	CreatedAt time.Time
}

// ProjectAuthorization is the denormalized per-(user, project) record the
// reconciliation engine maintains. At most one row exists per pair and its
// level is the maximum across all of the user's grant paths.
type ProjectAuthorization struct {
	UserID      int64
	ProjectID   int64
	AccessLevel access.Level
}

// EffectiveMember is one row of a resolved membership page: a user together
// with the best access level they hold through the group's own ancestor
// chain.
type EffectiveMember struct {
	UserID      int64
	AccessLevel access.Level
}
