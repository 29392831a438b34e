package workspace

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role enumerates membership capability levels, ordered Viewer < Editor < Admin.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCanvasID indicates that a canvas identifier is empty or exceeds storage bounds.
	ErrInvalidCanvasID = errors.New("workspace: invalid canvas id")
	// ErrInvalidRole indicates an unrecognized membership role.
	ErrInvalidRole = errors.New("workspace: invalid role")
)

// ParseRole validates raw input and returns a Role.
func ParseRole(rawInput string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(rawInput))) {
	case RoleViewer:
		return RoleViewer, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, rawInput)
	}
}

// CanEdit reports whether the role grants write capability.
func (r Role) CanEdit() bool {
	return r == RoleEditor || r == RoleAdmin
}

func (r Role) rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleEditor:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether the role grants at least the capability of other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

// CanvasID represents a validated canvas identifier.
type CanvasID string

// NewCanvasID validates raw input and returns a CanvasID.
func NewCanvasID(rawInput string) (CanvasID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCanvasID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCanvasID, maxIdentifierLength)
	}
	return CanvasID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CanvasID) String() string {
	return string(id)
}

// Workspace groups canvases and members under a single owner.
type Workspace struct {
	ID        string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	Name      string    `gorm:"column:name;size:320;not null"`
	OwnerID   string    `gorm:"column:owner_id;size:190;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Workspace) TableName() string {
	return "workspaces"
}

// Membership is the authoritative (workspace, user, role) triple.
type Membership struct {
	WorkspaceID string    `gorm:"column:workspace_id;primaryKey;size:190;not null"`
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Role        Role      `gorm:"column:role;size:16;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "workspace_memberships"
}

// Canvas is the metadata row for a collaborative diagram.
type Canvas struct {
	ID          string    `gorm:"column:canvas_id;primaryKey;size:190;not null"`
	WorkspaceID string    `gorm:"column:workspace_id;size:190;not null;index"`
	Name        string    `gorm:"column:name;size:320;not null"`
	Description string    `gorm:"column:description;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Canvas) TableName() string {
	return "canvases"
}

// Permission is the access gate's answer for a (canvas, user) pair.
type Permission struct {
	Role    Role
	CanEdit bool
}
