package realtime

// Client-to-server events.
const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventUpdate     = "update"
	EventAwareness  = "awareness"
	EventCheckpoint = "checkpoint"
)

// Server-to-client events.
const (
	EventInit            = "init"
	EventUsers           = "users"
	EventError           = "error"
	EventUserJoined      = "user-joined"
	EventUserLeft        = "user-left"
	EventSyncUpdate      = "sync-update"
	EventAwarenessUpdate = "awareness-update"
)

// Error messages carried in ErrorPayload. Exported so transport adapters
// reuse the same wire strings.
const (
	MsgInvalidCanvasID = "Invalid canvas id"
	MsgUnauthorized    = "Unauthorized"
	MsgCanvasNotFound  = "Canvas not found"
	MsgAccessDenied    = "Access denied"
	MsgInvalidPayload  = "Invalid payload"
	MsgInternalError   = "Internal error"
)

// Conn is one live client connection. Send must never block; transport
// adapters queue into a bounded buffer and drop on overflow (at-least-once
// broadcast plus idempotent CRDT merge makes dropped frames recoverable).
type Conn interface {
	ID() string
	Send(event string, payload any)
}

// ClientMessage is the decoded envelope for every client-to-server event.
type ClientMessage struct {
	Event      string `json:"event"`
	CanvasID   string `json:"canvas_id"`
	UpdateB64  string `json:"update_b64,omitempty"`
	StateB64   string `json:"state_b64,omitempty"`
	PayloadB64 string `json:"payload_b64,omitempty"`
	Version    int64  `json:"version,omitempty"`
}

// ServerMessage is the envelope for every server-to-client event.
type ServerMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// ErrorPayload reports an operation failure to the caller. The transport
// connection stays open.
type ErrorPayload struct {
	Message string `json:"message"`
}

// InitPayload carries the latest snapshot to a joining connection. A nil
// payload with version 0 means the canvas has no checkpoint yet and the
// client starts from an empty document.
type InitPayload struct {
	PayloadB64 *string `json:"payload_b64"`
	Version    int64   `json:"version"`
}

// PresencePayload is one live member in a users listing.
type PresencePayload struct {
	UserID          string `json:"user_id"`
	DisplayName     string `json:"display_name"`
	ConnectionID    string `json:"connection_id"`
	CanEdit         bool   `json:"can_edit"`
	JoinedAtSeconds int64  `json:"joined_at_s"`
}

// UsersPayload lists the room's current members for a joining connection.
type UsersPayload struct {
	Users []PresencePayload `json:"users"`
}

// UserJoinedPayload announces a new identity to the rest of the room.
type UserJoinedPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	CanEdit     bool   `json:"can_edit"`
}

// UserLeftPayload announces an identity leaving the room.
type UserLeftPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// SyncUpdatePayload relays an opaque CRDT update to the rest of the room.
type SyncUpdatePayload struct {
	UpdateB64 string `json:"update_b64"`
	UserID    string `json:"user_id"`
}

// AwarenessPayload relays ephemeral per-user UI state. Never persisted.
type AwarenessPayload struct {
	StateB64 string `json:"state_b64"`
	UserID   string `json:"user_id"`
}
