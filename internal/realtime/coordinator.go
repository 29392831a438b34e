package realtime

import (
	"context"
	"errors"
	"time"

	"github.com/easel-labs/easel/backend/internal/identity"
	"github.com/easel-labs/easel/backend/internal/snapshot"
	"github.com/easel-labs/easel/backend/internal/workspace"
	"go.uber.org/zap"
)

var (
	errMissingGate      = errors.New("realtime: access gate is required")
	errMissingSnapshots = errors.New("realtime: snapshot store is required")
)

// AccessGate resolves a (canvas, user) pair to a permission.
type AccessGate interface {
	ResolvePermission(ctx context.Context, canvasID, userID string) (workspace.Permission, error)
}

// SnapshotStore is the durable checkpoint store the coordinator reads on
// join and writes on checkpoint.
type SnapshotStore interface {
	GetLatest(ctx context.Context, canvasID string) (snapshot.Record, bool, error)
	Save(ctx context.Context, canvasID string, payload snapshot.PayloadB64, version int64) (snapshot.Record, error)
}

// CoordinatorConfig describes the dependencies of the session coordinator.
type CoordinatorConfig struct {
	Gate      AccessGate
	Snapshots SnapshotStore
	Presence  *Registry
	Rooms     *Broadcaster
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Coordinator orchestrates the connection lifecycle: join/leave/disconnect,
// update and awareness relay, and checkpoint persistence. Handlers for one
// connection run sequentially (the transport's read pump); handlers for
// different connections run concurrently.
type Coordinator struct {
	gate      AccessGate
	snapshots SnapshotStore
	presence  *Registry
	rooms     *Broadcaster
	clock     func() time.Time
	logger    *zap.Logger
}

// NewCoordinator constructs the session coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Gate == nil {
		return nil, errMissingGate
	}
	if cfg.Snapshots == nil {
		return nil, errMissingSnapshots
	}
	presence := cfg.Presence
	if presence == nil {
		presence = NewRegistry()
	}
	rooms := cfg.Rooms
	if rooms == nil {
		rooms = NewBroadcaster()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		gate:      cfg.Gate,
		snapshots: cfg.Snapshots,
		presence:  presence,
		rooms:     rooms,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Presence exposes the registry for listing room members.
func (c *Coordinator) Presence() *Registry {
	return c.presence
}

// HandleJoin admits the connection into the canvas's room: access check,
// presence registration, initial snapshot delivery, and announcements. The
// join announcement is suppressed when the identity was already present, so
// a reconnect does not spam the room.
func (c *Coordinator) HandleJoin(ctx context.Context, conn Conn, principal identity.Principal, rawCanvasID string) {
	canvasID, err := workspace.NewCanvasID(rawCanvasID)
	if err != nil {
		conn.Send(EventError, ErrorPayload{Message: MsgInvalidCanvasID})
		return
	}
	if principal.ID == "" {
		conn.Send(EventError, ErrorPayload{Message: MsgUnauthorized})
		return
	}

	permission, err := c.gate.ResolvePermission(ctx, canvasID.String(), principal.ID)
	if err != nil {
		switch {
		case errors.Is(err, workspace.ErrCanvasNotFound):
			conn.Send(EventError, ErrorPayload{Message: MsgCanvasNotFound})
		case errors.Is(err, workspace.ErrAccessDenied):
			conn.Send(EventError, ErrorPayload{Message: MsgAccessDenied})
		default:
			c.logger.Error("permission resolution failed",
				zap.String("canvas_id", canvasID.String()),
				zap.String("user_id", principal.ID),
				zap.Error(err))
			conn.Send(EventError, ErrorPayload{Message: MsgInternalError})
		}
		return
	}

	room := canvasID.String()

	// The snapshot read happens before any admission step. A null init at
	// version 0 is the authoritative "empty canvas" signal, so a store
	// failure must stop the join instead of fabricating that signal.
	initial := InitPayload{Version: 0}
	record, found, err := c.snapshots.GetLatest(ctx, room)
	if err != nil {
		c.logger.Error("latest snapshot load failed",
			zap.String("canvas_id", room),
			zap.String("user_id", principal.ID),
			zap.Error(err))
		conn.Send(EventError, ErrorPayload{Message: MsgInternalError})
		return
	}
	if found {
		payload := record.PayloadB64
		initial = InitPayload{PayloadB64: &payload, Version: record.Version}
	}

	c.rooms.Join(room, conn)

	entry := Entry{
		UserID:          principal.ID,
		DisplayName:     principal.DisplayName,
		ConnectionID:    conn.ID(),
		CanEdit:         permission.CanEdit,
		JoinedAtSeconds: c.clock().UTC().Unix(),
	}
	isNewIdentity := c.presence.Upsert(room, entry)
	c.presence.TrackConnection(conn.ID(), room, principal.ID)

	conn.Send(EventInit, initial)

	if isNewIdentity {
		c.rooms.SendToOthers(room, conn.ID(), EventUserJoined, UserJoinedPayload{
			UserID:      principal.ID,
			DisplayName: principal.DisplayName,
			CanEdit:     permission.CanEdit,
		})
	}

	conn.Send(EventUsers, UsersPayload{Users: presencePayloads(c.presence.ListRoom(room))})

	c.logger.Info("connection joined canvas",
		zap.String("connection_id", conn.ID()),
		zap.String("canvas_id", room),
		zap.String("user_id", principal.ID),
		zap.Bool("new_identity", isNewIdentity))
}

// HandleLeave removes the connection from the room and, when this connection
// still owns the identity's presence entry, announces the departure. A leave
// naming a canvas the connection is not bound to is dropped without touching
// the binding; the connection's real room still gets cleaned up on disconnect.
func (c *Coordinator) HandleLeave(_ context.Context, conn Conn, principal identity.Principal, rawCanvasID string) {
	canvasID, err := workspace.NewCanvasID(rawCanvasID)
	if err != nil {
		conn.Send(EventError, ErrorPayload{Message: MsgInvalidCanvasID})
		return
	}
	if principal.ID == "" {
		conn.Send(EventError, ErrorPayload{Message: MsgUnauthorized})
		return
	}

	room := canvasID.String()
	boundRoom, boundUser, ok := c.presence.LookupConnection(conn.ID())
	if !ok || boundRoom != room || boundUser != principal.ID {
		c.logger.Debug("leave for unjoined canvas dropped",
			zap.String("connection_id", conn.ID()),
			zap.String("canvas_id", room))
		return
	}

	c.rooms.Leave(room, conn.ID())
	c.presence.UntrackConnection(conn.ID())
	removed, ok := c.presence.Remove(room, principal.ID, conn.ID())
	if ok {
		c.rooms.SendToRoom(room, EventUserLeft, UserLeftPayload{
			UserID:      removed.UserID,
			DisplayName: removed.DisplayName,
		})
	}
}

// HandleUpdate relays an opaque CRDT update to the rest of the room. This is
// a fire-and-forget channel: unauthenticated or unjoined senders are dropped
// silently. The payload is never parsed.
func (c *Coordinator) HandleUpdate(_ context.Context, conn Conn, principal identity.Principal, rawCanvasID, updateB64 string) {
	room, ok := c.relayRoom(conn, principal, rawCanvasID)
	if !ok || updateB64 == "" {
		return
	}
	c.rooms.SendToOthers(room, conn.ID(), EventSyncUpdate, SyncUpdatePayload{
		UpdateB64: updateB64,
		UserID:    principal.ID,
	})
}

// HandleAwareness relays ephemeral per-user state with the same pattern as
// HandleUpdate. Nothing is persisted.
func (c *Coordinator) HandleAwareness(_ context.Context, conn Conn, principal identity.Principal, rawCanvasID, stateB64 string) {
	room, ok := c.relayRoom(conn, principal, rawCanvasID)
	if !ok || stateB64 == "" {
		return
	}
	c.rooms.SendToOthers(room, conn.ID(), EventAwarenessUpdate, AwarenessPayload{
		StateB64: stateB64,
		UserID:   principal.ID,
	})
}

// HandleCheckpoint persists a client-produced snapshot. Membership is
// re-resolved on every checkpoint (unlike update relay, which trusts the
// joined session) because checkpoints mutate durable state. Viewers are
// ignored silently since clients checkpoint on a timer, and persistence
// failures degrade to "no checkpoint this round".
func (c *Coordinator) HandleCheckpoint(ctx context.Context, conn Conn, principal identity.Principal, rawCanvasID, payloadB64 string, version int64) {
	canvasID, err := workspace.NewCanvasID(rawCanvasID)
	if err != nil {
		conn.Send(EventError, ErrorPayload{Message: MsgInvalidCanvasID})
		return
	}
	if principal.ID == "" {
		c.logger.Debug("checkpoint from unauthenticated connection dropped",
			zap.String("connection_id", conn.ID()))
		return
	}

	permission, err := c.gate.ResolvePermission(ctx, canvasID.String(), principal.ID)
	if err != nil || !permission.CanEdit {
		c.logger.Debug("checkpoint ignored",
			zap.String("canvas_id", canvasID.String()),
			zap.String("user_id", principal.ID),
			zap.Error(err))
		return
	}

	payload, err := snapshot.NewPayloadB64(payloadB64)
	if err != nil {
		conn.Send(EventError, ErrorPayload{Message: MsgInvalidPayload})
		return
	}

	if _, err := c.snapshots.Save(ctx, canvasID.String(), payload, version); err != nil {
		c.logger.Warn("checkpoint save failed",
			zap.String("canvas_id", canvasID.String()),
			zap.String("user_id", principal.ID),
			zap.Int64("version", version),
			zap.Error(err))
	}
}

// HandleDisconnect performs the same cleanup as an explicit leave for a
// connection the transport reports gone. The disconnect event carries only
// the connection id; the registry's side index resolves the rest. The
// stale-connection guard in Remove keeps a late disconnect from evicting a
// presence entry a newer connection has since replaced.
func (c *Coordinator) HandleDisconnect(conn Conn) {
	room, userID, ok := c.presence.UntrackConnection(conn.ID())
	if !ok {
		return
	}
	c.rooms.Leave(room, conn.ID())
	removed, ok := c.presence.Remove(room, userID, conn.ID())
	if ok {
		c.rooms.SendToRoom(room, EventUserLeft, UserLeftPayload{
			UserID:      removed.UserID,
			DisplayName: removed.DisplayName,
		})
	}
	c.logger.Info("connection disconnected",
		zap.String("connection_id", conn.ID()),
		zap.String("canvas_id", room),
		zap.String("user_id", userID),
		zap.Bool("presence_removed", ok))
}

// relayRoom validates that the connection is joined to the canvas it is
// relaying for. Failures are silent by design: relay is a high-frequency
// best-effort channel and error events would flood a stale client.
func (c *Coordinator) relayRoom(conn Conn, principal identity.Principal, rawCanvasID string) (string, bool) {
	if principal.ID == "" {
		c.logger.Debug("relay from unauthenticated connection dropped",
			zap.String("connection_id", conn.ID()))
		return "", false
	}
	canvasID, err := workspace.NewCanvasID(rawCanvasID)
	if err != nil {
		return "", false
	}
	room, userID, ok := c.presence.LookupConnection(conn.ID())
	if !ok || room != canvasID.String() || userID != principal.ID {
		c.logger.Debug("relay from unjoined connection dropped",
			zap.String("connection_id", conn.ID()),
			zap.String("canvas_id", canvasID.String()))
		return "", false
	}
	return room, true
}

func presencePayloads(entries []Entry) []PresencePayload {
	payloads := make([]PresencePayload, 0, len(entries))
	for _, entry := range entries {
		payloads = append(payloads, PresencePayload{
			UserID:          entry.UserID,
			DisplayName:     entry.DisplayName,
			ConnectionID:    entry.ConnectionID,
			CanEdit:         entry.CanEdit,
			JoinedAtSeconds: entry.JoinedAtSeconds,
		})
	}
	return payloads
}
