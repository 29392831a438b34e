package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/easel-labs/easel/backend/internal/identity"
	"github.com/easel-labs/easel/backend/internal/snapshot"
	"github.com/easel-labs/easel/backend/internal/workspace"
)

type fakeGate struct {
	permissions map[string]workspace.Permission
	errs        map[string]error
}

func (g *fakeGate) ResolvePermission(_ context.Context, canvasID, userID string) (workspace.Permission, error) {
	key := canvasID + "/" + userID
	if err, ok := g.errs[key]; ok {
		return workspace.Permission{}, err
	}
	if permission, ok := g.permissions[key]; ok {
		return permission, nil
	}
	return workspace.Permission{}, workspace.ErrAccessDenied
}

func (g *fakeGate) allow(canvasID, userID string, role workspace.Role) {
	if g.permissions == nil {
		g.permissions = make(map[string]workspace.Permission)
	}
	g.permissions[canvasID+"/"+userID] = workspace.Permission{Role: role, CanEdit: role.CanEdit()}
}

func (g *fakeGate) fail(canvasID, userID string, err error) {
	if g.errs == nil {
		g.errs = make(map[string]error)
	}
	g.errs[canvasID+"/"+userID] = err
}

type fakeStore struct {
	mu      sync.Mutex
	records map[string][]snapshot.Record
	saveErr error
	getErr  error
}

func (s *fakeStore) GetLatest(_ context.Context, canvasID string) (snapshot.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return snapshot.Record{}, false, s.getErr
	}
	stored := s.records[canvasID]
	if len(stored) == 0 {
		return snapshot.Record{}, false, nil
	}
	latest := stored[0]
	for _, record := range stored[1:] {
		if record.Version > latest.Version {
			latest = record
		}
	}
	return latest, true, nil
}

func (s *fakeStore) Save(_ context.Context, canvasID string, payload snapshot.PayloadB64, version int64) (snapshot.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return snapshot.Record{}, s.saveErr
	}
	if s.records == nil {
		s.records = make(map[string][]snapshot.Record)
	}
	record := snapshot.Record{CanvasID: canvasID, Version: version, PayloadB64: payload.String()}
	s.records[canvasID] = append(s.records[canvasID], record)
	return record, nil
}

func (s *fakeStore) saved(canvasID string) []snapshot.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]snapshot.Record(nil), s.records[canvasID]...)
}

func newTestCoordinator(t *testing.T, gate *fakeGate, store *fakeStore) *Coordinator {
	t.Helper()
	coordinator, err := NewCoordinator(CoordinatorConfig{
		Gate:      gate,
		Snapshots: store,
		Clock:     func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	return coordinator
}

func editorPrincipal(id string) identity.Principal {
	return identity.Principal{ID: id, DisplayName: "User " + id}
}

func b64(content string) string {
	return base64.StdEncoding.EncodeToString([]byte(content))
}

func TestHandleJoinSendsInitAndUsers(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	store := &fakeStore{}
	store.records = map[string][]snapshot.Record{
		"canvas-1": {{CanvasID: "canvas-1", Version: 7, PayloadB64: b64("doc")}},
	}
	coordinator := newTestCoordinator(t, gate, store)
	conn := newFakeConn("conn-a")

	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")

	inits := conn.sentEvents(EventInit)
	if len(inits) != 1 {
		t.Fatalf("expected one init event, got %d", len(inits))
	}
	init, ok := inits[0].payload.(InitPayload)
	if !ok {
		t.Fatalf("unexpected init payload type: %T", inits[0].payload)
	}
	if init.Version != 7 || init.PayloadB64 == nil || *init.PayloadB64 != b64("doc") {
		t.Fatalf("unexpected init payload: %#v", init)
	}

	users := conn.sentEvents(EventUsers)
	if len(users) != 1 {
		t.Fatalf("expected one users event, got %d", len(users))
	}
	listing, ok := users[0].payload.(UsersPayload)
	if !ok {
		t.Fatalf("unexpected users payload type: %T", users[0].payload)
	}
	if len(listing.Users) != 1 || listing.Users[0].UserID != "user-1" || !listing.Users[0].CanEdit {
		t.Fatalf("unexpected users listing: %#v", listing)
	}
}

func TestHandleJoinEmptyCanvasSendsNullInit(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleViewer)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})
	conn := newFakeConn("conn-a")

	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")

	inits := conn.sentEvents(EventInit)
	if len(inits) != 1 {
		t.Fatalf("expected one init event, got %d", len(inits))
	}
	init := inits[0].payload.(InitPayload)
	if init.PayloadB64 != nil || init.Version != 0 {
		t.Fatalf("expected null payload at version 0, got %#v", init)
	}
}

func TestHandleJoinAnnouncesNewIdentityOnly(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	gate.allow("canvas-1", "user-2", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	first := newFakeConn("conn-a")
	coordinator.HandleJoin(context.Background(), first, editorPrincipal("user-1"), "canvas-1")

	second := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), second, editorPrincipal("user-2"), "canvas-1")

	joins := first.sentEvents(EventUserJoined)
	if len(joins) != 1 {
		t.Fatalf("expected one user-joined at the existing member, got %d", len(joins))
	}
	announced := joins[0].payload.(UserJoinedPayload)
	if announced.UserID != "user-2" {
		t.Fatalf("unexpected announced user: %#v", announced)
	}

	// Reconnect of user-2 on a fresh connection is not a new identity.
	reconnect := newFakeConn("conn-c")
	coordinator.HandleJoin(context.Background(), reconnect, editorPrincipal("user-2"), "canvas-1")
	if len(first.sentEvents(EventUserJoined)) != 1 {
		t.Fatalf("reconnect must not re-announce the identity")
	}
}

func TestHandleJoinErrors(t *testing.T) {
	gate := &fakeGate{}
	gate.fail("missing-canvas", "user-1", workspace.ErrCanvasNotFound)
	gate.fail("broken-canvas", "user-1", errors.New("db down"))
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	cases := []struct {
		name     string
		canvasID string
		message  string
	}{
		{name: "invalid id", canvasID: "  ", message: "Invalid canvas id"},
		{name: "not found", canvasID: "missing-canvas", message: "Canvas not found"},
		{name: "denied", canvasID: "forbidden-canvas", message: "Access denied"},
		{name: "internal", canvasID: "broken-canvas", message: "Internal error"},
	}
	for _, testCase := range cases {
		conn := newFakeConn("conn-" + testCase.name)
		coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), testCase.canvasID)

		errorEvents := conn.sentEvents(EventError)
		if len(errorEvents) != 1 {
			t.Fatalf("%s: expected one error event, got %d", testCase.name, len(errorEvents))
		}
		if payload := errorEvents[0].payload.(ErrorPayload); payload.Message != testCase.message {
			t.Fatalf("%s: expected message %q, got %q", testCase.name, testCase.message, payload.Message)
		}
		if len(conn.sentEvents(EventInit)) != 0 {
			t.Fatalf("%s: failed join must not send init", testCase.name)
		}
	}
}

func TestHandleJoinUnauthenticated(t *testing.T) {
	coordinator := newTestCoordinator(t, &fakeGate{}, &fakeStore{})
	conn := newFakeConn("conn-a")

	coordinator.HandleJoin(context.Background(), conn, identity.Principal{}, "canvas-1")

	errorEvents := conn.sentEvents(EventError)
	if len(errorEvents) != 1 || errorEvents[0].payload.(ErrorPayload).Message != "Unauthorized" {
		t.Fatalf("expected unauthorized error, got %v", errorEvents)
	}
}

func TestHandleUpdateRelaysToOthers(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	gate.allow("canvas-1", "user-2", workspace.RoleViewer)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	sender := newFakeConn("conn-a")
	peer := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), sender, editorPrincipal("user-1"), "canvas-1")
	coordinator.HandleJoin(context.Background(), peer, editorPrincipal("user-2"), "canvas-1")

	coordinator.HandleUpdate(context.Background(), sender, editorPrincipal("user-1"), "canvas-1", b64("delta"))

	updates := peer.sentEvents(EventSyncUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected one relayed update, got %d", len(updates))
	}
	relayed := updates[0].payload.(SyncUpdatePayload)
	if relayed.UpdateB64 != b64("delta") || relayed.UserID != "user-1" {
		t.Fatalf("unexpected relayed payload: %#v", relayed)
	}
	if len(sender.sentEvents(EventSyncUpdate)) != 0 {
		t.Fatalf("sender must not receive its own update")
	}
}

func TestHandleUpdateFromUnjoinedConnectionDropped(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	member := newFakeConn("conn-a")
	coordinator.HandleJoin(context.Background(), member, editorPrincipal("user-1"), "canvas-1")

	stranger := newFakeConn("conn-b")
	coordinator.HandleUpdate(context.Background(), stranger, editorPrincipal("user-2"), "canvas-1", b64("delta"))

	if len(member.sentEvents(EventSyncUpdate)) != 0 {
		t.Fatalf("update from unjoined connection must be dropped")
	}
	if len(stranger.sent()) != 0 {
		t.Fatalf("drop must be silent")
	}
}

func TestHandleAwarenessRelaysToOthers(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleViewer)
	gate.allow("canvas-1", "user-2", workspace.RoleViewer)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	sender := newFakeConn("conn-a")
	peer := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), sender, editorPrincipal("user-1"), "canvas-1")
	coordinator.HandleJoin(context.Background(), peer, editorPrincipal("user-2"), "canvas-1")

	coordinator.HandleAwareness(context.Background(), sender, editorPrincipal("user-1"), "canvas-1", b64("cursor"))

	events := peer.sentEvents(EventAwarenessUpdate)
	if len(events) != 1 {
		t.Fatalf("expected one awareness relay, got %d", len(events))
	}
	relayed := events[0].payload.(AwarenessPayload)
	if relayed.StateB64 != b64("cursor") || relayed.UserID != "user-1" {
		t.Fatalf("unexpected awareness payload: %#v", relayed)
	}
}

func TestHandleCheckpointPersistsForEditor(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	store := &fakeStore{}
	coordinator := newTestCoordinator(t, gate, store)
	conn := newFakeConn("conn-a")
	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")

	coordinator.HandleCheckpoint(context.Background(), conn, editorPrincipal("user-1"), "canvas-1", b64("doc"), 3)

	saved := store.saved("canvas-1")
	if len(saved) != 1 || saved[0].Version != 3 || saved[0].PayloadB64 != b64("doc") {
		t.Fatalf("unexpected stored snapshots: %#v", saved)
	}
}

func TestHandleCheckpointFromViewerIgnored(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleViewer)
	store := &fakeStore{}
	coordinator := newTestCoordinator(t, gate, store)
	conn := newFakeConn("conn-a")
	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")

	coordinator.HandleCheckpoint(context.Background(), conn, editorPrincipal("user-1"), "canvas-1", b64("doc"), 3)

	if len(store.saved("canvas-1")) != 0 {
		t.Fatalf("viewer checkpoint must not persist")
	}
	if len(conn.sentEvents(EventError)) != 0 {
		t.Fatalf("viewer checkpoint must be ignored silently")
	}
}

func TestHandleCheckpointInvalidPayload(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	store := &fakeStore{}
	coordinator := newTestCoordinator(t, gate, store)
	conn := newFakeConn("conn-a")

	coordinator.HandleCheckpoint(context.Background(), conn, editorPrincipal("user-1"), "canvas-1", "not base64!!", 3)

	errorEvents := conn.sentEvents(EventError)
	if len(errorEvents) != 1 || errorEvents[0].payload.(ErrorPayload).Message != "Invalid payload" {
		t.Fatalf("expected invalid payload error, got %v", errorEvents)
	}
	if len(store.saved("canvas-1")) != 0 {
		t.Fatalf("invalid payload must not persist")
	}
}

func TestHandleCheckpointStorageFailureSwallowed(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	store := &fakeStore{saveErr: errors.New("disk full")}
	coordinator := newTestCoordinator(t, gate, store)
	conn := newFakeConn("conn-a")

	coordinator.HandleCheckpoint(context.Background(), conn, editorPrincipal("user-1"), "canvas-1", b64("doc"), 3)

	if len(conn.sentEvents(EventError)) != 0 {
		t.Fatalf("storage failure must degrade silently for the client")
	}
}

func TestHandleLeaveAnnouncesDeparture(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	gate.allow("canvas-1", "user-2", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	leaver := newFakeConn("conn-a")
	observer := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), leaver, editorPrincipal("user-1"), "canvas-1")
	coordinator.HandleJoin(context.Background(), observer, editorPrincipal("user-2"), "canvas-1")

	coordinator.HandleLeave(context.Background(), leaver, editorPrincipal("user-1"), "canvas-1")

	departures := observer.sentEvents(EventUserLeft)
	if len(departures) != 1 {
		t.Fatalf("expected one user-left event, got %d", len(departures))
	}
	if payload := departures[0].payload.(UserLeftPayload); payload.UserID != "user-1" {
		t.Fatalf("unexpected departure payload: %#v", payload)
	}
	if len(coordinator.Presence().ListRoom("canvas-1")) != 1 {
		t.Fatalf("expected one remaining member")
	}
}

func TestHandleDisconnectCleansUp(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	gate.allow("canvas-1", "user-2", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	dropped := newFakeConn("conn-a")
	observer := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), dropped, editorPrincipal("user-1"), "canvas-1")
	coordinator.HandleJoin(context.Background(), observer, editorPrincipal("user-2"), "canvas-1")

	coordinator.HandleDisconnect(dropped)

	departures := observer.sentEvents(EventUserLeft)
	if len(departures) != 1 || departures[0].payload.(UserLeftPayload).UserID != "user-1" {
		t.Fatalf("expected user-1 departure, got %v", departures)
	}

	// A second disconnect report for the same connection is a no-op.
	coordinator.HandleDisconnect(dropped)
	if len(observer.sentEvents(EventUserLeft)) != 1 {
		t.Fatalf("duplicate disconnect must not re-announce")
	}
}

func TestStaleDisconnectAfterReconnect(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	gate.allow("canvas-1", "user-2", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	oldConn := newFakeConn("conn-old")
	coordinator.HandleJoin(context.Background(), oldConn, editorPrincipal("user-1"), "canvas-1")

	observer := newFakeConn("conn-obs")
	coordinator.HandleJoin(context.Background(), observer, editorPrincipal("user-2"), "canvas-1")

	// The client reconnects before the transport notices the old socket died.
	newConn := newFakeConn("conn-new")
	coordinator.HandleJoin(context.Background(), newConn, editorPrincipal("user-1"), "canvas-1")

	coordinator.HandleDisconnect(oldConn)

	if len(observer.sentEvents(EventUserLeft)) != 0 {
		t.Fatalf("stale disconnect must not announce a departure")
	}
	members := coordinator.Presence().ListRoom("canvas-1")
	foundUser1 := false
	for _, member := range members {
		if member.UserID == "user-1" {
			foundUser1 = true
			if member.ConnectionID != newConn.ID() {
				t.Fatalf("presence entry must belong to the new connection, got %q", member.ConnectionID)
			}
		}
	}
	if !foundUser1 {
		t.Fatalf("user-1 must remain present after stale disconnect")
	}

	// Updates from the new connection still reach the room.
	coordinator.HandleUpdate(context.Background(), newConn, editorPrincipal("user-1"), "canvas-1", b64("delta"))
	if len(observer.sentEvents(EventSyncUpdate)) != 1 {
		t.Fatalf("new connection must keep relaying after stale disconnect")
	}
}

func TestHandleJoinStorageFailureStopsJoin(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	store := &fakeStore{getErr: errors.New("store unavailable")}
	coordinator := newTestCoordinator(t, gate, store)
	conn := newFakeConn("conn-a")

	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")

	errorEvents := conn.sentEvents(EventError)
	if len(errorEvents) != 1 || errorEvents[0].payload.(ErrorPayload).Message != "Internal error" {
		t.Fatalf("expected internal error event, got %v", errorEvents)
	}
	if len(conn.sentEvents(EventInit)) != 0 {
		t.Fatalf("a failed snapshot read must not produce an init event")
	}
	if len(coordinator.Presence().ListRoom("canvas-1")) != 0 {
		t.Fatalf("a failed join must not register presence")
	}
	if _, _, ok := coordinator.Presence().LookupConnection(conn.ID()); ok {
		t.Fatalf("a failed join must not bind the connection")
	}

	// Once the store recovers the same connection can join normally.
	store.mu.Lock()
	store.getErr = nil
	store.mu.Unlock()
	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")
	if len(conn.sentEvents(EventInit)) != 1 {
		t.Fatalf("join after store recovery must succeed")
	}
}

func TestHandleLeaveForUnjoinedCanvasKeepsBinding(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	gate.allow("canvas-1", "user-2", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	member := newFakeConn("conn-a")
	observer := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), member, editorPrincipal("user-1"), "canvas-1")
	coordinator.HandleJoin(context.Background(), observer, editorPrincipal("user-2"), "canvas-1")

	// A leave naming a canvas this connection never joined must not disturb
	// its binding to the real room.
	coordinator.HandleLeave(context.Background(), member, editorPrincipal("user-1"), "canvas-2")

	room, userID, ok := coordinator.Presence().LookupConnection(member.ID())
	if !ok || room != "canvas-1" || userID != "user-1" {
		t.Fatalf("binding must survive a mismatched leave, got %q %q %v", room, userID, ok)
	}
	if len(observer.sentEvents(EventUserLeft)) != 0 {
		t.Fatalf("mismatched leave must not announce a departure")
	}

	// Disconnect cleanup still works against the real room.
	coordinator.HandleDisconnect(member)
	departures := observer.sentEvents(EventUserLeft)
	if len(departures) != 1 || departures[0].payload.(UserLeftPayload).UserID != "user-1" {
		t.Fatalf("disconnect must clean up the joined room, got %v", departures)
	}
	for _, entry := range coordinator.Presence().ListRoom("canvas-1") {
		if entry.UserID == "user-1" {
			t.Fatalf("user-1 must be gone after disconnect")
		}
	}
}

func TestRoomTornDownWhenLastMemberLeaves(t *testing.T) {
	gate := &fakeGate{}
	gate.allow("canvas-1", "user-1", workspace.RoleEditor)
	coordinator := newTestCoordinator(t, gate, &fakeStore{})

	conn := newFakeConn("conn-a")
	coordinator.HandleJoin(context.Background(), conn, editorPrincipal("user-1"), "canvas-1")
	coordinator.HandleDisconnect(conn)

	registry := coordinator.Presence()
	registry.mu.Lock()
	_, roomExists := registry.rooms["canvas-1"]
	registry.mu.Unlock()
	if roomExists {
		t.Fatalf("room must be forgotten after the last member departs")
	}

	// Rejoining a torn-down room behaves exactly like a first join.
	rejoin := newFakeConn("conn-b")
	coordinator.HandleJoin(context.Background(), rejoin, editorPrincipal("user-1"), "canvas-1")
	if len(rejoin.sentEvents(EventInit)) != 1 {
		t.Fatalf("rejoin after teardown must succeed")
	}
}
