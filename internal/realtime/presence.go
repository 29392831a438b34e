package realtime

import "sync"

// Entry is the per-identity record of live membership in a room. At most one
// entry exists per identity per room; a reconnect replaces the entry rather
// than duplicating it.
type Entry struct {
	UserID          string
	DisplayName     string
	ConnectionID    string
	CanEdit         bool
	JoinedAtSeconds int64
}

type connBinding struct {
	room   string
	userID string
}

// Registry tracks which identities are present in which rooms, plus the
// connection-to-(room, identity) side index used to resolve ungraceful
// disconnects. All operations share one mutex; room counts are small.
type Registry struct {
	mu          sync.Mutex
	rooms       map[string]map[string]Entry
	connections map[string]connBinding
}

// NewRegistry constructs an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]map[string]Entry),
		connections: make(map[string]connBinding),
	}
}

// Upsert records the entry for its identity in the room, replacing any
// previous entry for the same identity. Returns true when the identity was
// not present before this call.
func (r *Registry) Upsert(room string, entry Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Entry)
		r.rooms[room] = members
	}
	_, existed := members[entry.UserID]
	members[entry.UserID] = entry
	return !existed
}

// Remove deletes the identity's entry only if its stored connection id still
// equals expectedConnectionID. A stale disconnect racing a reconnect is a
// defined no-op. When the removal empties the room, the room itself is
// forgotten.
func (r *Registry) Remove(room, userID, expectedConnectionID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		return Entry{}, false
	}
	entry, ok := members[userID]
	if !ok || entry.ConnectionID != expectedConnectionID {
		return Entry{}, false
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	return entry, true
}

// ListRoom returns a snapshot of the room's current members.
func (r *Registry) ListRoom(room string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.rooms[room]
	entries := make([]Entry, 0, len(members))
	for _, entry := range members {
		entries = append(entries, entry)
	}
	return entries
}

// TrackConnection records which room and identity a connection belongs to.
func (r *Registry) TrackConnection(connectionID, room, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[connectionID] = connBinding{room: room, userID: userID}
}

// LookupConnection returns the room and identity a connection is bound to
// without forgetting the mapping.
func (r *Registry) LookupConnection(connectionID string) (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.connections[connectionID]
	if !ok {
		return "", "", false
	}
	return binding.room, binding.userID, true
}

// UntrackConnection atomically forgets the connection's binding and returns
// it, so a connection id is never processed twice during cleanup.
func (r *Registry) UntrackConnection(connectionID string) (string, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	binding, ok := r.connections[connectionID]
	if !ok {
		return "", "", false
	}
	delete(r.connections, connectionID)
	return binding.room, binding.userID, true
}
