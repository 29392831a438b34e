package realtime

import "sync"

// Broadcaster manages transport-level group membership per room and fans
// messages out to connections. Delivery is FIFO per sender and best-effort;
// each Conn owns its back-pressure policy.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn
}

// NewBroadcaster constructs an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		rooms: make(map[string]map[string]Conn),
	}
}

// Join adds the connection to the room's delivery group. Group membership is
// keyed by connection, not identity: during a reconnect two connections for
// one identity may transiently both be in the group.
func (b *Broadcaster) Join(room string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		b.rooms[room] = members
	}
	members[conn.ID()] = conn
}

// Leave removes the connection from the room's delivery group.
func (b *Broadcaster) Leave(room, connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

// SendToOthers delivers the event to every connection in the room except the
// sender.
func (b *Broadcaster) SendToOthers(room, senderConnectionID, event string, payload any) {
	for _, conn := range b.snapshot(room) {
		if conn.ID() == senderConnectionID {
			continue
		}
		conn.Send(event, payload)
	}
}

// SendToRoom delivers the event to every connection in the room.
func (b *Broadcaster) SendToRoom(room, event string, payload any) {
	for _, conn := range b.snapshot(room) {
		conn.Send(event, payload)
	}
}

func (b *Broadcaster) snapshot(room string) []Conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	members := b.rooms[room]
	conns := make([]Conn, 0, len(members))
	for _, conn := range members {
		conns = append(conns, conn)
	}
	return conns
}
