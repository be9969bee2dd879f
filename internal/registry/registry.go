// Package registry tracks live signaling connections and which rooms each one
// has joined.
//
// The registry owns Connection records. Rooms never hold connection pointers;
// they store connection ids and resolve them back through the registry, so
// tearing down a connection is a pure "remove every reference to this id"
// sweep.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// ConnID is the server-generated identity of one live transport session.
type ConnID string

// Sink is the outbound side of a connection's transport. Deliver reports
// false when the payload could not be queued (connection closing or its
// outbound buffer full); such sends are dropped, never retried.
type Sink interface {
	Deliver(payload []byte) bool
}

// Conn is one live connection. The registry is its sole owner.
type Conn struct {
	id   ConnID
	name string
	sink Sink

	mu    sync.Mutex
	rooms map[string]struct{}
}

func (c *Conn) ID() ConnID { return c.id }

// Name is the caller-supplied display identity. Untrusted, not unique.
func (c *Conn) Name() string { return c.name }

// Deliver queues one encoded envelope on the connection's transport.
func (c *Conn) Deliver(payload []byte) bool {
	return c.sink.Deliver(payload)
}

// JoinedRoom records that the connection is a member of roomID.
func (c *Conn) JoinedRoom(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

// LeftRoom removes roomID from the connection's room set. No-op when absent.
func (c *Conn) LeftRoom(roomID string) {
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
}

// Rooms returns a snapshot of the room ids the connection currently belongs to.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// Registry is the side table resolving connection ids to live connections.
// Registration and removal are rare relative to lookups, so a single mutex
// over the whole map is sufficient.
type Registry struct {
	mu    sync.Mutex
	conns map[ConnID]*Conn
}

func New() *Registry {
	return &Registry{
		conns: make(map[ConnID]*Conn),
	}
}

// Register allocates a fresh connection id and inserts a record with an empty
// room set. It never fails.
func (r *Registry) Register(name string, sink Sink) *Conn {
	id := ConnID(uuid.NewString())
	if name == "" {
		name = "peer-" + string(id)[:8]
	}
	c := &Conn{
		id:    id,
		name:  name,
		sink:  sink,
		rooms: make(map[string]struct{}),
	}
	r.mu.Lock()
	r.conns[id] = c
	r.mu.Unlock()
	return c
}

func (r *Registry) Lookup(id ConnID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	return c, ok
}

// Forget removes the connection record. Callers must unwind all room
// memberships first; forgetting earlier would leave rooms holding ids the
// registry can no longer resolve.
func (r *Registry) Forget(id ConnID) {
	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}
