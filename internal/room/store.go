// Package room owns room metadata, membership and the room lifecycle
// (create, populate, drain, delete).
//
// Membership mutations on a single room are serialized by a per-room mutex so
// a join, a leave and the snapshot taken for a broadcast cannot interleave on
// the same room, while unrelated rooms never contend with each other. The
// store-level mutex only guards the room map itself.
package room

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/playmesh/signal-relay/internal/metrics"
	"github.com/playmesh/signal-relay/internal/registry"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room is full")
)

// ID is the server-generated identity of a room.
type ID string

// Member is the lightweight record a room keeps per member connection. Rooms
// reference connections by id only; the registry resolves ids to transports.
type Member struct {
	ID   registry.ConnID `json:"id"`
	Name string          `json:"name"`
}

// Info is an immutable snapshot of a room's metadata.
type Info struct {
	ID        ID
	Name      string
	HostID    registry.ConnID
	Capacity  int
	Private   bool
	CreatedAt time.Time
}

type roomState struct {
	info Info

	mu        sync.Mutex
	members   map[registry.ConnID]Member
	dissolved bool
}

// garbageLocked reports whether the room must be deleted: empty membership,
// or the host is no longer a member. Host departure dissolves the room even
// when other members remain.
func (r *roomState) garbageLocked() bool {
	if len(r.members) == 0 {
		return true
	}
	_, hostPresent := r.members[r.info.HostID]
	return !hostPresent
}

func (r *roomState) snapshotLocked() []Member {
	return lo.MapToSlice(r.members, func(_ registry.ConnID, m Member) Member { return m })
}

// Store tracks every live room. It is process-scoped state owned by the
// relay's top-level wiring and injected into the router, so the in-memory
// implementation could be swapped without touching dispatch logic.
type Store struct {
	metrics *metrics.Metrics
	clock   func() time.Time

	mu    sync.RWMutex
	rooms map[ID]*roomState
}

func NewStore(m *metrics.Metrics) *Store {
	return &Store{
		metrics: m,
		clock:   time.Now,
		rooms:   make(map[ID]*roomState),
	}
}

// Create makes a new room with the host as its first member. It always
// succeeds.
func (s *Store) Create(hostID registry.ConnID, hostName, name string, capacity int, private bool) Info {
	info := Info{
		ID:        ID(uuid.NewString()),
		Name:      name,
		HostID:    hostID,
		Capacity:  capacity,
		Private:   private,
		CreatedAt: s.clock(),
	}
	r := &roomState{
		info: info,
		members: map[registry.ConnID]Member{
			hostID: {ID: hostID, Name: hostName},
		},
	}

	s.mu.Lock()
	s.rooms[info.ID] = r
	s.mu.Unlock()

	s.metrics.Inc(metrics.RoomsCreated)
	return info
}

func (s *Store) get(id ID) (*roomState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	return r, ok
}

// Get returns the room's metadata.
func (s *Store) Get(id ID) (Info, bool) {
	r, ok := s.get(id)
	if !ok {
		return Info{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dissolved {
		return Info{}, false
	}
	return r.info, true
}

// Join adds the connection to the room and returns a snapshot of the full
// membership (joiner included) so the joiner can start negotiating with
// existing peers. Fails with ErrRoomNotFound or ErrRoomFull.
//
// Joining a room the connection is already in refreshes its member record and
// does not count against capacity.
func (s *Store) Join(id ID, connID registry.ConnID, name string) (Info, []Member, error) {
	r, ok := s.get(id)
	if !ok {
		return Info{}, nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dissolved {
		return Info{}, nil, ErrRoomNotFound
	}
	if _, already := r.members[connID]; !already && len(r.members) >= r.info.Capacity {
		return Info{}, nil, ErrRoomFull
	}
	r.members[connID] = Member{ID: connID, Name: name}

	s.metrics.Inc(metrics.RoomsJoined)
	return r.info, r.snapshotLocked(), nil
}

// Leave removes the connection from the room. It is idempotent: a missing
// room or membership entry is a no-op with left=false.
//
// remaining is the post-removal membership snapshot (the peers that should be
// told about the departure). gone reports that the removal made the room
// garbage; the room is deleted before Leave returns, and remaining then holds
// the members stranded by the dissolution.
func (s *Store) Leave(id ID, connID registry.ConnID) (remaining []Member, left, gone bool) {
	r, ok := s.get(id)
	if !ok {
		return nil, false, false
	}

	r.mu.Lock()
	if r.dissolved {
		r.mu.Unlock()
		return nil, false, false
	}
	if _, member := r.members[connID]; !member {
		r.mu.Unlock()
		return nil, false, false
	}
	delete(r.members, connID)
	remaining = r.snapshotLocked()
	gone = r.garbageLocked()
	if gone {
		r.dissolved = true
	}
	r.mu.Unlock()

	if gone {
		s.delete(id)
		s.metrics.Inc(metrics.RoomsDeleted)
	}
	return remaining, true, gone
}

func (s *Store) delete(id ID) {
	s.mu.Lock()
	delete(s.rooms, id)
	s.mu.Unlock()
}

// MemberOf reports whether connID is currently a member of the room. Used to
// validate negotiation relay targets.
func (s *Store) MemberOf(id ID, connID registry.ConnID) bool {
	r, ok := s.get(id)
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dissolved {
		return false
	}
	_, member := r.members[connID]
	return member
}

// Snapshot returns the room's current membership.
func (s *Store) Snapshot(id ID) ([]Member, bool) {
	r, ok := s.get(id)
	if !ok {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dissolved {
		return nil, false
	}
	return r.snapshotLocked(), true
}

// SweepGarbage deletes and returns every room currently satisfying the
// garbage predicate. Swept rooms have no members left to notify, so sweeping
// sends nothing.
func (s *Store) SweepGarbage() []ID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept []ID
	for id, r := range s.rooms {
		r.mu.Lock()
		garbage := !r.dissolved && r.garbageLocked()
		if garbage {
			r.dissolved = true
		}
		r.mu.Unlock()

		if garbage {
			delete(s.rooms, id)
			swept = append(swept, id)
			s.metrics.Inc(metrics.RoomsSwept)
			s.metrics.Inc(metrics.RoomsDeleted)
		}
	}
	return swept
}

// Len returns the number of live rooms.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}
