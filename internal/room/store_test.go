package room

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/playmesh/signal-relay/internal/metrics"
	"github.com/playmesh/signal-relay/internal/registry"
)

func TestStore_CreateInsertsHostAsFirstMember(t *testing.T) {
	s := NewStore(metrics.New())

	info := s.Create("host-1", "alice", "lobby", 4, false)
	require.NotEmpty(t, info.ID)
	require.Equal(t, registry.ConnID("host-1"), info.HostID)
	require.Equal(t, 4, info.Capacity)
	require.False(t, info.Private)
	require.False(t, info.CreatedAt.IsZero())

	members, ok := s.Snapshot(info.ID)
	require.True(t, ok)
	require.Equal(t, []Member{{ID: "host-1", Name: "alice"}}, members)
}

func TestStore_JoinRespectsCapacity(t *testing.T) {
	s := NewStore(metrics.New())
	info := s.Create("host-1", "alice", "lobby", 2, false)

	_, members, err := s.Join(info.ID, "conn-b", "bob")
	require.NoError(t, err)
	require.Len(t, members, 2)

	// Room is at capacity now; the next join is rejected and size stays 2.
	_, _, err = s.Join(info.ID, "conn-c", "carol")
	require.ErrorIs(t, err, ErrRoomFull)
	members, ok := s.Snapshot(info.ID)
	require.True(t, ok)
	require.Len(t, members, 2)

	// Rejoining an existing member does not count against capacity.
	_, members, err = s.Join(info.ID, "conn-b", "bobby")
	require.NoError(t, err)
	require.Len(t, members, 2)
}

func TestStore_JoinUnknownRoom(t *testing.T) {
	s := NewStore(metrics.New())
	_, _, err := s.Join("nope", "conn-a", "alice")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStore_LeaveIsIdempotent(t *testing.T) {
	s := NewStore(metrics.New())
	info := s.Create("host-1", "alice", "lobby", 3, false)
	_, _, err := s.Join(info.ID, "conn-b", "bob")
	require.NoError(t, err)

	remaining, left, gone := s.Leave(info.ID, "conn-b")
	require.True(t, left)
	require.False(t, gone)
	require.Equal(t, []Member{{ID: "host-1", Name: "alice"}}, remaining)

	// Second leave for the same pair is a no-op.
	_, left, gone = s.Leave(info.ID, "conn-b")
	require.False(t, left)
	require.False(t, gone)

	// Unknown room is a no-op too.
	_, left, _ = s.Leave("nope", "conn-b")
	require.False(t, left)
}

func TestStore_HostDepartureDissolvesRoom(t *testing.T) {
	s := NewStore(metrics.New())
	info := s.Create("host-1", "alice", "lobby", 3, false)
	_, _, err := s.Join(info.ID, "conn-b", "bob")
	require.NoError(t, err)
	_, _, err = s.Join(info.ID, "conn-c", "carol")
	require.NoError(t, err)

	remaining, left, gone := s.Leave(info.ID, "host-1")
	require.True(t, left)
	require.True(t, gone, "host departure must dissolve the room regardless of remaining members")
	require.ElementsMatch(t, []Member{{ID: "conn-b", Name: "bob"}, {ID: "conn-c", Name: "carol"}}, remaining)

	_, ok := s.Get(info.ID)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())

	// Joins racing the dissolution observe a missing room.
	_, _, err = s.Join(info.ID, "conn-d", "dave")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStore_LastMemberLeavingDeletesRoom(t *testing.T) {
	s := NewStore(metrics.New())
	info := s.Create("host-1", "alice", "lobby", 2, false)

	remaining, left, gone := s.Leave(info.ID, "host-1")
	require.True(t, left)
	require.True(t, gone)
	require.Empty(t, remaining)
	require.Equal(t, 0, s.Len())
}

func TestStore_MemberOf(t *testing.T) {
	s := NewStore(metrics.New())
	info := s.Create("host-1", "alice", "lobby", 2, false)

	require.True(t, s.MemberOf(info.ID, "host-1"))
	require.False(t, s.MemberOf(info.ID, "conn-b"))
	require.False(t, s.MemberOf("nope", "host-1"))
}

func TestStore_SweepGarbage(t *testing.T) {
	m := metrics.New()
	s := NewStore(m)

	live := s.Create("host-1", "alice", "keep", 2, false)

	// Manufacture rooms that lost their members or host without going through
	// the eager delete path, the way a crashed teardown would leave them.
	empty := s.Create("host-2", "bob", "drained", 2, false)
	s.rooms[empty.ID].members = map[registry.ConnID]Member{}
	hostless := s.Create("host-3", "carol", "orphaned", 3, true)
	delete(s.rooms[hostless.ID].members, "host-3")
	s.rooms[hostless.ID].members["conn-x"] = Member{ID: "conn-x", Name: "xavier"}

	swept := s.SweepGarbage()
	require.ElementsMatch(t, []ID{empty.ID, hostless.ID}, swept)
	require.Equal(t, 1, s.Len())
	require.True(t, s.MemberOf(live.ID, "host-1"))
	require.Equal(t, uint64(2), m.Get(metrics.RoomsSwept))

	// Nothing left to sweep.
	require.Empty(t, s.SweepGarbage())
}

func TestStore_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	s := NewStore(metrics.New())
	const capacity = 8
	info := s.Create("host-1", "alice", "lobby", capacity, false)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 1 // host
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := registry.ConnID(fmt.Sprintf("conn-%02d", i))
			if _, _, err := s.Join(info.ID, id, "peer"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, capacity, admitted)
	members, ok := s.Snapshot(info.ID)
	require.True(t, ok)
	require.Len(t, members, capacity)
}
