package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type nullSink struct{ delivered int }

func (s *nullSink) Deliver(payload []byte) bool {
	s.delivered++
	return true
}

func TestRegistry_RegisterLookupForget(t *testing.T) {
	r := New()

	a := r.Register("alice", &nullSink{})
	b := r.Register("bob", &nullSink{})
	require.NotEqual(t, a.ID(), b.ID())
	require.Equal(t, 2, r.Len())

	got, ok := r.Lookup(a.ID())
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, "alice", got.Name())

	r.Forget(a.ID())
	_, ok = r.Lookup(a.ID())
	require.False(t, ok)
	require.Equal(t, 1, r.Len())

	// Forget is idempotent.
	r.Forget(a.ID())
	require.Equal(t, 1, r.Len())
}

func TestRegistry_DefaultsDisplayName(t *testing.T) {
	r := New()
	c := r.Register("", &nullSink{})
	require.NotEmpty(t, c.Name())
	require.Contains(t, c.Name(), "peer-")
}

func TestConn_RoomSet(t *testing.T) {
	r := New()
	c := r.Register("alice", &nullSink{})

	require.Empty(t, c.Rooms())

	c.JoinedRoom("r1")
	c.JoinedRoom("r2")
	require.ElementsMatch(t, []string{"r1", "r2"}, c.Rooms())

	c.LeftRoom("r1")
	require.Equal(t, []string{"r2"}, c.Rooms())

	// Leaving a room the connection never joined is a no-op.
	c.LeftRoom("r3")
	require.Equal(t, []string{"r2"}, c.Rooms())
}

func TestConn_DeliverUsesSink(t *testing.T) {
	r := New()
	sink := &nullSink{}
	c := r.Register("alice", sink)

	require.True(t, c.Deliver([]byte(`{}`)))
	require.Equal(t, 1, sink.delivered)
}
