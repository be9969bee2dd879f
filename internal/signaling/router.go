package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/playmesh/signal-relay/internal/metrics"
	"github.com/playmesh/signal-relay/internal/registry"
	"github.com/playmesh/signal-relay/internal/room"
)

// Router decodes inbound envelopes and dispatches them against the registry
// and room store. It keeps no state of its own between messages; everything
// lives in the injected stores, so the router is safe to share across all
// connection goroutines.
type Router struct {
	log     *slog.Logger
	reg     *registry.Registry
	rooms   *room.Store
	metrics *metrics.Metrics

	// maxRoomCapacity clamps client-requested capacities. 0 disables the clamp.
	maxRoomCapacity int
}

func NewRouter(log *slog.Logger, reg *registry.Registry, rooms *room.Store, m *metrics.Metrics, maxRoomCapacity int) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:             log,
		reg:             reg,
		rooms:           rooms,
		metrics:         m,
		maxRoomCapacity: maxRoomCapacity,
	}
}

// HandleEnvelope processes one inbound frame from c. All failures are
// recovered locally: client-facing ones come back as error envelopes on the
// same connection, undeliverable negotiation messages are dropped silently.
func (rt *Router) HandleEnvelope(c *registry.Conn, data []byte) {
	env, err := ParseEnvelope(data)
	if err != nil {
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.log.Debug("malformed envelope", "conn", c.ID(), "err", err)
		rt.deliver(c, errorEnvelope(errInvalidFormat))
		return
	}

	switch {
	case env.Type == TypeJoinRoom:
		rt.handleJoinRoom(c, env)
	case env.Type == TypeLeaveRoom:
		rt.leave(c, room.ID(env.RoomID))
	case env.Type.IsNegotiation():
		rt.relay(c, env)
	default:
		rt.deliver(c, errorEnvelope(fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

func (rt *Router) handleJoinRoom(c *registry.Conn, env Envelope) {
	var req JoinRoomData
	if err := json.Unmarshal(env.Data, &req); err != nil {
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.deliver(c, errorEnvelope(errInvalidFormat))
		return
	}

	switch req.Action {
	case ActionCreate:
		rt.createRoom(c, req.RoomData)
	case ActionJoin:
		rt.joinRoom(c, room.ID(env.RoomID))
	default:
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.deliver(c, errorEnvelope(errInvalidFormat))
	}
}

func (rt *Router) createRoom(c *registry.Conn, settings *RoomSettings) {
	if settings == nil || settings.MaxPlayers < 1 {
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.deliver(c, errorEnvelope(errInvalidFormat))
		return
	}

	capacity := settings.MaxPlayers
	if rt.maxRoomCapacity > 0 && capacity > rt.maxRoomCapacity {
		capacity = rt.maxRoomCapacity
	}

	info := rt.rooms.Create(c.ID(), c.Name(), settings.Name, capacity, settings.IsPrivate)
	c.JoinedRoom(string(info.ID))

	rt.log.Info("room created", "room", info.ID, "host", c.ID(), "capacity", capacity, "private", info.Private)
	rt.deliver(c, Envelope{
		Type:   TypeRoomCreated,
		RoomID: string(info.ID),
		Data: mustData(RoomCreatedData{
			ID:         string(info.ID),
			Name:       info.Name,
			HostID:     string(info.HostID),
			MaxPlayers: info.Capacity,
			IsPrivate:  info.Private,
		}),
	})
}

func (rt *Router) joinRoom(c *registry.Conn, roomID room.ID) {
	info, members, err := rt.rooms.Join(roomID, c.ID(), c.Name())
	switch err {
	case nil:
	case room.ErrRoomNotFound:
		rt.deliver(c, errorEnvelope("Room not found"))
		return
	case room.ErrRoomFull:
		rt.deliver(c, errorEnvelope("Room is full"))
		return
	default:
		rt.deliver(c, errorEnvelope(err.Error()))
		return
	}
	c.JoinedRoom(string(roomID))

	rt.log.Info("peer joined room", "room", roomID, "conn", c.ID(), "members", len(members))
	rt.deliver(c, Envelope{
		Type:   TypeRoomJoined,
		RoomID: string(roomID),
		Data: mustData(RoomJoinedData{
			ID:         string(info.ID),
			Name:       info.Name,
			Host:       string(info.HostID),
			Players:    members,
			MaxPlayers: info.Capacity,
			IsPrivate:  info.Private,
		}),
	})
	rt.broadcast(members, Envelope{
		Type:   TypePeerJoined,
		RoomID: string(roomID),
		Data:   mustData(PeerData{ID: string(c.ID()), Name: c.Name()}),
	}, c.ID())
}

// leave unwinds one membership. It is shared by the leave-room handler and
// disconnect teardown: idempotent, and the peer-left broadcast goes to the
// post-removal snapshot only, so a double leave cannot notify twice.
func (rt *Router) leave(c *registry.Conn, roomID room.ID) {
	remaining, left, gone := rt.rooms.Leave(roomID, c.ID())
	c.LeftRoom(string(roomID))
	if !left {
		return
	}

	rt.broadcast(remaining, Envelope{
		Type:   TypePeerLeft,
		RoomID: string(roomID),
		Data:   mustData(string(c.ID())),
	}, "")

	if gone {
		rt.log.Info("room dissolved", "room", roomID, "by", c.ID(), "stranded", len(remaining))
		// The room is gone; drop it from the stranded members' room sets so
		// their own teardown does not chase a dead id.
		for _, m := range remaining {
			if mc, ok := rt.reg.Lookup(m.ID); ok {
				mc.LeftRoom(string(roomID))
			}
		}
	}
}

// relay forwards a negotiation envelope verbatim to its explicit target,
// rewriting only the sender id. Undeliverable messages are dropped without an
// error to the sender: negotiation is best-effort and retries belong to the
// negotiation layer above the relay.
func (rt *Router) relay(c *registry.Conn, env Envelope) {
	if env.RoomID == "" || env.TargetID == "" {
		rt.metrics.Inc(metrics.DropReasonMalformed)
		rt.deliver(c, errorEnvelope(errInvalidFormat))
		return
	}

	target := registry.ConnID(env.TargetID)
	if !rt.rooms.MemberOf(room.ID(env.RoomID), target) {
		rt.metrics.Inc(metrics.DropReasonTargetUnreachable)
		rt.log.Debug("relay target not in room", "type", env.Type, "room", env.RoomID, "target", target)
		return
	}

	tc, ok := rt.reg.Lookup(target)
	if !ok {
		rt.metrics.Inc(metrics.DropReasonTargetUnreachable)
		return
	}

	env.SenderID = string(c.ID())
	if rt.send(tc, env) {
		rt.metrics.Inc(metrics.EnvelopesRelayed)
	}
}

// HandleDisconnect tears down everything the connection touched: membership
// in every joined room (with peer-left broadcasts), then the registry record.
// Callers must invoke it exactly once per connection, after the last inbound
// envelope has been processed.
func (rt *Router) HandleDisconnect(c *registry.Conn) {
	for _, roomID := range c.Rooms() {
		rt.leave(c, room.ID(roomID))
	}
	rt.reg.Forget(c.ID())
	rt.metrics.Inc(metrics.ConnectionsClosed)
	rt.log.Info("connection closed", "conn", c.ID())
}
