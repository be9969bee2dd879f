package signaling

import (
	"github.com/playmesh/signal-relay/internal/metrics"
	"github.com/playmesh/signal-relay/internal/registry"
	"github.com/playmesh/signal-relay/internal/room"
)

// send encodes env and queues it on the connection's transport. A connection
// that is closing or backlogged drops the send; stale sends are expected
// during teardown races and never surface to the caller.
func (rt *Router) send(c *registry.Conn, env Envelope) bool {
	if !c.Deliver(mustData(env)) {
		rt.metrics.Inc(metrics.DropReasonTransportFailure)
		rt.log.Debug("dropped outbound envelope", "conn", c.ID(), "type", env.Type)
		return false
	}
	return true
}

// deliver sends to an already-resolved connection, ignoring delivery failure.
func (rt *Router) deliver(c *registry.Conn, env Envelope) {
	rt.send(c, env)
}

// unicast resolves connID through the registry and sends. Unresolvable ids
// are dropped.
func (rt *Router) unicast(connID registry.ConnID, env Envelope) {
	c, ok := rt.reg.Lookup(connID)
	if !ok {
		rt.metrics.Inc(metrics.DropReasonTargetUnreachable)
		return
	}
	rt.send(c, env)
}

// broadcast fans env out to every member except exclude. Callers pass a
// snapshot taken inside the same room critical section as the mutation that
// prompted the broadcast, so a member that left in the same tick is never
// addressed.
func (rt *Router) broadcast(members []room.Member, env Envelope, exclude registry.ConnID) {
	for _, m := range members {
		if m.ID == exclude {
			continue
		}
		rt.unicast(m.ID, env)
	}
}
