package metrics

import "sync"

// Counter names used across the relay.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"

	RoomsCreated = "rooms_created"
	RoomsJoined  = "rooms_joined"
	RoomsDeleted = "rooms_deleted"
	RoomsSwept   = "rooms_swept"

	EnvelopesRelayed = "envelopes_relayed"

	// Drop reasons.
	DropReasonTargetUnreachable = "drop_target_unreachable"
	DropReasonTransportFailure  = "drop_transport_failure"
	DropReasonRateLimited       = "drop_rate_limited"
	DropReasonMalformed         = "drop_malformed_envelope"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Deployments that want a real metrics backend scrape the Prometheus text
// endpoint (see PrometheusHandler); keeping the registry in-process keeps the
// delivery and cleanup paths testable without external infrastructure.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
