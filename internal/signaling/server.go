package signaling

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playmesh/signal-relay/internal/metrics"
	"github.com/playmesh/signal-relay/internal/ratelimit"
	"github.com/playmesh/signal-relay/internal/registry"
	"github.com/playmesh/signal-relay/internal/room"
)

const (
	// Time allowed for a single websocket write.
	writeWait = 10 * time.Second

	// Outbound envelopes buffered per connection before sends are dropped.
	outboundQueueSize = 64
)

// Config wires together the runtime dependencies of the signaling surface.
type Config struct {
	Logger   *slog.Logger
	Registry *registry.Registry
	Rooms    *room.Store
	Metrics  *metrics.Metrics

	// Inbound hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// IdleTimeout is how long the relay waits for any read (pongs included)
	// before considering the connection dead. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxRoomCapacity clamps client-requested room capacities. 0 = no clamp.
	MaxRoomCapacity int
}

// Server terminates the websocket transport: one session goroutine pair per
// connection, envelopes handed to a shared Router. Origin policy is enforced
// by the outer httpserver middleware; the upgrader here accepts all origins
// so unit tests can dial it directly.
type Server struct {
	log     *slog.Logger
	reg     *registry.Registry
	rooms   *room.Store
	metrics *metrics.Metrics
	router  *Router

	maxMessageBytes      int64
	maxMessagesPerSecond int
	idleTimeout          time.Duration
	pingInterval         time.Duration

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
	closed   bool
}

func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	maxBytes := cfg.MaxMessageBytes
	if maxBytes <= 0 {
		maxBytes = 64 * 1024
	}
	maxPerSecond := cfg.MaxMessagesPerSecond
	if maxPerSecond <= 0 {
		maxPerSecond = 50
	}
	idle := cfg.IdleTimeout
	if idle <= 0 {
		idle = 60 * time.Second
	}
	ping := cfg.PingInterval
	if ping <= 0 || ping >= idle {
		ping = idle * 9 / 10
	}

	return &Server{
		log:                  log,
		reg:                  cfg.Registry,
		rooms:                cfg.Rooms,
		metrics:              cfg.Metrics,
		router:               NewRouter(log, cfg.Registry, cfg.Rooms, cfg.Metrics, cfg.MaxRoomCapacity),
		maxMessageBytes:      maxBytes,
		maxMessagesPerSecond: maxPerSecond,
		idleTimeout:          idle,
		pingInterval:         ping,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[*wsSession]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP provides minimal routing for tests and simple deployments.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet && r.URL.Path == "/ws" {
		s.handleWS(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sess := &wsSession{
		srv:  s,
		ws:   conn,
		out:  make(chan []byte, outboundQueueSize),
		done: make(chan struct{}),
		limiter: ratelimit.NewTokenBucket(ratelimit.RealClock{},
			int64(s.maxMessagesPerSecond), int64(s.maxMessagesPerSecond)),
	}
	if !s.track(sess) {
		// Shutting down; refuse new connections.
		_ = conn.Close()
		return
	}

	peer := s.reg.Register(r.URL.Query().Get("name"), sess)
	sess.peer = peer
	s.metrics.Inc(metrics.ConnectionsOpened)
	s.log.Info("connection opened", "conn", peer.ID(), "name", peer.Name(), "remote", conn.RemoteAddr())

	// Tell the peer its assigned identity before anything else; the welcome
	// rides the same outbound queue, so it is always the first envelope.
	peer.Deliver(mustData(Envelope{
		Type: TypeWelcome,
		Data: mustData(WelcomeData{ID: string(peer.ID()), Name: peer.Name()}),
	}))

	go sess.writePump()
	sess.readPump()
}

func (s *Server) track(sess *wsSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *wsSession) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
}

// Close stops accepting new connections and tears down the live ones. Each
// session flushes its queued outbound envelopes before its socket closes.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*wsSession, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.shutdown()
	}
}

// RunSweeper periodically deletes garbage rooms until ctx is cancelled.
// Swept rooms are empty, so no notifications are owed.
func (s *Server) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if swept := s.rooms.SweepGarbage(); len(swept) > 0 {
				s.log.Info("swept garbage rooms", "count", len(swept))
			}
		}
	}
}

// wsSession pairs one websocket connection with its outbound queue. readPump
// is the only goroutine reading the socket and the only one mutating shared
// state for this connection, so per-connection envelope order is preserved;
// writePump is the only writer.
type wsSession struct {
	srv     *Server
	ws      *websocket.Conn
	peer    *registry.Conn
	limiter *ratelimit.TokenBucket

	out  chan []byte
	done chan struct{}

	closing  atomic.Bool
	teardown sync.Once
}

// Deliver implements registry.Sink. It never blocks: a closing or backlogged
// session reports false and the envelope is dropped.
func (ss *wsSession) Deliver(payload []byte) bool {
	if ss.closing.Load() {
		return false
	}
	select {
	case ss.out <- payload:
		return true
	default:
		return false
	}
}

func (ss *wsSession) readPump() {
	defer ss.close()

	ss.ws.SetReadLimit(ss.srv.maxMessageBytes)
	_ = ss.ws.SetReadDeadline(time.Now().Add(ss.srv.idleTimeout))
	ss.ws.SetPongHandler(func(string) error {
		return ss.ws.SetReadDeadline(time.Now().Add(ss.srv.idleTimeout))
	})

	for {
		msgType, data, err := ss.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				ss.srv.log.Debug("read failed", "conn", ss.peer.ID(), "err", err)
			}
			return
		}
		if ss.limiter != nil && !ss.limiter.Allow(1) {
			ss.srv.metrics.Inc(metrics.DropReasonRateLimited)
			ss.peer.Deliver(mustData(errorEnvelope("rate limit exceeded")))
			return
		}
		if msgType != websocket.TextMessage {
			ss.srv.metrics.Inc(metrics.DropReasonMalformed)
			ss.peer.Deliver(mustData(errorEnvelope(errInvalidFormat)))
			continue
		}
		ss.srv.router.HandleEnvelope(ss.peer, data)
	}
}

func (ss *wsSession) writePump() {
	ticker := time.NewTicker(ss.srv.pingInterval)
	defer func() {
		ticker.Stop()
		_ = ss.ws.Close()
	}()

	for {
		select {
		case payload := <-ss.out:
			_ = ss.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ss.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = ss.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ss.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ss.done:
			// Flush whatever was queued before the teardown began.
			for {
				select {
				case payload := <-ss.out:
					_ = ss.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if ss.ws.WriteMessage(websocket.TextMessage, payload) != nil {
						return
					}
				default:
					_ = ss.ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = ss.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

// close runs the disconnect teardown exactly once: membership unwound with
// peer-left broadcasts, registry record forgotten, pumps stopped. It runs
// after readPump returns, so no further envelope from this connection can be
// processed once it begins.
func (ss *wsSession) close() {
	ss.teardown.Do(func() {
		ss.closing.Store(true)
		ss.srv.router.HandleDisconnect(ss.peer)
		close(ss.done)
		ss.srv.untrack(ss)
	})
}

// shutdown is the server-initiated close used during process termination.
// Closing the socket forces readPump out of its blocking read; teardown then
// runs on the session's own goroutine.
func (ss *wsSession) shutdown() {
	_ = ss.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(writeWait))
	_ = ss.ws.Close()
}
