package live

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Pusher is the transport-level half of a live connection: a bidirectional
// push-capable channel with a close hook. The registry never knows about
// websockets or wire formats.
type Pusher interface {
	// Push delivers one message. Must not block beyond its internal send
	// timeout; an error means the connection is unusable.
	Push(ctx context.Context, msg Message) error
	// Close tears the transport down. Must be safe to call more than once.
	Close()
}

// Conn ties a Pusher to exactly one user, optionally scoped to one room.
// Room-scoped connections receive only that room's post/membership events;
// unscoped connections receive account-wide notification deltas.
type Conn struct {
	ID     uuid.UUID
	UserID string
	// uuid.Nil for a global (account-scope) connection
	RoomID uuid.UUID
	Pusher Pusher
}

func NewConn(userID string, roomID uuid.UUID, p Pusher) *Conn {
	return &Conn{
		ID:     uuid.New(),
		UserID: userID,
		RoomID: roomID,
		Pusher: p,
	}
}

func (c *Conn) IsGlobal() bool {
	return c.RoomID == uuid.Nil
}

// Registry tracks the currently-open live connections, indexed by user and by
// room. Pure ephemeral process state: on restart all connections are gone and
// clients reconnect.
type Registry struct {
	mu     *sync.Mutex
	conns  map[uuid.UUID]*Conn
	byUser map[string][]*Conn
	byRoom map[uuid.UUID][]*Conn

	gauge prometheus.Gauge
}

func NewRegistry(enablePrometheus bool) *Registry {
	r := &Registry{
		mu:     &sync.Mutex{},
		conns:  make(map[uuid.UUID]*Conn),
		byUser: make(map[string][]*Conn),
		byRoom: make(map[uuid.UUID][]*Conn),
	}
	if enablePrometheus {
		r.gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipboard",
			Subsystem: "live",
			Name:      "num_open_conns",
			Help:      "Number of open live connections",
		})
		prometheus.MustRegister(r.gauge)
	}
	return r
}

// Attach registers the connection for fan-out.
func (r *Registry) Attach(conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conns[conn.ID]; exists {
		return
	}
	r.conns[conn.ID] = conn
	r.byUser[conn.UserID] = append(r.byUser[conn.UserID], conn)
	if !conn.IsGlobal() {
		r.byRoom[conn.RoomID] = append(r.byRoom[conn.RoomID], conn)
	}
	if r.gauge != nil {
		r.gauge.Inc()
	}
}

// Detach removes the connection and closes its transport. Idempotent:
// detaching an already-removed connection is a no-op, not an error, because
// teardown races with push-failure detection.
func (r *Registry) Detach(conn *Conn) {
	r.mu.Lock()
	if _, exists := r.conns[conn.ID]; !exists {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.ID)
	r.byUser[conn.UserID] = removeConn(r.byUser[conn.UserID], conn.ID)
	if len(r.byUser[conn.UserID]) == 0 {
		delete(r.byUser, conn.UserID)
	}
	if !conn.IsGlobal() {
		r.byRoom[conn.RoomID] = removeConn(r.byRoom[conn.RoomID], conn.ID)
		if len(r.byRoom[conn.RoomID]) == 0 {
			delete(r.byRoom, conn.RoomID)
		}
	}
	if r.gauge != nil {
		r.gauge.Dec()
	}
	r.mu.Unlock()
	conn.Pusher.Close()
}

func removeConn(conns []*Conn, id uuid.UUID) []*Conn {
	for i := 0; i < len(conns); i++ {
		if conns[i].ID == id {
			// delete without preserving order
			conns[i] = conns[len(conns)-1]
			conns = conns[:len(conns)-1]
		}
	}
	return conns
}

// ConnsForUser snapshots all of a user's connections, global and room-scoped.
// The snapshot may race benignly with attach/detach: missing a connection that
// attaches mid-fanout is acceptable, and a push to one that detached is a
// non-fatal per-connection failure.
func (r *Registry) ConnsForUser(userID string) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byUser[userID]
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// ConnsForRoom snapshots the connections scoped to one room.
func (r *Registry) ConnsForRoom(roomID uuid.UUID) []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.byRoom[roomID]
	out := make([]*Conn, len(conns))
	copy(out, conns)
	return out
}

// GlobalConns snapshots every account-scope connection, for broadcasts such as
// new announcements.
func (r *Registry) GlobalConns() []*Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Conn
	for _, conns := range r.byUser {
		for _, c := range conns {
			if c.IsGlobal() {
				out = append(out, c)
			}
		}
	}
	return out
}

func (r *Registry) NumConns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// CloseAll detaches and closes every connection; called on server shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	all := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		all = append(all, c)
	}
	r.mu.Unlock()
	for _, c := range all {
		r.Detach(c)
	}
	logger.Info().Int("closed", len(all)).Msg("live registry shut down")
}
