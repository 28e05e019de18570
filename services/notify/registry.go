package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/taskpulse/taskpulse/internal/domain"
	"github.com/taskpulse/taskpulse/pkg/telemetry"
)

const (
	// maxPerOwner caps concurrent streams per owner.
	maxPerOwner = 3
	// outboundCap bounds each connection's queued frames.
	outboundCap = 16
	// rateLimit is the per-connection message budget per window; excess
	// messages coalesce into one multiple-updates notification.
	rateLimit  = 10
	rateWindow = time.Second
)

// Frame is one server-sent event ready for the wire.
type Frame struct {
	ID    string
	Event string
	Data  []byte
}

// Connection is the server side of one live notification stream. It exists
// only in memory: a restart drops every connection and the registry is
// rebuilt from scratch as clients reconnect.
type Connection struct {
	ID          string
	OwnerID     string
	RemoteAddr  string
	ConnectedAt time.Time

	out       chan Frame
	closeOnce sync.Once
	closed    chan struct{}
	lastWrite atomic.Int64 // unix nanos of the last successful flush

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
	coalesced   int
}

func newConnection(ownerID, remoteAddr string, now time.Time) *Connection {
	c := &Connection{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		RemoteAddr:  remoteAddr,
		ConnectedAt: now,
		out:         make(chan Frame, outboundCap),
		closed:      make(chan struct{}),
	}
	c.lastWrite.Store(now.UnixNano())
	return c
}

// Enqueue offers an event frame to the connection, applying the per-second
// rate limit. Over-budget frames are merged into a pending multiple-updates
// summary instead of being delivered individually.
func (c *Connection) Enqueue(now time.Time, f Frame) {
	c.mu.Lock()
	c.rollWindowLocked(now)
	if c.windowCount >= rateLimit {
		c.coalesced++
		telemetry.NotifyCoalesced.Inc()
		c.mu.Unlock()
		return
	}
	c.windowCount++
	c.mu.Unlock()

	c.push(f)
}

// EnqueueSystem bypasses the rate limit; used for heartbeats.
func (c *Connection) EnqueueSystem(f Frame) {
	c.push(f)
}

// FlushCoalesced emits the pending multiple-updates summary if the rate
// window has passed. Called on each new window roll and from the heartbeat
// sweep so a burst's summary is never stranded.
func (c *Connection) FlushCoalesced(now time.Time) {
	c.mu.Lock()
	c.rollWindowLocked(now)
	c.mu.Unlock()
}

// rollWindowLocked starts a new rate window when the current one has
// elapsed, first converting any coalesced backlog into a summary frame.
func (c *Connection) rollWindowLocked(now time.Time) {
	if now.Sub(c.windowStart) < rateWindow {
		return
	}
	if c.coalesced > 0 {
		summary := Frame{
			Event: "multiple_updates",
			Data:  []byte(`{"suppressed":` + itoa(c.coalesced) + `}`),
		}
		c.coalesced = 0
		// Summaries do not count against the fresh window.
		c.push(summary)
	}
	c.windowStart = now
	c.windowCount = 0
}

// push delivers to the outbound channel, dropping the oldest queued frame
// when it is full. Delivery is best effort and never blocks the caller.
func (c *Connection) push(f Frame) {
	select {
	case <-c.closed:
		return
	default:
	}

	for {
		select {
		case c.out <- f:
			return
		default:
		}
		select {
		case <-c.out: // slow consumer: shed the oldest frame
			telemetry.NotifyDropped.Inc()
		default:
		}
	}
}

// Touch records a successful write to the client.
func (c *Connection) Touch(now time.Time) {
	c.lastWrite.Store(now.UnixNano())
}

// Stale reports whether the client has been silent past the deadline.
func (c *Connection) Stale(now time.Time, silence time.Duration) bool {
	return now.Sub(time.Unix(0, c.lastWrite.Load())) > silence
}

// Close terminates the stream. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Done is closed when the connection has been shut down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Out is the frame channel consumed by the stream writer.
func (c *Connection) Out() <-chan Frame { return c.out }

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// Registry maps owner ids to their live connections.
type Registry struct {
	mu      sync.Mutex
	byOwner map[string]map[string]*Connection
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byOwner: make(map[string]map[string]*Connection)}
}

// Add registers a connection, enforcing the per-owner cap.
func (r *Registry) Add(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byOwner[conn.OwnerID]
	if len(conns) >= maxPerOwner {
		telemetry.NotifyCapacityRejections.Inc()
		return &domain.ConnectionCapacityError{OwnerID: conn.OwnerID, Limit: maxPerOwner}
	}
	if conns == nil {
		conns = make(map[string]*Connection)
		r.byOwner[conn.OwnerID] = conns
	}
	conns[conn.ID] = conn
	telemetry.NotifyConnections.Inc()
	return nil
}

// Remove unregisters and closes a connection. Idempotent.
func (r *Registry) Remove(ownerID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := r.byOwner[ownerID]
	conn, ok := conns[connID]
	if !ok {
		return
	}
	conn.Close()
	delete(conns, connID)
	if len(conns) == 0 {
		delete(r.byOwner, ownerID)
	}
	telemetry.NotifyConnections.Dec()
}

// ForOwner returns the owner's live connections.
func (r *Registry) ForOwner(ownerID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]*Connection, 0, len(r.byOwner[ownerID]))
	for _, c := range r.byOwner[ownerID] {
		conns = append(conns, c)
	}
	return conns
}

// All returns every live connection.
func (r *Registry) All() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conns []*Connection
	for _, byID := range r.byOwner {
		for _, c := range byID {
			conns = append(conns, c)
		}
	}
	return conns
}
