package venue

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/venued/venued/pkg/types"
)

// Connection pairs a venue handle with the health bookkeeping the
// monitor maintains. A nil handle marks a venue whose construction
// failed; it stays registered so fan-out results still report it.
type Connection struct {
	name string

	mu          sync.RWMutex
	handle      types.Venue
	status      types.HealthState
	lastChecked time.Time
	closed      bool
}

func newConnection(name string, handle types.Venue) *Connection {
	status := types.HealthUnknown
	if handle == nil {
		status = types.HealthUnreachable
	}
	return &Connection{name: name, handle: handle, status: status}
}

func (c *Connection) Name() string { return c.name }

// Handle returns the live venue handle. ok is false when the venue never
// came up or has been closed.
func (c *Connection) Handle() (types.Venue, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handle == nil || c.closed {
		return nil, false
	}
	return c.handle, true
}

func (c *Connection) Status() types.HealthState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Connection) LastChecked() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastChecked
}

func (c *Connection) setHealth(status types.HealthState, at time.Time) types.HealthState {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.status
	c.status = status
	c.lastChecked = at
	return prev
}

func (c *Connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.status = types.HealthUnreachable
	if c.handle == nil {
		return nil
	}
	return c.handle.Close()
}

// Registry holds every configured venue for the life of the process.
// The set is fixed once startup finishes; only health state and
// closedness change afterwards.
type Registry struct {
	log *logrus.Entry

	mu    sync.RWMutex
	conns map[string]*Connection
	order []string
}

func NewRegistry(log *logrus.Entry) *Registry {
	return &Registry{
		log:   log.WithField("component", "registry"),
		conns: make(map[string]*Connection),
	}
}

// Register adds a venue connection. handle may be nil for venues whose
// construction failed; those are excluded from ListEnabled but still
// show up in All. Registering the same name twice replaces nothing and
// returns the existing connection.
func (r *Registry) Register(name string, handle types.Venue) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.conns[name]; ok {
		return existing
	}
	conn := newConnection(name, handle)
	r.conns[name] = conn
	r.order = append(r.order, name)
	return conn
}

// Get returns the connection for name, dead or alive. Unknown names are
// an error: the venue set is static and a miss means misconfiguration.
func (r *Registry) Get(name string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[name]
	if !ok {
		return nil, fmt.Errorf("venue %s is not registered", name)
	}
	return conn, nil
}

// ListEnabled returns the names of venues with a live handle, in
// registration order.
func (r *Registry) ListEnabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if _, ok := r.conns[name].Handle(); ok {
			names = append(names, name)
		}
	}
	return names
}

// All returns every registered connection in registration order,
// including dead ones. Fan-out operations iterate this so failed venues
// still get a result entry.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]*Connection, 0, len(r.order))
	for _, name := range r.order {
		conns = append(conns, r.conns[name])
	}
	return conns
}

// Statuses snapshots the health state per venue.
func (r *Registry) Statuses() map[string]types.HealthState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.HealthState, len(r.conns))
	for name, conn := range r.conns {
		out[name] = conn.Status()
	}
	return out
}

// SetHealth records a monitor verdict and returns the previous state.
func (r *Registry) SetHealth(name string, status types.HealthState) types.HealthState {
	r.mu.RLock()
	conn, ok := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		return types.HealthUnknown
	}
	return conn.setHealth(status, time.Now())
}

// Close releases one venue's handle. The venue stays registered but
// stops being listed as enabled.
func (r *Registry) Close(name string) error {
	conn, err := r.Get(name)
	if err != nil {
		return err
	}
	if err := conn.close(); err != nil {
		return fmt.Errorf("close venue %s: %w", name, err)
	}
	r.log.WithField("venue", name).Info("venue closed")
	return nil
}

// CloseAll releases every handle exactly once. Calling it again is a
// no-op.
func (r *Registry) CloseAll() {
	for _, conn := range r.All() {
		if err := conn.close(); err != nil {
			r.log.WithField("venue", conn.Name()).WithError(err).Warn("close failed")
		}
	}
}
