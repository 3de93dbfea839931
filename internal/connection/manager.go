package connection

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/babylonmarket/a2a/internal/idgen"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/ratelimit"
	"github.com/babylonmarket/a2a/internal/validation"
)

// Config bounds the registry.
type Config struct {
	MaxConnections int
	// AuthTimeout is how long a connection may stay unauthenticated.
	AuthTimeout time.Duration
	// IdleTimeout is how long a connection may go without a valid message.
	IdleTimeout time.Duration
	RateLimit   ratelimit.Config
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConnections: 1000,
		AuthTimeout:    30 * time.Second,
		IdleTimeout:    5 * time.Minute,
		RateLimit:      ratelimit.DefaultConfig(),
	}
}

// DisconnectHook runs after a connection leaves the registry. subscriptions
// holds the market ids the connection followed at close time.
type DisconnectHook func(c *Conn, subscriptions []string)

// Manager is the authoritative registry of live connections.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	conns   map[string]*Conn
	byAgent map[string]map[string]*Conn

	hooksMu sync.RWMutex
	hooks   []DisconnectHook

	totalAccepted atomic.Int64
	totalRejected atomic.Int64
	peak          atomic.Int64
}

// NewManager creates an empty registry.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		conns:   make(map[string]*Conn),
		byAgent: make(map[string]map[string]*Conn),
	}
}

// Config returns the registry configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// OnDisconnect registers a hook run whenever a connection is removed.
func (m *Manager) OnDisconnect(h DisconnectHook) {
	m.hooksMu.Lock()
	m.hooks = append(m.hooks, h)
	m.hooksMu.Unlock()
}

// Register stores a new unauthenticated connection for transport. The
// capacity check and the insert happen under one lock, so concurrent
// registrations can never overshoot MaxConnections. Overflow is rejected;
// existing connections are never evicted.
func (m *Manager) Register(t Transport) (*Conn, error) {
	now := m.now()
	c := &Conn{
		ID:            idgen.New(),
		ConnectedAt:   now,
		transport:     t,
		bucket:        ratelimit.NewBucket(m.cfg.RateLimit),
		identity:      Identity{AgentID: AnonymousAgent, Capabilities: DefaultCapabilities()},
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}

	m.mu.Lock()
	if m.cfg.MaxConnections > 0 && len(m.conns) >= m.cfg.MaxConnections {
		m.mu.Unlock()
		m.totalRejected.Add(1)
		metrics.ConnectionsRejectedTotal.Inc()
		m.logger.Warn("connection rejected: capacity reached", "max", m.cfg.MaxConnections)
		return nil, ErrCapacityExceeded
	}
	m.conns[c.ID] = c
	n := len(m.conns)
	m.mu.Unlock()

	m.totalAccepted.Add(1)
	if int64(n) > m.peak.Load() {
		m.peak.Store(int64(n))
	}
	metrics.ActiveConnections.Set(float64(n))
	m.logger.Debug("connection registered", "connection_id", c.ID, "total", n)
	return c, nil
}

// Ephemeral builds an authenticated session that is never registered. The
// stateless HTTP transport uses one per call, with identity taken from
// headers and a bucket shared across calls from the same agent.
func (m *Manager) Ephemeral(id Identity, bucket *ratelimit.Bucket) *Conn {
	now := m.now()
	if id.AgentID == "" {
		id.AgentID = AnonymousAgent
	}
	id.Capabilities = DefaultCapabilities().Merge(&id.Capabilities)
	return &Conn{
		ID:            idgen.New(),
		ConnectedAt:   now,
		bucket:        bucket,
		ephemeral:     true,
		identity:      id,
		authenticated: id.AgentID != AnonymousAgent,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}
}

// Get returns a registered connection.
func (m *Manager) Get(id string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// MarkAuthenticated promotes a connection exactly once. A repeat call is a
// no-op that returns the connection with its existing identity.
func (m *Manager) MarkAuthenticated(id string, ident Identity) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conns[id]
	if !ok {
		return nil, ErrNotFound
	}

	c.mu.Lock()
	if c.authenticated {
		c.mu.Unlock()
		return c, nil
	}
	ident.WalletAddress = validation.SanitizeAddress(ident.WalletAddress)
	c.identity = ident
	c.authenticated = true
	c.mu.Unlock()

	agents, ok := m.byAgent[ident.AgentID]
	if !ok {
		agents = make(map[string]*Conn)
		m.byAgent[ident.AgentID] = agents
	}
	agents[c.ID] = c
	return c, nil
}

// Touch records activity on a connection.
func (m *Manager) Touch(id string) {
	if c, ok := m.Get(id); ok {
		c.touch(m.now())
	}
}

// Close unregisters a connection, runs disconnect hooks, and closes its
// transport. Closing an unknown or already closed connection is a no-op.
func (m *Manager) Close(id string, code int, reason string) {
	m.mu.Lock()
	c, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
		agentID := c.AgentID()
		if agents, exists := m.byAgent[agentID]; exists {
			delete(agents, id)
			if len(agents) == 0 {
				delete(m.byAgent, agentID)
			}
		}
	}
	n := len(m.conns)
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.ActiveConnections.Set(float64(n))

	subs, first := c.markClosed()
	if !first {
		return
	}

	m.hooksMu.RLock()
	hooks := append([]DisconnectHook(nil), m.hooks...)
	m.hooksMu.RUnlock()
	for _, h := range hooks {
		h(c, subs)
	}

	if c.transport != nil {
		_ = c.transport.Close(code, reason)
	}
	metrics.ConnectionsClosedTotal.WithLabelValues(closeReason(code, reason)).Inc()
	m.logger.Info("connection closed",
		"connection_id", c.ID,
		"agent_id", c.AgentID(),
		"code", code,
		"reason", reason,
		"total", n,
	)
}

// SweepIdle closes every connection idle longer than idle, and every
// unauthenticated connection older than the auth timeout. It returns the
// number of connections closed.
func (m *Manager) SweepIdle(idle time.Duration) int {
	now := m.now()

	type victim struct {
		id     string
		code   int
		reason string
	}
	var victims []victim

	m.mu.RLock()
	for id, c := range m.conns {
		switch {
		case !c.Authenticated() && m.cfg.AuthTimeout > 0 && now.Sub(c.ConnectedAt) > m.cfg.AuthTimeout:
			victims = append(victims, victim{id, ClosePolicyViolation, "authentication timeout"})
		case idle > 0 && now.Sub(c.LastActivity()) > idle:
			victims = append(victims, victim{id, CloseNormal, "idle timeout"})
		}
	}
	m.mu.RUnlock()

	for _, v := range victims {
		m.Close(v.id, v.code, v.reason)
	}
	return len(victims)
}

// CloseAll closes every registered connection (used at shutdown).
func (m *Manager) CloseAll(code int, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Close(id, code, reason)
	}
}

// ConnsForAgent returns the live connections authenticated as agentID.
func (m *Manager) ConnsForAgent(agentID string) []*Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := m.byAgent[agentID]
	out := make([]*Conn, 0, len(agents))
	for _, c := range agents {
		out = append(out, c)
	}
	return out
}

// SendToAgent pushes msg to every live connection of agentID and returns
// how many accepted it. Send failures are logged, not returned; a connection
// whose send buffer is full is evicted.
func (m *Manager) SendToAgent(agentID string, msg []byte) int {
	delivered := 0
	for _, c := range m.ConnsForAgent(agentID) {
		if err := c.Send(msg); err != nil {
			if !m.EvictStalled(c, err) {
				m.logger.Debug("push to agent failed", "agent_id", agentID, "connection_id", c.ID, "error", err)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// EvictStalled closes c with CloseTryAgainLater when err reports a full
// send buffer, and reports whether it did. Callers must not hold a lock
// that a disconnect hook takes.
func (m *Manager) EvictStalled(c *Conn, err error) bool {
	if !errors.Is(err, ErrSendBufferFull) {
		return false
	}
	m.logger.Warn("evicting slow connection", "connection_id", c.ID, "agent_id", c.AgentID())
	m.Close(c.ID, CloseTryAgainLater, "send buffer full")
	return true
}

// IsOnline reports whether agentID has at least one live connection.
func (m *Manager) IsOnline(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byAgent[agentID]) > 0
}

// Agents returns one identity per authenticated agent, sorted by agent id.
func (m *Manager) Agents() []Identity {
	m.mu.RLock()
	out := make([]Identity, 0, len(m.byAgent))
	for _, conns := range m.byAgent {
		for _, c := range conns {
			out = append(out, c.Identity())
			break
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// Count returns the number of registered connections.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Stats returns registry statistics
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	n := len(m.conns)
	authenticated := 0
	for _, c := range m.conns {
		if c.Authenticated() {
			authenticated++
		}
	}
	agents := len(m.byAgent)
	m.mu.RUnlock()

	return map[string]interface{}{
		"connections":    n,
		"authenticated":  authenticated,
		"agents":         agents,
		"maxConnections": m.cfg.MaxConnections,
		"totalAccepted":  m.totalAccepted.Load(),
		"totalRejected":  m.totalRejected.Load(),
		"peak":           m.peak.Load(),
	}
}

func closeReason(code int, reason string) string {
	switch {
	case reason == "idle timeout":
		return "idle"
	case reason == "authentication timeout":
		return "auth_timeout"
	case code == ClosePolicyViolation:
		return "policy"
	case code == CloseGoingAway:
		return "shutdown"
	case code == CloseTryAgainLater:
		return "slow"
	default:
		return "peer"
	}
}
