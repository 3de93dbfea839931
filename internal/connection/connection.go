// Package connection owns the registry of live A2A sessions.
//
// A Conn is created unauthenticated when a transport is accepted, promoted
// exactly once by a successful handshake, and destroyed on transport close,
// idle or authentication timeout, or policy violation. Only the Manager
// mutates identity fields; other components read them.
package connection

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/babylonmarket/a2a/internal/ratelimit"
)

var (
	ErrCapacityExceeded = errors.New("connection limit reached")
	ErrNotFound         = errors.New("connection not found")
	ErrClosed           = errors.New("connection closed")
	ErrNoTransport      = errors.New("connection has no push transport")
	// ErrSendBufferFull is returned by a Transport whose peer is not draining.
	ErrSendBufferFull = errors.New("send buffer full")
)

// WebSocket close codes (RFC 6455) used when the server ends a session.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

// AnonymousAgent is the agent id of a connection that has not authenticated.
const AnonymousAgent = "anonymous"

// ProtocolVersion is the capability version the server advertises.
const ProtocolVersion = "1.0.0"

// Transport is the push side of a session. Send must not block on a slow
// peer; implementations buffer and fail fast.
type Transport interface {
	Send(msg []byte) error
	Close(code int, reason string) error
}

// Capabilities is what an agent declares it can do.
type Capabilities struct {
	Strategies []string `json:"strategies"`
	Markets    []string `json:"markets"`
	Actions    []string `json:"actions"`
	Version    string   `json:"version"`
}

// DefaultCapabilities returns the server defaults, with empty (not nil)
// lists so they encode as [].
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Strategies: []string{},
		Markets:    []string{},
		Actions:    []string{},
		Version:    ProtocolVersion,
	}
}

// Merge overlays the non-empty fields of declared onto c.
func (c Capabilities) Merge(declared *Capabilities) Capabilities {
	out := c.clone()
	if declared == nil {
		return out
	}
	if len(declared.Strategies) > 0 {
		out.Strategies = append([]string(nil), declared.Strategies...)
	}
	if len(declared.Markets) > 0 {
		out.Markets = append([]string(nil), declared.Markets...)
	}
	if len(declared.Actions) > 0 {
		out.Actions = append([]string(nil), declared.Actions...)
	}
	if declared.Version != "" {
		out.Version = declared.Version
	}
	return out
}

func (c Capabilities) clone() Capabilities {
	return Capabilities{
		Strategies: append([]string{}, c.Strategies...),
		Markets:    append([]string{}, c.Markets...),
		Actions:    append([]string{}, c.Actions...),
		Version:    c.Version,
	}
}

// Identity is the authenticated identity of a session.
type Identity struct {
	AgentID       string       `json:"agentId"`
	WalletAddress string       `json:"address"`
	TokenID       string       `json:"tokenId,omitempty"`
	Capabilities  Capabilities `json:"capabilities"`
}

// Conn is one live transport session.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	transport Transport
	bucket    *ratelimit.Bucket
	ephemeral bool

	mu            sync.RWMutex
	identity      Identity
	authenticated bool
	lastActivity  time.Time
	subscriptions map[string]struct{}
	closed        bool
}

// AgentID returns the logical agent id ("anonymous" until authenticated).
func (c *Conn) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.AgentID
}

// WalletAddress returns the lower-cased wallet address set at handshake.
func (c *Conn) WalletAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity.WalletAddress
}

// Authenticated reports whether the handshake completed.
func (c *Conn) Authenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Identity returns a copy of the session identity.
func (c *Conn) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := c.identity
	id.Capabilities = c.identity.Capabilities.clone()
	return id
}

// LastActivity returns the time of the last valid inbound message.
func (c *Conn) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// Ephemeral reports whether this session lives for a single HTTP call.
func (c *Conn) Ephemeral() bool {
	return c.ephemeral
}

// Allow consumes one rate-limit token. A connection without a bucket is
// unlimited.
func (c *Conn) Allow() bool {
	if c.bucket == nil {
		return true
	}
	return c.bucket.Allow()
}

// Send pushes a message to the peer.
func (c *Conn) Send(msg []byte) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if c.transport == nil {
		return ErrNoTransport
	}
	return c.transport.Send(msg)
}

// Subscriptions returns the sorted market ids this session follows.
func (c *Conn) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for m := range c.subscriptions {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// AddSubscription records marketID; it reports false when already present
// or the session is closed.
func (c *Conn) AddSubscription(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.subscriptions[marketID]; ok {
		return false
	}
	c.subscriptions[marketID] = struct{}{}
	return true
}

// RemoveSubscription drops marketID; it reports whether it was present.
func (c *Conn) RemoveSubscription(marketID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subscriptions[marketID]; !ok {
		return false
	}
	delete(c.subscriptions, marketID)
	return true
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// markClosed flips the closed flag and returns the subscriptions held at
// that moment. It returns ok=false if the session was already closed.
func (c *Conn) markClosed() (subs []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, false
	}
	c.closed = true
	subs = make([]string, 0, len(c.subscriptions))
	for m := range c.subscriptions {
		subs = append(subs, m)
	}
	return subs, true
}
