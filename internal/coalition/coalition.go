// Package coalition tracks named groups of agents coordinating on a market.
//
// A coalition exists from Propose until its last member leaves. Mutations on
// one coalition are serialized; reads return snapshots.
package coalition

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/idgen"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/syncutil"
)

var (
	ErrNotFound  = errors.New("coalition not found")
	ErrNoMembers = errors.New("coalition needs at least one invited member")
	ErrNotMember = errors.New("agent is not a coalition member")
)

// Push notification methods.
const (
	MethodInvite  = "a2a.coalitionInvite"
	MethodMessage = "a2a.coalitionMessage"
)

// Coalition is a snapshot. Members is sorted.
type Coalition struct {
	ID           string    `json:"coalitionId"`
	Name         string    `json:"name"`
	Strategy     string    `json:"strategy"`
	TargetMarket string    `json:"targetMarket"`
	Members      []string  `json:"members"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Proposal is the input to Propose.
type Proposal struct {
	Name         string
	Strategy     string
	TargetMarket string
	Members      []string
}

// Invite is pushed to every invited member on Propose.
type Invite struct {
	CoalitionID  string   `json:"coalitionId"`
	Name         string   `json:"name"`
	Strategy     string   `json:"strategy"`
	TargetMarket string   `json:"targetMarket"`
	From         string   `json:"from"`
	Members      []string `json:"members"`
}

// Message is pushed to members on a coalition message.
type Message struct {
	CoalitionID string `json:"coalitionId"`
	From        string `json:"from"`
	Message     string `json:"message"`
	Timestamp   int64  `json:"timestamp"`
}

// Deliverer pushes a notification to every live connection of an agent and
// returns how many accepted it. *connection.Manager satisfies it.
type Deliverer interface {
	SendToAgent(agentID string, msg []byte) int
}

type coalition struct {
	Coalition
	members map[string]struct{}
}

func (c *coalition) snapshot() *Coalition {
	out := c.Coalition
	out.Members = make([]string, 0, len(c.members))
	for m := range c.members {
		out.Members = append(out.Members, m)
	}
	sort.Strings(out.Members)
	return &out
}

// Manager owns all coalitions.
type Manager struct {
	deliver Deliverer
	logger  *slog.Logger
	now     func() time.Time

	locks *syncutil.ShardedMutex

	mu         sync.RWMutex
	coalitions map[string]*coalition
}

// NewManager creates an empty manager.
func NewManager(deliver Deliverer, logger *slog.Logger) *Manager {
	return &Manager{
		deliver:    deliver,
		logger:     logger,
		now:        time.Now,
		locks:      syncutil.NewShardedMutex(),
		coalitions: make(map[string]*coalition),
	}
}

var _ Deliverer = (*connection.Manager)(nil)

// Propose creates a coalition whose members are the creator plus the
// invited agents, and invites everyone but the creator.
func (m *Manager) Propose(creator string, p Proposal) (*Coalition, error) {
	if len(p.Members) == 0 {
		return nil, ErrNoMembers
	}

	c := &coalition{
		Coalition: Coalition{
			Name:         p.Name,
			Strategy:     p.Strategy,
			TargetMarket: p.TargetMarket,
			CreatedBy:    creator,
			CreatedAt:    m.now(),
		},
		members: map[string]struct{}{creator: {}},
	}
	for _, member := range p.Members {
		c.members[member] = struct{}{}
	}

	m.mu.Lock()
	for {
		c.ID = idgen.WithPrefix("coal_")
		if _, taken := m.coalitions[c.ID]; !taken {
			break
		}
	}
	m.coalitions[c.ID] = c
	total := len(m.coalitions)
	snap := c.snapshot()
	m.mu.Unlock()
	metrics.ActiveCoalitions.Set(float64(total))

	m.logger.Info("coalition proposed",
		"coalition_id", snap.ID, "created_by", creator, "members", len(snap.Members))

	invite := Invite{
		CoalitionID:  snap.ID,
		Name:         snap.Name,
		Strategy:     snap.Strategy,
		TargetMarket: snap.TargetMarket,
		From:         creator,
		Members:      snap.Members,
	}
	m.push(MethodInvite, invite, snap.Members, creator)
	return snap, nil
}

// Join adds agentID. Joining twice is a no-op.
func (m *Manager) Join(id, agentID string) (*Coalition, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, ok := m.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	m.mu.Lock()
	c.members[agentID] = struct{}{}
	snap := c.snapshot()
	m.mu.Unlock()
	return snap, nil
}

// Leave removes agentID and deletes the coalition once nobody is left. It
// returns the remaining coalition, or nil when it was deleted. Leaving a
// coalition one is not part of is a no-op.
func (m *Manager) Leave(id, agentID string) (*Coalition, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, ok := m.get(id)
	if !ok {
		return nil, ErrNotFound
	}

	m.mu.Lock()
	delete(c.members, agentID)
	if len(c.members) > 0 {
		snap := c.snapshot()
		m.mu.Unlock()
		return snap, nil
	}
	delete(m.coalitions, id)
	total := len(m.coalitions)
	m.mu.Unlock()

	metrics.ActiveCoalitions.Set(float64(total))
	m.logger.Info("coalition dissolved", "coalition_id", id, "last_member", agentID)
	return nil, nil
}

// Message sends text from sender to every other member with a live
// connection and returns the number of deliveries.
func (m *Manager) Message(id, sender, text string) (int, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	c, ok := m.get(id)
	if !ok {
		return 0, ErrNotFound
	}
	m.mu.RLock()
	_, member := c.members[sender]
	snap := c.snapshot()
	m.mu.RUnlock()
	if !member {
		return 0, ErrNotMember
	}

	msg := Message{CoalitionID: id, From: sender, Message: text, Timestamp: m.now().UnixMilli()}
	return m.push(MethodMessage, msg, snap.Members, sender), nil
}

// Get returns a snapshot.
func (m *Manager) Get(id string) (*Coalition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coalitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.snapshot(), nil
}

// ForAgent lists the coalitions agentID belongs to, newest first.
func (m *Manager) ForAgent(agentID string) []*Coalition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Coalition
	for _, c := range m.coalitions {
		if _, ok := c.members[agentID]; ok {
			out = append(out, c.snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Count returns the number of live coalitions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.coalitions)
}

func (m *Manager) get(id string) (*coalition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coalitions[id]
	return c, ok
}

func (m *Manager) push(method string, params any, members []string, skip string) int {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		m.logger.Error("encode coalition notification", "method", method, "error", err)
		return 0
	}
	delivered := 0
	for _, agentID := range members {
		if agentID == skip {
			continue
		}
		delivered += m.deliver.SendToAgent(agentID, msg)
	}
	return delivered
}
