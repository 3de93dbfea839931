package coalition

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarket/a2a/internal/jsonrpc"
)

type fakeDeliverer struct {
	mu     sync.Mutex
	online map[string]bool
	got    map[string][]jsonrpc.Request
}

func newFakeDeliverer(online ...string) *fakeDeliverer {
	f := &fakeDeliverer{online: map[string]bool{}, got: map[string][]jsonrpc.Request{}}
	for _, a := range online {
		f.online[a] = true
	}
	return f
}

func (f *fakeDeliverer) SendToAgent(agentID string, msg []byte) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.online[agentID] {
		return 0
	}
	var req jsonrpc.Request
	_ = json.Unmarshal(msg, &req)
	f.got[agentID] = append(f.got[agentID], req)
	return 1
}

func (f *fakeDeliverer) received(agentID string) []jsonrpc.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]jsonrpc.Request(nil), f.got[agentID]...)
}

func propose(t *testing.T, m *Manager, creator string, members ...string) *Coalition {
	t.Helper()
	c, err := m.Propose(creator, Proposal{Name: "bulls", Strategy: "momentum", TargetMarket: "m1", Members: members})
	require.NoError(t, err)
	return c
}

func TestPropose(t *testing.T) {
	d := newFakeDeliverer("a", "b", "c")
	m := NewManager(d, slog.Default())

	c := propose(t, m, "a", "b", "c", "a")
	assert.Equal(t, []string{"a", "b", "c"}, c.Members)
	assert.Equal(t, "a", c.CreatedBy)
	assert.Contains(t, c.ID, "coal_")

	assert.Empty(t, d.received("a"), "creator is not invited")
	require.Len(t, d.received("b"), 1)
	assert.Equal(t, MethodInvite, d.received("b")[0].Method)

	_, err := m.Propose("a", Proposal{Name: "solo"})
	assert.ErrorIs(t, err, ErrNoMembers)
}

func TestJoin_Idempotent(t *testing.T) {
	m := NewManager(newFakeDeliverer(), slog.Default())
	c := propose(t, m, "a", "b")

	once, err := m.Join(c.ID, "x")
	require.NoError(t, err)
	twice, err := m.Join(c.ID, "x")
	require.NoError(t, err)
	assert.Equal(t, once.Members, twice.Members)
	assert.Equal(t, []string{"a", "b", "x"}, twice.Members)

	_, err = m.Join("coal_missing", "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLeave_DeletesWhenEmpty(t *testing.T) {
	m := NewManager(newFakeDeliverer(), slog.Default())
	c := propose(t, m, "a", "b")

	rest, err := m.Leave(c.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, rest.Members)

	rest, err = m.Leave(c.ID, "b")
	require.NoError(t, err)
	assert.Nil(t, rest)
	assert.Zero(t, m.Count())

	_, err = m.Join(c.ID, "b")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Message(c.ID, "b", "hello?")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Get(c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMessage(t *testing.T) {
	d := newFakeDeliverer("a", "b")
	m := NewManager(d, slog.Default())
	c := propose(t, m, "a", "b", "offline")

	n, err := m.Message(c.ID, "a", "buy YES")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs := d.received("b")
	require.Len(t, msgs, 2) // invite + message
	assert.Equal(t, MethodMessage, msgs[1].Method)
	var body Message
	require.NoError(t, json.Unmarshal(msgs[1].Params, &body))
	assert.Equal(t, "buy YES", body.Message)
	assert.Equal(t, "a", body.From)
	assert.Empty(t, d.received("a"), "sender is skipped")

	_, err = m.Message(c.ID, "stranger", "let me in")
	assert.ErrorIs(t, err, ErrNotMember)
}

func TestConcurrentJoinLeave(t *testing.T) {
	m := NewManager(newFakeDeliverer(), slog.Default())
	c := propose(t, m, "owner", "seed")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			agent := fmt.Sprintf("agent-%d", i)
			_, err := m.Join(c.ID, agent)
			assert.NoError(t, err)
			if i%2 == 0 {
				_, err = m.Leave(c.ID, agent)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Len(t, got.Members, 2+25)
}

func TestForAgent(t *testing.T) {
	m := NewManager(newFakeDeliverer(), slog.Default())
	c1 := propose(t, m, "a", "b")
	propose(t, m, "c", "d")

	got := m.ForAgent("b")
	require.Len(t, got, 1)
	assert.Equal(t, c1.ID, got[0].ID)
}

func TestSnapshotsAreCopies(t *testing.T) {
	m := NewManager(newFakeDeliverer(), slog.Default())
	c := propose(t, m, "a", "b")
	c.Members[0] = "mallory"

	got, err := m.Get(c.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Members)
}
