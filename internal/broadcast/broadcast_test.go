package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
)

type recorder struct {
	mu   sync.Mutex
	msgs [][]byte
	fail bool

	// full makes Send report a full buffer once msgs holds that many frames.
	full      int
	closeCode int
}

func (r *recorder) Send(msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("peer gone")
	}
	if r.full > 0 && len(r.msgs) >= r.full {
		return connection.ErrSendBufferFull
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) Close(code int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCode = code
	return nil
}

func (r *recorder) closedWith() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCode
}

func (r *recorder) updates(t *testing.T) []Update {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Update, 0, len(r.msgs))
	for _, raw := range r.msgs {
		var req jsonrpc.Request
		require.NoError(t, json.Unmarshal(raw, &req))
		require.Equal(t, MethodMarketUpdate, req.Method)
		require.True(t, req.IsNotification())
		var u Update
		require.NoError(t, json.Unmarshal(req.Params, &u))
		out = append(out, u)
	}
	return out
}

func setup(t *testing.T) (*Engine, *connection.Manager) {
	t.Helper()
	m := connection.NewManager(connection.DefaultConfig(), slog.Default())
	return New(m, slog.Default()), m
}

func connect(t *testing.T, m *connection.Manager, tr connection.Transport) *connection.Conn {
	t.Helper()
	c, err := m.Register(tr)
	require.NoError(t, err)
	return c
}

func TestPublish_FanOutAndUnsubscribe(t *testing.T) {
	e, m := setup(t)
	ra, rb := &recorder{}, &recorder{}
	a, b := connect(t, m, ra), connect(t, m, rb)

	_, err := e.Subscribe(a, "m1")
	require.NoError(t, err)
	_, err = e.Subscribe(b, "m1")
	require.NoError(t, err)

	n, err := e.Publish("m1", map[string]float64{"yesPrice": 0.6})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, ra.updates(t), 1)
	require.Len(t, rb.updates(t), 1)
	assert.Equal(t, "m1", ra.updates(t)[0].MarketID)

	assert.True(t, e.Unsubscribe(a, "m1"))
	assert.False(t, e.Unsubscribe(a, "m1"))

	n, _ = e.Publish("m1", "tick")
	assert.Equal(t, 1, n)
	assert.Len(t, ra.updates(t), 1)
	assert.Len(t, rb.updates(t), 2)
	assert.Empty(t, a.Subscriptions())
}

func TestSubscribe_Idempotent(t *testing.T) {
	e, m := setup(t)
	r := &recorder{}
	c := connect(t, m, r)

	added, err := e.Subscribe(c, "m1")
	require.NoError(t, err)
	assert.True(t, added)
	added, err = e.Subscribe(c, "m1")
	require.NoError(t, err)
	assert.False(t, added)

	e.Publish("m1", 1)
	assert.Len(t, r.updates(t), 1)
	assert.Equal(t, []string{c.ID}, e.Subscribers("m1"))
	assert.Equal(t, []string{"m1"}, c.Subscriptions())
}

func TestPublish_DeadPeerDoesNotBlockOthers(t *testing.T) {
	e, m := setup(t)
	dead, live := &recorder{fail: true}, &recorder{}
	e.Subscribe(connect(t, m, dead), "m1")
	e.Subscribe(connect(t, m, live), "m1")

	n, err := e.Publish("m1", "x")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, live.updates(t), 1)
}

func TestPublish_EvictsSubscriberWithFullBuffer(t *testing.T) {
	e, m := setup(t)
	slow, live := &recorder{full: 1}, &recorder{}
	sc := connect(t, m, slow)
	lc := connect(t, m, live)
	_, err := e.Subscribe(sc, "m1")
	require.NoError(t, err)
	_, err = e.Subscribe(sc, "m2")
	require.NoError(t, err)
	_, err = e.Subscribe(lc, "m1")
	require.NoError(t, err)

	n, err := e.Publish("m1", "first")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, slow.closedWith())

	n, err = e.Publish("m1", "second")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, connection.CloseTryAgainLater, slow.closedWith())

	_, ok := m.Get(sc.ID)
	assert.False(t, ok, "stalled connection must leave the registry")
	assert.Equal(t, []string{lc.ID}, e.Subscribers("m1"))
	assert.Empty(t, e.Subscribers("m2"))
	assert.Len(t, live.updates(t), 2)

	n, err = e.Publish("m1", "third")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPublish_OnlyTargetMarket(t *testing.T) {
	e, m := setup(t)
	r := &recorder{}
	e.Subscribe(connect(t, m, r), "m1")

	n, _ := e.Publish("m2", "x")
	assert.Zero(t, n)
	assert.Empty(t, r.updates(t))
}

func TestDisconnect_DropsSubscriptions(t *testing.T) {
	e, m := setup(t)
	c := connect(t, m, &recorder{})
	e.Subscribe(c, "m1")
	e.Subscribe(c, "m2")
	require.Equal(t, 2, e.Markets())

	m.Close(c.ID, connection.CloseNormal, "bye")

	assert.Zero(t, e.Markets())
	assert.Empty(t, e.Subscribers("m1"))

	_, err := e.Subscribe(c, "m3")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Zero(t, e.Markets())
}

func TestSubscribe_EphemeralRejected(t *testing.T) {
	e, m := setup(t)
	c := m.Ephemeral(connection.Identity{AgentID: "a1"}, nil)

	_, err := e.Subscribe(c, "m1")
	assert.ErrorIs(t, err, ErrNotStreaming)
}

func TestPublish_PreservesOrderPerMarket(t *testing.T) {
	e, m := setup(t)
	r := &recorder{}
	e.Subscribe(connect(t, m, r), "m1")

	for i := 0; i < 50; i++ {
		e.Publish("m1", i)
	}
	got := r.updates(t)
	require.Len(t, got, 50)
	for i, u := range got {
		assert.Equal(t, float64(i), u.Data)
	}
}
