// Package broadcast fans market updates out to subscribed connections.
//
// The engine keeps the reverse index market -> connections, so a publish
// only touches subscribers. Each Conn keeps the forward set; the two are
// updated together and cleaned up by a connection-manager disconnect hook.
package broadcast

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/syncutil"
)

// MethodMarketUpdate is the notification method pushed to subscribers.
const MethodMarketUpdate = "market.update"

var (
	ErrNotStreaming = errors.New("subscriptions require a persistent connection")
	ErrNotConnected = errors.New("connection is not registered")
)

// Update is the params object of a market.update notification.
type Update struct {
	MarketID  string `json:"marketId"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Engine is safe for concurrent use.
type Engine struct {
	conns  *connection.Manager
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	index map[string]map[string]*connection.Conn

	// order serializes publishes per market so subscribers see one market's
	// updates in publish order.
	order *syncutil.ShardedMutex
}

// New creates an engine and hooks it into conns so closed connections drop
// out of the index.
func New(conns *connection.Manager, logger *slog.Logger) *Engine {
	e := &Engine{
		conns:  conns,
		logger: logger,
		now:    time.Now,
		index:  make(map[string]map[string]*connection.Conn),
		order:  syncutil.NewShardedMutex(),
	}
	conns.OnDisconnect(e.dropConnection)
	return e
}

// Subscribe adds conn to marketID. It reports whether the subscription is
// new; a repeat subscribe is a no-op.
func (e *Engine) Subscribe(conn *connection.Conn, marketID string) (bool, error) {
	if conn.Ephemeral() {
		return false, ErrNotStreaming
	}
	if _, ok := e.conns.Get(conn.ID); !ok {
		return false, ErrNotConnected
	}

	e.mu.Lock()
	subs, ok := e.index[marketID]
	if !ok {
		subs = make(map[string]*connection.Conn)
		e.index[marketID] = subs
	}
	_, existed := subs[conn.ID]
	subs[conn.ID] = conn
	conn.AddSubscription(marketID)
	e.mu.Unlock()
	if !existed {
		metrics.MarketSubscriptions.Inc()
	}

	// The connection may have closed between the lookup and the insert, in
	// which case its disconnect hook already ran.
	if _, ok := e.conns.Get(conn.ID); !ok {
		e.Unsubscribe(conn, marketID)
		return false, ErrNotConnected
	}
	return !existed, nil
}

// Unsubscribe removes conn from marketID and reports whether it was
// subscribed.
func (e *Engine) Unsubscribe(conn *connection.Conn, marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn.RemoveSubscription(marketID)
	if e.remove(conn.ID, marketID) {
		metrics.MarketSubscriptions.Dec()
		return true
	}
	return false
}

// remove deletes one index edge. Callers hold e.mu.
func (e *Engine) remove(connID, marketID string) bool {
	subs, ok := e.index[marketID]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(e.index, marketID)
	}
	return true
}

func (e *Engine) dropConnection(c *connection.Conn, subscriptions []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, marketID := range subscriptions {
		if e.remove(c.ID, marketID) {
			metrics.MarketSubscriptions.Dec()
		}
	}
}

// Publish sends data as a market.update to every subscriber of marketID and
// returns how many sends succeeded. Failed sends are logged and skipped;
// subscribers whose send buffer is full are evicted once the market's
// ordering lock is released.
func (e *Engine) Publish(marketID string, data any) (int, error) {
	msg, err := jsonrpc.NewNotification(MethodMarketUpdate, Update{
		MarketID:  marketID,
		Data:      data,
		Timestamp: e.now().UnixMilli(),
	})
	if err != nil {
		return 0, err
	}

	delivered, stalled := e.deliver(marketID, msg)
	for _, c := range stalled {
		e.conns.EvictStalled(c, connection.ErrSendBufferFull)
	}
	return delivered, nil
}

func (e *Engine) deliver(marketID string, msg []byte) (int, []*connection.Conn) {
	unlock := e.order.Lock(marketID)
	defer unlock()

	delivered := 0
	var stalled []*connection.Conn
	for _, c := range e.snapshot(marketID) {
		if err := c.Send(msg); err != nil {
			metrics.BroadcastDeliveriesTotal.WithLabelValues("failed").Inc()
			if errors.Is(err, connection.ErrSendBufferFull) {
				stalled = append(stalled, c)
				continue
			}
			e.logger.Debug("market update not delivered",
				"market_id", marketID, "connection_id", c.ID, "error", err)
			continue
		}
		delivered++
		metrics.BroadcastDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
	return delivered, stalled
}

func (e *Engine) snapshot(marketID string) []*connection.Conn {
	e.mu.RLock()
	defer e.mu.RUnlock()
	subs := e.index[marketID]
	out := make([]*connection.Conn, 0, len(subs))
	for _, c := range subs {
		out = append(out, c)
	}
	return out
}

// Subscribers returns the connection ids subscribed to marketID.
func (e *Engine) Subscribers(marketID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.index[marketID]))
	for id := range e.index[marketID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Markets returns the number of markets with at least one subscriber.
func (e *Engine) Markets() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.index)
}
