package methods

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarket/a2a/internal/broadcast"
	"github.com/babylonmarket/a2a/internal/coalition"
	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/handshake"
	"github.com/babylonmarket/a2a/internal/identity"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/market"
	"github.com/babylonmarket/a2a/internal/payments"
	"github.com/babylonmarket/a2a/internal/router"
)

type peer struct {
	mu   sync.Mutex
	push []jsonrpc.Request
}

func (p *peer) Send(msg []byte) error {
	var req jsonrpc.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return err
	}
	p.mu.Lock()
	p.push = append(p.push, req)
	p.mu.Unlock()
	return nil
}

func (p *peer) Close(int, string) error { return nil }

func (p *peer) pushed(method string) []jsonrpc.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []jsonrpc.Request
	for _, r := range p.push {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

type receipts struct{ valid bool }

func (r receipts) VerifyOnChainReceipt(context.Context, string, string, string) (bool, error) {
	return r.valid, nil
}

type harness struct {
	t      *testing.T
	router *router.Router
	conns  *connection.Manager
	store  *market.MemoryStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	conns := connection.NewManager(connection.DefaultConfig(), logger)
	store := market.NewMemoryStore(1000)
	svc := market.NewService(store, logger)
	require.NoError(t, svc.Seed(context.Background(), market.DemoMarkets(time.Now())))

	r := router.New(conns, logger)
	require.NoError(t, Register(r, Deps{
		Conns:      conns,
		Auth:       handshake.New(handshake.Config{}, conns, identity.Offline{}, logger),
		Broadcast:  broadcast.New(conns, logger),
		Coalitions: coalition.NewManager(conns, logger),
		Payments:   payments.NewManager(payments.Config{}, receipts{valid: true}, logger),
		Markets:    svc,
		Logger:     logger,
	}))
	return &harness{t: t, router: r, conns: conns, store: store}
}

type agent struct {
	h    *harness
	conn *connection.Conn
	peer *peer
	key  *ecdsa.PrivateKey
	id   string
	seq  int
}

func (h *harness) connect(agentID string) *agent {
	h.t.Helper()
	p := &peer{}
	c, err := h.conns.Register(p)
	require.NoError(h.t, err)
	key, err := crypto.GenerateKey()
	require.NoError(h.t, err)
	return &agent{h: h, conn: c, peer: p, key: key, id: agentID}
}

func (a *agent) call(method string, params any) *jsonrpc.Response {
	a.h.t.Helper()
	a.seq++
	raw, err := json.Marshal(params)
	require.NoError(a.h.t, err)
	body := fmt.Sprintf(`{"jsonrpc":"2.0","method":%q,"params":%s,"id":%d}`, method, raw, a.seq)
	resp := a.h.router.Dispatch(context.Background(), a.conn, []byte(body))
	require.NotNil(a.h.t, resp)
	require.Equal(a.h.t, fmt.Sprint(a.seq), string(resp.ID))
	return resp
}

// ok calls method and decodes a successful result into out.
func (a *agent) ok(method string, params any, out any) {
	a.h.t.Helper()
	resp := a.call(method, params)
	require.Nil(a.h.t, resp.Error, "%s failed: %+v", method, resp.Error)
	if out != nil {
		raw, err := json.Marshal(resp.Result)
		require.NoError(a.h.t, err)
		require.NoError(a.h.t, json.Unmarshal(raw, out))
	}
}

func (a *agent) fails(method string, params any, code int) *jsonrpc.Error {
	a.h.t.Helper()
	resp := a.call(method, params)
	require.NotNil(a.h.t, resp.Error, "%s unexpectedly succeeded", method)
	assert.Equal(a.h.t, code, resp.Error.Code, "%s: %+v", method, resp.Error)
	return resp.Error
}

func (a *agent) handshakeParams(method string) map[string]any {
	ts := time.Now().UnixMilli()
	addr := identity.AddressOf(a.key)
	sig, err := identity.SignMessage(a.key, identity.ChallengeMessage(a.id, addr, ts))
	require.NoError(a.h.t, err)
	return map[string]any{"agentId": a.id, "address": addr, "signature": sig, "timestamp": ts}
}

func (a *agent) login() *agent {
	a.h.t.Helper()
	a.ok(Handshake, a.handshakeParams(Handshake), nil)
	return a
}

func TestHandshake_DefaultCapabilities(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a1")

	a.fails(GetBalance, map[string]any{}, jsonrpc.CodeNotAuthenticated)

	var res handshake.Result
	a.ok(HandshakeAlias, a.handshakeParams(HandshakeAlias), &res)
	assert.True(t, res.Success)
	assert.Equal(t, "a1", res.AgentID)
	assert.Equal(t, connection.Capabilities{
		Strategies: []string{}, Markets: []string{}, Actions: []string{}, Version: "1.0.0",
	}, res.Capabilities)

	a.ok(GetBalance, map[string]any{}, nil)
}

func TestHandshake_ErrorCodes(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a1")

	p := a.handshakeParams(Handshake)
	p["address"] = "not-an-address"
	a.fails(Handshake, p, jsonrpc.CodeInvalidHandshake)

	p = a.handshakeParams(Handshake)
	p["timestamp"] = time.Now().Add(-time.Hour).UnixMilli()
	a.fails(Handshake, p, jsonrpc.CodeStaleTimestamp)

	p = a.handshakeParams(Handshake)
	p["agentId"] = "someone-else"
	a.fails(Handshake, p, jsonrpc.CodeSignatureMismatch)

	assert.False(t, a.conn.Authenticated())
}

func TestTrading_PublishesToSubscribers(t *testing.T) {
	h := newHarness(t)
	trader := h.connect("trader").login()
	watcher := h.connect("watcher").login()

	watcher.ok(SubscribeMarket, map[string]any{"marketId": "mkt_eth_5k"}, nil)
	watcher.fails(SubscribeMarket, map[string]any{"marketId": "mkt_nope"}, jsonrpc.CodeNotFound)

	var res market.TradeResult
	trader.ok(BuyShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "yes", "amount": 100}, &res)
	assert.Equal(t, 900.0, res.Balance)
	assert.Greater(t, res.Market.YesPrice, 0.5)

	updates := watcher.peer.pushed(broadcast.MethodMarketUpdate)
	require.Len(t, updates, 1)
	assert.Empty(t, trader.peer.pushed(broadcast.MethodMarketUpdate))

	var positions struct {
		Positions []market.Position `json:"positions"`
	}
	watcher.ok(GetPositions, map[string]any{"userId": "trader"}, &positions)
	require.Len(t, positions.Positions, 1)

	trader.ok(SellShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "YES", "shares": res.Trade.Shares}, nil)
	assert.Len(t, watcher.peer.pushed(broadcast.MethodMarketUpdate), 2)

	watcher.ok(UnsubscribeMkt, map[string]any{"marketId": "mkt_eth_5k"}, nil)
	trader.ok(BuyShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "NO", "amount": 1}, nil)
	assert.Len(t, watcher.peer.pushed(broadcast.MethodMarketUpdate), 2)
}

func TestTrading_Errors(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()

	a.fails(BuyShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "MAYBE", "amount": 1}, jsonrpc.CodeInvalidParams)
	a.fails(BuyShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "YES", "amount": 0}, jsonrpc.CodeInvalidParams)
	a.fails(BuyShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "YES", "amount": 5000}, jsonrpc.CodeInsufficientFunds)
	a.fails(SellShares, map[string]any{"marketId": "mkt_eth_5k", "outcome": "YES", "shares": 1}, jsonrpc.CodeInsufficientFunds)
	a.fails(BuyShares, map[string]any{"marketId": "missing", "outcome": "YES", "amount": 1}, jsonrpc.CodeNotFound)
}

func TestMarketData(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()

	var all struct {
		Markets []market.Quote `json:"markets"`
		Count   int            `json:"count"`
	}
	a.ok(GetMarketData, map[string]any{}, &all)
	assert.Equal(t, 3, all.Count)

	var prices map[string]any
	a.ok(GetMarketPrices, map[string]any{"marketId": "mkt_agents_1m"}, &prices)
	assert.InDelta(t, 0.25, prices["yesPrice"], 1e-9)

	a.fails(GetMarketPrices, map[string]any{}, jsonrpc.CodeInvalidParams)
}

func TestSocial(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()
	b := h.connect("b").login()

	a.ok(CreatePost, map[string]any{"content": "YES on ETH", "type": "analysis"}, nil)
	a.fails(CreatePost, map[string]any{"content": string(make([]byte, 281))}, jsonrpc.CodeInvalidParams)

	var feed struct {
		Posts []market.Post `json:"posts"`
		Limit int           `json:"limit"`
	}
	b.ok(GetFeed, map[string]any{}, &feed)
	require.Len(t, feed.Posts, 1)
	assert.Equal(t, "a", feed.Posts[0].AuthorID)
	assert.Equal(t, 20, feed.Limit)
	b.fails(GetFeed, map[string]any{"limit": 500}, jsonrpc.CodeInvalidParams)
	b.fails(GetFeed, map[string]any{"cursor": "%%%"}, jsonrpc.CodeInvalidParams)

	for _, c := range []string{"two", "three", "four"} {
		a.ok(CreatePost, map[string]any{"content": c}, nil)
	}
	var page struct {
		Posts      []market.Post `json:"posts"`
		NextCursor string        `json:"nextCursor"`
		HasMore    bool          `json:"hasMore"`
	}
	b.ok(GetFeed, map[string]any{"limit": 2}, &page)
	require.Len(t, page.Posts, 2)
	assert.Equal(t, "four", page.Posts[0].Content)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	cursor := page.NextCursor
	page.Posts, page.NextCursor, page.HasMore = nil, "", false
	b.ok(GetFeed, map[string]any{"limit": 2, "cursor": cursor}, &page)
	require.Len(t, page.Posts, 2)
	assert.Equal(t, "two", page.Posts[0].Content)
	assert.Equal(t, "YES on ETH", page.Posts[1].Content)
	assert.False(t, page.HasMore)
	assert.Empty(t, page.NextCursor)

	var sent map[string]any
	a.ok(SendMessage, map[string]any{"to": "b", "content": "hi"}, &sent)
	assert.Equal(t, true, sent["delivered"])
	msgs := b.peer.pushed(MethodDirectMessage)
	require.Len(t, msgs, 1)

	a.ok(SendMessage, map[string]any{"to": "ghost", "content": "hi"}, &sent)
	assert.Equal(t, false, sent["delivered"])
}

func TestSocial_MultibyteContentRoundTrips(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()

	euros := strings.Repeat("€", 100)
	var post market.Post
	a.ok(CreatePost, map[string]any{"content": euros}, &post)
	assert.Equal(t, euros, post.Content)

	atLimit := strings.Repeat("日", maxPostLength)
	a.ok(CreatePost, map[string]any{"content": atLimit}, nil)
	a.fails(CreatePost, map[string]any{"content": atLimit + "日"}, jsonrpc.CodeInvalidParams)

	var feed struct {
		Posts []market.Post `json:"posts"`
	}
	a.ok(GetFeed, map[string]any{}, &feed)
	require.Len(t, feed.Posts, 2)
	contents := []string{feed.Posts[0].Content, feed.Posts[1].Content}
	assert.ElementsMatch(t, []string{euros, atLimit}, contents)
	for _, c := range contents {
		assert.True(t, utf8.ValidString(c))
	}
}

func TestDiscover(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()
	b := h.connect("b")
	p := b.handshakeParams(Handshake)
	p["capabilities"] = map[string]any{"strategies": []string{"momentum"}}
	b.ok(Handshake, p, nil)
	h.connect("c").login()

	var res struct {
		Agents []connection.Identity `json:"agents"`
	}
	a.ok(Discover, map[string]any{}, &res)
	assert.Len(t, res.Agents, 2)

	a.ok(Discover, map[string]any{"strategy": "MOMENTUM"}, &res)
	require.Len(t, res.Agents, 1)
	assert.Equal(t, "b", res.Agents[0].AgentID)
}

func TestCoalitionLifecycle(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()
	b := h.connect("b").login()
	outsider := h.connect("x").login()

	a.fails(ProposeCoalition, map[string]any{"name": "n", "strategy": "s", "targetMarket": "m", "members": []string{}}, jsonrpc.CodeInvalidParams)

	var c coalition.Coalition
	a.ok(ProposeCoalition, map[string]any{"name": "bulls", "strategy": "momentum", "targetMarket": "mkt_eth_5k", "members": []string{"b"}}, &c)
	assert.Equal(t, []string{"a", "b"}, c.Members)
	assert.Len(t, b.peer.pushed(coalition.MethodInvite), 1)

	id := map[string]any{"coalitionId": c.ID}
	b.ok(JoinCoalition, id, &c)
	b.ok(JoinCoalition, id, &c)
	assert.Equal(t, []string{"a", "b"}, c.Members)

	var listed struct {
		Coalitions []coalition.Coalition `json:"coalitions"`
		Count      int                   `json:"count"`
	}
	b.ok(ListCoalitions, map[string]any{}, &listed)
	require.Len(t, listed.Coalitions, 1)
	assert.Equal(t, c.ID, listed.Coalitions[0].ID)
	assert.Equal(t, 1, listed.Count)
	outsider.ok(ListCoalitions, map[string]any{}, &listed)
	assert.NotNil(t, listed.Coalitions)
	assert.Empty(t, listed.Coalitions)

	outsider.fails(CoalitionMessage, map[string]any{"coalitionId": c.ID, "message": "hi"}, jsonrpc.CodeForbidden)
	a.ok(CoalitionMessage, map[string]any{"coalitionId": c.ID, "message": "go"}, nil)
	assert.Len(t, b.peer.pushed(coalition.MethodMessage), 1)

	a.ok(LeaveCoalition, id, nil)
	var left map[string]any
	b.ok(LeaveCoalition, id, &left)
	assert.Equal(t, true, left["dissolved"])

	b.fails(GetCoalition, id, jsonrpc.CodeNotFound)
	listed.Coalitions = nil
	b.ok(ListCoalitions, map[string]any{}, &listed)
	assert.Empty(t, listed.Coalitions)
	assert.Zero(t, listed.Count)
	b.fails(JoinCoalition, id, jsonrpc.CodeNotFound)
	b.fails(CoalitionMessage, map[string]any{"coalitionId": c.ID, "message": "anyone?"}, jsonrpc.CodeNotFound)
}

func TestPaymentLifecycle(t *testing.T) {
	h := newHarness(t)
	a := h.connect("a").login()
	b := h.connect("b").login()

	create := map[string]any{
		"from":    "0x1111111111111111111111111111111111111111",
		"to":      "0x2222222222222222222222222222222222222222",
		"amount":  "10000000000000000",
		"purpose": "points_purchase",
	}
	var req payments.Request
	a.ok(PaymentRequest, create, &req)
	assert.Equal(t, payments.StatusPending, req.Status)

	var got payments.Request
	a.ok(GetPaymentReq, map[string]any{"requestId": req.ID}, &got)
	assert.Equal(t, req.ID, got.ID)

	b.fails(CancelPayment, map[string]any{"requestId": req.ID}, jsonrpc.CodeForbidden)

	var cancelled map[string]any
	a.ok(CancelPayment, map[string]any{"requestId": req.ID}, &cancelled)
	assert.Equal(t, true, cancelled["cancelled"])
	a.fails(GetPaymentReq, map[string]any{"requestId": req.ID}, jsonrpc.CodeNotFound)
	a.ok(CancelPayment, map[string]any{"requestId": req.ID}, &cancelled)
	assert.Equal(t, false, cancelled["cancelled"])

	// Without an explicit from, the session wallet pays.
	delete(create, "from")
	a.ok(PaymentRequest, create, &req)
	assert.Equal(t, a.conn.WalletAddress(), req.From)

	tx := "0x" + fmt.Sprintf("%064x", 1)
	a.ok(PaymentReceipt, map[string]any{"requestId": req.ID, "txHash": tx}, &got)
	assert.Equal(t, payments.StatusVerified, got.Status)
	a.fails(PaymentReceipt, map[string]any{"requestId": req.ID, "txHash": "0x12"}, jsonrpc.CodeInvalidParams)

	var stats payments.Stats
	a.ok(GetPaymentStats, nil, &stats)
	assert.Equal(t, payments.Stats{Total: 1, Verified: 1}, stats)

	create["amount"] = "1.5"
	a.fails(PaymentRequest, create, jsonrpc.CodeInvalidParams)
}

func TestMapError_Unknown(t *testing.T) {
	assert.Nil(t, MapError(fmt.Errorf("something else")))
	assert.Equal(t, jsonrpc.CodeInternalError, MapError(fmt.Errorf("wrap: %w", market.ErrStorage)).Code)
	assert.Equal(t, jsonrpc.CodeNotFound, MapError(fmt.Errorf("wrap: %w", payments.ErrNotFound)).Code)
}
