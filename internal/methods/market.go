package methods

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/handshake"
	"github.com/babylonmarket/a2a/internal/market"
	"github.com/babylonmarket/a2a/internal/pricing"
)

func (h *handlers) handshake(ctx context.Context, conn *connection.Conn, raw json.RawMessage) (any, error) {
	p, err := handshake.Decode(raw)
	if err != nil {
		return nil, err
	}
	return h.Auth.Handshake(ctx, conn, p)
}

type marketDataParams struct {
	MarketID string `json:"marketId" validate:"omitempty,max=128"`
}

type marketIDParams struct {
	MarketID string `json:"marketId" validate:"required,max=128"`
}

type buyParams struct {
	MarketID string  `json:"marketId" validate:"required,max=128"`
	Outcome  string  `json:"outcome" validate:"required,oneof=YES NO yes no"`
	Amount   float64 `json:"amount" validate:"gt=0"`
}

type sellParams struct {
	MarketID string  `json:"marketId" validate:"required,max=128"`
	Outcome  string  `json:"outcome" validate:"required,oneof=YES NO yes no"`
	Shares   float64 `json:"shares" validate:"gt=0"`
}

type positionsParams struct {
	UserID string `json:"userId" validate:"omitempty,max=128"`
}

type noParams struct{}

func (h *handlers) getMarketData(ctx context.Context, conn *connection.Conn, p marketDataParams) (any, error) {
	if p.MarketID != "" {
		return h.Markets.Quote(ctx, p.MarketID)
	}
	quotes, err := h.Markets.ActiveQuotes(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"markets": quotes, "count": len(quotes)}, nil
}

func (h *handlers) getMarketPrices(ctx context.Context, conn *connection.Conn, p marketIDParams) (any, error) {
	q, err := h.Markets.Quote(ctx, p.MarketID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"marketId":  q.ID,
		"yesPrice":  q.YesPrice,
		"noPrice":   q.NoPrice,
		"yesShares": q.YesShares,
		"noShares":  q.NoShares,
		"timestamp": h.now().UnixMilli(),
	}, nil
}

func (h *handlers) subscribeMarket(ctx context.Context, conn *connection.Conn, p marketIDParams) (any, error) {
	if _, err := h.Markets.Store().GetMarketByID(ctx, p.MarketID); err != nil {
		return nil, err
	}
	added, err := h.Broadcast.Subscribe(conn, p.MarketID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"subscribed": true, "marketId": p.MarketID, "new": added}, nil
}

func (h *handlers) unsubscribeMarket(ctx context.Context, conn *connection.Conn, p marketIDParams) (any, error) {
	removed := h.Broadcast.Unsubscribe(conn, p.MarketID)
	return map[string]any{"unsubscribed": removed, "marketId": p.MarketID}, nil
}

func (h *handlers) buyShares(ctx context.Context, conn *connection.Conn, p buyParams) (any, error) {
	res, err := h.Markets.Buy(ctx, conn.AgentID(), p.MarketID, outcomeOf(p.Outcome), p.Amount)
	if err != nil {
		return nil, err
	}
	h.publishQuote(res)
	return res, nil
}

func (h *handlers) sellShares(ctx context.Context, conn *connection.Conn, p sellParams) (any, error) {
	res, err := h.Markets.Sell(ctx, conn.AgentID(), p.MarketID, outcomeOf(p.Outcome), p.Shares)
	if err != nil {
		return nil, err
	}
	h.publishQuote(res)
	return res, nil
}

func (h *handlers) publishQuote(res *market.TradeResult) {
	update := map[string]any{
		"yesPrice":  res.Market.YesPrice,
		"noPrice":   res.Market.NoPrice,
		"volume":    res.Market.Volume,
		"lastTrade": map[string]any{"side": res.Trade.Side, "outcome": res.Trade.Outcome, "shares": res.Trade.Shares},
	}
	if _, err := h.Broadcast.Publish(res.Market.ID, update); err != nil {
		h.Logger.Warn("publish market update", "market_id", res.Market.ID, "error", err)
	}
}

func (h *handlers) getPositions(ctx context.Context, conn *connection.Conn, p positionsParams) (any, error) {
	userID := p.UserID
	if userID == "" {
		userID = conn.AgentID()
	}
	positions, err := h.Markets.Store().GetPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	if positions == nil {
		positions = []*market.Position{}
	}
	return map[string]any{"userId": userID, "positions": positions}, nil
}

func (h *handlers) getBalance(ctx context.Context, conn *connection.Conn, _ noParams) (any, error) {
	balance, err := h.Markets.Store().GetBalance(ctx, conn.AgentID())
	if err != nil {
		return nil, err
	}
	return map[string]any{"agentId": conn.AgentID(), "balance": balance}, nil
}

func outcomeOf(s string) pricing.Outcome {
	return pricing.Outcome(strings.ToUpper(s))
}
