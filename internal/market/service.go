package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/babylonmarket/a2a/internal/idgen"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/pricing"
	"github.com/babylonmarket/a2a/internal/syncutil"
	"github.com/babylonmarket/a2a/internal/traces"
)

// TradeResult is returned to the trading agent.
type TradeResult struct {
	Trade    *Trade         `json:"trade"`
	Position *Position      `json:"position"`
	Balance  float64        `json:"balance"`
	Market   Quote          `json:"market"`
	Impact   pricing.Impact `json:"impact"`
}

// Service executes trades. Trades on the same market are serialized so
// the pool's reserves are never read and written concurrently.
type Service struct {
	store  Store
	logger *slog.Logger
	locks  *syncutil.ShardedMutex
	now    func() time.Time
}

// NewService creates a trade service over store.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
		locks:  syncutil.NewShardedMutex(),
		now:    time.Now,
	}
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Buy spends amount of the user's balance on outcome shares.
func (s *Service) Buy(ctx context.Context, userID, marketID string, outcome pricing.Outcome, amount float64) (*TradeResult, error) {
	return s.execute(ctx, userID, marketID, pricing.Trade{Side: pricing.Buy, Outcome: outcome, Amount: amount})
}

// Sell returns shares of outcome to the pool for collateral.
func (s *Service) Sell(ctx context.Context, userID, marketID string, outcome pricing.Outcome, shares float64) (*TradeResult, error) {
	return s.execute(ctx, userID, marketID, pricing.Trade{Side: pricing.Sell, Outcome: outcome, Amount: shares})
}

func (s *Service) execute(ctx context.Context, userID, marketID string, t pricing.Trade) (result *TradeResult, err error) {
	ctx, span := traces.StartSpan(ctx, "market."+string(t.Side),
		traces.MarketID(marketID), traces.AgentID(userID))
	defer func() {
		if err != nil {
			traces.Fail(span, err)
		}
		span.End()
	}()

	unlock, err := s.locks.LockContext(ctx, marketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	m, err := s.store.GetMarketByID(ctx, marketID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !m.Open(now) {
		return nil, ErrMarketClosed
	}
	impact, err := pricing.PriceImpactForTrade(m.State(), t)
	if err != nil {
		return nil, err
	}

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	trade := &Trade{
		ID:        idgen.WithPrefix("trd_"),
		UserID:    userID,
		MarketID:  marketID,
		Side:      t.Side,
		Outcome:   t.Outcome,
		Price:     impact.AvgPrice,
		CreatedAt: now,
	}
	var (
		position *Position
		balance  float64
	)

	switch t.Side {
	case pricing.Buy:
		trade.Amount, trade.Shares = t.Amount, impact.Proceeds
		if balance, err = s.store.AdjustBalance(ctx, userID, -t.Amount); err != nil {
			return nil, err
		}
		undo = append(undo, func() { s.compensate(userID, t.Amount) })
		if position, err = s.store.AdjustPosition(ctx, userID, marketID, t.Outcome, impact.Proceeds, impact.AvgPrice); err != nil {
			rollback()
			return nil, err
		}
		undo = append(undo, func() { s.unwindPosition(userID, marketID, t.Outcome, -impact.Proceeds) })
	case pricing.Sell:
		trade.Amount, trade.Shares = impact.Proceeds, t.Amount
		if position, err = s.store.AdjustPosition(ctx, userID, marketID, t.Outcome, -t.Amount, impact.AvgPrice); err != nil {
			return nil, err
		}
		undo = append(undo, func() { s.unwindPosition(userID, marketID, t.Outcome, t.Amount) })
		if balance, err = s.store.AdjustBalance(ctx, userID, impact.Proceeds); err != nil {
			rollback()
			return nil, err
		}
		undo = append(undo, func() { s.compensate(userID, -impact.Proceeds) })
	}

	m.YesShares = impact.NewState.YesShares
	m.NoShares = impact.NewState.NoShares
	m.Volume += trade.Amount
	m.UpdatedAt = now
	if err := s.store.UpdateMarket(ctx, m); err != nil {
		rollback()
		return nil, err
	}

	if err := s.store.RecordTrade(ctx, trade); err != nil {
		s.logger.Warn("trade executed but not recorded", "trade_id", trade.ID, "error", err)
	}
	metrics.TradesTotal.WithLabelValues(string(t.Side), string(t.Outcome)).Inc()
	s.logger.Info("trade executed",
		"trade_id", trade.ID,
		"user_id", userID,
		"market_id", marketID,
		"side", t.Side,
		"outcome", t.Outcome,
		"amount", trade.Amount,
		"shares", trade.Shares,
	)

	return &TradeResult{
		Trade:    trade,
		Position: position,
		Balance:  balance,
		Market:   QuoteOf(m),
		Impact:   impact,
	}, nil
}

// compensate and unwindPosition run after the request context may be gone,
// so they use a short detached context.
func (s *Service) compensate(userID string, delta float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.AdjustBalance(ctx, userID, delta); err != nil {
		s.logger.Error("balance compensation failed", "user_id", userID, "delta", delta, "error", err)
	}
}

func (s *Service) unwindPosition(userID, marketID string, outcome pricing.Outcome, delta float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.store.AdjustPosition(ctx, userID, marketID, outcome, delta, 0); err != nil {
		s.logger.Error("position compensation failed", "user_id", userID, "market_id", marketID, "error", err)
	}
}

// Quote returns one market with prices.
func (s *Service) Quote(ctx context.Context, marketID string) (Quote, error) {
	m, err := s.store.GetMarketByID(ctx, marketID)
	if err != nil {
		return Quote{}, err
	}
	return QuoteOf(m), nil
}

// ActiveQuotes returns every active market with prices.
func (s *Service) ActiveQuotes(ctx context.Context) ([]Quote, error) {
	markets, err := s.store.GetActiveQuestions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Quote, 0, len(markets))
	for _, m := range markets {
		out = append(out, QuoteOf(m))
	}
	return out, nil
}

// Seed inserts markets that do not exist yet.
func (s *Service) Seed(ctx context.Context, markets []*Market) error {
	for _, m := range markets {
		_, err := s.store.GetMarketByID(ctx, m.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrMarketNotFound) {
			return err
		}
		if err := s.store.CreateMarket(ctx, m); err != nil {
			return fmt.Errorf("seed %s: %w", m.ID, err)
		}
	}
	return nil
}
