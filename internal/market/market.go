// Package market is the storage collaborator behind the trading and social
// methods, plus the trade service that applies pricing to it.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/babylonmarket/a2a/internal/pagination"
	"github.com/babylonmarket/a2a/internal/pricing"
)

var (
	ErrMarketNotFound     = errors.New("market not found")
	ErrMarketClosed       = errors.New("market is not open for trading")
	ErrInsufficientFunds  = errors.New("insufficient balance")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrStorage            = errors.New("storage error")
)

// Status of a market.
type Status string

const (
	StatusActive   Status = "active"
	StatusResolved Status = "resolved"
)

// DefaultStartingBalance is credited to users the store has not seen.
const DefaultStartingBalance = 1000.0

// Market is a binary prediction question and its pool reserves.
type Market struct {
	ID          string    `json:"id"`
	Question    string    `json:"question"`
	Description string    `json:"description,omitempty"`
	YesShares   float64   `json:"yesShares"`
	NoShares    float64   `json:"noShares"`
	Volume      float64   `json:"volume"`
	Status      Status    `json:"status"`
	EndDate     time.Time `json:"endDate"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// State returns the pricing view of the pool.
func (m *Market) State() pricing.State {
	return pricing.State{YesShares: m.YesShares, NoShares: m.NoShares}
}

// Open reports whether trading is allowed at now.
func (m *Market) Open(now time.Time) bool {
	return m.Status == StatusActive && (m.EndDate.IsZero() || now.Before(m.EndDate))
}

// Quote is a market with its current prices.
type Quote struct {
	*Market
	YesPrice float64 `json:"yesPrice"`
	NoPrice  float64 `json:"noPrice"`
}

// QuoteOf prices m.
func QuoteOf(m *Market) Quote {
	yes, no := pricing.Prices(m.State())
	return Quote{Market: m, YesPrice: yes, NoPrice: no}
}

// Position is a user's holding in one outcome of one market.
type Position struct {
	UserID    string          `json:"userId"`
	MarketID  string          `json:"marketId"`
	Outcome   pricing.Outcome `json:"outcome"`
	Shares    float64         `json:"shares"`
	AvgPrice  float64         `json:"avgPrice"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Trade is an executed order. Amount is collateral moved.
type Trade struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	MarketID  string          `json:"marketId"`
	Side      pricing.Side    `json:"side"`
	Outcome   pricing.Outcome `json:"outcome"`
	Amount    float64         `json:"amount"`
	Shares    float64         `json:"shares"`
	Price     float64         `json:"price"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Post is a feed entry authored by an agent.
type Post struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists markets, balances, positions, trades and posts.
type Store interface {
	GetActiveQuestions(ctx context.Context) ([]*Market, error)
	GetMarketByID(ctx context.Context, id string) (*Market, error)
	CreateMarket(ctx context.Context, m *Market) error
	UpdateMarket(ctx context.Context, m *Market) error

	RecordTrade(ctx context.Context, t *Trade) error
	GetPositions(ctx context.Context, userID string) ([]*Position, error)
	// AdjustPosition adds delta shares (negative to reduce) bought or sold
	// at price. Reducing below zero fails with ErrInsufficientShares.
	AdjustPosition(ctx context.Context, userID, marketID string, outcome pricing.Outcome, delta, price float64) (*Position, error)

	GetBalance(ctx context.Context, userID string) (float64, error)
	// AdjustBalance applies delta atomically. Going negative fails with
	// ErrInsufficientFunds.
	AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error)

	CreatePost(ctx context.Context, p *Post) error
	ListPosts(ctx context.Context, limit, offset int) ([]*Post, error)
	// ListPostsBefore returns up to limit posts strictly older than the
	// cursor, newest first.
	ListPostsBefore(ctx context.Context, before pagination.Cursor, limit int) ([]*Post, error)
}

// DemoMarkets returns a few open markets for development mode.
func DemoMarkets(now time.Time) []*Market {
	mk := func(id, q string, yes, no float64, days int) *Market {
		return &Market{
			ID: id, Question: q, YesShares: yes, NoShares: no,
			Status: StatusActive, EndDate: now.AddDate(0, 0, days),
			CreatedAt: now, UpdatedAt: now,
		}
	}
	return []*Market{
		mk("mkt_eth_5k", "Will ETH trade above $5,000 by the end of the quarter?", 1000, 1000, 90),
		mk("mkt_agents_1m", "Will one million agents be registered on-chain this year?", 1500, 500, 180),
		mk("mkt_l2_fees", "Will average L2 fees fall below one cent this month?", 800, 1200, 30),
	}
}
