package market

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/babylonmarket/a2a/internal/pagination"
	"github.com/babylonmarket/a2a/internal/pricing"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	startingBalance float64

	mu        sync.RWMutex
	markets   map[string]*Market
	balances  map[string]float64
	positions map[string]*Position
	trades    []*Trade
	posts     []*Post
}

// NewMemoryStore creates an empty store. startingBalance <= 0 uses the
// default.
func NewMemoryStore(startingBalance float64) *MemoryStore {
	if startingBalance <= 0 {
		startingBalance = DefaultStartingBalance
	}
	return &MemoryStore{
		startingBalance: startingBalance,
		markets:         make(map[string]*Market),
		balances:        make(map[string]float64),
		positions:       make(map[string]*Position),
	}
}

func positionKey(userID, marketID string, outcome pricing.Outcome) string {
	return userID + "|" + marketID + "|" + string(outcome)
}

func (s *MemoryStore) GetActiveQuestions(ctx context.Context) ([]*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Market, 0, len(s.markets))
	for _, m := range s.markets {
		if m.Status == StatusActive {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetMarketByID(ctx context.Context, id string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, ErrMarketNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) CreateMarket(ctx context.Context, m *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) UpdateMarket(ctx context.Context, m *Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markets[m.ID]; !ok {
		return ErrMarketNotFound
	}
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) RecordTrade(ctx context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades = append(s.trades, &cp)
	return nil
}

func (s *MemoryStore) GetPositions(ctx context.Context, userID string) ([]*Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Position
	for _, p := range s.positions {
		if p.UserID == userID && p.Shares > 0 {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MarketID != out[j].MarketID {
			return out[i].MarketID < out[j].MarketID
		}
		return out[i].Outcome < out[j].Outcome
	})
	return out, nil
}

func (s *MemoryStore) AdjustPosition(ctx context.Context, userID, marketID string, outcome pricing.Outcome, delta, price float64) (*Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := positionKey(userID, marketID, outcome)
	p, ok := s.positions[key]
	if !ok {
		p = &Position{UserID: userID, MarketID: marketID, Outcome: outcome}
	}
	next := p.Shares + delta
	if next < 0 {
		return nil, ErrInsufficientShares
	}
	if delta > 0 {
		p.AvgPrice = (p.Shares*p.AvgPrice + delta*price) / next
	}
	p.Shares = next
	p.UpdatedAt = time.Now()
	s.positions[key] = p
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.balances[userID]; ok {
		return b, nil
	}
	return s.startingBalance, nil
}

func (s *MemoryStore) AdjustBalance(ctx context.Context, userID string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[userID]
	if !ok {
		b = s.startingBalance
	}
	if b+delta < 0 {
		return b, ErrInsufficientFunds
	}
	s.balances[userID] = b + delta
	return b + delta, nil
}

func (s *MemoryStore) CreatePost(ctx context.Context, p *Post) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.posts = append(s.posts, &cp)
	return nil
}

// ListPosts returns posts newest first.
func (s *MemoryStore) ListPosts(ctx context.Context, limit, offset int) ([]*Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Post, 0, limit)
	for i := len(s.posts) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *s.posts[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) ListPostsBefore(ctx context.Context, before pagination.Cursor, limit int) ([]*Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Post, 0, limit)
	for i := len(s.posts) - 1; i >= 0 && len(out) < limit; i-- {
		p := s.posts[i]
		if p.CreatedAt.After(before.CreatedAt) ||
			(p.CreatedAt.Equal(before.CreatedAt) && p.ID >= before.ID) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
