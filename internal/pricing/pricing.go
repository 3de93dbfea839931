// Package pricing prices trades on binary YES/NO markets with a
// constant-product market maker. Every function is pure.
//
// The pool holds YES and NO reserves with k = yes * no. Buying an outcome
// with collateral A mints A of each outcome into the pool and withdraws
// enough of the bought side to restore k. Selling is the inverse. The
// price of YES is no / (yes + no).
package pricing

import (
	"errors"
	"math"
)

var (
	ErrInvalidAmount         = errors.New("trade amount must be positive")
	ErrInvalidOutcome        = errors.New("outcome must be YES or NO")
	ErrInvalidSide           = errors.New("side must be buy or sell")
	ErrInsufficientLiquidity = errors.New("market has no liquidity")
)

type Outcome string

const (
	Yes Outcome = "YES"
	No  Outcome = "NO"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// State is the pool's reserves.
type State struct {
	YesShares float64 `json:"yesShares"`
	NoShares  float64 `json:"noShares"`
}

// Trade describes one order. Amount is collateral for a buy and shares for
// a sell.
type Trade struct {
	Side    Side
	Outcome Outcome
	Amount  float64
}

// Impact is the result of pricing a trade.
type Impact struct {
	// Proceeds is shares received on a buy and collateral received on a sell.
	Proceeds float64 `json:"proceeds"`
	// AvgPrice is collateral per share for this trade.
	AvgPrice float64 `json:"avgPrice"`
	// NewPrice is the traded outcome's price after the trade.
	NewPrice float64 `json:"newPrice"`
	// PriceImpact is NewPrice minus the price before the trade.
	PriceImpact float64 `json:"priceImpact"`
	NewState    State   `json:"newState"`
}

// Prices returns the current YES and NO prices. They sum to 1.
func Prices(s State) (yes, no float64) {
	total := s.YesShares + s.NoShares
	if total <= 0 {
		return 0.5, 0.5
	}
	return s.NoShares / total, s.YesShares / total
}

// PriceOf returns the price of one outcome.
func PriceOf(s State, o Outcome) float64 {
	yes, no := Prices(s)
	if o == No {
		return no
	}
	return yes
}

// PriceImpactForTrade prices t against s without mutating anything.
func PriceImpactForTrade(s State, t Trade) (Impact, error) {
	if t.Outcome != Yes && t.Outcome != No {
		return Impact{}, ErrInvalidOutcome
	}
	if !(t.Amount > 0) || math.IsInf(t.Amount, 0) {
		return Impact{}, ErrInvalidAmount
	}
	if s.YesShares <= 0 || s.NoShares <= 0 {
		return Impact{}, ErrInsufficientLiquidity
	}

	// Work in (own, other) coordinates so YES and NO share one formula.
	own, other := s.YesShares, s.NoShares
	if t.Outcome == No {
		own, other = other, own
	}
	k := own * other

	var proceeds, newOwn, newOther, collateral, shares float64
	switch t.Side {
	case Buy:
		a := t.Amount
		newOther = other + a
		newOwn = k / newOther
		proceeds = own + a - newOwn
		collateral, shares = a, proceeds
	case Sell:
		// Solve (own + S - C) * (other - C) = k for the collateral C paid
		// out for S shares; take the root below other, in the form that
		// avoids cancellation.
		sh := t.Amount
		b := own + sh + other
		disc := b*b - 4*sh*other
		if disc < 0 {
			disc = 0
		}
		c := 2 * sh * other / (b + math.Sqrt(disc))
		newOwn = own + sh - c
		newOther = other - c
		proceeds = c
		collateral, shares = c, sh
	default:
		return Impact{}, ErrInvalidSide
	}

	next := State{YesShares: newOwn, NoShares: newOther}
	if t.Outcome == No {
		next = State{YesShares: newOther, NoShares: newOwn}
	}

	before := PriceOf(s, t.Outcome)
	after := PriceOf(next, t.Outcome)
	avg := 0.0
	if shares > 0 {
		avg = collateral / shares
	}
	return Impact{
		Proceeds:    proceeds,
		AvgPrice:    avg,
		NewPrice:    after,
		PriceImpact: after - before,
		NewState:    next,
	}, nil
}
