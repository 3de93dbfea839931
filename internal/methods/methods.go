// Package methods binds the a2a.* JSON-RPC surface to the protocol
// components and collaborators.
package methods

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/babylonmarket/a2a/internal/broadcast"
	"github.com/babylonmarket/a2a/internal/coalition"
	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/handshake"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/market"
	"github.com/babylonmarket/a2a/internal/payments"
	"github.com/babylonmarket/a2a/internal/pricing"
	"github.com/babylonmarket/a2a/internal/router"
)

// Method names.
const (
	Handshake        = "a2a.handshake"
	HandshakeAlias   = "handshake"
	GetMarketData    = "a2a.getMarketData"
	GetMarketPrices  = "a2a.getMarketPrices"
	SubscribeMarket  = "a2a.subscribeMarket"
	UnsubscribeMkt   = "a2a.unsubscribeMarket"
	BuyShares        = "a2a.buyShares"
	SellShares       = "a2a.sellShares"
	GetPositions     = "a2a.getPositions"
	GetBalance       = "a2a.getBalance"
	CreatePost       = "a2a.createPost"
	GetFeed          = "a2a.getFeed"
	SendMessage      = "a2a.sendMessage"
	Discover         = "a2a.discover"
	ProposeCoalition = "a2a.proposeCoalition"
	JoinCoalition    = "a2a.joinCoalition"
	LeaveCoalition   = "a2a.leaveCoalition"
	CoalitionMessage = "a2a.coalitionMessage"
	GetCoalition     = "a2a.getCoalition"
	ListCoalitions   = "a2a.listCoalitions"
	PaymentRequest   = "a2a.paymentRequest"
	GetPaymentReq    = "a2a.getPaymentRequest"
	PaymentReceipt   = "a2a.paymentReceipt"
	CancelPayment    = "a2a.cancelPaymentRequest"
	GetPaymentStats  = "a2a.getPaymentStats"

	// MethodDirectMessage is pushed to the recipient of a2a.sendMessage.
	MethodDirectMessage = "a2a.message"
)

// Deps are the components the handlers call into.
type Deps struct {
	Conns      *connection.Manager
	Auth       *handshake.Authenticator
	Broadcast  *broadcast.Engine
	Coalitions *coalition.Manager
	Payments   *payments.Manager
	Markets    *market.Service
	Logger     *slog.Logger
}

type handlers struct {
	Deps
	now func() time.Time
}

// Register installs every method on r and sets its error mapper.
func Register(r *router.Router, d Deps) error {
	h := &handlers{Deps: d, now: time.Now}
	r.SetErrorMapper(MapError)

	table := []struct {
		name string
		m    router.Method
	}{
		{Handshake, router.Raw(h.handshake).AsPublic()},
		{HandshakeAlias, router.Raw(h.handshake).AsPublic()},

		{GetMarketData, router.Handle(h.getMarketData)},
		{GetMarketPrices, router.Handle(h.getMarketPrices)},
		{SubscribeMarket, router.Handle(h.subscribeMarket)},
		{UnsubscribeMkt, router.Handle(h.unsubscribeMarket)},
		{BuyShares, router.Handle(h.buyShares)},
		{SellShares, router.Handle(h.sellShares)},
		{GetPositions, router.Handle(h.getPositions)},
		{GetBalance, router.Handle(h.getBalance)},

		{CreatePost, router.Handle(h.createPost)},
		{GetFeed, router.Handle(h.getFeed)},
		{SendMessage, router.Handle(h.sendMessage)},
		{Discover, router.Handle(h.discover)},

		{ProposeCoalition, router.Handle(h.proposeCoalition)},
		{JoinCoalition, router.Handle(h.joinCoalition)},
		{LeaveCoalition, router.Handle(h.leaveCoalition)},
		{CoalitionMessage, router.Handle(h.coalitionMessage)},
		{GetCoalition, router.Handle(h.getCoalition)},
		{ListCoalitions, router.Handle(h.listCoalitions)},

		{PaymentRequest, router.Handle(h.paymentRequest)},
		{GetPaymentReq, router.Handle(h.getPaymentRequest)},
		{PaymentReceipt, router.Handle(h.paymentReceipt)},
		{CancelPayment, router.Handle(h.cancelPaymentRequest)},
		{GetPaymentStats, router.Handle(h.getPaymentStats)},
	}
	for _, entry := range table {
		if err := r.Register(entry.name, entry.m); err != nil {
			return err
		}
	}
	return nil
}

// MapError translates domain errors into wire errors. Unknown errors return
// nil so the router reports them as internal.
func MapError(err error) *jsonrpc.Error {
	switch {
	case errors.Is(err, handshake.ErrInvalidHandshake):
		return jsonrpc.InvalidHandshake(err.Error())
	case errors.Is(err, handshake.ErrStaleTimestamp):
		return jsonrpc.StaleTimestamp(err.Error())
	case errors.Is(err, handshake.ErrSignatureMismatch):
		return jsonrpc.SignatureMismatch(err.Error())
	case errors.Is(err, handshake.ErrTokenNotOwned):
		return jsonrpc.Forbidden(err.Error())

	case errors.Is(err, market.ErrMarketNotFound),
		errors.Is(err, coalition.ErrNotFound),
		errors.Is(err, payments.ErrNotFound):
		return jsonrpc.NotFound(err.Error())

	case errors.Is(err, coalition.ErrNotMember),
		errors.Is(err, market.ErrMarketClosed),
		errors.Is(err, broadcast.ErrNotStreaming):
		return jsonrpc.Forbidden(err.Error())

	case errors.Is(err, coalition.ErrNoMembers),
		errors.Is(err, payments.ErrInvalidAmount),
		errors.Is(err, payments.ErrInvalidAddress),
		errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, pricing.ErrInvalidOutcome),
		errors.Is(err, pricing.ErrInvalidSide),
		errors.Is(err, pricing.ErrInsufficientLiquidity):
		return jsonrpc.InvalidParams(err.Error())

	case errors.Is(err, market.ErrInsufficientFunds),
		errors.Is(err, market.ErrInsufficientShares):
		return jsonrpc.InsufficientFunds(err.Error())

	case errors.Is(err, payments.ErrVerificationFailed):
		return jsonrpc.VerificationFailed(err.Error())

	case errors.Is(err, market.ErrStorage):
		return jsonrpc.InternalError("storage unavailable")
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return jsonrpc.InternalError("request timed out")
	}
	return nil
}
