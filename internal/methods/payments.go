package methods

import (
	"context"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/payments"
)

type paymentRequestParams struct {
	To       string         `json:"to" validate:"required,ethaddr"`
	Amount   string         `json:"amount" validate:"required,uintstr,max=78"`
	Purpose  string         `json:"purpose" validate:"required,max=64"`
	From     string         `json:"from" validate:"omitempty,ethaddr"`
	Metadata map[string]any `json:"metadata"`
}

type requestIDParams struct {
	RequestID string `json:"requestId" validate:"required,max=64"`
}

type receiptParams struct {
	RequestID string `json:"requestId" validate:"required,max=64"`
	TxHash    string `json:"txHash" validate:"required,startswith=0x,len=66,hexadecimal"`
}

func (h *handlers) paymentRequest(ctx context.Context, conn *connection.Conn, p paymentRequestParams) (any, error) {
	from := p.From
	if from == "" {
		from = conn.WalletAddress()
	}
	if from == "" {
		return nil, jsonrpc.InvalidParams("from: is required when the session has no wallet address")
	}
	return h.Payments.Create(payments.CreateInput{
		From:        from,
		To:          p.To,
		Amount:      p.Amount,
		Purpose:     p.Purpose,
		Metadata:    p.Metadata,
		RequestedBy: conn.AgentID(),
	})
}

func (h *handlers) getPaymentRequest(ctx context.Context, conn *connection.Conn, p requestIDParams) (any, error) {
	return h.Payments.Get(p.RequestID)
}

func (h *handlers) paymentReceipt(ctx context.Context, conn *connection.Conn, p receiptParams) (any, error) {
	return h.Payments.Verify(ctx, p.RequestID, payments.Proof{TxHash: p.TxHash})
}

// cancelPaymentRequest answers {cancelled:false} for anything that cannot
// be cancelled, except a request owned by another agent.
func (h *handlers) cancelPaymentRequest(ctx context.Context, conn *connection.Conn, p requestIDParams) (any, error) {
	if req, err := h.Payments.Get(p.RequestID); err == nil && req.RequestedBy != conn.AgentID() {
		return nil, jsonrpc.Forbidden("only the requester can cancel a payment request")
	}
	return map[string]any{"requestId": p.RequestID, "cancelled": h.Payments.Cancel(p.RequestID)}, nil
}

func (h *handlers) getPaymentStats(ctx context.Context, conn *connection.Conn, _ noParams) (any, error) {
	return h.Payments.Statistics(), nil
}
