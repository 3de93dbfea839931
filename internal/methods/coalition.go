package methods

import (
	"context"

	"github.com/babylonmarket/a2a/internal/coalition"
	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/traces"
)

type proposeParams struct {
	Name         string   `json:"name" validate:"required,max=100"`
	Strategy     string   `json:"strategy" validate:"required,max=100"`
	TargetMarket string   `json:"targetMarket" validate:"required,max=128"`
	Members      []string `json:"members" validate:"required,min=1,max=50,dive,required,max=128"`
}

type coalitionIDParams struct {
	CoalitionID string `json:"coalitionId" validate:"required,max=64"`
}

type coalitionMessageParams struct {
	CoalitionID string `json:"coalitionId" validate:"required,max=64"`
	Message     string `json:"message" validate:"required,max=2000"`
}

func (h *handlers) proposeCoalition(ctx context.Context, conn *connection.Conn, p proposeParams) (any, error) {
	c, err := h.Coalitions.Propose(conn.AgentID(), coalition.Proposal{
		Name:         p.Name,
		Strategy:     p.Strategy,
		TargetMarket: p.TargetMarket,
		Members:      p.Members,
	})
	if err != nil {
		return nil, err
	}
	traces.Annotate(ctx, traces.CoalitionID(c.ID), traces.MarketID(p.TargetMarket))
	return c, nil
}

func (h *handlers) joinCoalition(ctx context.Context, conn *connection.Conn, p coalitionIDParams) (any, error) {
	traces.Annotate(ctx, traces.CoalitionID(p.CoalitionID))
	return h.Coalitions.Join(p.CoalitionID, conn.AgentID())
}

func (h *handlers) leaveCoalition(ctx context.Context, conn *connection.Conn, p coalitionIDParams) (any, error) {
	traces.Annotate(ctx, traces.CoalitionID(p.CoalitionID))
	remaining, err := h.Coalitions.Leave(p.CoalitionID, conn.AgentID())
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"coalitionId": p.CoalitionID,
		"left":        true,
		"dissolved":   remaining == nil,
	}, nil
}

func (h *handlers) coalitionMessage(ctx context.Context, conn *connection.Conn, p coalitionMessageParams) (any, error) {
	traces.Annotate(ctx, traces.CoalitionID(p.CoalitionID))
	delivered, err := h.Coalitions.Message(p.CoalitionID, conn.AgentID(), p.Message)
	if err != nil {
		return nil, err
	}
	return map[string]any{"coalitionId": p.CoalitionID, "delivered": delivered}, nil
}

func (h *handlers) getCoalition(ctx context.Context, conn *connection.Conn, p coalitionIDParams) (any, error) {
	traces.Annotate(ctx, traces.CoalitionID(p.CoalitionID))
	return h.Coalitions.Get(p.CoalitionID)
}

// listCoalitions returns the caller's coalitions, newest first.
func (h *handlers) listCoalitions(_ context.Context, conn *connection.Conn, _ noParams) (any, error) {
	list := h.Coalitions.ForAgent(conn.AgentID())
	if list == nil {
		list = []*coalition.Coalition{}
	}
	return map[string]any{"coalitions": list, "count": len(list)}, nil
}
