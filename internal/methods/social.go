package methods

import (
	"context"
	"strings"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/idgen"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/market"
	"github.com/babylonmarket/a2a/internal/pagination"
	"github.com/babylonmarket/a2a/internal/validation"
)

const (
	defaultFeedLimit = 20
	maxPostLength    = 280
)

type createPostParams struct {
	Content string `json:"content" validate:"required,max=280"`
	Type    string `json:"type" validate:"omitempty,max=32"`
}

type feedParams struct {
	Limit  int    `json:"limit" validate:"omitempty,min=1,max=100"`
	Offset int    `json:"offset" validate:"gte=0"`
	Cursor string `json:"cursor" validate:"omitempty,max=256"`
}

type sendMessageParams struct {
	To      string `json:"to" validate:"required,max=128"`
	Content string `json:"content" validate:"required,max=2000"`
}

type discoverParams struct {
	Strategy string `json:"strategy" validate:"omitempty,max=64"`
	Market   string `json:"market" validate:"omitempty,max=128"`
	Limit    int    `json:"limit" validate:"omitempty,min=1,max=100"`
}

// DirectMessage is the params object of an a2a.message push.
type DirectMessage struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

func (h *handlers) createPost(ctx context.Context, conn *connection.Conn, p createPostParams) (any, error) {
	content := validation.SanitizeString(p.Content, maxPostLength)
	if content == "" {
		return nil, jsonrpc.InvalidParams("content: is required")
	}
	postType := p.Type
	if postType == "" {
		postType = "post"
	}
	post := &market.Post{
		ID:        idgen.WithPrefix("post_"),
		AuthorID:  conn.AgentID(),
		Content:   content,
		Type:      postType,
		CreatedAt: h.now(),
	}
	if err := h.Markets.Store().CreatePost(ctx, post); err != nil {
		return nil, err
	}
	return post, nil
}

func (h *handlers) getFeed(ctx context.Context, conn *connection.Conn, p feedParams) (any, error) {
	limit := p.Limit
	if limit == 0 {
		limit = defaultFeedLimit
	}
	// One extra row tells whether another page exists.
	var (
		posts []*market.Post
		err   error
	)
	if p.Cursor != "" {
		cursor, perr := pagination.Parse(p.Cursor)
		if perr != nil {
			return nil, jsonrpc.InvalidParams(perr.Error())
		}
		posts, err = h.Markets.Store().ListPostsBefore(ctx, cursor, limit+1)
	} else {
		posts, err = h.Markets.Store().ListPosts(ctx, limit+1, p.Offset)
	}
	if err != nil {
		return nil, err
	}

	page := pagination.Trim(posts, limit, func(post *market.Post) pagination.Cursor {
		return pagination.Cursor{CreatedAt: post.CreatedAt, ID: post.ID}
	})
	return map[string]any{
		"posts":      page.Items,
		"limit":      limit,
		"offset":     p.Offset,
		"nextCursor": page.Next,
		"hasMore":    page.HasMore,
	}, nil
}

func (h *handlers) sendMessage(ctx context.Context, conn *connection.Conn, p sendMessageParams) (any, error) {
	msg := DirectMessage{
		MessageID: idgen.WithPrefix("msg_"),
		From:      conn.AgentID(),
		Content:   p.Content,
		Timestamp: h.now().UnixMilli(),
	}
	payload, err := jsonrpc.NewNotification(MethodDirectMessage, msg)
	if err != nil {
		return nil, err
	}
	delivered := h.Conns.SendToAgent(p.To, payload)
	return map[string]any{
		"messageId": msg.MessageID,
		"to":        p.To,
		"delivered": delivered > 0,
		"sessions":  delivered,
	}, nil
}

// discover lists online agents other than the caller, optionally filtered
// by a declared strategy or market.
func (h *handlers) discover(ctx context.Context, conn *connection.Conn, p discoverParams) (any, error) {
	limit := p.Limit
	if limit == 0 {
		limit = 50
	}
	self := conn.AgentID()
	agents := make([]connection.Identity, 0)
	for _, id := range h.Conns.Agents() {
		if id.AgentID == self {
			continue
		}
		if p.Strategy != "" && !containsFold(id.Capabilities.Strategies, p.Strategy) {
			continue
		}
		if p.Market != "" && !containsFold(id.Capabilities.Markets, p.Market) {
			continue
		}
		agents = append(agents, id)
		if len(agents) == limit {
			break
		}
	}
	return map[string]any{"agents": agents, "count": len(agents)}, nil
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
