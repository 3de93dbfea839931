package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/handshake"
	"github.com/babylonmarket/a2a/internal/jsonrpc"
	"github.com/babylonmarket/a2a/internal/logging"
	"github.com/babylonmarket/a2a/internal/methods"
	"github.com/babylonmarket/a2a/internal/validation"
)

// Identity headers of the stateless HTTP transport.
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderAddress   = "X-Agent-Address"
	HeaderTokenID   = "X-Agent-Token-Id"
	HeaderSignature = "X-Agent-Signature"
	HeaderTimestamp = "X-Agent-Timestamp"
)

const maxAgentIDLen = 128

// rpcHandler serves one JSON-RPC call per POST. Identity comes from headers
// and lives only for the call.
func (s *Server) rpcHandler(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge,
			jsonrpc.NewError(jsonrpc.NullID, jsonrpc.InvalidRequest("request body too large")))
		return
	}

	conn, rpcErr := s.httpSession(c)
	if rpcErr != nil {
		logging.L(c.Request.Context()).Warn("http agent rejected",
			"agent_id", c.GetHeader(HeaderAgentID),
			"code", rpcErr.Code,
		)
		c.JSON(http.StatusUnauthorized, jsonrpc.NewError(peekID(body), rpcErr))
		return
	}

	resp := s.rpc.Dispatch(c.Request.Context(), conn, body)
	if resp == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// httpSession builds the ephemeral connection for one call. Without an
// agent id header the call is anonymous and limited per client IP.
func (s *Server) httpSession(c *gin.Context) (*connection.Conn, *jsonrpc.Error) {
	agentID := strings.TrimSpace(c.GetHeader(HeaderAgentID))
	if agentID == "" {
		return s.conns.Ephemeral(connection.Identity{}, s.httpLimiter.Bucket("ip:"+c.ClientIP())), nil
	}
	if len(agentID) > maxAgentIDLen || agentID == connection.AnonymousAgent {
		return nil, jsonrpc.InvalidHandshake("invalid " + HeaderAgentID)
	}

	address := strings.TrimSpace(c.GetHeader(HeaderAddress))
	if !validation.IsValidEthAddress(address) {
		return nil, jsonrpc.InvalidHandshake(HeaderAddress + " must be an Ethereum address")
	}
	tokenID := strings.TrimSpace(c.GetHeader(HeaderTokenID))

	ident := connection.Identity{
		AgentID:       agentID,
		WalletAddress: validation.SanitizeAddress(address),
		TokenID:       tokenID,
	}

	if s.cfg.HTTPRequireSignature {
		signature := c.GetHeader(HeaderSignature)
		ts, err := handshake.ParseMillis(c.GetHeader(HeaderTimestamp))
		if signature == "" || err != nil {
			return nil, jsonrpc.NotAuthenticated()
		}
		verified, err := s.auth.Verify(c.Request.Context(), handshake.Params{
			AgentID:   agentID,
			Address:   address,
			Signature: signature,
			Timestamp: &ts,
			TokenID:   handshake.TokenID(tokenID),
		})
		if err != nil {
			if mapped := methods.MapError(err); mapped != nil {
				return nil, mapped
			}
			return nil, jsonrpc.NotAuthenticated()
		}
		ident = verified
	}

	return s.conns.Ephemeral(ident, s.httpLimiter.Bucket("agent:"+agentID)), nil
}

// peekID recovers the request id for errors raised before dispatch.
func peekID(body []byte) json.RawMessage {
	var env struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(body, &env) != nil || !jsonrpc.ValidID(env.ID) || len(env.ID) == 0 {
		return jsonrpc.NullID
	}
	return env.ID
}

// describeHandler is the GET /api/a2a discovery document.
func (s *Server) describeHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    Name,
		"version": Version,
		"status":  "operational",
		"protocol": gin.H{
			"jsonrpc":         jsonrpc.Version,
			"version":         connection.ProtocolVersion,
			"websocket":       "/a2a/ws",
			"http":            "/api/a2a",
			"signedHeaders":   s.cfg.HTTPRequireSignature,
			"handshakeMethod": methods.Handshake,
		},
		"methods": s.rpc.Methods(),
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status      string            `json:"status"`
	Version     string            `json:"version"`
	Checks      map[string]string `json:"checks,omitempty"`
	Connections map[string]any    `json:"connections"`
	Timestamp   string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		switch {
		case st.Healthy:
			checks[st.Name] = "healthy"
		case st.Detail != "":
			checks[st.Name] = "unhealthy: " + st.Detail
		default:
			checks[st.Name] = "unhealthy"
		}
	}

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:      status,
		Version:     Version,
		Checks:      checks,
		Connections: s.conns.Stats(),
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
