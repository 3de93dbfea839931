// Package handshake gates every A2A session behind a signed identity proof.
//
// State machine per connection:
//
//	UNAUTHENTICATED --handshake(valid)--> AUTHENTICATED
//
// The agent signs ChallengeMessage(agentId, address, timestamp) with its
// wallet (EIP-191). The server checks the clock skew, recovers the signer,
// optionally checks on-chain ownership of the agent's identity token, and
// promotes the connection through the connection manager.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/babylonmarket/a2a/internal/connection"
	"github.com/babylonmarket/a2a/internal/identity"
	"github.com/babylonmarket/a2a/internal/metrics"
	"github.com/babylonmarket/a2a/internal/validation"
)

var (
	ErrInvalidHandshake  = errors.New("invalid handshake")
	ErrStaleTimestamp    = errors.New("handshake timestamp outside allowed skew")
	ErrSignatureMismatch = errors.New("signature does not match address")
	ErrTokenNotOwned     = errors.New("address does not own the identity token")
)

// DefaultMaxSkew is used when Config.MaxSkew is zero.
const DefaultMaxSkew = 5 * time.Minute

// Verifier recovers the signer of an EIP-191 personal message.
type Verifier interface {
	RecoverSigner(message, signature string) (string, error)
}

// TokenOwnership checks on-chain ownership of an agent identity token.
type TokenOwnership interface {
	OwnsToken(ctx context.Context, tokenID, address string) (bool, error)
}

// Config configures the authenticator.
type Config struct {
	// MaxSkew bounds |now - timestamp|.
	MaxSkew time.Duration
	// RequireTokenOwnership rejects a declared tokenId the address does not
	// own. When false, tokenId is recorded as declared.
	RequireTokenOwnership bool
}

// TokenID accepts either a JSON string or a JSON number.
type TokenID string

func (t *TokenID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*t = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*t = TokenID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tokenId must be a string or number")
	}
	*t = TokenID(n.String())
	return nil
}

// Millis is a Unix timestamp in milliseconds. Any JSON number with an
// integral value decodes, so 1.7e12 and 1700000000000.0 are accepted; a
// fractional value is not.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	v, err := ParseMillis(string(data))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMillis parses s as integer milliseconds, in plain or exponent form.
func ParseMillis(s string) (Millis, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Millis(n), nil
	}
	if s == "" || strings.IndexFunc(s, notNumeric) >= 0 {
		return 0, errTimestampFormat
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > maxExactMillis {
		return 0, errTimestampFormat
	}
	return Millis(f), nil
}

// maxExactMillis is the largest magnitude a float64 holds without losing
// whole milliseconds.
const maxExactMillis = 1 << 53

var errTimestampFormat = errors.New("timestamp must be integer milliseconds since the Unix epoch")

func notNumeric(r rune) bool {
	return !(r >= '0' && r <= '9') && !strings.ContainsRune("+-.eE", r)
}

// Params is the handshake request.
type Params struct {
	AgentID      string                   `json:"agentId" validate:"required,max=128"`
	Address      string                   `json:"address" validate:"required,ethaddr"`
	Signature    string                   `json:"signature" validate:"required"`
	Timestamp    *Millis                  `json:"timestamp" validate:"required"`
	TokenID      TokenID                  `json:"tokenId,omitempty" validate:"max=78"`
	Capabilities *connection.Capabilities `json:"capabilities,omitempty"`
}

// Result is returned to the agent on success.
type Result struct {
	Success      bool                    `json:"success"`
	SessionID    string                  `json:"sessionId,omitempty"`
	AgentID      string                  `json:"agentId"`
	Address      string                  `json:"address"`
	TokenID      string                  `json:"tokenId,omitempty"`
	Capabilities connection.Capabilities `json:"capabilities"`
	ServerTime   int64                   `json:"serverTime"`
}

// Authenticator validates handshakes and promotes connections.
type Authenticator struct {
	cfg      Config
	conns    *connection.Manager
	verifier Verifier
	tokens   TokenOwnership
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an authenticator.
func New(cfg Config, conns *connection.Manager, verifier Verifier, logger *slog.Logger) *Authenticator {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	return &Authenticator{
		cfg:      cfg,
		conns:    conns,
		verifier: verifier,
		logger:   logger,
		now:      time.Now,
	}
}

// WithTokenOwnership enables identity-token checks.
func (a *Authenticator) WithTokenOwnership(t TokenOwnership) *Authenticator {
	a.tokens = t
	return a
}

// Decode parses raw handshake params. Malformed input is ErrInvalidHandshake.
func Decode(raw json.RawMessage) (Params, error) {
	var p Params
	if len(raw) == 0 {
		return p, fmt.Errorf("%w: params are required", ErrInvalidHandshake)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}
	return p, nil
}

// Handshake authenticates conn. Ephemeral (HTTP) sessions are verified but
// not promoted, since they carry identity per call.
func (a *Authenticator) Handshake(ctx context.Context, conn *connection.Conn, p Params) (*Result, error) {
	ident, err := a.Verify(ctx, p)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues(resultLabel(err)).Inc()
		a.logger.Warn("handshake rejected",
			"connection_id", conn.ID,
			"agent_id", p.AgentID,
			"address", p.Address,
			"error", err,
		)
		return nil, err
	}

	result := &Result{Success: true, ServerTime: a.now().UnixMilli()}
	if conn.Ephemeral() {
		fillResult(result, ident)
	} else {
		promoted, err := a.conns.MarkAuthenticated(conn.ID, ident)
		if err != nil {
			return nil, fmt.Errorf("promote connection: %w", err)
		}
		result.SessionID = promoted.ID
		fillResult(result, promoted.Identity())
	}

	metrics.HandshakesTotal.WithLabelValues("success").Inc()
	a.logger.Info("agent authenticated",
		"connection_id", conn.ID,
		"agent_id", result.AgentID,
		"address", result.Address,
		"token_id", result.TokenID,
	)
	return result, nil
}

func fillResult(r *Result, id connection.Identity) {
	r.AgentID = id.AgentID
	r.Address = id.WalletAddress
	r.TokenID = id.TokenID
	r.Capabilities = id.Capabilities
}

// Verify checks p without touching any connection and returns the identity
// it proves. The HTTP transport uses it for signed header calls.
func (a *Authenticator) Verify(ctx context.Context, p Params) (connection.Identity, error) {
	if err := validation.Struct(p); err != nil {
		return connection.Identity{}, fmt.Errorf("%w: %v", ErrInvalidHandshake, err)
	}

	now := a.now().UnixMilli()
	ts := int64(*p.Timestamp)
	skew := now - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > a.cfg.MaxSkew.Milliseconds() {
		return connection.Identity{}, fmt.Errorf("%w: %dms", ErrStaleTimestamp, skew)
	}

	message := identity.ChallengeMessage(p.AgentID, p.Address, ts)
	signer, err := a.verifier.RecoverSigner(message, p.Signature)
	if err != nil {
		return connection.Identity{}, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	address := validation.SanitizeAddress(p.Address)
	if !strings.EqualFold(signer, address) {
		return connection.Identity{}, ErrSignatureMismatch
	}

	tokenID := string(p.TokenID)
	if tokenID != "" && a.cfg.RequireTokenOwnership && a.tokens != nil {
		owns, err := a.tokens.OwnsToken(ctx, tokenID, address)
		if err != nil {
			return connection.Identity{}, fmt.Errorf("check token ownership: %w", err)
		}
		if !owns {
			return connection.Identity{}, ErrTokenNotOwned
		}
	}

	return connection.Identity{
		AgentID:       p.AgentID,
		WalletAddress: address,
		TokenID:       tokenID,
		Capabilities:  connection.DefaultCapabilities().Merge(p.Capabilities),
	}, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrInvalidHandshake):
		return "invalid"
	case errors.Is(err, ErrStaleTimestamp):
		return "stale"
	case errors.Is(err, ErrSignatureMismatch):
		return "signature_mismatch"
	case errors.Is(err, ErrTokenNotOwned):
		return "token_not_owned"
	default:
		return "error"
	}
}
