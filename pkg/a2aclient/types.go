// Package a2aclient is a Go client for Babylon A2A servers. Client makes
// one call per HTTP POST with identity headers; Session holds an
// authenticated WebSocket and receives pushed notifications.
package a2aclient

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Identity headers understood by POST /api/a2a.
const (
	HeaderAgentID   = "X-Agent-Id"
	HeaderAddress   = "X-Agent-Address"
	HeaderTokenID   = "X-Agent-Token-Id"
	HeaderSignature = "X-Agent-Signature"
	HeaderTimestamp = "X-Agent-Timestamp"
)

// Error codes a server may return besides the JSON-RPC standard ones.
const (
	CodeNotAuthenticated   = -32000
	CodeRateLimited        = -32001
	CodeForbidden          = -32002
	CodeNotFound           = -32003
	CodeVerificationFailed = -32004
	CodeInvalidHandshake   = -32005
	CodeStaleTimestamp     = -32006
	CodeSignatureMismatch  = -32007
	CodeInsufficientFunds  = -32008
)

// Error is a JSON-RPC error returned by the server.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// Notification is a server push such as market.update.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      *int64 `json:"id,omitempty"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func decodeResult(resp *response, out any) error {
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// Signer proves control of an agent's wallet.
type Signer struct {
	AgentID string
	TokenID string
	key     *ecdsa.PrivateKey
	now     func() time.Time
}

// NewSigner binds agentID to key.
func NewSigner(agentID string, key *ecdsa.PrivateKey) *Signer {
	return &Signer{AgentID: agentID, key: key, now: time.Now}
}

// Address is the checksummed wallet address of the signer.
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

// HandshakeParams signs a fresh challenge for a2a.handshake.
func (s *Signer) HandshakeParams() (map[string]any, error) {
	ts := s.now().UnixMilli()
	sig, err := s.sign(ts)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"agentId":   s.AgentID,
		"address":   s.Address(),
		"signature": sig,
		"timestamp": ts,
	}
	if s.TokenID != "" {
		params["tokenId"] = s.TokenID
	}
	return params, nil
}

// Headers returns the identity headers for one HTTP call. With sign set the
// challenge signature and timestamp are included.
func (s *Signer) Headers(sign bool) (map[string]string, error) {
	h := map[string]string{
		HeaderAgentID: s.AgentID,
		HeaderAddress: s.Address(),
	}
	if s.TokenID != "" {
		h[HeaderTokenID] = s.TokenID
	}
	if sign {
		ts := s.now().UnixMilli()
		sig, err := s.sign(ts)
		if err != nil {
			return nil, err
		}
		h[HeaderSignature] = sig
		h[HeaderTimestamp] = strconv.FormatInt(ts, 10)
	}
	return h, nil
}

// sign produces an EIP-191 personal signature over the handshake challenge.
func (s *Signer) sign(ts int64) (string, error) {
	message := s.AgentID + s.Address() + strconv.FormatInt(ts, 10)
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), s.key)
	if err != nil {
		return "", fmt.Errorf("sign challenge: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
