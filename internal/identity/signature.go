// Package identity verifies agent identities and payments against Ethereum:
// EIP-191 signer recovery for handshakes, transaction receipt checks for
// x402 payments, and ERC-721 ownership for on-chain agent tokens.
package identity

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrChainUnavailable = errors.New("chain verification unavailable")
)

// ChallengeMessage is the canonical string an agent signs to authenticate:
// agentId + address + timestamp, concatenated without separators.
func ChallengeMessage(agentID, address string, timestamp int64) string {
	return agentID + address + strconv.FormatInt(timestamp, 10)
}

// RecoverSigner recovers the lower-cased signer address from an EIP-191
// personal signature. signature is hex, 65 bytes (r[32] + s[32] + v[1]).
func RecoverSigner(message, signatureHex string) (string, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: bad hex: %v", ErrInvalidSignature, err)
	}
	if len(signature) != crypto.SignatureLength {
		return "", fmt.Errorf("%w: must be %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(signature))
	}

	// Wallets produce v = 27/28, Ecrecover expects 0/1.
	if signature[crypto.RecoveryIDOffset] >= 27 {
		signature[crypto.RecoveryIDOffset] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(accounts.TextHash([]byte(message)), signature)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// SignMessage produces an EIP-191 personal signature with v = 27/28, the
// same shape wallets emit.
func SignMessage(key *ecdsa.PrivateKey, message string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// AddressOf returns the lower-cased address of key.
func AddressOf(key *ecdsa.PrivateKey) string {
	return strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
}

// Offline verifies signatures locally and refuses every chain lookup. The
// server falls back to it when no RPC endpoint is configured.
type Offline struct{}

func (Offline) RecoverSigner(message, signature string) (string, error) {
	return RecoverSigner(message, signature)
}

func (Offline) VerifyOnChainReceipt(context.Context, string, string, string) (bool, error) {
	return false, ErrChainUnavailable
}

func (Offline) OwnsToken(context.Context, string, string) (bool, error) {
	return false, ErrChainUnavailable
}
