package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/babylonmarket/a2a/internal/circuitbreaker"
	"github.com/babylonmarket/a2a/internal/retry"
)

// erc721ABI is the slice of ERC-721 the identity registry check needs.
const erc721ABI = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"type":"function"}
]`

// transferTopic is keccak256("Transfer(address,address,uint256)").
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ChainClient abstracts the go-ethereum client for testing
type ChainClient interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ChainConfig configures on-chain verification.
type ChainConfig struct {
	RPCURL string
	// PaymentToken is the ERC-20 contract payments settle in. Empty means
	// payments are native-currency transfers.
	PaymentToken string
	// IdentityRegistry is the ERC-721 contract holding agent identity
	// tokens. Empty disables ownership checks.
	IdentityRegistry string
	// RPCAttempts bounds retries of transient RPC failures.
	RPCAttempts int
}

// ChainVerifier implements signer recovery plus receipt and token-ownership
// lookups against an Ethereum RPC endpoint.
type ChainVerifier struct {
	client       ChainClient
	paymentToken common.Address
	registry     common.Address
	registryABI  abi.ABI
	attempts     int
	breaker      *circuitbreaker.Breaker
	logger       *slog.Logger
}

// Option configures a ChainVerifier.
type Option func(*ChainVerifier)

// WithClient injects a chain client instead of dialing RPCURL.
func WithClient(client ChainClient) Option {
	return func(v *ChainVerifier) {
		v.client = client
	}
}

// WithBreaker replaces the default RPC circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(v *ChainVerifier) {
		v.breaker = b
	}
}

// NewChainVerifier dials cfg.RPCURL unless a client is injected.
func NewChainVerifier(cfg ChainConfig, logger *slog.Logger, opts ...Option) (*ChainVerifier, error) {
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc721 abi: %w", err)
	}

	v := &ChainVerifier{
		registryABI: parsed,
		attempts:    cfg.RPCAttempts,
		breaker:     circuitbreaker.New(5, 30*time.Second),
		logger:      logger,
	}
	if v.attempts <= 0 {
		v.attempts = 3
	}
	if cfg.PaymentToken != "" {
		v.paymentToken = common.HexToAddress(cfg.PaymentToken)
	}
	if cfg.IdentityRegistry != "" {
		v.registry = common.HexToAddress(cfg.IdentityRegistry)
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: no RPC URL configured", ErrChainUnavailable)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		v.client = client
	}
	return v, nil
}

// RecoverSigner recovers the signer of an EIP-191 personal message.
func (v *ChainVerifier) RecoverSigner(message, signature string) (string, error) {
	return RecoverSigner(message, signature)
}

// VerifyOnChainReceipt reports whether txHash is a successful transfer of at
// least expectedAmount (smallest unit, base 10) to expectedRecipient. A
// missing or failed transaction is a negative answer, not an error.
func (v *ChainVerifier) VerifyOnChainReceipt(ctx context.Context, txHash, expectedAmount, expectedRecipient string) (bool, error) {
	want, ok := new(big.Int).SetString(expectedAmount, 10)
	if !ok || want.Sign() < 0 {
		return false, fmt.Errorf("invalid expected amount %q", expectedAmount)
	}
	recipient := common.HexToAddress(expectedRecipient)
	hash := common.HexToHash(txHash)

	var receipt *types.Receipt
	err := v.call(ctx, "receipt", func() error {
		r, err := v.client.TransactionReceipt(ctx, hash)
		receipt = r
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, nil
	}

	if v.paymentToken != (common.Address{}) {
		return matchTokenTransfer(receipt, v.paymentToken, recipient, want), nil
	}

	var tx *types.Transaction
	var pending bool
	err = v.call(ctx, "transaction", func() error {
		var err error
		tx, pending, err = v.client.TransactionByHash(ctx, hash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get transaction: %w", err)
	}
	if pending || tx.To() == nil {
		return false, nil
	}
	return *tx.To() == recipient && tx.Value().Cmp(want) >= 0, nil
}

func matchTokenTransfer(receipt *types.Receipt, token, recipient common.Address, want *big.Int) bool {
	for _, log := range receipt.Logs {
		if log.Address != token || len(log.Topics) < 3 || log.Topics[0] != transferTopic {
			continue
		}
		to := common.BytesToAddress(log.Topics[2].Bytes())
		amount := new(big.Int).SetBytes(log.Data)
		if to == recipient && amount.Cmp(want) >= 0 {
			return true
		}
	}
	return false
}

// OwnsToken reports whether address owns tokenID in the identity registry.
func (v *ChainVerifier) OwnsToken(ctx context.Context, tokenID, address string) (bool, error) {
	if v.registry == (common.Address{}) {
		return false, fmt.Errorf("%w: no identity registry configured", ErrChainUnavailable)
	}
	id, ok := new(big.Int).SetString(tokenID, 10)
	if !ok {
		return false, fmt.Errorf("invalid token id %q", tokenID)
	}

	data, err := v.registryABI.Pack("ownerOf", id)
	if err != nil {
		return false, fmt.Errorf("pack ownerOf: %w", err)
	}

	var out []byte
	err = v.call(ctx, "ownerOf", func() error {
		var err error
		out, err = v.client.CallContract(ctx, ethereum.CallMsg{To: &v.registry, Data: data}, nil)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("call ownerOf: %w", err)
	}

	values, err := v.registryABI.Unpack("ownerOf", out)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("unpack ownerOf: %w", err)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return false, fmt.Errorf("unexpected ownerOf result %T", values[0])
	}
	return owner == common.HexToAddress(address), nil
}

// call runs one RPC under the circuit breaker with retries. Not-found
// answers are neither retried nor counted against the endpoint.
func (v *ChainVerifier) call(ctx context.Context, op string, fn func() error) error {
	err := v.breaker.Do(op, func() error {
		return retry.Do(ctx, v.attempts, 200*time.Millisecond, func() error {
			err := fn()
			if errors.Is(err, ethereum.NotFound) {
				return retry.Permanent(err)
			}
			return err
		})
	}, countsAgainstEndpoint)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		v.logger.Warn("chain rpc skipped", "op", op, "reason", "circuit open")
		return fmt.Errorf("%w: %s circuit open", ErrChainUnavailable, op)
	}
	return err
}

func countsAgainstEndpoint(err error) bool {
	return !errors.Is(err, ethereum.NotFound) &&
		!errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded)
}

// Close closes the client connection
func (v *ChainVerifier) Close() {
	if v.client != nil {
		v.client.Close()
	}
}
