package identity

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babylonmarket/a2a/internal/circuitbreaker"
)

const (
	recipientHex = "0x2222222222222222222222222222222222222222"
	senderHex    = "0x1111111111111111111111111111111111111111"
	tokenHex     = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	registryHex  = "0x3333333333333333333333333333333333333333"
)

type fakeChain struct {
	receipts map[common.Hash]*types.Receipt
	txs      map[common.Hash]*types.Transaction
	owner    common.Address
	calls    int
	err      error
}

func (f *fakeChain) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeChain) TransactionByHash(_ context.Context, h common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeChain) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return common.LeftPadBytes(f.owner.Bytes(), 32), nil
}

func (f *fakeChain) Close() {}

func transferLog(token, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(common.HexToAddress(senderHex).Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func TestVerifyOnChainReceipt_TokenTransfer(t *testing.T) {
	hash := common.HexToHash("0xaa")
	amount, _ := new(big.Int).SetString("10000000000000000", 10)

	chain := &fakeChain{receipts: map[common.Hash]*types.Receipt{
		hash: {
			Status: types.ReceiptStatusSuccessful,
			Logs:   []*types.Log{transferLog(common.HexToAddress(tokenHex), common.HexToAddress(recipientHex), amount)},
		},
	}}
	v, err := NewChainVerifier(ChainConfig{PaymentToken: tokenHex}, slog.Default(), WithClient(chain))
	require.NoError(t, err)

	ok, err := v.VerifyOnChainReceipt(context.Background(), hash.Hex(), "10000000000000000", recipientHex)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyOnChainReceipt(context.Background(), hash.Hex(), "10000000000000001", recipientHex)
	require.NoError(t, err)
	assert.False(t, ok, "underpayment must not verify")

	ok, err = v.VerifyOnChainReceipt(context.Background(), hash.Hex(), "1", senderHex)
	require.NoError(t, err)
	assert.False(t, ok, "wrong recipient must not verify")
}

func TestVerifyOnChainReceipt_MissingIsNegative(t *testing.T) {
	chain := &fakeChain{}
	v, err := NewChainVerifier(ChainConfig{PaymentToken: tokenHex, RPCAttempts: 3}, slog.Default(), WithClient(chain))
	require.NoError(t, err)

	ok, err := v.VerifyOnChainReceipt(context.Background(), "0xbb", "1", recipientHex)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, chain.calls, "not-found must not be retried")
}

func TestVerifyOnChainReceipt_FailedTx(t *testing.T) {
	hash := common.HexToHash("0xcc")
	chain := &fakeChain{receipts: map[common.Hash]*types.Receipt{
		hash: {Status: types.ReceiptStatusFailed},
	}}
	v, err := NewChainVerifier(ChainConfig{PaymentToken: tokenHex}, slog.Default(), WithClient(chain))
	require.NoError(t, err)

	ok, err := v.VerifyOnChainReceipt(context.Background(), hash.Hex(), "1", recipientHex)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyOnChainReceipt_NativeTransfer(t *testing.T) {
	to := common.HexToAddress(recipientHex)
	tx := types.NewTx(&types.LegacyTx{Nonce: 1, To: &to, Value: big.NewInt(500), Gas: 21000, GasPrice: big.NewInt(1)})
	hash := tx.Hash()

	chain := &fakeChain{
		receipts: map[common.Hash]*types.Receipt{hash: {Status: types.ReceiptStatusSuccessful}},
		txs:      map[common.Hash]*types.Transaction{hash: tx},
	}
	v, err := NewChainVerifier(ChainConfig{}, slog.Default(), WithClient(chain))
	require.NoError(t, err)

	ok, err := v.VerifyOnChainReceipt(context.Background(), hash.Hex(), "500", recipientHex)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.VerifyOnChainReceipt(context.Background(), hash.Hex(), "501", recipientHex)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOwnsToken(t *testing.T) {
	chain := &fakeChain{owner: common.HexToAddress(senderHex)}
	v, err := NewChainVerifier(ChainConfig{IdentityRegistry: registryHex}, slog.Default(), WithClient(chain))
	require.NoError(t, err)

	ok, err := v.OwnsToken(context.Background(), "42", senderHex)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.OwnsToken(context.Background(), "42", recipientHex)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.OwnsToken(context.Background(), "not-a-number", senderHex)
	assert.Error(t, err)
}

func TestOwnsToken_NoRegistry(t *testing.T) {
	v, err := NewChainVerifier(ChainConfig{}, slog.Default(), WithClient(&fakeChain{}))
	require.NoError(t, err)

	_, err = v.OwnsToken(context.Background(), "1", senderHex)
	assert.ErrorIs(t, err, ErrChainUnavailable)
}

func TestNewChainVerifier_NoRPC(t *testing.T) {
	_, err := NewChainVerifier(ChainConfig{}, slog.Default())
	assert.ErrorIs(t, err, ErrChainUnavailable)
}

func TestOffline(t *testing.T) {
	_, err := Offline{}.VerifyOnChainReceipt(context.Background(), "0x1", "1", recipientHex)
	assert.ErrorIs(t, err, ErrChainUnavailable)
}

func TestVerifyOnChainReceipt_BreakerOpens(t *testing.T) {
	chain := &fakeChain{err: errors.New("connection refused")}
	v, err := NewChainVerifier(ChainConfig{PaymentToken: tokenHex, RPCAttempts: 1}, slog.Default(),
		WithClient(chain), WithBreaker(circuitbreaker.New(2, time.Hour)))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := v.VerifyOnChainReceipt(context.Background(), "0xdd", "1", recipientHex)
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrChainUnavailable))
	}

	_, err = v.VerifyOnChainReceipt(context.Background(), "0xdd", "1", recipientHex)
	assert.ErrorIs(t, err, ErrChainUnavailable)
	assert.Equal(t, 2, chain.calls, "open circuit must not reach the endpoint")
}
