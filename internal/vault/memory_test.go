package vault

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	custody = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	alice   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
)

func TestCollectAndPay(t *testing.T) {
	v := NewMemoryVault(custody)
	ctx := context.Background()
	v.Mint(alice, uint256.NewInt(100))

	require.NoError(t, v.Collect(ctx, alice, uint256.NewInt(40)))
	assert.Equal(t, uint64(60), v.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(40), v.BalanceOf(custody).Uint64())

	require.NoError(t, v.Pay(ctx, alice, uint256.NewInt(15)))
	assert.Equal(t, uint64(75), v.BalanceOf(alice).Uint64())
	assert.Equal(t, uint64(25), v.BalanceOf(custody).Uint64())
}

func TestCollectInsufficientFunds(t *testing.T) {
	v := NewMemoryVault(custody)
	v.Mint(alice, uint256.NewInt(10))

	err := v.Collect(context.Background(), alice, uint256.NewInt(11))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, uint64(10), v.BalanceOf(alice).Uint64())
}

func TestRejectingRecipient(t *testing.T) {
	v := NewMemoryVault(custody)
	ctx := context.Background()
	v.Mint(custody, uint256.NewInt(50))
	v.Reject(alice, true)

	assert.ErrorIs(t, v.Pay(ctx, alice, uint256.NewInt(5)), ErrRecipientRejected)
	assert.Equal(t, uint64(50), v.BalanceOf(custody).Uint64())

	v.Reject(alice, false)
	require.NoError(t, v.Pay(ctx, alice, uint256.NewInt(5)))
	assert.Equal(t, uint64(5), v.BalanceOf(alice).Uint64())
}
