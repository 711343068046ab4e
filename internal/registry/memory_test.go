package registry

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	operator = common.HexToAddress("0x00000000000000000000000000000000000000e5")
	other    = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func TestMintAssignsSequentialIDs(t *testing.T) {
	r := NewMemoryRegistry(common.HexToAddress("0x721"))
	ctx := context.Background()

	first, err := r.Mint(owner, "ipfs://1.json")
	require.NoError(t, err)
	second, err := r.Mint(owner, "ipfs://2.json")
	require.NoError(t, err)

	assert.EqualValues(t, 1, first)
	assert.EqualValues(t, 2, second)

	supply, err := r.TotalSupply(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), supply)

	uri, err := r.TokenURI(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://2.json", uri)

	_, err = r.Mint(common.Address{}, "ipfs://3.json")
	assert.ErrorIs(t, err, ErrZeroAddress)

	_, err = r.TokenURI(ctx, 9)
	assert.ErrorIs(t, err, ErrNonexistentAsset)
}

func TestTransferGuard(t *testing.T) {
	r := NewMemoryRegistry(common.HexToAddress("0x721"))
	ctx := context.Background()
	id, err := r.Mint(owner, "ipfs://1.json")
	require.NoError(t, err)

	assert.ErrorIs(t, r.Transfer(operator, owner, operator, id), ErrNotApproved)
	assert.ErrorIs(t, r.Transfer(owner, other, operator, id), ErrWrongOwner)
	assert.ErrorIs(t, r.Transfer(owner, owner, common.Address{}, id), ErrZeroAddress)

	require.NoError(t, r.Approve(owner, operator, id))
	require.NoError(t, r.Transfer(operator, owner, other, id))
	got, err := r.OwnerOf(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, other, got)

	// single-asset approval does not survive the transfer
	assert.ErrorIs(t, r.Transfer(operator, other, owner, id), ErrNotApproved)
}

func TestOperatorApproval(t *testing.T) {
	r := NewMemoryRegistry(common.HexToAddress("0x721"))
	ctx := context.Background()
	id, err := r.Mint(owner, "ipfs://1.json")
	require.NoError(t, err)

	r.SetApprovalForAll(owner, operator, true)
	view := r.Operator(operator)
	require.NoError(t, view.TransferFrom(ctx, owner, operator, id))
	require.NoError(t, view.TransferFrom(ctx, operator, owner, id))

	r.SetApprovalForAll(owner, operator, false)
	assert.ErrorIs(t, view.TransferFrom(ctx, owner, operator, id), ErrNotApproved)

	assert.ErrorIs(t, r.Approve(other, operator, id), ErrNotApproved)
}

func TestOperatorHonoursCancelledContext(t *testing.T) {
	r := NewMemoryRegistry(common.HexToAddress("0x721"))
	id, err := r.Mint(owner, "ipfs://1.json")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Operator(owner).TransferFrom(ctx, owner, other, id), context.Canceled)
}
