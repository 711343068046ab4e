package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// AssetRegistry is the subset of the property registry the engine depends on.
// TransferFrom is executed with the engine as the operator.
type AssetRegistry interface {
	OwnerOf(ctx context.Context, id AssetID) (common.Address, error)
	TransferFrom(ctx context.Context, from, to common.Address, id AssetID) error
}
