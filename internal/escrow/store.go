package escrow

import (
	"context"

	"github.com/holiman/uint256"
)

// Store persists listings and the ledger balance. Commit must apply the listing
// (when non-nil) and the balance together or not at all.
type Store interface {
	Load(ctx context.Context) (*Snapshot, error)
	Commit(ctx context.Context, listing *Listing, balance *uint256.Int) error
}

// Snapshot is the persisted engine state.
type Snapshot struct {
	Listings []*Listing
	Balance  *uint256.Int
}
