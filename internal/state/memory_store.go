package state

import (
	"context"
	"sort"
	"sync"

	"github.com/holiman/uint256"

	"homeescrow/internal/escrow"
)

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu       sync.RWMutex
	listings map[escrow.AssetID]*escrow.Listing
	balance  *uint256.Int
	// FailCommit, when set, is returned by Commit without applying anything.
	FailCommit error
}

var _ escrow.Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		listings: make(map[escrow.AssetID]*escrow.Listing),
		balance:  new(uint256.Int),
	}
}

func (m *MemoryStore) Load(_ context.Context) (*escrow.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshotOf(m.listings, m.balance), nil
}

func (m *MemoryStore) Commit(_ context.Context, listing *escrow.Listing, balance *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCommit != nil {
		return m.FailCommit
	}
	if listing != nil {
		m.listings[listing.AssetID] = listing.Clone()
	}
	m.balance = new(uint256.Int).Set(balance)
	return nil
}

func snapshotOf(listings map[escrow.AssetID]*escrow.Listing, balance *uint256.Int) *escrow.Snapshot {
	snap := &escrow.Snapshot{
		Listings: make([]*escrow.Listing, 0, len(listings)),
		Balance:  new(uint256.Int),
	}
	if balance != nil {
		snap.Balance.Set(balance)
	}
	for _, l := range listings {
		snap.Listings = append(snap.Listings, l.Clone())
	}
	sort.Slice(snap.Listings, func(i, j int) bool { return snap.Listings[i].AssetID < snap.Listings[j].AssetID })
	return snap
}
