package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/holiman/uint256"

	"homeescrow/internal/escrow"
)

// FileStore persists escrow state as a single JSON document. Suitable for
// local dev; writes go through a temp file and rename.
type FileStore struct {
	path string

	mu       sync.Mutex
	listings map[escrow.AssetID]*escrow.Listing
	balance  *uint256.Int
}

var _ escrow.Store = (*FileStore)(nil)

type fileDocument struct {
	Balance  string            `json:"balance"`
	Listings []*escrow.Listing `json:"listings"`
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:     path,
		listings: make(map[escrow.AssetID]*escrow.Listing),
		balance:  new(uint256.Int),
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	var doc fileDocument
	if err := json.Unmarshal(blob, &doc); err != nil {
		return fmt.Errorf("decode %s: %w", f.path, err)
	}
	balance, err := escrow.ParseAmount(doc.Balance)
	if err != nil {
		return fmt.Errorf("decode %s: balance: %w", f.path, err)
	}
	f.balance = balance
	for _, l := range doc.Listings {
		if l != nil {
			f.listings[l.AssetID] = l
		}
	}
	return nil
}

func (f *FileStore) persist(listings map[escrow.AssetID]*escrow.Listing, balance *uint256.Int) error {
	snap := snapshotOf(listings, balance)
	blob, err := json.MarshalIndent(fileDocument{
		Balance:  escrow.FormatAmount(snap.Balance),
		Listings: snap.Listings,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func (f *FileStore) Load(_ context.Context) (*escrow.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return snapshotOf(f.listings, f.balance), nil
}

func (f *FileStore) Commit(_ context.Context, listing *escrow.Listing, balance *uint256.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := make(map[escrow.AssetID]*escrow.Listing, len(f.listings)+1)
	for id, l := range f.listings {
		next[id] = l
	}
	if listing != nil {
		next[listing.AssetID] = listing.Clone()
	}
	if err := f.persist(next, balance); err != nil {
		return err
	}
	f.listings = next
	f.balance = new(uint256.Int).Set(balance)
	return nil
}
