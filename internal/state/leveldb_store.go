package state

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"homeescrow/internal/escrow"
)

var (
	listingPrefix = []byte("listing/")
	balanceKey    = []byte("ledger/balance")
)

// LevelDBStore keeps one key per listing plus the ledger balance. Commit
// writes both in a single synced batch.
type LevelDBStore struct {
	db *leveldb.DB
}

var _ escrow.Store = (*LevelDBStore)(nil)

// NewLevelDBStore creates or opens a LevelDB database at path.
func NewLevelDBStore(path string) (*LevelDBStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDBStore{db: db}, nil
}

func (s *LevelDBStore) Close() error {
	return s.db.Close()
}

func listingKey(id escrow.AssetID) []byte {
	key := make([]byte, len(listingPrefix)+8)
	copy(key, listingPrefix)
	binary.BigEndian.PutUint64(key[len(listingPrefix):], uint64(id))
	return key
}

func (s *LevelDBStore) Load(_ context.Context) (*escrow.Snapshot, error) {
	snap := &escrow.Snapshot{Balance: new(uint256.Int)}

	raw, err := s.db.Get(balanceKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		balance, err := escrow.ParseAmount(string(raw))
		if err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		snap.Balance = balance
	}

	iter := s.db.NewIterator(util.BytesPrefix(listingPrefix), nil)
	defer iter.Release()
	for iter.Next() {
		var l escrow.Listing
		if err := json.Unmarshal(iter.Value(), &l); err != nil {
			return nil, fmt.Errorf("decode listing %x: %w", iter.Key(), err)
		}
		snap.Listings = append(snap.Listings, &l)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *LevelDBStore) Commit(_ context.Context, listing *escrow.Listing, balance *uint256.Int) error {
	batch := new(leveldb.Batch)
	if listing != nil {
		blob, err := json.Marshal(listing)
		if err != nil {
			return err
		}
		batch.Put(listingKey(listing.AssetID), blob)
	}
	batch.Put(balanceKey, []byte(escrow.FormatAmount(balance)))
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}
