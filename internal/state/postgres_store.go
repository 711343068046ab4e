package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"homeescrow/internal/escrow"
)

// PostgresStore persists listings and the ledger balance in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ escrow.Store = (*PostgresStore)(nil)

const createStateTablesSQL = `
CREATE TABLE IF NOT EXISTS escrow_listings (
    asset_id NUMERIC(20,0) PRIMARY KEY,
    buyer TEXT NOT NULL,
    purchase_price NUMERIC(78,0) NOT NULL,
    escrow_amount NUMERIC(78,0) NOT NULL,
    is_listed BOOLEAN NOT NULL,
    inspection_passed BOOLEAN NOT NULL,
    approvals JSONB NOT NULL DEFAULT '{}'::jsonb,
    deposited NUMERIC(78,0) NOT NULL DEFAULT 0,
    listed_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS escrow_ledger (
    id SMALLINT PRIMARY KEY CHECK (id = 1),
    balance NUMERIC(78,0) NOT NULL
);
ALTER TABLE escrow_listings ALTER COLUMN asset_id TYPE NUMERIC(20,0);
`

// NewPostgresStore connects to Postgres using the DSN and ensures the tables exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createStateTablesSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Load(ctx context.Context) (*escrow.Snapshot, error) {
	snap := &escrow.Snapshot{Balance: new(uint256.Int)}

	var balance string
	err := p.pool.QueryRow(ctx, `SELECT balance::text FROM escrow_ledger WHERE id = 1`).Scan(&balance)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, err
	default:
		if snap.Balance, err = escrow.ParseAmount(balance); err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
	}

	rows, err := p.pool.Query(ctx, `
SELECT asset_id::text, buyer, purchase_price::text, escrow_amount::text, is_listed,
       inspection_passed, approvals::text, deposited::text, listed_at, updated_at
FROM escrow_listings
ORDER BY asset_id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			assetID, buyer         string
			price, amount, deposit string
			approvals              string
			l                      escrow.Listing
		)
		if err := rows.Scan(&assetID, &buyer, &price, &amount, &l.IsListed, &l.InspectionPassed,
			&approvals, &deposit, &l.ListedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		id, err := strconv.ParseUint(assetID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode asset id %q: %w", assetID, err)
		}
		l.AssetID = escrow.AssetID(id)
		l.Buyer = common.HexToAddress(buyer)
		if l.PurchasePrice, err = escrow.ParseAmount(price); err != nil {
			return nil, err
		}
		if l.EscrowAmount, err = escrow.ParseAmount(amount); err != nil {
			return nil, err
		}
		if l.Deposited, err = escrow.ParseAmount(deposit); err != nil {
			return nil, err
		}
		l.Approvals = make(map[common.Address]bool)
		if err := json.Unmarshal([]byte(approvals), &l.Approvals); err != nil {
			return nil, fmt.Errorf("decode approvals of %s: %w", assetID, err)
		}
		snap.Listings = append(snap.Listings, &l)
	}
	return snap, rows.Err()
}

func (p *PostgresStore) Commit(ctx context.Context, listing *escrow.Listing, balance *uint256.Int) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if listing != nil {
		approvals, err := json.Marshal(listing.Approvals)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO escrow_listings (asset_id, buyer, purchase_price, escrow_amount, is_listed,
    inspection_passed, approvals, deposited, listed_at, updated_at)
VALUES ($1::numeric, $2, $3::numeric, $4::numeric, $5, $6, $7::jsonb, $8::numeric, $9, $10)
ON CONFLICT (asset_id) DO UPDATE
SET buyer = EXCLUDED.buyer,
    purchase_price = EXCLUDED.purchase_price,
    escrow_amount = EXCLUDED.escrow_amount,
    is_listed = EXCLUDED.is_listed,
    inspection_passed = EXCLUDED.inspection_passed,
    approvals = EXCLUDED.approvals,
    deposited = EXCLUDED.deposited,
    listed_at = EXCLUDED.listed_at,
    updated_at = EXCLUDED.updated_at
`, strconv.FormatUint(uint64(listing.AssetID), 10), listing.Buyer.Hex(), escrow.FormatAmount(listing.PurchasePrice),
			escrow.FormatAmount(listing.EscrowAmount), listing.IsListed, listing.InspectionPassed,
			string(approvals), escrow.FormatAmount(listing.Deposited), listing.ListedAt, listing.UpdatedAt); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO escrow_ledger (id, balance) VALUES (1, $1::numeric)
ON CONFLICT (id) DO UPDATE SET balance = EXCLUDED.balance
`, escrow.FormatAmount(balance)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
