package escrow

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Vault moves value between external accounts and the engine's custody.
type Vault interface {
	// Collect pulls amount from the given account into escrow custody.
	Collect(ctx context.Context, from common.Address, amount *uint256.Int) error
	// Pay releases amount from escrow custody to the given account.
	Pay(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// Ledger tracks the single balance held by an engine.
type Ledger struct {
	vault   Vault
	balance *uint256.Int
}

// NewLedger returns a ledger starting at the given balance.
func NewLedger(vault Vault, balance *uint256.Int) *Ledger {
	return &Ledger{vault: vault, balance: cloneAmount(balance)}
}

// Balance returns a copy of the current balance.
func (l *Ledger) Balance() *uint256.Int { return cloneAmount(l.balance) }

// Credit adds amount, saturating at the maximum representable value.
func (l *Ledger) Credit(amount *uint256.Int) {
	if amount == nil {
		return
	}
	sum, overflow := new(uint256.Int).AddOverflow(l.balance, amount)
	if overflow {
		sum.SetAllOne()
	}
	l.balance = sum
}

// DebitAll pays the entire balance to recipient and resets it to zero. It
// returns the amount paid. The balance is left untouched when the payout fails.
func (l *Ledger) DebitAll(ctx context.Context, recipient common.Address) (*uint256.Int, error) {
	paid := cloneAmount(l.balance)
	if err := l.Debit(ctx, recipient, paid); err != nil {
		return nil, err
	}
	return paid, nil
}

// Debit pays amount to recipient. Zero amounts are a no-op.
func (l *Ledger) Debit(ctx context.Context, recipient common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return nil
	}
	if l.balance.Lt(amount) {
		return fmt.Errorf("%w: balance %s below %s", ErrPayoutFailed, l.balance.Dec(), amount.Dec())
	}
	if err := l.vault.Pay(ctx, recipient, amount); err != nil {
		return fmt.Errorf("%w: pay %s: %v", ErrPayoutFailed, recipient.Hex(), err)
	}
	l.balance = new(uint256.Int).Sub(l.balance, amount)
	return nil
}

func (l *Ledger) clone() *Ledger {
	return &Ledger{vault: l.vault, balance: cloneAmount(l.balance)}
}
