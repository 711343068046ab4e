package vault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"homeescrow/internal/escrow"
)

var (
	ErrInsufficientFunds = errors.New("vault: insufficient funds")
	ErrRecipientRejected = errors.New("vault: recipient rejects value")
)

// MemoryVault is a custodial account book: every identity has a balance and
// the escrow engine's custody account holds collected value.
type MemoryVault struct {
	custody common.Address

	mu       sync.Mutex
	accounts map[common.Address]*uint256.Int
	rejects  map[common.Address]bool
}

var _ escrow.Vault = (*MemoryVault)(nil)

func NewMemoryVault(custody common.Address) *MemoryVault {
	return &MemoryVault{
		custody:  custody,
		accounts: make(map[common.Address]*uint256.Int),
		rejects:  make(map[common.Address]bool),
	}
}

// Mint credits an account out of thin air. Devnets and tests only.
func (v *MemoryVault) Mint(to common.Address, amount *uint256.Int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.accounts[to] = new(uint256.Int).Add(v.balanceLocked(to), amount)
}

// Reject makes to refuse incoming value, like a contract without a payable fallback.
func (v *MemoryVault) Reject(to common.Address, reject bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if reject {
		v.rejects[to] = true
		return
	}
	delete(v.rejects, to)
}

func (v *MemoryVault) BalanceOf(addr common.Address) *uint256.Int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return new(uint256.Int).Set(v.balanceLocked(addr))
}

func (v *MemoryVault) Collect(ctx context.Context, from common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.move(from, v.custody, amount)
}

func (v *MemoryVault) Pay(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.move(v.custody, to, amount)
}

func (v *MemoryVault) move(from, to common.Address, amount *uint256.Int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rejects[to] {
		return fmt.Errorf("%w: %s", ErrRecipientRejected, to.Hex())
	}
	src := v.balanceLocked(from)
	if src.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, from.Hex(), src.Dec(), amount.Dec())
	}
	v.accounts[from] = new(uint256.Int).Sub(src, amount)
	v.accounts[to] = new(uint256.Int).Add(v.balanceLocked(to), amount)
	return nil
}

func (v *MemoryVault) balanceLocked(addr common.Address) *uint256.Int {
	if bal, ok := v.accounts[addr]; ok {
		return bal
	}
	return new(uint256.Int)
}
