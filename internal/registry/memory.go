package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"homeescrow/internal/escrow"
)

var (
	ErrNonexistentAsset = errors.New("registry: nonexistent asset")
	ErrNotApproved      = errors.New("registry: caller is not owner nor approved")
	ErrWrongOwner       = errors.New("registry: transfer from incorrect owner")
	ErrZeroAddress      = errors.New("registry: zero address")
)

// MemoryRegistry is an in-process ERC-721 style registry of property records.
// Used for tests and local devnets.
type MemoryRegistry struct {
	address common.Address

	mu        sync.RWMutex
	owners    map[escrow.AssetID]common.Address
	approved  map[escrow.AssetID]common.Address
	operators map[common.Address]map[common.Address]bool
	uris      map[escrow.AssetID]string
	supply    uint64
}

func NewMemoryRegistry(address common.Address) *MemoryRegistry {
	return &MemoryRegistry{
		address:   address,
		owners:    make(map[escrow.AssetID]common.Address),
		approved:  make(map[escrow.AssetID]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
		uris:      make(map[escrow.AssetID]string),
	}
}

// Address is the registry's own identity.
func (r *MemoryRegistry) Address() common.Address { return r.address }

// Mint creates the next asset for to, pointing at the descriptor uri.
func (r *MemoryRegistry) Mint(to common.Address, uri string) (escrow.AssetID, error) {
	if to == (common.Address{}) {
		return 0, fmt.Errorf("%w: mint to", ErrZeroAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.supply++
	id := escrow.AssetID(r.supply)
	r.owners[id] = to
	r.uris[id] = uri
	return id, nil
}

// Approve lets to move a single asset. Caller must own it or be an operator.
func (r *MemoryRegistry) Approve(caller, to common.Address, id escrow.AssetID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	if caller != owner && !r.operators[owner][caller] {
		return fmt.Errorf("%w: approve %d", ErrNotApproved, id)
	}
	r.approved[id] = to
	return nil
}

// SetApprovalForAll lets operator move every asset owner holds.
func (r *MemoryRegistry) SetApprovalForAll(owner, operator common.Address, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops, ok := r.operators[owner]
	if !ok {
		ops = make(map[common.Address]bool)
		r.operators[owner] = ops
	}
	ops[operator] = approved
}

func (r *MemoryRegistry) OwnerOf(_ context.Context, id escrow.AssetID) (common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	return owner, nil
}

func (r *MemoryRegistry) TokenURI(_ context.Context, id escrow.AssetID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.owners[id]; !ok {
		return "", fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	return r.uris[id], nil
}

func (r *MemoryRegistry) TotalSupply(context.Context) (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.supply, nil
}

// Transfer moves id from from to to on behalf of operator, applying the
// owner / approved / operator guard. A single-asset approval is cleared.
func (r *MemoryRegistry) Transfer(operator, from, to common.Address, id escrow.AssetID) error {
	if to == (common.Address{}) {
		return fmt.Errorf("%w: transfer to", ErrZeroAddress)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNonexistentAsset, id)
	}
	if owner != from {
		return fmt.Errorf("%w: %d owned by %s", ErrWrongOwner, id, owner.Hex())
	}
	if operator != owner && r.approved[id] != operator && !r.operators[owner][operator] {
		return fmt.Errorf("%w: %s on %d", ErrNotApproved, operator.Hex(), id)
	}
	delete(r.approved, id)
	r.owners[id] = to
	return nil
}

// Operator returns a view of the registry that transfers as operator. The
// escrow engine uses it with its own custody address.
func (r *MemoryRegistry) Operator(operator common.Address) *Operator {
	return &Operator{registry: r, operator: operator}
}

// Operator is an escrow.AssetRegistry bound to one operating identity.
type Operator struct {
	registry *MemoryRegistry
	operator common.Address
}

var _ escrow.AssetRegistry = (*Operator)(nil)

func (o *Operator) OwnerOf(ctx context.Context, id escrow.AssetID) (common.Address, error) {
	return o.registry.OwnerOf(ctx, id)
}

func (o *Operator) TransferFrom(ctx context.Context, from, to common.Address, id escrow.AssetID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return o.registry.Transfer(o.operator, from, to, id)
}

func (o *Operator) TokenURI(ctx context.Context, id escrow.AssetID) (string, error) {
	return o.registry.TokenURI(ctx, id)
}

func (o *Operator) TotalSupply(ctx context.Context) (uint64, error) {
	return o.registry.TotalSupply(ctx)
}
