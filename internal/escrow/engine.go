package escrow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"
)

var (
	errNilRegistry = errors.New("escrow engine: asset registry not configured")
	errNilVault    = errors.New("escrow engine: vault not configured")
	errNilStore    = errors.New("escrow engine: store not configured")
)

// Config is the immutable binding of an engine.
type Config struct {
	// Address is the engine's custody identity in the registry and vault.
	Address common.Address
	// Registry is the address the asset registry is deployed at.
	Registry common.Address
	Roles    Roles
}

// Validate rejects zero identities.
func (c Config) Validate() error {
	if c.Address == (common.Address{}) {
		return fmt.Errorf("%w: engine address is empty", ErrInvalidConfig)
	}
	if c.Registry == (common.Address{}) {
		return fmt.Errorf("%w: registry address is empty", ErrInvalidConfig)
	}
	return c.Roles.Validate()
}

// Engine is the conditional-release escrow state machine. All public
// operations are serialized; each either applies completely or not at all.
type Engine struct {
	cfg      Config
	registry AssetRegistry
	store    Store

	mu       sync.Mutex
	listings map[AssetID]*Listing
	ledger   *Ledger

	emitter Emitter
	log     logrus.FieldLogger
	nowFn   func() int64
}

// NewEngine validates the bindings and restores persisted state from store.
func NewEngine(ctx context.Context, cfg Config, registry AssetRegistry, vault Vault, store Store) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if registry == nil {
		return nil, errNilRegistry
	}
	if vault == nil {
		return nil, errNilVault
	}
	if store == nil {
		return nil, errNilStore
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load escrow state: %w", err)
	}
	listings := make(map[AssetID]*Listing)
	balance := new(uint256.Int)
	if snap != nil {
		for _, l := range snap.Listings {
			if l == nil || !l.AssetID.Valid() {
				continue
			}
			listings[l.AssetID] = l.Clone()
		}
		balance = cloneAmount(snap.Balance)
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		store:    store,
		listings: listings,
		ledger:   NewLedger(vault, balance),
		emitter:  NoopEmitter{},
		log:      logrus.StandardLogger(),
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// SetEmitter configures the event sink. Nil resets to a no-op emitter.
func (e *Engine) SetEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	e.emitter = emitter
}

// SetLogger configures the logger used for committed transitions.
func (e *Engine) SetLogger(log logrus.FieldLogger) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	e.log = log
}

// SetNowFunc overrides the clock. Intended for tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	e.nowFn = now
}

// IsBuyerOf reports whether id is the buyer recorded for the asset's listing.
func (e *Engine) IsBuyerOf(assetID AssetID, id common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isBuyerOf(assetID, id)
}

func (e *Engine) isBuyerOf(assetID AssetID, id common.Address) bool {
	l, ok := e.listings[assetID]
	if !ok || id == (common.Address{}) {
		return false
	}
	return l.Buyer == id
}

// List places an asset into escrow for the given buyer. Only the seller may
// list. Re-listing an identifier overwrites the previous listing.
func (e *Engine) List(ctx context.Context, caller common.Address, assetID AssetID, buyer common.Address, purchasePrice, escrowAmount *uint256.Int) error {
	if !e.cfg.Roles.IsSeller(caller) {
		return fmt.Errorf("%w: list requires seller", ErrUnauthorized)
	}
	if !assetID.Valid() {
		return ErrInvalidAsset
	}
	if buyer == (common.Address{}) {
		return fmt.Errorf("%w: buyer identity is empty", ErrInvalidListing)
	}
	if purchasePrice == nil || escrowAmount == nil {
		return fmt.Errorf("%w: purchase price and escrow amount are required", ErrInvalidListing)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newTxn("list", assetID)
	owner, err := e.registry.OwnerOf(ctx, assetID)
	if err != nil {
		return fmt.Errorf("%w: owner of %d: %v", ErrTransferFailed, assetID, err)
	}
	if owner != e.cfg.Address {
		if err := e.registry.TransferFrom(ctx, caller, e.cfg.Address, assetID); err != nil {
			return fmt.Errorf("%w: custody of %d: %v", ErrTransferFailed, assetID, err)
		}
		tx.onAbort(func(ctx context.Context) error {
			return e.registry.TransferFrom(ctx, e.cfg.Address, caller, assetID)
		})
	}

	listing := newListing(assetID, buyer, purchasePrice, escrowAmount, e.nowFn())
	if err := e.commit(ctx, tx, listing, e.ledger); err != nil {
		return err
	}
	e.record("list", caller, listing).Info("asset listed")
	e.emitter.Emit(newListedEvent(listing, caller))
	return nil
}

// DepositEarnest collects the buyer's earnest money into the ledger. Any amount
// at or above the listing's escrow amount is accepted in full.
func (e *Engine) DepositEarnest(ctx context.Context, caller common.Address, assetID AssetID, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isBuyerOf(assetID, caller) {
		return fmt.Errorf("%w: deposit requires listing buyer", ErrUnauthorized)
	}
	listing, err := e.activeListing(assetID)
	if err != nil {
		return err
	}
	if amount.Lt(listing.EscrowAmount) {
		return fmt.Errorf("%w: got %s, need %s", ErrInsufficientDeposit, amount.Dec(), listing.EscrowAmount.Dec())
	}

	tx := newTxn("deposit", assetID)
	if err := e.collect(ctx, tx, caller, amount); err != nil {
		return err
	}
	ledger := e.ledger.clone()
	ledger.Credit(amount)
	next := listing.Clone()
	next.Deposited = new(uint256.Int).Add(next.Deposited, amount)
	next.UpdatedAt = e.nowFn()
	if err := e.commit(ctx, tx, next, ledger); err != nil {
		return err
	}
	e.record("deposit", caller, next).WithField("amount", amount.Dec()).Info("earnest deposited")
	e.emitter.Emit(newAmountEvent(EventTypeDeposited, assetID, caller, amount, ledger.Balance()))
	return nil
}

// Fund adds value to the shared ledger without scoping it to a listing.
func (e *Engine) Fund(ctx context.Context, caller common.Address, amount *uint256.Int) error {
	if caller == (common.Address{}) {
		return fmt.Errorf("%w: empty caller identity", ErrUnauthorized)
	}
	if amount == nil || amount.IsZero() {
		return fmt.Errorf("%w: funding amount must be positive", ErrInvalidAmount)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	tx := newTxn("fund", 0)
	if err := e.collect(ctx, tx, caller, amount); err != nil {
		return err
	}
	ledger := e.ledger.clone()
	ledger.Credit(amount)
	if err := e.commit(ctx, tx, nil, ledger); err != nil {
		return err
	}
	e.log.WithFields(logrus.Fields{
		"operation": "fund",
		"caller":    caller.Hex(),
		"amount":    amount.Dec(),
	}).Info("ledger funded")
	e.emitter.Emit(newAmountEvent(EventTypeFunded, 0, caller, amount, ledger.Balance()))
	return nil
}

// UpdateInspectionStatus records the inspector's verdict. Last write wins.
func (e *Engine) UpdateInspectionStatus(ctx context.Context, caller common.Address, assetID AssetID, passed bool) error {
	if !e.cfg.Roles.IsInspector(caller) {
		return fmt.Errorf("%w: inspection requires inspector", ErrUnauthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	listing, err := e.activeListing(assetID)
	if err != nil {
		return err
	}
	next := listing.Clone()
	next.InspectionPassed = passed
	next.UpdatedAt = e.nowFn()
	if err := e.commit(ctx, newTxn("inspect", assetID), next, e.ledger); err != nil {
		return err
	}
	e.record("inspect", caller, next).WithField("passed", passed).Info("inspection updated")
	e.emitter.Emit(newInspectedEvent(assetID, caller, passed))
	return nil
}

// ApproveSale records the caller's approval. Repeated approvals are no-ops.
func (e *Engine) ApproveSale(ctx context.Context, caller common.Address, assetID AssetID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isBuyerOf(assetID, caller) && !e.cfg.Roles.IsSeller(caller) && !e.cfg.Roles.IsLender(caller) {
		return fmt.Errorf("%w: approval requires buyer, seller or lender", ErrUnauthorized)
	}
	listing, err := e.activeListing(assetID)
	if err != nil {
		return err
	}
	if listing.Approved(caller) {
		return nil
	}
	next := listing.Clone()
	next.Approvals[caller] = true
	next.UpdatedAt = e.nowFn()
	if err := e.commit(ctx, newTxn("approve", assetID), next, e.ledger); err != nil {
		return err
	}
	e.record("approve", caller, next).Info("sale approved")
	e.emitter.Emit(newEvent(EventTypeApproved, assetID, caller))
	return nil
}

// FinalizeSale releases the asset to the buyer and the whole ledger balance to
// the seller. Both effects happen or neither does. The asset moves last: the
// payout and the persisted state can be reversed by the engine alone, the
// buyer's ownership cannot.
func (e *Engine) FinalizeSale(ctx context.Context, caller common.Address, assetID AssetID) error {
	if !e.cfg.Roles.IsSeller(caller) {
		return fmt.Errorf("%w: finalize requires seller", ErrUnauthorized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	listing, ok := e.listings[assetID]
	if !ok {
		return &BlockedError{AssetID: assetID, Condition: ConditionListed}
	}
	if cond, ok := e.unmetCondition(listing); !ok {
		return &BlockedError{AssetID: assetID, Condition: cond}
	}

	tx := newTxn("finalize", assetID)
	seller := e.cfg.Roles.Seller
	ledger := e.ledger.clone()
	paid, err := ledger.DebitAll(ctx, seller)
	if err != nil {
		return err
	}
	e.onPaid(tx, seller, paid)

	next := listing.Clone()
	next.IsListed = false
	next.UpdatedAt = e.nowFn()
	if err := e.settle(ctx, tx, listing, next, ledger); err != nil {
		return err
	}

	buyer := listing.Buyer
	if err := e.registry.TransferFrom(ctx, e.cfg.Address, buyer, assetID); err != nil {
		return e.abort(ctx, tx, fmt.Errorf("%w: release %d to buyer: %v", ErrTransferFailed, assetID, err))
	}
	e.record("finalize", caller, next).WithField("paid", paid.Dec()).Info("sale finalized")
	e.emitter.Emit(newSettledEvent(EventTypeFinalized, next, caller, buyer, seller, paid))
	return nil
}

// CancelSale unwinds an active listing: the asset goes back to the seller and
// the buyer's recorded deposits, capped by the ledger balance, are refunded.
func (e *Engine) CancelSale(ctx context.Context, caller common.Address, assetID AssetID) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.cfg.Roles.IsSeller(caller) && !e.isBuyerOf(assetID, caller) {
		return fmt.Errorf("%w: cancel requires seller or listing buyer", ErrUnauthorized)
	}
	listing, err := e.activeListing(assetID)
	if err != nil {
		return err
	}

	tx := newTxn("cancel", assetID)
	ledger := e.ledger.clone()
	refund := cloneAmount(listing.Deposited)
	if bal := ledger.Balance(); bal.Lt(refund) {
		refund = bal
	}
	if err := ledger.Debit(ctx, listing.Buyer, refund); err != nil {
		return err
	}
	e.onPaid(tx, listing.Buyer, refund)

	next := listing.Clone()
	next.IsListed = false
	next.UpdatedAt = e.nowFn()
	if err := e.settle(ctx, tx, listing, next, ledger); err != nil {
		return err
	}

	seller := e.cfg.Roles.Seller
	if err := e.registry.TransferFrom(ctx, e.cfg.Address, seller, assetID); err != nil {
		return e.abort(ctx, tx, fmt.Errorf("%w: return %d to seller: %v", ErrTransferFailed, assetID, err))
	}
	e.record("cancel", caller, next).WithField("refund", refund.Dec()).Info("sale cancelled")
	e.emitter.Emit(newSettledEvent(EventTypeCancelled, next, caller, seller, listing.Buyer, refund))
	return nil
}

// unmetCondition returns the first finalize precondition that does not hold.
func (e *Engine) unmetCondition(l *Listing) (Condition, bool) {
	switch {
	case !l.IsListed:
		return ConditionListed, false
	case !l.InspectionPassed:
		return ConditionInspection, false
	case !l.Approved(l.Buyer):
		return ConditionBuyerApproval, false
	case !l.Approved(e.cfg.Roles.Seller):
		return ConditionSellerApproval, false
	case !l.Approved(e.cfg.Roles.Lender):
		return ConditionLenderApproval, false
	case e.ledger.balance.Lt(l.PurchasePrice):
		return ConditionFunded, false
	}
	return "", true
}

func (e *Engine) activeListing(assetID AssetID) (*Listing, error) {
	l, ok := e.listings[assetID]
	if !ok || !l.IsListed {
		return nil, fmt.Errorf("%w: asset %d", ErrNotListed, assetID)
	}
	return l, nil
}

func (e *Engine) collect(ctx context.Context, tx *txn, from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	if err := e.ledger.vault.Collect(ctx, from, amount); err != nil {
		return fmt.Errorf("%w: collect from %s: %v", ErrFundingFailed, from.Hex(), err)
	}
	refund := cloneAmount(amount)
	tx.onAbort(func(ctx context.Context) error {
		return e.ledger.vault.Pay(ctx, from, refund)
	})
	return nil
}

// onPaid registers a claw-back for a payout that already left custody.
func (e *Engine) onPaid(tx *txn, to common.Address, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	paid := cloneAmount(amount)
	tx.onAbort(func(ctx context.Context) error {
		return e.ledger.vault.Collect(ctx, to, paid)
	})
}

// commit persists the staged listing and balance, then swaps them into the
// engine. A store failure aborts tx.
func (e *Engine) commit(ctx context.Context, tx *txn, listing *Listing, ledger *Ledger) error {
	if err := e.store.Commit(ctx, listing, ledger.balance); err != nil {
		return e.abort(ctx, tx, fmt.Errorf("escrow: persist %s: %w", tx.op, err))
	}
	if listing != nil {
		e.listings[listing.AssetID] = listing
	}
	e.ledger = ledger
	return nil
}

// settle commits next and ledger ahead of a final external step and registers
// the restore of prev and the current ledger should that step fail.
func (e *Engine) settle(ctx context.Context, tx *txn, prev, next *Listing, ledger *Ledger) error {
	prevLedger := e.ledger
	if err := e.commit(ctx, tx, next, ledger); err != nil {
		return err
	}
	tx.onAbort(func(ctx context.Context) error {
		if err := e.store.Commit(ctx, prev, prevLedger.balance); err != nil {
			return fmt.Errorf("restore %d: %w", prev.AssetID, err)
		}
		e.listings[prev.AssetID] = prev
		e.ledger = prevLedger
		return nil
	})
	return nil
}

func (e *Engine) abort(ctx context.Context, tx *txn, cause error) error {
	err := tx.abort(ctx, cause)
	if errors.Is(err, ErrInconsistentState) {
		e.log.WithFields(logrus.Fields{
			"operation": tx.op,
			"asset_id":  uint64(tx.assetID),
		}).WithError(err).Error("rollback failed; operator intervention required")
	}
	return err
}

func (e *Engine) record(op string, caller common.Address, l *Listing) *logrus.Entry {
	return e.log.WithFields(logrus.Fields{
		"operation": op,
		"caller":    caller.Hex(),
		"asset_id":  uint64(l.AssetID),
		"balance":   e.ledger.balance.Dec(),
	})
}

// Address returns the engine's custody identity.
func (e *Engine) Address() common.Address { return e.cfg.Address }

// RegistryAddress returns the bound asset registry address.
func (e *Engine) RegistryAddress() common.Address { return e.cfg.Registry }

// Roles returns the fixed role bindings.
func (e *Engine) Roles() Roles { return e.cfg.Roles }

func (e *Engine) Seller() common.Address    { return e.cfg.Roles.Seller }
func (e *Engine) Inspector() common.Address { return e.cfg.Roles.Inspector }
func (e *Engine) Lender() common.Address    { return e.cfg.Roles.Lender }

// Balance returns the current ledger balance.
func (e *Engine) Balance() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance()
}

// Listing returns a copy of the listing for assetID.
func (e *Engine) Listing(assetID AssetID) (*Listing, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.listings[assetID]
	if !ok {
		return nil, false
	}
	return l.Clone(), true
}

// Listings returns copies of every known listing ordered by asset id.
func (e *Engine) Listings() []*Listing {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Listing, 0, len(e.listings))
	for _, l := range e.listings {
		out = append(out, l.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out
}

func (e *Engine) IsListed(assetID AssetID) bool {
	l, ok := e.Listing(assetID)
	return ok && l.IsListed
}

func (e *Engine) Buyer(assetID AssetID) common.Address {
	l, ok := e.Listing(assetID)
	if !ok {
		return common.Address{}
	}
	return l.Buyer
}

func (e *Engine) PurchasePrice(assetID AssetID) *uint256.Int {
	l, ok := e.Listing(assetID)
	if !ok {
		return new(uint256.Int)
	}
	return l.PurchasePrice
}

func (e *Engine) EscrowAmount(assetID AssetID) *uint256.Int {
	l, ok := e.Listing(assetID)
	if !ok {
		return new(uint256.Int)
	}
	return l.EscrowAmount
}

func (e *Engine) InspectionPassed(assetID AssetID) bool {
	l, ok := e.Listing(assetID)
	return ok && l.InspectionPassed
}

// Approval reports whether id has approved the listing for assetID.
func (e *Engine) Approval(assetID AssetID, id common.Address) bool {
	l, ok := e.Listing(assetID)
	return ok && l.Approved(id)
}
