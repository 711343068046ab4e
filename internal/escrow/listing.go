package escrow

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AssetID identifies one tokenized property record in the registry.
type AssetID uint64

// Valid reports whether the identifier is usable. Zero is reserved.
func (id AssetID) Valid() bool { return id > 0 }

// Listing is the escrow record for one asset's pending sale. Buyer, PurchasePrice
// and EscrowAmount are fixed at listing time.
type Listing struct {
	AssetID          AssetID
	Buyer            common.Address
	PurchasePrice    *uint256.Int
	EscrowAmount     *uint256.Int
	IsListed         bool
	InspectionPassed bool
	Approvals        map[common.Address]bool
	// Deposited tracks earnest money the buyer paid against this listing. The
	// ledger itself is shared; this is only consulted for cancel refunds.
	Deposited *uint256.Int
	ListedAt  int64
	UpdatedAt int64
}

func newListing(id AssetID, buyer common.Address, price, escrowAmount *uint256.Int, now int64) *Listing {
	return &Listing{
		AssetID:       id,
		Buyer:         buyer,
		PurchasePrice: cloneAmount(price),
		EscrowAmount:  cloneAmount(escrowAmount),
		IsListed:      true,
		Approvals:     make(map[common.Address]bool),
		Deposited:     new(uint256.Int),
		ListedAt:      now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy so callers can mutate it without touching engine state.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	clone.PurchasePrice = cloneAmount(l.PurchasePrice)
	clone.EscrowAmount = cloneAmount(l.EscrowAmount)
	clone.Deposited = cloneAmount(l.Deposited)
	clone.Approvals = make(map[common.Address]bool, len(l.Approvals))
	for who, ok := range l.Approvals {
		clone.Approvals[who] = ok
	}
	return &clone
}

// Approved reports whether id has approved this listing.
func (l *Listing) Approved(id common.Address) bool {
	if l == nil {
		return false
	}
	return l.Approvals[id]
}

type listingJSON struct {
	AssetID          AssetID                 `json:"assetId"`
	Buyer            common.Address          `json:"buyer"`
	PurchasePrice    string                  `json:"purchasePrice"`
	EscrowAmount     string                  `json:"escrowAmount"`
	IsListed         bool                    `json:"isListed"`
	InspectionPassed bool                    `json:"inspectionPassed"`
	Approvals        map[common.Address]bool `json:"approvals,omitempty"`
	Deposited        string                  `json:"deposited"`
	ListedAt         int64                   `json:"listedAt"`
	UpdatedAt        int64                   `json:"updatedAt"`
}

func (l Listing) MarshalJSON() ([]byte, error) {
	return json.Marshal(listingJSON{
		AssetID:          l.AssetID,
		Buyer:            l.Buyer,
		PurchasePrice:    FormatAmount(l.PurchasePrice),
		EscrowAmount:     FormatAmount(l.EscrowAmount),
		IsListed:         l.IsListed,
		InspectionPassed: l.InspectionPassed,
		Approvals:        l.Approvals,
		Deposited:        FormatAmount(l.Deposited),
		ListedAt:         l.ListedAt,
		UpdatedAt:        l.UpdatedAt,
	})
}

func (l *Listing) UnmarshalJSON(data []byte) error {
	var raw listingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	price, err := ParseAmount(raw.PurchasePrice)
	if err != nil {
		return fmt.Errorf("purchasePrice: %w", err)
	}
	escrowAmount, err := ParseAmount(raw.EscrowAmount)
	if err != nil {
		return fmt.Errorf("escrowAmount: %w", err)
	}
	deposited, err := ParseAmount(raw.Deposited)
	if err != nil {
		return fmt.Errorf("deposited: %w", err)
	}
	approvals := raw.Approvals
	if approvals == nil {
		approvals = make(map[common.Address]bool)
	}
	*l = Listing{
		AssetID:          raw.AssetID,
		Buyer:            raw.Buyer,
		PurchasePrice:    price,
		EscrowAmount:     escrowAmount,
		IsListed:         raw.IsListed,
		InspectionPassed: raw.InspectionPassed,
		Approvals:        approvals,
		Deposited:        deposited,
		ListedAt:         raw.ListedAt,
		UpdatedAt:        raw.UpdatedAt,
	}
	return nil
}

// ParseAmount parses a base-10 amount. An empty string is zero.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return v, nil
}

// FormatAmount renders an amount in base 10; nil renders as "0".
func FormatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
