package escrow

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Roles binds the fixed parties of an engine. The set is immutable once the
// engine is constructed.
type Roles struct {
	Seller    common.Address `json:"seller"`
	Inspector common.Address `json:"inspector"`
	Lender    common.Address `json:"lender"`
}

// Validate rejects zero identities.
func (r Roles) Validate() error {
	if r.Seller == (common.Address{}) {
		return fmt.Errorf("%w: seller identity is empty", ErrInvalidConfig)
	}
	if r.Inspector == (common.Address{}) {
		return fmt.Errorf("%w: inspector identity is empty", ErrInvalidConfig)
	}
	if r.Lender == (common.Address{}) {
		return fmt.Errorf("%w: lender identity is empty", ErrInvalidConfig)
	}
	return nil
}

func (r Roles) IsSeller(id common.Address) bool    { return id == r.Seller }
func (r Roles) IsInspector(id common.Address) bool { return id == r.Inspector }
func (r Roles) IsLender(id common.Address) bool    { return id == r.Lender }
