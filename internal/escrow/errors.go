package escrow

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized        = errors.New("escrow: unauthorized caller")
	ErrInsufficientDeposit = errors.New("escrow: deposit below required escrow amount")
	ErrFinalizationBlocked = errors.New("escrow: finalization blocked")
	ErrTransferFailed      = errors.New("escrow: asset transfer failed")
	ErrPayoutFailed        = errors.New("escrow: payout failed")
	ErrInconsistentState   = errors.New("escrow: inconsistent state")
	ErrFundingFailed       = errors.New("escrow: funds could not be collected")
	ErrNotListed           = errors.New("escrow: asset not listed")
	ErrInvalidAsset        = errors.New("escrow: asset id must be positive")
	ErrInvalidAmount       = errors.New("escrow: invalid amount")
	ErrInvalidListing      = errors.New("escrow: invalid listing")
	ErrInvalidConfig       = errors.New("escrow: invalid configuration")
)

// Condition names one finalize precondition.
type Condition string

const (
	ConditionListed         Condition = "listed"
	ConditionInspection     Condition = "inspection_passed"
	ConditionBuyerApproval  Condition = "buyer_approval"
	ConditionSellerApproval Condition = "seller_approval"
	ConditionLenderApproval Condition = "lender_approval"
	ConditionFunded         Condition = "funded"
)

// BlockedError reports the first finalize precondition that does not hold.
type BlockedError struct {
	AssetID   AssetID
	Condition Condition
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("escrow: finalization of asset %d blocked: %s not satisfied", e.AssetID, e.Condition)
}

func (e *BlockedError) Is(target error) bool { return target == ErrFinalizationBlocked }

// InconsistentStateError is returned when an operation failed after an external
// effect and the compensating action failed too. Operator intervention is required.
type InconsistentStateError struct {
	Operation string
	AssetID   AssetID
	Cause     error
	Rollback  error
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("escrow: %s of asset %d left inconsistent state: %v (rollback: %v)", e.Operation, e.AssetID, e.Cause, e.Rollback)
}

func (e *InconsistentStateError) Is(target error) bool { return target == ErrInconsistentState }

func (e *InconsistentStateError) Unwrap() []error { return []error{e.Cause, e.Rollback} }
