package escrow

import (
	"context"
	"errors"
)

// txn stages the external effects of one operation. Each applied effect
// registers a compensating action; abort runs them newest first.
type txn struct {
	op      string
	assetID AssetID
	undo    []func(context.Context) error
}

func newTxn(op string, id AssetID) *txn {
	return &txn{op: op, assetID: id}
}

func (t *txn) onAbort(fn func(context.Context) error) {
	t.undo = append(t.undo, fn)
}

// abort reverses applied effects. It returns cause unchanged when every
// compensation succeeded, otherwise an *InconsistentStateError.
func (t *txn) abort(ctx context.Context, cause error) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(t.undo) - 1; i >= 0; i-- {
		if err := t.undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.undo = nil
	if len(errs) == 0 {
		return cause
	}
	return &InconsistentStateError{
		Operation: t.op,
		AssetID:   t.assetID,
		Cause:     cause,
		Rollback:  errors.Join(errs...),
	}
}
