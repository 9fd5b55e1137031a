package models

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain error taxonomy. Handlers map these onto HTTP status codes,
// callers branch with errors.Is / errors.As.
var (
	ErrNonPositiveQuantity  = errors.New("quantity must be strictly positive")
	ErrInvalidState         = errors.New("unknown batch state")
	ErrProcessRequired      = errors.New("process tag required for WIP bucket")
	ErrProcessForbidden     = errors.New("process tag only valid for WIP bucket")
	ErrInsufficientQuantity = errors.New("insufficient quantity in source bucket")
	ErrLedgerImmutable      = errors.New("movement ledger rows cannot be updated or deleted")
	ErrBatchRetired         = errors.New("batch is retired")
	ErrConcurrencyConflict  = errors.New("could not acquire batch posting lock")
	ErrRoutingTerminal      = errors.New("routing record is in a terminal state")
	ErrInvalidTransition    = errors.New("illegal routing transition")
)

// ReconciliationDriftError reports a divergence between the live bucket
// vector and the vector rebuilt by replaying the batch's movement ledger.
type ReconciliationDriftError struct {
	BatchId  int
	Expected BucketVector
	Actual   BucketVector
}

func (e *ReconciliationDriftError) Error() string {
	return fmt.Sprintf("batch %d: ledger replay diverges from live buckets (replayed total=%s live total=%s)",
		e.BatchId, e.Expected.Total(), e.Actual.Total())
}

// GraphIntegrityError reports a traceability graph that violates its
// acyclicity contract. Traversals abort rather than loop.
type GraphIntegrityError struct {
	BatchId int
	Reason  string
}

func (e *GraphIntegrityError) Error() string {
	return fmt.Sprintf("traceability graph integrity violation at batch %d: %s", e.BatchId, e.Reason)
}

// InsufficientQuantityError wraps ErrInsufficientQuantity with the
// offending bucket and amounts for API responses.
type InsufficientQuantityError struct {
	BatchId   int
	Bucket    BucketRef
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("batch %d bucket %s: requested %s but only %s available",
		e.BatchId, e.Bucket, e.Requested, e.Available)
}

func (e *InsufficientQuantityError) Unwrap() error { return ErrInsufficientQuantity }
