package models

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BucketRef addresses one quantity bucket of a batch. State and process
// are orthogonal: Process is set if and only if State is Wip.
type BucketRef struct {
	State   BatchState
	Process string
}

func (r BucketRef) String() string {
	if r.State == BatchStateWip {
		return fmt.Sprintf("%s/%s", r.State, r.Process)
	}
	return string(r.State)
}

func (r BucketRef) Validate() error {
	switch r.State {
	case BatchStateInspection, BatchStateRaw, BatchStateFinished, BatchStateScrap:
		if r.Process != "" {
			return fmt.Errorf("%w: %s", ErrProcessForbidden, r)
		}
		return nil
	case BatchStateWip:
		if r.Process == "" {
			return ErrProcessRequired
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrInvalidState, r.State)
}

// BucketVector is the in-memory quantity vector of one batch: the four
// fixed buckets plus one WIP bucket per process.
type BucketVector struct {
	Inspection decimal.Decimal
	Raw        decimal.Decimal
	Finished   decimal.Decimal
	Scrap      decimal.Decimal
	Wip        map[string]decimal.Decimal
}

func NewBucketVector() BucketVector {
	return BucketVector{Wip: map[string]decimal.Decimal{}}
}

func (v BucketVector) Get(ref BucketRef) decimal.Decimal {
	switch ref.State {
	case BatchStateInspection:
		return v.Inspection
	case BatchStateRaw:
		return v.Raw
	case BatchStateFinished:
		return v.Finished
	case BatchStateScrap:
		return v.Scrap
	case BatchStateWip:
		return v.Wip[ref.Process]
	}
	return decimal.Zero
}

func (v *BucketVector) Add(ref BucketRef, qty decimal.Decimal) {
	switch ref.State {
	case BatchStateInspection:
		v.Inspection = v.Inspection.Add(qty)
	case BatchStateRaw:
		v.Raw = v.Raw.Add(qty)
	case BatchStateFinished:
		v.Finished = v.Finished.Add(qty)
	case BatchStateScrap:
		v.Scrap = v.Scrap.Add(qty)
	case BatchStateWip:
		if v.Wip == nil {
			v.Wip = map[string]decimal.Decimal{}
		}
		v.Wip[ref.Process] = v.Wip[ref.Process].Add(qty)
	}
}

func (v BucketVector) Total() decimal.Decimal {
	total := v.Inspection.Add(v.Raw).Add(v.Finished).Add(v.Scrap)
	for _, q := range v.Wip {
		total = total.Add(q)
	}
	return total
}

func (v BucketVector) HasNegative() bool {
	if v.Inspection.IsNegative() || v.Raw.IsNegative() || v.Finished.IsNegative() || v.Scrap.IsNegative() {
		return true
	}
	for _, q := range v.Wip {
		if q.IsNegative() {
			return true
		}
	}
	return false
}

func (v BucketVector) Equal(o BucketVector) bool {
	if !v.Inspection.Equal(o.Inspection) || !v.Raw.Equal(o.Raw) ||
		!v.Finished.Equal(o.Finished) || !v.Scrap.Equal(o.Scrap) {
		return false
	}
	for p, q := range v.Wip {
		if !q.Equal(o.Wip[p]) {
			return false
		}
	}
	for p, q := range o.Wip {
		if !q.Equal(v.Wip[p]) {
			return false
		}
	}
	return true
}

func (v BucketVector) Clone() BucketVector {
	out := v
	out.Wip = make(map[string]decimal.Decimal, len(v.Wip))
	for p, q := range v.Wip {
		out.Wip[p] = q
	}
	return out
}

// ApplyMovementDelta mutates the vector by one ledger entry:
// subtract from the source bucket (if any), add to the destination (if any).
// Movements with a nil source are external receipts; nil destination means
// the quantity left the system (consumed into a transformation or dispatched).
func (v *BucketVector) ApplyMovementDelta(from, to *BucketRef, qty decimal.Decimal) {
	if from != nil {
		v.Add(*from, qty.Neg())
	}
	if to != nil {
		v.Add(*to, qty)
	}
}

// ReplayMovements rebuilds a bucket vector from scratch by applying
// ledger entries in sequence order. Pure: used by reconciliation and
// by the consumption rebuild tool.
func ReplayMovements(movements []BatchMovement) BucketVector {
	v := NewBucketVector()
	for i := range movements {
		m := &movements[i]
		v.ApplyMovementDelta(m.FromBucket(), m.ToBucket(), m.Quantity)
	}
	return v
}
