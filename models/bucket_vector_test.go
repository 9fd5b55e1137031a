package models

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestBucketRefValidate(t *testing.T) {
	cases := []struct {
		ref     BucketRef
		wantErr error
	}{
		{BucketRef{State: BatchStateRaw}, nil},
		{BucketRef{State: BatchStateInspection}, nil},
		{BucketRef{State: BatchStateWip, Process: "dyeing"}, nil},
		{BucketRef{State: BatchStateWip}, ErrProcessRequired},
		{BucketRef{State: BatchStateRaw, Process: "dyeing"}, ErrProcessForbidden},
		{BucketRef{State: "Limbo"}, ErrInvalidState},
	}
	for _, tc := range cases {
		err := tc.ref.Validate()
		if tc.wantErr == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.ref, err)
			}
			continue
		}
		if !errors.Is(err, tc.wantErr) {
			t.Fatalf("%s: got %v, want %v", tc.ref, err, tc.wantErr)
		}
	}
}

func TestApplyMovementDeltaConservesTotal(t *testing.T) {
	v := NewBucketVector()
	v.Add(BucketRef{State: BatchStateRaw}, d("100"))

	before := v.Total()
	v.ApplyMovementDelta(
		&BucketRef{State: BatchStateRaw},
		&BucketRef{State: BatchStateWip, Process: "dyeing"},
		d("40"),
	)
	if !v.Total().Equal(before) {
		t.Fatalf("internal move changed total: before=%s after=%s", before, v.Total())
	}
	if !v.Raw.Equal(d("60")) {
		t.Fatalf("raw = %s, want 60", v.Raw)
	}
	if !v.Wip["dyeing"].Equal(d("40")) {
		t.Fatalf("wip[dyeing] = %s, want 40", v.Wip["dyeing"])
	}

	// Receipt grows the total, consumption shrinks it.
	v.ApplyMovementDelta(nil, &BucketRef{State: BatchStateInspection}, d("10"))
	if !v.Total().Equal(d("110")) {
		t.Fatalf("total after receipt = %s, want 110", v.Total())
	}
	v.ApplyMovementDelta(&BucketRef{State: BatchStateWip, Process: "dyeing"}, nil, d("40"))
	if !v.Total().Equal(d("70")) {
		t.Fatalf("total after consumption = %s, want 70", v.Total())
	}
}

func TestReplayMovementsRebuildsVector(t *testing.T) {
	raw := BatchStateRaw
	insp := BatchStateInspection
	wip := BatchStateWip
	fin := BatchStateFinished
	scrap := BatchStateScrap
	dyeing := "dyeing"

	movements := []BatchMovement{
		{Quantity: d("100"), ToState: &insp, Sequence: 1},
		{Quantity: d("100"), FromState: &insp, ToState: &raw, Sequence: 2},
		{Quantity: d("60"), FromState: &raw, ToState: &wip, ToProcess: &dyeing, Sequence: 3},
		{Quantity: d("50"), FromState: &wip, FromProcess: &dyeing, ToState: &fin, Sequence: 4},
		{Quantity: d("10"), FromState: &wip, FromProcess: &dyeing, ToState: &scrap, Sequence: 5},
	}

	v := ReplayMovements(movements)
	if !v.Inspection.IsZero() || !v.Raw.Equal(d("40")) {
		t.Fatalf("inspection=%s raw=%s, want 0/40", v.Inspection, v.Raw)
	}
	if !v.Wip[dyeing].IsZero() {
		t.Fatalf("wip[dyeing]=%s, want 0", v.Wip[dyeing])
	}
	if !v.Finished.Equal(d("50")) || !v.Scrap.Equal(d("10")) {
		t.Fatalf("finished=%s scrap=%s, want 50/10", v.Finished, v.Scrap)
	}
	if !v.Total().Equal(d("100")) {
		t.Fatalf("total=%s, want 100", v.Total())
	}
	if v.HasNegative() {
		t.Fatal("replayed vector has negative bucket")
	}
}

func TestBucketVectorEqualTreatsMissingWipAsZero(t *testing.T) {
	a := NewBucketVector()
	b := NewBucketVector()
	a.Wip["dyeing"] = decimal.Zero
	if !a.Equal(b) || !b.Equal(a) {
		t.Fatal("zero wip bucket should equal missing wip bucket")
	}
	a.Wip["dyeing"] = d("1")
	if a.Equal(b) {
		t.Fatal("vectors with different wip should not be equal")
	}
}
