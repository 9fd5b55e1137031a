package models

import (
	"testing"
)

func mv(from *BucketRef, to *BucketRef, qty string, mt MovementType) BatchMovement {
	m := BatchMovement{Quantity: d(qty), MovementType: mt}
	if from != nil {
		state := from.State
		m.FromState = &state
		if from.Process != "" {
			p := from.Process
			m.FromProcess = &p
		}
	}
	if to != nil {
		state := to.State
		m.ToState = &state
		if to.Process != "" {
			p := to.Process
			m.ToProcess = &p
		}
	}
	return m
}

func TestConsumptionClassification(t *testing.T) {
	raw := BucketRef{State: BatchStateRaw}
	insp := BucketRef{State: BatchStateInspection}
	wip := BucketRef{State: BatchStateWip, Process: "dyeing"}
	fin := BucketRef{State: BatchStateFinished}
	scrap := BucketRef{State: BatchStateScrap}

	totals := NewConsumptionTotals()
	totals.Apply(ptr(mv(nil, &insp, "100", MovementTypeReceipt)))
	totals.Apply(ptr(mv(&insp, &raw, "100", MovementTypeInternalTransfer)))
	totals.Apply(ptr(mv(&raw, &wip, "60", MovementTypeIssue)))
	totals.Apply(ptr(mv(&wip, &fin, "50", MovementTypeInternalTransfer)))
	totals.Apply(ptr(mv(&wip, &scrap, "5", MovementTypeInternalTransfer)))
	totals.Apply(ptr(mv(&wip, &raw, "5", MovementTypeReturn)))
	totals.Apply(ptr(mv(&fin, nil, "50", MovementTypeDispatch)))

	if !totals.Received.Equal(d("100")) {
		t.Fatalf("received=%s, want 100", totals.Received)
	}
	if !totals.Issued.Equal(d("60")) {
		t.Fatalf("issued=%s, want 60", totals.Issued)
	}
	if !totals.PerProcess["dyeing"].Equal(d("60")) {
		t.Fatalf("per-process issued=%s, want 60", totals.PerProcess["dyeing"])
	}
	if !totals.Finished.Equal(d("50")) || !totals.Scrap.Equal(d("5")) {
		t.Fatalf("finished=%s scrap=%s, want 50/5", totals.Finished, totals.Scrap)
	}
	if !totals.Returned.Equal(d("5")) {
		t.Fatalf("returned=%s, want 5", totals.Returned)
	}
	if !totals.Dispatched.Equal(d("50")) {
		t.Fatalf("dispatched=%s, want 50", totals.Dispatched)
	}
}

func ptr(m BatchMovement) *BatchMovement { return &m }

// Counters only grow: an issue followed by a full return leaves both
// sides of the round trip visible instead of cancelling out.
func TestConsumptionRoundTripAsymmetry(t *testing.T) {
	raw := BucketRef{State: BatchStateRaw}
	wip := BucketRef{State: BatchStateWip, Process: "plating"}

	totals := NewConsumptionTotals()
	totals.Apply(ptr(mv(nil, &raw, "30", MovementTypeReceipt)))
	totals.Apply(ptr(mv(&raw, &wip, "30", MovementTypeIssue)))
	totals.Apply(ptr(mv(&wip, &raw, "30", MovementTypeReturn)))

	if !totals.Issued.Equal(d("30")) {
		t.Fatalf("issued=%s, want 30", totals.Issued)
	}
	if !totals.Returned.Equal(d("30")) {
		t.Fatalf("returned=%s, want 30", totals.Returned)
	}
}

// Lifecycle arithmetic: 100 received, 60 issued, 50 finished, 10 scrapped.
func TestConsumptionRatios(t *testing.T) {
	totals := NewConsumptionTotals()
	totals.Received = d("100")
	totals.Issued = d("60")
	totals.Finished = d("50")
	totals.Scrap = d("10")

	yield, scrap, utilization := totals.Ratios()
	if !yield.Equal(d("83.33")) {
		t.Fatalf("yield=%s, want 83.33", yield)
	}
	if !scrap.Equal(d("16.67")) {
		t.Fatalf("scrap=%s, want 16.67", scrap)
	}
	if !utilization.Equal(d("60")) {
		t.Fatalf("utilization=%s, want 60", utilization)
	}
}

// Yield and scrap divide by issued, not by finished+scrap. With 10 of 60
// returned unused the two denominators differ and only issued is right.
func TestConsumptionRatiosDenominatorIsIssued(t *testing.T) {
	totals := NewConsumptionTotals()
	totals.Received = d("100")
	totals.Issued = d("60")
	totals.Finished = d("50")
	totals.Returned = d("10")

	yield, scrap, _ := totals.Ratios()
	if !yield.Equal(d("83.33")) {
		t.Fatalf("yield=%s, want 83.33 (50/60)", yield)
	}
	if !scrap.IsZero() {
		t.Fatalf("scrap=%s, want 0", scrap)
	}
}

func TestConsumptionRatiosZeroDenominators(t *testing.T) {
	totals := NewConsumptionTotals()
	yield, scrap, utilization := totals.Ratios()
	if !yield.IsZero() || !scrap.IsZero() || !utilization.IsZero() {
		t.Fatalf("ratios with zero denominators must be zero, got %s/%s/%s", yield, scrap, utilization)
	}

	// Issued but nothing produced yet: zero numerators, not divide-by-zero.
	totals.Received = d("100")
	totals.Issued = d("25")
	yield, scrap, utilization = totals.Ratios()
	if !yield.IsZero() || !scrap.IsZero() {
		t.Fatalf("yield/scrap must stay zero before production, got %s/%s", yield, scrap)
	}
	if !utilization.Equal(d("25")) {
		t.Fatalf("utilization=%s, want 25", utilization)
	}
}

func TestConsumptionIgnoresUnclassifiedMovements(t *testing.T) {
	wip := BucketRef{State: BatchStateWip, Process: "dyeing"}

	totals := NewConsumptionTotals()
	// Consumed into a transformation: not one of the six counters.
	totals.Apply(ptr(mv(&wip, nil, "10", MovementTypeConsumption)))
	// Inspection -> raw release is neither received nor issued.
	insp := BucketRef{State: BatchStateInspection}
	raw := BucketRef{State: BatchStateRaw}
	totals.Apply(ptr(mv(&insp, &raw, "10", MovementTypeInternalTransfer)))

	if !totals.Received.IsZero() || !totals.Issued.IsZero() || !totals.Dispatched.IsZero() {
		t.Fatalf("unclassified movements must not touch counters: %+v", totals)
	}
}
