package models

import (
	"testing"

	"bitbucket.org/mandalayfab/factory_backend/utils"
)

func TestCanTransitionLocation(t *testing.T) {
	allowed := []struct{ from, to VendorLocation }{
		{VendorLocationIssued, VendorLocationAtVendor},
		{VendorLocationIssued, VendorLocationInTransit},
		{VendorLocationAtVendor, VendorLocationInTransit},
		{VendorLocationAtVendor, VendorLocationReturned},
		{VendorLocationInTransit, VendorLocationAtVendor},
		{VendorLocationInTransit, VendorLocationReturned},
		{VendorLocationReturned, VendorLocationInTransit},
		{VendorLocationReturned, VendorLocationCompleted},
		{VendorLocationIssued, VendorLocationCancelled},
		{VendorLocationReturned, VendorLocationCancelled},
	}
	for _, tc := range allowed {
		if !CanTransitionLocation(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	denied := []struct{ from, to VendorLocation }{
		{VendorLocationIssued, VendorLocationReturned},
		{VendorLocationIssued, VendorLocationCompleted},
		{VendorLocationAtVendor, VendorLocationCompleted},
		{VendorLocationCompleted, VendorLocationInTransit},
		{VendorLocationCompleted, VendorLocationCancelled},
		{VendorLocationCancelled, VendorLocationIssued},
	}
	for _, tc := range denied {
		if CanTransitionLocation(tc.from, tc.to) {
			t.Fatalf("%s -> %s should be denied", tc.from, tc.to)
		}
	}
}

func TestCheckAutoForwardEligibility(t *testing.T) {
	vendorB := "Vendor B"

	base := func() *JobWorkBatch {
		return &JobWorkBatch{
			CurrentLocation:    VendorLocationReturned,
			AutoForwardEnabled: utils.NewTrue(),
			QualityStatus:      QualityStatusPassed,
			NextVendor:         &vendorB,
		}
	}

	if got := CheckAutoForwardEligibility(base()); !got.Eligible || got.Reason != AutoForwardReasonEligible {
		t.Fatalf("fully eligible record rejected: %+v", got)
	}

	jw := base()
	jw.QualityStatus = QualityStatusPending
	if got := CheckAutoForwardEligibility(jw); !got.Eligible {
		t.Fatalf("pending quality must still be eligible: %+v", got)
	}

	jw = base()
	jw.AutoForwardEnabled = utils.NewFalse()
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonDisabled {
		t.Fatalf("disabled flag: %+v", got)
	}

	jw = base()
	jw.AutoForwardEnabled = nil
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonDisabled {
		t.Fatalf("nil flag: %+v", got)
	}

	jw = base()
	jw.CurrentLocation = VendorLocationAtVendor
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonNotReturned {
		t.Fatalf("not returned: %+v", got)
	}

	jw = base()
	jw.QualityStatus = QualityStatusFailed
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonQualityBlocked {
		t.Fatalf("failed quality: %+v", got)
	}

	jw = base()
	jw.QualityStatus = QualityStatusReworkNeeded
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonQualityBlocked {
		t.Fatalf("rework quality: %+v", got)
	}

	jw = base()
	jw.NextVendor = nil
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonChainComplete {
		t.Fatalf("chain complete: %+v", got)
	}

	jw = base()
	jw.CurrentLocation = VendorLocationCompleted
	if got := CheckAutoForwardEligibility(jw); got.Eligible || got.Reason != AutoForwardReasonTerminal {
		t.Fatalf("terminal record: %+v", got)
	}
}

func TestProcessChainStepLookup(t *testing.T) {
	steps := []ProcessChainStep{
		{SequenceNo: 1, ProcessName: "cutting", VendorName: "Vendor A"},
		{SequenceNo: 2, ProcessName: "dyeing", VendorName: "Vendor B"},
		{SequenceNo: 3, ProcessName: "finishing", VendorName: "Vendor C"},
	}

	if s := StepAt(steps, 2); s == nil || s.ProcessName != "dyeing" {
		t.Fatalf("StepAt(2) = %+v", s)
	}
	if s := StepAt(steps, 4); s != nil {
		t.Fatalf("StepAt(4) should be nil, got %+v", s)
	}

	if v := NextVendorAfter(steps, 1); v == nil || *v != "Vendor B" {
		t.Fatalf("next after 1 = %v", v)
	}
	if v := NextVendorAfter(steps, 3); v != nil {
		t.Fatalf("next after last step should be nil, got %q", *v)
	}
	// Lookup is by sequence number, not slice position.
	shuffled := []ProcessChainStep{steps[2], steps[0], steps[1]}
	if v := NextVendorAfter(shuffled, 1); v == nil || *v != "Vendor B" {
		t.Fatalf("next after 1 on shuffled steps = %v", v)
	}
}

func TestOverdueMaxAgeDays(t *testing.T) {
	t.Setenv("JOBWORK_OVERDUE_DAYS", "")
	if d := OverdueMaxAgeDays(); d != 7 {
		t.Fatalf("default = %d, want 7", d)
	}
	t.Setenv("JOBWORK_OVERDUE_DAYS", "14")
	if d := OverdueMaxAgeDays(); d != 14 {
		t.Fatalf("override = %d, want 14", d)
	}
	t.Setenv("JOBWORK_OVERDUE_DAYS", "-3")
	if d := OverdueMaxAgeDays(); d != 7 {
		t.Fatalf("invalid override = %d, want 7", d)
	}
}
