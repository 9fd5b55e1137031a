package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
)

// BatchState is one of the fixed physical stages a batch quantity can occupy.
// WIP is a single state; the process dimension lives in its own column
// (see BucketRef) instead of being smuggled into the state name.
type BatchState string

const (
	BatchStateInspection BatchState = "Inspection"
	BatchStateRaw        BatchState = "Raw"
	BatchStateWip        BatchState = "Wip"
	BatchStateFinished   BatchState = "Finished"
	BatchStateScrap      BatchState = "Scrap"
)

func ParseBatchState(s string) (BatchState, error) {
	switch BatchState(s) {
	case BatchStateInspection, BatchStateRaw, BatchStateWip, BatchStateFinished, BatchStateScrap:
		return BatchState(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

func (t BatchState) Value() (driver.Value, error) { return string(t), nil }

func (t *BatchState) Scan(v interface{}) error {
	switch s := v.(type) {
	case string:
		*t = BatchState(s)
	case []byte:
		*t = BatchState(s)
	default:
		return errors.New("batch state must be string")
	}
	return nil
}

type MovementType string

const (
	MovementTypeReceipt          MovementType = "Receipt"
	MovementTypeIssue            MovementType = "Issue"
	MovementTypeReturn           MovementType = "Return"
	MovementTypeInternalTransfer MovementType = "InternalTransfer"
	MovementTypeConsumption      MovementType = "Consumption"
	MovementTypeDispatch         MovementType = "Dispatch"
)

func ParseMovementType(s string) (MovementType, error) {
	switch MovementType(s) {
	case MovementTypeReceipt, MovementTypeIssue, MovementTypeReturn,
		MovementTypeInternalTransfer, MovementTypeConsumption, MovementTypeDispatch:
		return MovementType(s), nil
	}
	return "", fmt.Errorf("invalid movement type %q", s)
}

// MovementReferenceType identifies the business document that caused a movement.
type MovementReferenceType string

const (
	MovementReferenceTypeGRN        MovementReferenceType = "GRN"
	MovementReferenceTypeJobWork    MovementReferenceType = "JobWork"
	MovementReferenceTypeProduction MovementReferenceType = "Production"
	MovementReferenceTypeDispatch   MovementReferenceType = "Dispatch"
	MovementReferenceTypeInspection MovementReferenceType = "Inspection"
	MovementReferenceTypeAdjustment MovementReferenceType = "Adjustment"
)

type InspectionStatus string

const (
	InspectionStatusPending    InspectionStatus = "Pending"
	InspectionStatusPassed     InspectionStatus = "Passed"
	InspectionStatusFailed     InspectionStatus = "Failed"
	InspectionStatusQuarantine InspectionStatus = "Quarantine"
)

type BatchSourceType string

const (
	BatchSourceTypePurchase   BatchSourceType = "Purchase"
	BatchSourceTypeProduction BatchSourceType = "Production"
	BatchSourceTypeReturn     BatchSourceType = "Return"
)

// VendorLocation is the routing state of a job-work batch.
type VendorLocation string

const (
	VendorLocationIssued    VendorLocation = "Issued"
	VendorLocationAtVendor  VendorLocation = "AtVendor"
	VendorLocationInTransit VendorLocation = "InTransit"
	VendorLocationReturned  VendorLocation = "Returned"
	VendorLocationCompleted VendorLocation = "Completed"
	VendorLocationCancelled VendorLocation = "Cancelled"
)

func (l VendorLocation) IsTerminal() bool {
	return l == VendorLocationCompleted || l == VendorLocationCancelled
}

// vendorLocationTransitions enumerates the legal routing transitions.
// Cancelled is reachable from every non-terminal state and is handled separately.
var vendorLocationTransitions = map[VendorLocation][]VendorLocation{
	VendorLocationIssued:    {VendorLocationAtVendor, VendorLocationInTransit},
	VendorLocationAtVendor:  {VendorLocationInTransit, VendorLocationReturned},
	VendorLocationInTransit: {VendorLocationAtVendor, VendorLocationReturned},
	VendorLocationReturned:  {VendorLocationInTransit, VendorLocationCompleted},
}

func CanTransitionLocation(from, to VendorLocation) bool {
	if from.IsTerminal() {
		return false
	}
	if to == VendorLocationCancelled {
		return true
	}
	for _, next := range vendorLocationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type QualityStatus string

const (
	QualityStatusPending      QualityStatus = "Pending"
	QualityStatusPassed       QualityStatus = "Passed"
	QualityStatusFailed       QualityStatus = "Failed"
	QualityStatusReworkNeeded QualityStatus = "ReworkNeeded"
)

type TransformationType string

const (
	TransformationTypeJobWork    TransformationType = "JobWork"
	TransformationTypeProduction TransformationType = "Production"
	TransformationTypeAssembly   TransformationType = "Assembly"
)

func ParseTransformationType(s string) (TransformationType, error) {
	switch TransformationType(s) {
	case TransformationTypeJobWork, TransformationTypeProduction, TransformationTypeAssembly:
		return TransformationType(s), nil
	}
	return "", fmt.Errorf("invalid transformation type %q", s)
}

// Event reference/action enums for the transactional outbox.

type EventReferenceType string

const (
	EventReferenceTypeBatch        EventReferenceType = "Batch"
	EventReferenceTypeJobWorkBatch EventReferenceType = "JobWorkBatch"
)

type EventAction string

const (
	EventActionBatchCreated        EventAction = "BatchCreated"
	EventActionQuantityMoved       EventAction = "BatchQuantityMoved"
	EventActionJobWorkIssued       EventAction = "JobWorkIssued"
	EventActionJobWorkForwarded    EventAction = "JobWorkAutoForwarded"
	EventActionJobWorkCompleted    EventAction = "JobWorkCompleted"
	EventActionJobWorkOverdue      EventAction = "JobWorkOverdue"
	EventActionJobWorkCancelled    EventAction = "JobWorkCancelled"
	EventActionReconciliationDrift EventAction = "ReconciliationDrift"
)

// Outbox publish lifecycle.
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)
