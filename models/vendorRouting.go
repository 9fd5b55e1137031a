package models

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

// JobWorkBatch is one routing record: a quantity of one batch sent out
// for outside processing, tracked through the vendor location state
// machine until completed or cancelled.
type JobWorkBatch struct {
	ID      int  `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchId int  `gorm:"index;not null" json:"batch_id"`
	ItemId  int  `gorm:"index;not null" json:"item_id"`
	ChainId *int `gorm:"index" json:"chain_id"`

	Process         string         `gorm:"type:varchar(100);not null" json:"process"`
	CurrentLocation VendorLocation `gorm:"type:varchar(20);not null;index" json:"current_location"`
	CurrentVendor   string         `gorm:"type:varchar(255);not null;index" json:"current_vendor"`
	NextVendor      *string        `gorm:"type:varchar(255)" json:"next_vendor"`
	ProcessSequence int            `gorm:"not null;default:1" json:"process_sequence"`

	AutoForwardEnabled *bool         `gorm:"default:false" json:"auto_forward_enabled"`
	QualityStatus      QualityStatus `gorm:"type:varchar(20);not null;default:'Pending'" json:"quality_status"`

	// QtyConsumed is what production drew from the WIP bucket. It equals
	// QtyProduced for plain finishing and diverges for transformations
	// (100 in, 80 out).
	QtyIssued         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_issued"`
	QtyConsumed       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_consumed"`
	QtyProduced       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_produced"`
	QtyScrap          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_scrap"`
	QtyReturnedUnused decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_returned_unused"`

	OutputBatchId *int `json:"output_batch_id"`
	OutputItemId  *int `json:"output_item_id"`

	IssuedAt  time.Time                `gorm:"autoCreateTime;index" json:"issued_at"`
	DueDate   *time.Time               `json:"due_date"`
	History   []JobWorkLocationHistory `gorm:"foreignKey:JobWorkBatchId" json:"history"`
	CreatedAt time.Time                `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time                `gorm:"autoUpdateTime" json:"updated_at"`
}

func (JobWorkBatch) TableName() string { return "job_work_batches" }

// JobWorkLocationHistory is the append-only sub-ledger of routing
// transitions. Like the movement ledger, rows are never edited.
type JobWorkLocationHistory struct {
	ID             int             `gorm:"primaryKey;autoIncrement" json:"id"`
	JobWorkBatchId int             `gorm:"index;not null" json:"job_work_batch_id"`
	FromLocation   *VendorLocation `gorm:"type:varchar(20)" json:"from_location"`
	ToLocation     VendorLocation  `gorm:"type:varchar(20);not null" json:"to_location"`
	VendorName     *string         `gorm:"type:varchar(255)" json:"vendor_name"`
	Notes          *string         `gorm:"type:varchar(500)" json:"notes"`
	ActorId        *int            `json:"actor_id"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (JobWorkLocationHistory) TableName() string { return "job_work_location_history" }

func (h *JobWorkLocationHistory) BeforeUpdate(tx *gorm.DB) error { return ErrLedgerImmutable }
func (h *JobWorkLocationHistory) BeforeDelete(tx *gorm.DB) error { return ErrLedgerImmutable }

func appendLocationHistory(ctx context.Context, tx *gorm.DB, jw *JobWorkBatch, from *VendorLocation, to VendorLocation, vendor *string, notes *string) error {
	h := JobWorkLocationHistory{
		JobWorkBatchId: jw.ID,
		FromLocation:   from,
		ToLocation:     to,
		VendorName:     vendor,
		Notes:          notes,
	}
	if actorId, ok := utils.GetActorIdFromContext(ctx); ok {
		h.ActorId = &actorId
	}
	return tx.Create(&h).Error
}

func loadJobWorkForUpdate(tx *gorm.DB, id int) (*JobWorkBatch, error) {
	var jw JobWorkBatch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&jw).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &jw, nil
}

// IssueToVendorInput starts a routing record. When ChainId is set the
// sequence, process, vendor and auto-forward flag default from the chain
// step; explicit fields win.
type IssueToVendorInput struct {
	BatchId            int             `json:"batch_id" binding:"required"`
	Quantity           decimal.Decimal `json:"quantity" binding:"required"`
	ChainId            *int            `json:"chain_id"`
	SequenceNo         int             `json:"sequence_no"`
	Process            string          `json:"process"`
	VendorName         string          `json:"vendor_name"`
	AutoForwardEnabled *bool           `json:"auto_forward_enabled"`
	DueDate            *time.Time      `json:"due_date"`
	Notes              *string         `json:"notes"`
}

// IssueToVendor moves raw quantity into the process WIP bucket and opens
// the routing record, in one transaction.
func IssueToVendor(ctx context.Context, input *IssueToVendorInput) (*JobWorkBatch, error) {
	if !input.Quantity.IsPositive() {
		return nil, ErrNonPositiveQuantity
	}
	if input.SequenceNo == 0 {
		input.SequenceNo = 1
	}

	var steps []ProcessChainStep
	if input.ChainId != nil {
		chain, err := GetProcessChain(ctx, *input.ChainId)
		if err != nil {
			return nil, err
		}
		steps = chain.Steps
		step := StepAt(steps, input.SequenceNo)
		if step == nil {
			return nil, fmt.Errorf("chain %d has no step %d", *input.ChainId, input.SequenceNo)
		}
		if input.Process == "" {
			input.Process = step.ProcessName
		}
		if input.VendorName == "" {
			input.VendorName = step.VendorName
		}
		if input.AutoForwardEnabled == nil {
			input.AutoForwardEnabled = step.AutoForwardEnabled
		}
	}
	if input.Process == "" || input.VendorName == "" {
		return nil, fmt.Errorf("process and vendor_name are required without a chain step")
	}

	redisLock := obtainBestEffortRedisLock(ctx, input.BatchId)
	defer releaseBestEffortRedisLock(ctx, redisLock)

	db := config.GetDB()
	var jw JobWorkBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireBatchPostingLock(tx, input.BatchId); err != nil {
			return err
		}
		defer releaseBatchPostingLock(tx, input.BatchId)

		batch, err := loadBatchForUpdate(tx, input.BatchId)
		if err != nil {
			return err
		}

		jw = JobWorkBatch{
			BatchId:            input.BatchId,
			ItemId:             batch.ItemId,
			ChainId:            input.ChainId,
			Process:            input.Process,
			CurrentLocation:    VendorLocationIssued,
			CurrentVendor:      input.VendorName,
			NextVendor:         NextVendorAfter(steps, input.SequenceNo),
			ProcessSequence:    input.SequenceNo,
			AutoForwardEnabled: input.AutoForwardEnabled,
			QualityStatus:      QualityStatusPending,
			QtyIssued:          input.Quantity,
			DueDate:            input.DueDate,
		}
		if err := tx.Create(&jw).Error; err != nil {
			return err
		}

		_, err = moveQuantityTx(ctx, tx, input.BatchId, &MoveQuantityInput{
			Quantity:     input.Quantity,
			From:         &BucketRef{State: BatchStateRaw},
			To:           &BucketRef{State: BatchStateWip, Process: input.Process},
			MovementType: MovementTypeIssue,
			RefType:      MovementReferenceTypeJobWork,
			RefId:        &jw.ID,
			VendorName:   &input.VendorName,
			Notes:        input.Notes,
		})
		if err != nil {
			return err
		}

		if err := appendLocationHistory(ctx, tx, &jw, nil, VendorLocationIssued, &input.VendorName, input.Notes); err != nil {
			return err
		}
		return publishJobWorkEvent(ctx, tx, EventActionJobWorkIssued, jw.ID, &jw)
	})
	if err != nil {
		return nil, err
	}
	return &jw, nil
}

// UpdateLocation records a plain transit transition (issued->at_vendor,
// at_vendor<->in_transit). Receiving and cancelling have their own
// operations.
func UpdateLocation(ctx context.Context, jobWorkId int, to VendorLocation, notes *string) (*JobWorkBatch, error) {
	switch to {
	case VendorLocationAtVendor, VendorLocationInTransit:
	default:
		return nil, fmt.Errorf("%w: use the dedicated operation for %s", ErrInvalidTransition, to)
	}

	db := config.GetDB()
	var jw *JobWorkBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		jw, err = loadJobWorkForUpdate(tx, jobWorkId)
		if err != nil {
			return err
		}
		if jw.CurrentLocation.IsTerminal() {
			return ErrRoutingTerminal
		}
		if !CanTransitionLocation(jw.CurrentLocation, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, jw.CurrentLocation, to)
		}
		from := jw.CurrentLocation
		if err := tx.Model(jw).Update("current_location", to).Error; err != nil {
			return err
		}
		jw.CurrentLocation = to
		return appendLocationHistory(ctx, tx, jw, &from, to, &jw.CurrentVendor, notes)
	})
	if err != nil {
		return nil, err
	}
	return jw, nil
}

// ReceiveFromVendorInput closes out one vendor stage. Produced quantity
// either stays on the input batch (wip -> finished) or, when an output
// item is named, the transformation consumes QtyConsumed out of the
// input batch and QtyProduced lands in a freshly created output batch,
// linked by a traceability edge carrying both quantities. QtyConsumed
// defaults to QtyProduced when omitted.
type ReceiveFromVendorInput struct {
	QtyConsumed       decimal.Decimal `json:"qty_consumed"`
	QtyProduced       decimal.Decimal `json:"qty_produced"`
	QtyScrap          decimal.Decimal `json:"qty_scrap"`
	QtyReturnedUnused decimal.Decimal `json:"qty_returned_unused"`
	QualityStatus     QualityStatus   `json:"quality_status"`
	OutputItemId      *int            `json:"output_item_id"`
	OutputBatchCode   *string         `json:"output_batch_code"`
	Notes             *string         `json:"notes"`
}

// drawn is the total this receive takes out of the WIP bucket.
func (in *ReceiveFromVendorInput) drawn() decimal.Decimal {
	return in.QtyConsumed.Add(in.QtyScrap).Add(in.QtyReturnedUnused)
}

func ReceiveFromVendor(ctx context.Context, jobWorkId int, input *ReceiveFromVendorInput) (*JobWorkBatch, error) {
	if input.QtyConsumed.IsNegative() || input.QtyProduced.IsNegative() ||
		input.QtyScrap.IsNegative() || input.QtyReturnedUnused.IsNegative() {
		return nil, ErrNonPositiveQuantity
	}
	if input.OutputItemId == nil && !input.QtyConsumed.IsZero() && !input.QtyConsumed.Equal(input.QtyProduced) {
		return nil, fmt.Errorf("qty_consumed only diverges from qty_produced with output_item_id")
	}
	if input.QtyConsumed.IsZero() {
		input.QtyConsumed = input.QtyProduced
	}
	if !input.drawn().IsPositive() {
		return nil, ErrNonPositiveQuantity
	}
	if input.QualityStatus == "" {
		input.QualityStatus = QualityStatusPending
	}
	if input.OutputItemId != nil && input.OutputBatchCode == nil {
		return nil, fmt.Errorf("output_batch_code is required with output_item_id")
	}
	if input.OutputItemId != nil && !input.QtyProduced.IsPositive() {
		return nil, ErrNonPositiveQuantity
	}

	db := config.GetDB()
	var jw *JobWorkBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		jw, err = loadJobWorkForUpdate(tx, jobWorkId)
		if err != nil {
			return err
		}
		if jw.CurrentLocation.IsTerminal() {
			return ErrRoutingTerminal
		}
		if !CanTransitionLocation(jw.CurrentLocation, VendorLocationReturned) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, jw.CurrentLocation, VendorLocationReturned)
		}

		outstanding := jw.QtyIssued.Sub(jw.QtyConsumed).Sub(jw.QtyScrap).Sub(jw.QtyReturnedUnused)
		if input.drawn().GreaterThan(outstanding) {
			return &InsufficientQuantityError{
				BatchId:   jw.BatchId,
				Bucket:    BucketRef{State: BatchStateWip, Process: jw.Process},
				Available: outstanding,
				Requested: input.drawn(),
			}
		}

		if err := acquireBatchPostingLock(tx, jw.BatchId); err != nil {
			return err
		}
		defer releaseBatchPostingLock(tx, jw.BatchId)

		wip := BucketRef{State: BatchStateWip, Process: jw.Process}

		if input.QtyProduced.IsPositive() {
			if input.OutputItemId != nil {
				// Transformation: consume the input quantity out of the
				// input batch, receive the produced quantity as a new
				// batch, link them in the genealogy.
				_, err = moveQuantityTx(ctx, tx, jw.BatchId, &MoveQuantityInput{
					Quantity:     input.QtyConsumed,
					From:         &wip,
					MovementType: MovementTypeConsumption,
					RefType:      MovementReferenceTypeJobWork,
					RefId:        &jw.ID,
					VendorName:   &jw.CurrentVendor,
					Notes:        input.Notes,
				})
				if err != nil {
					return err
				}
				output, err := createOutputBatchTx(ctx, tx, jw, input)
				if err != nil {
					return err
				}
				jw.OutputBatchId = &output.ID
				jw.OutputItemId = input.OutputItemId

				process := jw.Process
				edge := BatchTraceability{
					SourceBatchId:      jw.BatchId,
					TargetBatchId:      output.ID,
					TransformationType: TransformationTypeJobWork,
					Process:            &process,
					QtyConsumed:        input.QtyConsumed,
					QtyProduced:        input.QtyProduced,
					RefId:              &jw.ID,
				}
				if edge.SourceBatchId == edge.TargetBatchId {
					return &GraphIntegrityError{BatchId: edge.SourceBatchId, Reason: "self-loop edge"}
				}
				if err := tx.Create(&edge).Error; err != nil {
					return err
				}
			} else {
				_, err = moveQuantityTx(ctx, tx, jw.BatchId, &MoveQuantityInput{
					Quantity:     input.QtyProduced,
					From:         &wip,
					To:           &BucketRef{State: BatchStateFinished},
					MovementType: MovementTypeInternalTransfer,
					RefType:      MovementReferenceTypeJobWork,
					RefId:        &jw.ID,
					VendorName:   &jw.CurrentVendor,
					Notes:        input.Notes,
				})
				if err != nil {
					return err
				}
			}
		}
		if input.QtyScrap.IsPositive() {
			_, err = moveQuantityTx(ctx, tx, jw.BatchId, &MoveQuantityInput{
				Quantity:     input.QtyScrap,
				From:         &wip,
				To:           &BucketRef{State: BatchStateScrap},
				MovementType: MovementTypeInternalTransfer,
				RefType:      MovementReferenceTypeJobWork,
				RefId:        &jw.ID,
				VendorName:   &jw.CurrentVendor,
				Notes:        input.Notes,
			})
			if err != nil {
				return err
			}
		}
		if input.QtyReturnedUnused.IsPositive() {
			_, err = moveQuantityTx(ctx, tx, jw.BatchId, &MoveQuantityInput{
				Quantity:     input.QtyReturnedUnused,
				From:         &wip,
				To:           &BucketRef{State: BatchStateRaw},
				MovementType: MovementTypeReturn,
				RefType:      MovementReferenceTypeJobWork,
				RefId:        &jw.ID,
				VendorName:   &jw.CurrentVendor,
				Notes:        input.Notes,
			})
			if err != nil {
				return err
			}
		}

		from := jw.CurrentLocation
		jw.CurrentLocation = VendorLocationReturned
		jw.QualityStatus = input.QualityStatus
		jw.QtyConsumed = jw.QtyConsumed.Add(input.QtyConsumed)
		jw.QtyProduced = jw.QtyProduced.Add(input.QtyProduced)
		jw.QtyScrap = jw.QtyScrap.Add(input.QtyScrap)
		jw.QtyReturnedUnused = jw.QtyReturnedUnused.Add(input.QtyReturnedUnused)

		updates := map[string]interface{}{
			"current_location":    jw.CurrentLocation,
			"quality_status":      jw.QualityStatus,
			"qty_consumed":        jw.QtyConsumed,
			"qty_produced":        jw.QtyProduced,
			"qty_scrap":           jw.QtyScrap,
			"qty_returned_unused": jw.QtyReturnedUnused,
			"output_batch_id":     jw.OutputBatchId,
			"output_item_id":      jw.OutputItemId,
		}
		if err := tx.Model(&JobWorkBatch{}).Where("id = ?", jw.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := appendLocationHistory(ctx, tx, jw, &from, VendorLocationReturned, &jw.CurrentVendor, input.Notes); err != nil {
			return err
		}

		// Last stage of the chain: the routing record is done.
		if jw.NextVendor == nil {
			ret := VendorLocationReturned
			jw.CurrentLocation = VendorLocationCompleted
			if err := tx.Model(&JobWorkBatch{}).Where("id = ?", jw.ID).
				Update("current_location", VendorLocationCompleted).Error; err != nil {
				return err
			}
			if err := appendLocationHistory(ctx, tx, jw, &ret, VendorLocationCompleted, &jw.CurrentVendor, nil); err != nil {
				return err
			}
			return publishJobWorkEvent(ctx, tx, EventActionJobWorkCompleted, jw.ID, jw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jw, nil
}

func createOutputBatchTx(ctx context.Context, tx *gorm.DB, jw *JobWorkBatch, input *ReceiveFromVendorInput) (*InventoryBatch, error) {
	var item Item
	if err := tx.Where("id = ?", *input.OutputItemId).First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	output := InventoryBatch{
		ItemId:           *input.OutputItemId,
		BatchCode:        *input.OutputBatchCode,
		Uom:              item.Uom,
		InspectionStatus: InspectionStatusPassed,
		SourceType:       BatchSourceTypeProduction,
		SourceRefId:      &jw.ID,
		IsActive:         utils.NewTrue(),
	}
	if err := tx.Create(&output).Error; err != nil {
		return nil, err
	}
	raw := BucketRef{State: BatchStateRaw}
	movement, err := appendMovement(ctx, tx, &output, movementDraft{
		Quantity:     input.QtyProduced,
		To:           &raw,
		MovementType: MovementTypeReceipt,
		RefType:      MovementReferenceTypeJobWork,
		RefId:        &jw.ID,
		VendorName:   &jw.CurrentVendor,
		Notes:        input.Notes,
	})
	if err != nil {
		return nil, err
	}
	v := NewBucketVector()
	v.Add(raw, input.QtyProduced)
	if err := output.persistBuckets(tx, v); err != nil {
		return nil, err
	}
	if err := applyMovementToConsumption(tx, &output, movement); err != nil {
		return nil, err
	}
	if err := publishBatchEvent(ctx, tx, EventActionBatchCreated, output.ID, &output); err != nil {
		return nil, err
	}
	return &output, nil
}

// AutoForwardDecision is the typed eligibility verdict. Reason is a
// stable code suitable for logs and API responses.
type AutoForwardDecision struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason"`
}

const (
	AutoForwardReasonEligible       = "eligible"
	AutoForwardReasonDisabled       = "auto_forward_disabled"
	AutoForwardReasonNotReturned    = "not_in_returned_state"
	AutoForwardReasonQualityBlocked = "quality_not_acceptable"
	AutoForwardReasonChainComplete  = "no_next_vendor"
	AutoForwardReasonTerminal       = "routing_terminal"
)

// CheckAutoForwardEligibility evaluates the forwarding gate. All four
// conditions must hold: flag on, returned from the current vendor,
// quality passed or still pending, and a next vendor planned.
func CheckAutoForwardEligibility(jw *JobWorkBatch) AutoForwardDecision {
	if jw.CurrentLocation.IsTerminal() {
		return AutoForwardDecision{Reason: AutoForwardReasonTerminal}
	}
	if jw.AutoForwardEnabled == nil || !*jw.AutoForwardEnabled {
		return AutoForwardDecision{Reason: AutoForwardReasonDisabled}
	}
	if jw.CurrentLocation != VendorLocationReturned {
		return AutoForwardDecision{Reason: AutoForwardReasonNotReturned}
	}
	if jw.QualityStatus != QualityStatusPassed && jw.QualityStatus != QualityStatusPending {
		return AutoForwardDecision{Reason: AutoForwardReasonQualityBlocked}
	}
	if jw.NextVendor == nil {
		return AutoForwardDecision{Reason: AutoForwardReasonChainComplete}
	}
	return AutoForwardDecision{Eligible: true, Reason: AutoForwardReasonEligible}
}

// AutoForward advances an eligible routing record to its next vendor:
// location returned -> in_transit, sequence incremented, next vendor
// re-derived from the chain. The previous stage's output moves from
// finished into the next process's WIP bucket and becomes the new issued
// quantity. All-or-nothing; an ineligible record is left untouched and
// the decision says why.
func AutoForward(ctx context.Context, jobWorkId int) (*JobWorkBatch, AutoForwardDecision, error) {
	db := config.GetDB()
	var (
		jw       *JobWorkBatch
		decision AutoForwardDecision
	)
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		jw, err = loadJobWorkForUpdate(tx, jobWorkId)
		if err != nil {
			return err
		}

		decision = CheckAutoForwardEligibility(jw)
		if !decision.Eligible {
			return nil
		}

		var steps []ProcessChainStep
		if jw.ChainId != nil {
			if err := tx.Where("chain_id = ?", *jw.ChainId).Order("sequence_no ASC").Find(&steps).Error; err != nil {
				return err
			}
		}

		from := jw.CurrentLocation
		forwardedQty := jw.QtyProduced
		newSeq := jw.ProcessSequence + 1
		jw.CurrentLocation = VendorLocationInTransit
		jw.CurrentVendor = *jw.NextVendor
		jw.ProcessSequence = newSeq
		jw.NextVendor = NextVendorAfter(steps, newSeq)
		jw.QualityStatus = QualityStatusPending
		if step := StepAt(steps, newSeq); step != nil {
			jw.Process = step.ProcessName
			if step.AutoForwardEnabled != nil {
				jw.AutoForwardEnabled = step.AutoForwardEnabled
			}
		}

		// Stage counters start over at the next vendor: last stage's
		// output is this stage's issued quantity.
		jw.QtyIssued = forwardedQty
		jw.QtyConsumed = decimal.Zero
		jw.QtyProduced = decimal.Zero
		jw.QtyScrap = decimal.Zero
		jw.QtyReturnedUnused = decimal.Zero

		if forwardedQty.IsPositive() && jw.OutputBatchId == nil {
			if err := acquireBatchPostingLock(tx, jw.BatchId); err != nil {
				return err
			}
			defer releaseBatchPostingLock(tx, jw.BatchId)

			_, err = moveQuantityTx(ctx, tx, jw.BatchId, &MoveQuantityInput{
				Quantity:     forwardedQty,
				From:         &BucketRef{State: BatchStateFinished},
				To:           &BucketRef{State: BatchStateWip, Process: jw.Process},
				MovementType: MovementTypeIssue,
				RefType:      MovementReferenceTypeJobWork,
				RefId:        &jw.ID,
				VendorName:   &jw.CurrentVendor,
			})
			if err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"current_location":     jw.CurrentLocation,
			"current_vendor":       jw.CurrentVendor,
			"next_vendor":          jw.NextVendor,
			"process_sequence":     jw.ProcessSequence,
			"process":              jw.Process,
			"quality_status":       jw.QualityStatus,
			"auto_forward_enabled": jw.AutoForwardEnabled,
			"qty_issued":           jw.QtyIssued,
			"qty_consumed":         jw.QtyConsumed,
			"qty_produced":         jw.QtyProduced,
			"qty_scrap":            jw.QtyScrap,
			"qty_returned_unused":  jw.QtyReturnedUnused,
		}
		if err := tx.Model(&JobWorkBatch{}).Where("id = ?", jw.ID).Updates(updates).Error; err != nil {
			return err
		}
		if err := appendLocationHistory(ctx, tx, jw, &from, VendorLocationInTransit, &jw.CurrentVendor, nil); err != nil {
			return err
		}
		return publishJobWorkEvent(ctx, tx, EventActionJobWorkForwarded, jw.ID, jw)
	})
	if err != nil {
		return nil, decision, err
	}
	return jw, decision, nil
}

// CancelRouting terminates a routing record from any non-terminal state.
// Outstanding WIP quantity is returned to raw stock in the same
// transaction.
func CancelRouting(ctx context.Context, jobWorkId int, notes *string) (*JobWorkBatch, error) {
	db := config.GetDB()
	var jw *JobWorkBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		jw, err = loadJobWorkForUpdate(tx, jobWorkId)
		if err != nil {
			return err
		}
		if jw.CurrentLocation.IsTerminal() {
			return ErrRoutingTerminal
		}

		outstanding := jw.QtyIssued.Sub(jw.QtyConsumed).Sub(jw.QtyScrap).Sub(jw.QtyReturnedUnused)
		if outstanding.IsPositive() {
			if err := acquireBatchPostingLock(tx, jw.BatchId); err != nil {
				return err
			}
			defer releaseBatchPostingLock(tx, jw.BatchId)

			_, err = moveQuantityTx(ctx, tx, jw.BatchId, &MoveQuantityInput{
				Quantity:     outstanding,
				From:         &BucketRef{State: BatchStateWip, Process: jw.Process},
				To:           &BucketRef{State: BatchStateRaw},
				MovementType: MovementTypeReturn,
				RefType:      MovementReferenceTypeJobWork,
				RefId:        &jw.ID,
				VendorName:   &jw.CurrentVendor,
				Notes:        notes,
			})
			if err != nil {
				return err
			}
		}

		from := jw.CurrentLocation
		jw.CurrentLocation = VendorLocationCancelled
		if err := tx.Model(&JobWorkBatch{}).Where("id = ?", jw.ID).
			Update("current_location", VendorLocationCancelled).Error; err != nil {
			return err
		}
		if err := appendLocationHistory(ctx, tx, jw, &from, VendorLocationCancelled, &jw.CurrentVendor, notes); err != nil {
			return err
		}
		return publishJobWorkEvent(ctx, tx, EventActionJobWorkCancelled, jw.ID, jw)
	})
	if err != nil {
		return nil, err
	}
	return jw, nil
}

const defaultOverdueDays = 7

// OverdueMaxAgeDays is the shared "how old is overdue" knob
// (JOBWORK_OVERDUE_DAYS), used by both the sweeper and the API view.
func OverdueMaxAgeDays() int {
	if v := os.Getenv("JOBWORK_OVERDUE_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return defaultOverdueDays
}

// OverdueJobWorkBatches lists non-terminal routing records issued more
// than maxAgeDays ago (or past their explicit due date).
func OverdueJobWorkBatches(ctx context.Context, asOf time.Time, maxAgeDays int) ([]JobWorkBatch, error) {
	db := config.GetDB()
	cutoff := asOf.AddDate(0, 0, -maxAgeDays)
	var out []JobWorkBatch
	err := db.WithContext(ctx).
		Where("current_location NOT IN ?", []VendorLocation{VendorLocationCompleted, VendorLocationCancelled}).
		Where("issued_at < ? OR (due_date IS NOT NULL AND due_date < ?)", cutoff, asOf).
		Order("issued_at ASC").
		Find(&out).Error
	return out, err
}

// VendorWorkloadEntry is one row of the open-work-per-vendor view.
type VendorWorkloadEntry struct {
	VendorName string          `json:"vendor_name"`
	OpenCount  int             `json:"open_count"`
	QtyIssued  decimal.Decimal `json:"qty_issued"`
}

func VendorWorkload(ctx context.Context) ([]VendorWorkloadEntry, error) {
	db := config.GetDB()
	var out []VendorWorkloadEntry
	err := db.WithContext(ctx).
		Model(&JobWorkBatch{}).
		Select("current_vendor AS vendor_name, COUNT(*) AS open_count, SUM(qty_issued) AS qty_issued").
		Where("current_location NOT IN ?", []VendorLocation{VendorLocationCompleted, VendorLocationCancelled}).
		Group("current_vendor").
		Order("current_vendor ASC").
		Scan(&out).Error
	return out, err
}

// GetJobWorkBatch loads a routing record with its history.
func GetJobWorkBatch(ctx context.Context, id int) (*JobWorkBatch, error) {
	db := config.GetDB()
	var jw JobWorkBatch
	err := db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).
		First(&jw).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &jw, nil
}
