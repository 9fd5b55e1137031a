package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

// InventoryBatch is the live quantity record of one physical batch.
// Quantities sit in fixed bucket columns plus one BatchWipBucket row per
// process. The bucket vector is derived state: the movement ledger is the
// truth and replaying it must reproduce these columns (see ReconcileBatch).
type InventoryBatch struct {
	ID            int              `gorm:"primaryKey;autoIncrement" json:"id"`
	ItemId        int              `gorm:"uniqueIndex:idx_item_batch_code,priority:1;not null" json:"item_id"`
	Item          *Item            `gorm:"foreignKey:ItemId" json:"item,omitempty"`
	BatchCode     string           `gorm:"type:varchar(100);uniqueIndex:idx_item_batch_code,priority:2;not null" json:"batch_code"`
	Uom           string           `gorm:"type:varchar(50);not null;default:'PCS'" json:"uom"`
	QtyInspection decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"qty_inspection"`
	QtyRaw        decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"qty_raw"`
	QtyFinished   decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"qty_finished"`
	QtyScrap      decimal.Decimal  `gorm:"type:decimal(20,4);not null;default:0" json:"qty_scrap"`
	WipBuckets    []BatchWipBucket `gorm:"foreignKey:BatchId" json:"wip_buckets"`

	Location         *string          `gorm:"type:varchar(255)" json:"location"`
	MfgDate          *time.Time       `json:"mfg_date"`
	ExpiryDate       *time.Time       `json:"expiry_date"`
	SupplierBatchNo  *string          `gorm:"type:varchar(100)" json:"supplier_batch_no"`
	InspectionStatus InspectionStatus `gorm:"type:varchar(20);not null;default:'Pending'" json:"inspection_status"`
	SourceType       BatchSourceType  `gorm:"type:varchar(20);not null;default:'Purchase'" json:"source_type"`
	SourceRefId      *int             `json:"source_ref_id"`

	// Batches are never hard-deleted: the ledger outlives them.
	IsActive  *bool     `gorm:"default:true;index" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (InventoryBatch) TableName() string { return "inventory_batches" }

// BatchWipBucket holds the WIP quantity of one batch at one process.
type BatchWipBucket struct {
	ID      int             `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchId int             `gorm:"uniqueIndex:idx_batch_process,priority:1;not null" json:"batch_id"`
	Process string          `gorm:"type:varchar(100);uniqueIndex:idx_batch_process,priority:2;not null" json:"process"`
	Qty     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty"`
}

func (BatchWipBucket) TableName() string { return "batch_wip_buckets" }

// Buckets assembles the in-memory vector from the loaded row + children.
func (b *InventoryBatch) Buckets() BucketVector {
	v := NewBucketVector()
	v.Inspection = b.QtyInspection
	v.Raw = b.QtyRaw
	v.Finished = b.QtyFinished
	v.Scrap = b.QtyScrap
	for _, w := range b.WipBuckets {
		v.Wip[w.Process] = w.Qty
	}
	return v
}

func (b *InventoryBatch) TotalQuantity() decimal.Decimal {
	return b.Buckets().Total()
}

func (b *InventoryBatch) IsExpired(now time.Time) bool {
	return b.ExpiryDate != nil && b.ExpiryDate.Before(now)
}

func (b *InventoryBatch) AgeDays(now time.Time) int {
	if b.MfgDate == nil {
		return 0
	}
	return int(now.Sub(*b.MfgDate).Hours() / 24)
}

// persistBuckets writes the vector back: fixed columns on the batch row,
// upserts for WIP rows. Zero-quantity WIP rows are kept so history reads
// stay cheap; the vector treats missing and zero the same. A batch is
// retired when it drains to zero and revived when inflow refills it.
func (b *InventoryBatch) persistBuckets(tx *gorm.DB, v BucketVector) error {
	updates := map[string]interface{}{
		"qty_inspection": v.Inspection,
		"qty_raw":        v.Raw,
		"qty_finished":   v.Finished,
		"qty_scrap":      v.Scrap,
		"is_active":      !v.Total().IsZero(),
	}
	if err := tx.Model(&InventoryBatch{}).Where("id = ?", b.ID).Updates(updates).Error; err != nil {
		return err
	}
	for process, qty := range v.Wip {
		row := BatchWipBucket{BatchId: b.ID, Process: process, Qty: qty}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "process"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"qty": qty}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func loadBatchForUpdate(tx *gorm.DB, batchId int) (*InventoryBatch, error) {
	var batch InventoryBatch
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", batchId).
		First(&batch).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("batch_id = ?", batchId).
		Find(&batch.WipBuckets).Error
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// NewBatch is the creation payload. Initial quantity lands in Inspection
// unless SkipInspection is set, in which case it goes straight to Raw.
type NewBatch struct {
	ItemId          int             `json:"item_id" binding:"required"`
	BatchCode       string          `json:"batch_code" binding:"required"`
	Uom             string          `json:"uom"`
	InitialQty      decimal.Decimal `json:"initial_qty" binding:"required"`
	SkipInspection  bool            `json:"skip_inspection"`
	Location        *string         `json:"location"`
	MfgDate         *time.Time      `json:"mfg_date"`
	ExpiryDate      *time.Time      `json:"expiry_date"`
	SupplierBatchNo *string         `json:"supplier_batch_no"`
	SourceType      BatchSourceType `json:"source_type"`
	SourceRefId     *int            `json:"source_ref_id"`
	RefNumber       *string         `json:"ref_number"`
}

// CreateBatch creates the batch and records its opening receipt as the
// first ledger entry, all in one transaction.
func CreateBatch(ctx context.Context, input *NewBatch) (*InventoryBatch, error) {
	if !input.InitialQty.IsPositive() {
		return nil, ErrNonPositiveQuantity
	}
	if input.Uom == "" {
		input.Uom = "PCS"
	}
	if input.SourceType == "" {
		input.SourceType = BatchSourceTypePurchase
	}
	if err := utils.ValidateResourceId[Item](ctx, input.ItemId); err != nil {
		return nil, err
	}

	receiptBucket := BucketRef{State: BatchStateInspection}
	inspection := InspectionStatusPending
	if input.SkipInspection {
		receiptBucket = BucketRef{State: BatchStateRaw}
		inspection = InspectionStatusPassed
	}

	db := config.GetDB()
	var batch InventoryBatch
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch = InventoryBatch{
			ItemId:           input.ItemId,
			BatchCode:        input.BatchCode,
			Uom:              input.Uom,
			Location:         input.Location,
			MfgDate:          input.MfgDate,
			ExpiryDate:       input.ExpiryDate,
			SupplierBatchNo:  input.SupplierBatchNo,
			InspectionStatus: inspection,
			SourceType:       input.SourceType,
			SourceRefId:      input.SourceRefId,
			IsActive:         utils.NewTrue(),
		}
		if err := tx.Create(&batch).Error; err != nil {
			return err
		}

		movement, err := appendMovement(ctx, tx, &batch, movementDraft{
			Quantity:     input.InitialQty,
			To:           &receiptBucket,
			MovementType: MovementTypeReceipt,
			RefType:      MovementReferenceTypeGRN,
			RefId:        input.SourceRefId,
			RefNumber:    input.RefNumber,
		})
		if err != nil {
			return err
		}

		v := NewBucketVector()
		v.Add(receiptBucket, input.InitialQty)
		if err := batch.persistBuckets(tx, v); err != nil {
			return err
		}
		batch.QtyInspection = v.Inspection
		batch.QtyRaw = v.Raw

		if err := applyMovementToConsumption(tx, &batch, movement); err != nil {
			return err
		}
		return publishBatchEvent(ctx, tx, EventActionBatchCreated, batch.ID, &batch)
	})
	if err != nil {
		return nil, err
	}
	return &batch, nil
}

// MoveQuantityInput describes one atomic bucket-to-bucket move. From nil
// means external receipt, To nil means consumption/dispatch out of the
// system. At least one side must be set.
type MoveQuantityInput struct {
	Quantity     decimal.Decimal       `json:"quantity" binding:"required"`
	From         *BucketRef            `json:"from"`
	To           *BucketRef            `json:"to"`
	MovementType MovementType          `json:"movement_type" binding:"required"`
	RefType      MovementReferenceType `json:"ref_type" binding:"required"`
	RefId        *int                  `json:"ref_id"`
	RefNumber    *string               `json:"ref_number"`
	VendorName   *string               `json:"vendor_name"`
	Notes        *string               `json:"notes"`
}

func (in *MoveQuantityInput) validate() error {
	if !in.Quantity.IsPositive() {
		return ErrNonPositiveQuantity
	}
	if in.From == nil && in.To == nil {
		return ErrInvalidState
	}
	if in.From != nil {
		if err := in.From.Validate(); err != nil {
			return err
		}
	}
	if in.To != nil {
		if err := in.To.Validate(); err != nil {
			return err
		}
	}
	if _, err := ParseMovementType(string(in.MovementType)); err != nil {
		return err
	}
	return nil
}

// MoveQuantity is the single write path for batch quantities. One DB
// transaction covers the advisory lock, the locked re-read, the bucket
// delta, the ledger append, the consumption update and the outbox event.
// On any failure the whole move rolls back: no partial mutation is
// observable and nothing is published.
func MoveQuantity(ctx context.Context, batchId int, input *MoveQuantityInput) (*BatchMovement, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	redisLock := obtainBestEffortRedisLock(ctx, batchId)
	defer releaseBestEffortRedisLock(ctx, redisLock)

	db := config.GetDB()
	var movement *BatchMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireBatchPostingLock(tx, batchId); err != nil {
			return err
		}
		defer releaseBatchPostingLock(tx, batchId)

		var err error
		movement, err = moveQuantityTx(ctx, tx, batchId, input)
		return err
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// moveQuantityTx is the transaction body of MoveQuantity. Callers that
// compose a move with other writes (job-work issue/receive/cancel) run it
// inside their own transaction, holding the batch posting lock.
func moveQuantityTx(ctx context.Context, tx *gorm.DB, batchId int, input *MoveQuantityInput) (*BatchMovement, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	batch, err := loadBatchForUpdate(tx, batchId)
	if err != nil {
		return nil, err
	}
	if batch.IsActive != nil && !*batch.IsActive && input.From != nil {
		return nil, ErrBatchRetired
	}

	v := batch.Buckets()
	if input.From != nil {
		available := v.Get(*input.From)
		if available.LessThan(input.Quantity) {
			return nil, &InsufficientQuantityError{
				BatchId:   batchId,
				Bucket:    *input.From,
				Available: available,
				Requested: input.Quantity,
			}
		}
	}

	v.ApplyMovementDelta(input.From, input.To, input.Quantity)
	if v.HasNegative() {
		return nil, ErrInsufficientQuantity
	}

	movement, err := appendMovement(ctx, tx, batch, movementDraft{
		Quantity:     input.Quantity,
		From:         input.From,
		To:           input.To,
		MovementType: input.MovementType,
		RefType:      input.RefType,
		RefId:        input.RefId,
		RefNumber:    input.RefNumber,
		VendorName:   input.VendorName,
		Notes:        input.Notes,
	})
	if err != nil {
		return nil, err
	}

	if err := batch.persistBuckets(tx, v); err != nil {
		return nil, err
	}
	if err := applyMovementToConsumption(tx, batch, movement); err != nil {
		return nil, err
	}
	if err := publishBatchEvent(ctx, tx, EventActionQuantityMoved, batch.ID, movement); err != nil {
		return nil, err
	}
	return movement, nil
}

type movementDraft struct {
	Quantity     decimal.Decimal
	From         *BucketRef
	To           *BucketRef
	MovementType MovementType
	RefType      MovementReferenceType
	RefId        *int
	RefNumber    *string
	VendorName   *string
	Notes        *string
}

func appendMovement(ctx context.Context, tx *gorm.DB, batch *InventoryBatch, d movementDraft) (*BatchMovement, error) {
	seq, err := nextMovementSequence(tx, batch.ID)
	if err != nil {
		return nil, err
	}
	m := BatchMovement{
		BatchId:      batch.ID,
		ItemId:       batch.ItemId,
		Quantity:     d.Quantity,
		MovementType: d.MovementType,
		RefType:      d.RefType,
		RefId:        d.RefId,
		RefNumber:    d.RefNumber,
		VendorName:   d.VendorName,
		Notes:        d.Notes,
		Sequence:     seq,
	}
	if d.From != nil {
		state := d.From.State
		m.FromState = &state
		if d.From.Process != "" {
			process := d.From.Process
			m.FromProcess = &process
		}
	}
	if d.To != nil {
		state := d.To.State
		m.ToState = &state
		if d.To.Process != "" {
			process := d.To.Process
			m.ToProcess = &process
		}
	}
	if actorId, ok := utils.GetActorIdFromContext(ctx); ok {
		m.ActorId = &actorId
	}
	if actorName, ok := utils.GetActorNameFromContext(ctx); ok {
		m.ActorName = &actorName
	}
	if err := tx.Create(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// PassInspection releases quantity from the inspection bucket into raw
// stock and marks the batch inspected.
func PassInspection(ctx context.Context, batchId int, qty decimal.Decimal, notes *string) (*BatchMovement, error) {
	return recordInspection(ctx, batchId, qty, BucketRef{State: BatchStateRaw}, InspectionStatusPassed, notes)
}

// FailInspection scraps quantity directly from the inspection bucket.
func FailInspection(ctx context.Context, batchId int, qty decimal.Decimal, notes *string) (*BatchMovement, error) {
	return recordInspection(ctx, batchId, qty, BucketRef{State: BatchStateScrap}, InspectionStatusFailed, notes)
}

// recordInspection moves quantity out of inspection and updates the
// batch's inspection status in the same transaction: a crash can never
// leave the quantity moved with the status still Pending.
func recordInspection(ctx context.Context, batchId int, qty decimal.Decimal, to BucketRef, status InspectionStatus, notes *string) (*BatchMovement, error) {
	redisLock := obtainBestEffortRedisLock(ctx, batchId)
	defer releaseBestEffortRedisLock(ctx, redisLock)

	db := config.GetDB()
	var movement *BatchMovement
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireBatchPostingLock(tx, batchId); err != nil {
			return err
		}
		defer releaseBatchPostingLock(tx, batchId)

		var err error
		movement, err = moveQuantityTx(ctx, tx, batchId, &MoveQuantityInput{
			Quantity:     qty,
			From:         &BucketRef{State: BatchStateInspection},
			To:           &to,
			MovementType: MovementTypeInternalTransfer,
			RefType:      MovementReferenceTypeInspection,
			Notes:        notes,
		})
		if err != nil {
			return err
		}
		return tx.Model(&InventoryBatch{}).Where("id = ?", batchId).
			Update("inspection_status", status).Error
	})
	if err != nil {
		return nil, err
	}
	return movement, nil
}

// GetBatch loads one batch with its WIP buckets and item.
func GetBatch(ctx context.Context, batchId int) (*InventoryBatch, error) {
	db := config.GetDB()
	var batch InventoryBatch
	err := db.WithContext(ctx).
		Preload("WipBuckets").
		Preload("Item").
		Where("id = ?", batchId).
		First(&batch).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &batch, nil
}

// ListActiveBatches returns live batches for an item (all items when 0).
func ListActiveBatches(ctx context.Context, itemId int) ([]InventoryBatch, error) {
	db := config.GetDB()
	q := db.WithContext(ctx).Preload("WipBuckets").Where("is_active = ?", true)
	if itemId != 0 {
		q = q.Where("item_id = ?", itemId)
	}
	var batches []InventoryBatch
	err := q.Order("id ASC").Find(&batches).Error
	return batches, err
}
