package models

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/config"
)

// BatchMovement is one append-only ledger entry. The ledger is the source
// of truth: replaying a batch's entries in sequence order must reproduce
// its live bucket vector exactly.
//
// FromState/FromProcess nil means the quantity entered from outside
// (receipt). ToState/ToProcess nil means it left the system (consumed
// into a transformation, or dispatched).
type BatchMovement struct {
	ID           string                `gorm:"type:varchar(36);primaryKey" json:"id"`
	BatchId      int                   `gorm:"index:idx_movement_batch_seq,priority:1;not null" json:"batch_id"`
	ItemId       int                   `gorm:"index;not null" json:"item_id"`
	Quantity     decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"quantity"`
	FromState    *BatchState           `gorm:"type:varchar(20)" json:"from_state"`
	FromProcess  *string               `gorm:"type:varchar(100)" json:"from_process"`
	ToState      *BatchState           `gorm:"type:varchar(20)" json:"to_state"`
	ToProcess    *string               `gorm:"type:varchar(100)" json:"to_process"`
	MovementType MovementType          `gorm:"type:varchar(30);not null" json:"movement_type"`
	RefType      MovementReferenceType `gorm:"type:varchar(30);not null" json:"ref_type"`
	RefId        *int                  `gorm:"index" json:"ref_id"`
	RefNumber    *string               `gorm:"type:varchar(100)" json:"ref_number"`
	VendorName   *string               `gorm:"type:varchar(255)" json:"vendor_name"`
	Notes        *string               `gorm:"type:varchar(500)" json:"notes"`
	ActorId      *int                  `gorm:"index" json:"actor_id"`
	ActorName    *string               `gorm:"type:varchar(255)" json:"actor_name"`
	Sequence     int                   `gorm:"index:idx_movement_batch_seq,priority:2;not null" json:"sequence"`
	CreatedAt    time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

func (BatchMovement) TableName() string { return "batch_movements" }

func (m *BatchMovement) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// The ledger is append-only at the storage layer. Corrections are new
// compensating entries, never edits.
func (m *BatchMovement) BeforeUpdate(tx *gorm.DB) error { return ErrLedgerImmutable }
func (m *BatchMovement) BeforeDelete(tx *gorm.DB) error { return ErrLedgerImmutable }

func (m *BatchMovement) FromBucket() *BucketRef {
	if m.FromState == nil {
		return nil
	}
	ref := BucketRef{State: *m.FromState}
	if m.FromProcess != nil {
		ref.Process = *m.FromProcess
	}
	return &ref
}

func (m *BatchMovement) ToBucket() *BucketRef {
	if m.ToState == nil {
		return nil
	}
	ref := BucketRef{State: *m.ToState}
	if m.ToProcess != nil {
		ref.Process = *m.ToProcess
	}
	return &ref
}

// GetBatchHistory returns the full ledger of a batch in sequence order.
func GetBatchHistory(ctx context.Context, batchId int) ([]BatchMovement, error) {
	db := config.GetDB()
	var movements []BatchMovement
	err := db.WithContext(ctx).
		Where("batch_id = ?", batchId).
		Order("sequence ASC").
		Find(&movements).Error
	return movements, err
}

func nextMovementSequence(tx *gorm.DB, batchId int) (int, error) {
	var maxSeq *int
	err := tx.Model(&BatchMovement{}).
		Where("batch_id = ?", batchId).
		Select("MAX(sequence)").
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	if maxSeq == nil {
		return 1, nil
	}
	return *maxSeq + 1, nil
}

// ReconcileBatch replays the batch's ledger and compares the result to
// the live bucket vector. Divergence is reported, never auto-corrected.
func ReconcileBatch(ctx context.Context, batchId int) (*ReconciliationDriftError, error) {
	db := config.GetDB()

	var drift *ReconciliationDriftError
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		batch, err := loadBatchForUpdate(tx, batchId)
		if err != nil {
			return err
		}
		var movements []BatchMovement
		if err := tx.Where("batch_id = ?", batchId).Order("sequence ASC").Find(&movements).Error; err != nil {
			return err
		}
		replayed := ReplayMovements(movements)
		live := batch.Buckets()
		if !replayed.Equal(live) {
			drift = &ReconciliationDriftError{BatchId: batchId, Expected: replayed, Actual: live}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drift, nil
}
