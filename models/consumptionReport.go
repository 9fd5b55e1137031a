package models

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"bitbucket.org/mandalayfab/factory_backend/config"
)

// BatchConsumptionReport accumulates the six lifetime counters of one
// batch plus derived ratios. It is derived state: it can be dropped and
// rebuilt from the ledger at any time (RebuildConsumptionReport).
type BatchConsumptionReport struct {
	ID      int `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchId int `gorm:"uniqueIndex;not null" json:"batch_id"`
	ItemId  int `gorm:"index;not null" json:"item_id"`

	QtyReceived   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_received"`
	QtyIssued     decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_issued"`
	QtyFinished   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_finished"`
	QtyScrap      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_scrap"`
	QtyReturned   decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_returned"`
	QtyDispatched decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_dispatched"`

	// The three ratios are independent: yield and scrap are both over
	// issued, utilization is issued over received. Each is zero while
	// its denominator is zero.
	YieldPct       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"yield_pct"`
	ScrapPct       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"scrap_pct"`
	UtilizationPct decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"utilization_pct"`

	FirstReceivedAt *time.Time                `json:"first_received_at"`
	LastMovementAt  *time.Time                `json:"last_movement_at"`
	ProcessTotals   []ConsumptionProcessTotal `gorm:"foreignKey:ReportId" json:"process_totals"`
	CreatedAt       time.Time                 `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time                 `gorm:"autoUpdateTime" json:"updated_at"`
}

func (BatchConsumptionReport) TableName() string { return "batch_consumption_reports" }

// ConsumptionProcessTotal is the issued sub-total of one process.
type ConsumptionProcessTotal struct {
	ID        int             `gorm:"primaryKey;autoIncrement" json:"id"`
	ReportId  int             `gorm:"uniqueIndex:idx_report_process,priority:1;not null" json:"report_id"`
	Process   string          `gorm:"type:varchar(100);uniqueIndex:idx_report_process,priority:2;not null" json:"process"`
	QtyIssued decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" json:"qty_issued"`
}

func (ConsumptionProcessTotal) TableName() string { return "consumption_process_totals" }

// ConsumptionAppliedMovement marks a ledger entry as already folded into
// a report. The unique pair makes application idempotent: re-delivering
// the same movement is a no-op.
type ConsumptionAppliedMovement struct {
	ID         int    `gorm:"primaryKey;autoIncrement" json:"id"`
	ReportId   int    `gorm:"uniqueIndex:idx_report_movement,priority:1;not null" json:"report_id"`
	MovementId string `gorm:"type:varchar(36);uniqueIndex:idx_report_movement,priority:2;not null" json:"movement_id"`
}

func (ConsumptionAppliedMovement) TableName() string { return "consumption_applied_movements" }

// ConsumptionTotals is the pure accumulator the report row is computed
// from. Classification reads the movement's explicit state and process
// columns, never parses bucket names.
type ConsumptionTotals struct {
	Received   decimal.Decimal
	Issued     decimal.Decimal
	Finished   decimal.Decimal
	Scrap      decimal.Decimal
	Returned   decimal.Decimal
	Dispatched decimal.Decimal
	PerProcess map[string]decimal.Decimal
}

func NewConsumptionTotals() ConsumptionTotals {
	return ConsumptionTotals{PerProcess: map[string]decimal.Decimal{}}
}

// Apply folds one ledger entry into the counters. Counters only ever
// grow: a raw->wip issue followed by a wip->raw return increments both
// Issued and Returned, it does not cancel out. An entry that matches no
// rule (pure internal transfer, consumption into a transformation)
// leaves the counters untouched.
func (t *ConsumptionTotals) Apply(m *BatchMovement) {
	from := m.FromBucket()
	to := m.ToBucket()

	if from == nil && to != nil {
		t.Received = t.Received.Add(m.Quantity)
		return
	}
	if to == nil {
		if m.MovementType == MovementTypeDispatch {
			t.Dispatched = t.Dispatched.Add(m.Quantity)
		}
		return
	}

	switch to.State {
	case BatchStateWip:
		t.Issued = t.Issued.Add(m.Quantity)
		if t.PerProcess == nil {
			t.PerProcess = map[string]decimal.Decimal{}
		}
		t.PerProcess[to.Process] = t.PerProcess[to.Process].Add(m.Quantity)
	case BatchStateFinished:
		t.Finished = t.Finished.Add(m.Quantity)
	case BatchStateScrap:
		t.Scrap = t.Scrap.Add(m.Quantity)
	case BatchStateRaw:
		if from.State == BatchStateWip {
			t.Returned = t.Returned.Add(m.Quantity)
		}
	}
}

var hundred = decimal.NewFromInt(100)

// Ratios derives yield/scrap/utilization percentages, each zero while
// its denominator is zero. Rounded to 2 decimal places.
func (t ConsumptionTotals) Ratios() (yieldPct, scrapPct, utilizationPct decimal.Decimal) {
	if t.Issued.IsPositive() {
		yieldPct = t.Finished.Mul(hundred).DivRound(t.Issued, 2)
		scrapPct = t.Scrap.Mul(hundred).DivRound(t.Issued, 2)
	}
	if t.Received.IsPositive() {
		utilizationPct = t.Issued.Mul(hundred).DivRound(t.Received, 2)
	}
	return yieldPct, scrapPct, utilizationPct
}

func (r *BatchConsumptionReport) totals() ConsumptionTotals {
	t := ConsumptionTotals{
		Received:   r.QtyReceived,
		Issued:     r.QtyIssued,
		Finished:   r.QtyFinished,
		Scrap:      r.QtyScrap,
		Returned:   r.QtyReturned,
		Dispatched: r.QtyDispatched,
		PerProcess: map[string]decimal.Decimal{},
	}
	for _, pt := range r.ProcessTotals {
		t.PerProcess[pt.Process] = pt.QtyIssued
	}
	return t
}

func (r *BatchConsumptionReport) setTotals(t ConsumptionTotals) {
	r.QtyReceived = t.Received
	r.QtyIssued = t.Issued
	r.QtyFinished = t.Finished
	r.QtyScrap = t.Scrap
	r.QtyReturned = t.Returned
	r.QtyDispatched = t.Dispatched
	r.YieldPct, r.ScrapPct, r.UtilizationPct = t.Ratios()
}

func loadOrCreateReport(tx *gorm.DB, batch *InventoryBatch) (*BatchConsumptionReport, error) {
	var report BatchConsumptionReport
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("ProcessTotals").
		Where("batch_id = ?", batch.ID).
		First(&report).Error
	if err == nil {
		return &report, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	report = BatchConsumptionReport{BatchId: batch.ID, ItemId: batch.ItemId}
	if err := tx.Create(&report).Error; err != nil {
		return nil, err
	}
	return &report, nil
}

// applyMovementToConsumption folds one committed ledger entry into the
// batch's report, inside the caller's transaction. Idempotent by
// movement id.
func applyMovementToConsumption(tx *gorm.DB, batch *InventoryBatch, m *BatchMovement) error {
	report, err := loadOrCreateReport(tx, batch)
	if err != nil {
		return err
	}

	marker := ConsumptionAppliedMovement{ReportId: report.ID, MovementId: m.ID}
	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&marker)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Already applied.
		return nil
	}

	totals := report.totals()
	totals.Apply(m)
	report.setTotals(totals)

	now := m.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	if m.FromBucket() == nil && report.FirstReceivedAt == nil {
		report.FirstReceivedAt = &now
	}
	report.LastMovementAt = &now

	updates := map[string]interface{}{
		"qty_received":      report.QtyReceived,
		"qty_issued":        report.QtyIssued,
		"qty_finished":      report.QtyFinished,
		"qty_scrap":         report.QtyScrap,
		"qty_returned":      report.QtyReturned,
		"qty_dispatched":    report.QtyDispatched,
		"yield_pct":         report.YieldPct,
		"scrap_pct":         report.ScrapPct,
		"utilization_pct":   report.UtilizationPct,
		"first_received_at": report.FirstReceivedAt,
		"last_movement_at":  report.LastMovementAt,
	}
	if err := tx.Model(&BatchConsumptionReport{}).Where("id = ?", report.ID).Updates(updates).Error; err != nil {
		return err
	}

	for process, qty := range totals.PerProcess {
		row := ConsumptionProcessTotal{ReportId: report.ID, Process: process, QtyIssued: qty}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "report_id"}, {Name: "process"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"qty_issued": qty}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// RebuildConsumptionReport drops the derived rows of one batch and
// replays its ledger from scratch.
func RebuildConsumptionReport(ctx context.Context, batchId int) (*BatchConsumptionReport, error) {
	db := config.GetDB()
	var rebuilt *BatchConsumptionReport
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireBatchPostingLock(tx, batchId); err != nil {
			return err
		}
		defer releaseBatchPostingLock(tx, batchId)

		batch, err := loadBatchForUpdate(tx, batchId)
		if err != nil {
			return err
		}

		var old BatchConsumptionReport
		err = tx.Where("batch_id = ?", batchId).First(&old).Error
		if err == nil {
			if err := tx.Where("report_id = ?", old.ID).Delete(&ConsumptionAppliedMovement{}).Error; err != nil {
				return err
			}
			if err := tx.Where("report_id = ?", old.ID).Delete(&ConsumptionProcessTotal{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id = ?", old.ID).Delete(&BatchConsumptionReport{}).Error; err != nil {
				return err
			}
		} else if err != gorm.ErrRecordNotFound {
			return err
		}

		var movements []BatchMovement
		if err := tx.Where("batch_id = ?", batchId).Order("sequence ASC").Find(&movements).Error; err != nil {
			return err
		}
		for i := range movements {
			if err := applyMovementToConsumption(tx, batch, &movements[i]); err != nil {
				return err
			}
		}

		var fresh BatchConsumptionReport
		if err := tx.Preload("ProcessTotals").Where("batch_id = ?", batchId).First(&fresh).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		rebuilt = &fresh
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rebuilt, nil
}

// GetConsumptionReport returns the report of one batch, nil when no
// movement has been recorded yet.
func GetConsumptionReport(ctx context.Context, batchId int) (*BatchConsumptionReport, error) {
	db := config.GetDB()
	var report BatchConsumptionReport
	err := db.WithContext(ctx).
		Preload("ProcessTotals").
		Where("batch_id = ?", batchId).
		First(&report).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &report, nil
}
