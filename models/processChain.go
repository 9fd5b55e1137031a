package models

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

// ProcessChain is the planned routing of an item through outside
// processing: an ordered list of steps addressed by integer sequence
// number. Steps hold no pointers to each other; "next" is always a
// lookup by sequence_no + 1.
type ProcessChain struct {
	ID        int                `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string             `gorm:"type:varchar(255);not null" json:"name"`
	ItemId    *int               `gorm:"index" json:"item_id"`
	IsActive  *bool              `gorm:"default:true" json:"is_active"`
	Steps     []ProcessChainStep `gorm:"foreignKey:ChainId" json:"steps"`
	CreatedAt int64              `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt int64              `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (ProcessChain) TableName() string { return "process_chains" }

type ProcessChainStep struct {
	ID                   int    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainId              int    `gorm:"uniqueIndex:idx_chain_seq,priority:1;not null" json:"chain_id"`
	SequenceNo           int    `gorm:"uniqueIndex:idx_chain_seq,priority:2;not null" json:"sequence_no"`
	ProcessName          string `gorm:"type:varchar(100);not null" json:"process_name"`
	VendorName           string `gorm:"type:varchar(255);not null" json:"vendor_name"`
	AutoForwardEnabled   *bool  `gorm:"default:false" json:"auto_forward_enabled"`
	ExpectedDurationDays *int   `json:"expected_duration_days"`
}

func (ProcessChainStep) TableName() string { return "process_chain_steps" }

// StepAt looks a step up by sequence number, nil when absent.
func StepAt(steps []ProcessChainStep, sequenceNo int) *ProcessChainStep {
	for i := range steps {
		if steps[i].SequenceNo == sequenceNo {
			return &steps[i]
		}
	}
	return nil
}

// NextVendorAfter returns the vendor of the step following sequenceNo,
// nil when the chain ends there.
func NextVendorAfter(steps []ProcessChainStep, sequenceNo int) *string {
	next := StepAt(steps, sequenceNo+1)
	if next == nil {
		return nil
	}
	vendor := next.VendorName
	return &vendor
}

func CreateProcessChain(ctx context.Context, chain *ProcessChain) error {
	if len(chain.Steps) == 0 {
		return fmt.Errorf("process chain needs at least one step")
	}
	seen := map[int]bool{}
	for _, s := range chain.Steps {
		if s.SequenceNo < 1 {
			return fmt.Errorf("step sequence numbers start at 1, got %d", s.SequenceNo)
		}
		if seen[s.SequenceNo] {
			return fmt.Errorf("duplicate step sequence number %d", s.SequenceNo)
		}
		seen[s.SequenceNo] = true
	}
	db := config.GetDB()
	return db.WithContext(ctx).Create(chain).Error
}

func GetProcessChain(ctx context.Context, chainId int) (*ProcessChain, error) {
	db := config.GetDB()
	var chain ProcessChain
	err := db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("sequence_no ASC") }).
		Where("id = ?", chainId).
		First(&chain).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &chain, nil
}
