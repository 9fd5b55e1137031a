package models

import (
	"context"

	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/config"
)

// Item is the material master record batches are keyed against.
type Item struct {
	ID            int     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name          string  `gorm:"type:varchar(255);not null" json:"name"`
	Code          string  `gorm:"type:varchar(100);uniqueIndex;not null" json:"code"`
	Uom           string  `gorm:"type:varchar(50);not null;default:'PCS'" json:"uom"`
	Category      *string `gorm:"type:varchar(100)" json:"category"`
	ShelfLifeDays *int    `json:"shelf_life_days"`
	IsActive      *bool   `gorm:"default:true" json:"is_active"`
	CreatedAt     int64   `gorm:"autoCreateTime:milli" json:"created_at"`
	UpdatedAt     int64   `gorm:"autoUpdateTime:milli" json:"updated_at"`
}

func (Item) TableName() string { return "items" }

func CreateItem(ctx context.Context, item *Item) error {
	db := config.GetDB()
	return db.WithContext(ctx).Create(item).Error
}

func GetItemByCode(ctx context.Context, code string) (*Item, error) {
	db := config.GetDB()
	var item Item
	err := db.WithContext(ctx).Where("code = ?", code).First(&item).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &item, nil
}
