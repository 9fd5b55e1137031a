package models

import (
	"bitbucket.org/mandalayfab/factory_backend/config"
)

// MigrateTable runs AutoMigrate for every table the service owns.
func MigrateTable() error {
	db := config.GetDB()
	return db.AutoMigrate(
		&Item{},
		&InventoryBatch{},
		&BatchWipBucket{},
		&BatchMovement{},
		&BatchConsumptionReport{},
		&ConsumptionProcessTotal{},
		&ConsumptionAppliedMovement{},
		&BatchTraceability{},
		&ProcessChain{},
		&ProcessChainStep{},
		&JobWorkBatch{},
		&JobWorkLocationHistory{},
		&PubSubMessageRecord{},
		&ReconciliationReport{},
	)
}
