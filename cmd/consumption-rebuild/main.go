package main

import (
	"context"
	"flag"
	"log"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/models"
)

// Rebuilds consumption reports from the movement ledger. With -batch the
// rebuild covers one batch, otherwise every batch that has movements.
func main() {
	batchId := flag.Int("batch", 0, "rebuild a single batch id (0 = all)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	ctx := context.Background()
	db := config.GetDB()

	var batchIds []int
	if *batchId != 0 {
		batchIds = []int{*batchId}
	} else {
		err := db.WithContext(ctx).Model(&models.BatchMovement{}).
			Distinct("batch_id").
			Order("batch_id ASC").
			Pluck("batch_id", &batchIds).Error
		if err != nil {
			log.Fatalf("listing batches: %v", err)
		}
	}

	rebuilt, failed := 0, 0
	for _, id := range batchIds {
		if _, err := models.RebuildConsumptionReport(ctx, id); err != nil {
			failed++
			log.Printf("batch %d: rebuild failed: %v", id, err)
			continue
		}
		rebuilt++
	}
	log.Printf("consumption rebuild done: rebuilt=%d failed=%d", rebuilt, failed)
	if failed > 0 {
		log.Fatal("some batches failed to rebuild")
	}
}
