package main

import (
	"context"
	"log"
	"os"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/models"
)

// One-shot ledger reconciliation: replays every active batch and writes
// drift reports. Exits non-zero when drift is found so schedulers can
// alert on it.
func main() {
	config.ConnectDatabaseWithRetry()
	drifts, err := models.RunLedgerReconciliationChecks(context.Background())
	if err != nil {
		log.Fatalf("reconciliation run failed: %v", err)
	}
	if drifts > 0 {
		log.Printf("reconciliation found %d drifting batches", drifts)
		os.Exit(1)
	}
	log.Println("reconciliation clean")
}
