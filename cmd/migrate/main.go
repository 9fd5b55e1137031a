package main

import (
	"log"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/models"
)

// Standalone migration job: run schema DDL outside the serving path.
func main() {
	config.ConnectDatabaseWithRetry()
	if err := models.MigrateTable(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migration complete")
}
