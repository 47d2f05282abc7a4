// Package main is a diagnostic tool for testing database connectivity and inspecting
// live license data. It loads the server configuration, connects, and prints the schema
// version, the license population by status and the active seat count. The binary exits
// non-zero on any failure so it can gate deployments on a reachable, migrated database.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sitelicense/license-server/internal/config"
	"github.com/sitelicense/license-server/internal/db"
	"github.com/sitelicense/license-server/internal/db/repositories"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.Connect(cfg.Database.GetDSN(), 2, 1)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	version, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		log.Fatalf("Failed to read migration version: %v", err)
	}
	fmt.Printf("=== SCHEMA ===\nversion %d (dirty: %v)\n", version, dirty)
	if dirty {
		log.Fatal("Schema is dirty; fix the failed migration before deploying")
	}

	sqlxDB := sqlx.NewDb(database, "postgres")

	fmt.Println("\n=== LICENSES ===")
	counts, err := repositories.NewLicenseRepository(sqlxDB).CountByStatus(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	total := 0
	for _, sc := range counts {
		fmt.Printf("%-12s %d\n", sc.Status, sc.Count)
		total += sc.Count
	}
	if total == 0 {
		fmt.Println("No licenses found!")
	}

	seats, err := repositories.NewSeatRepository(sqlxDB).CountAllActive(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Printf("\n=== SEATS ===\nactive %d\n", seats)
}
