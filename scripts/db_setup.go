package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/web3guy0/copyflow/storage"
)

// Opens the database, runs migrations and prints what is in it. Safe to
// run repeatedly; migrations are additive.
func main() {
	godotenv.Load()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "data/copyflow.db"
	}

	fmt.Printf("🔌 Opening database %s...\n", dbPath)
	db, err := storage.New(dbPath)
	if err != nil {
		fmt.Printf("❌ Open error: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()
	fmt.Println("✅ Database migrated!")

	stats, err := db.GetStats()
	if err != nil {
		fmt.Printf("❌ Stats error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("\n📋 Contents:")
	for _, key := range []string{"subscriptions", "executed_replicas", "skipped_replicas", "failed_replicas", "open_positions"} {
		fmt.Printf("   %-18s %v\n", key, stats[key])
	}
}
