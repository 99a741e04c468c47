package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := "./data/aggregator.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	// 1. Verify contract_specs table
	fmt.Println("\n1. Verifying contract_specs table...")
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' AND name='contract_specs'")
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	if rows.Next() {
		fmt.Println("✓ contract_specs table exists")
	} else {
		fmt.Println("❌ contract_specs table MISSING")
	}
	rows.Close()

	// 2. Verify risk_daily table and migrated columns
	fmt.Println("\n2. Verifying risk_daily table...")
	var sqlSchema string
	err = db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='risk_daily'").Scan(&sqlSchema)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	fmt.Println("✓ risk_daily table exists")

	// ALTER TABLE ADD COLUMN rewrites the stored CREATE statement, so the
	// migrated columns show up here.
	for _, column := range []string{"violations", "max_drawdown"} {
		if strings.Contains(sqlSchema, column) {
			fmt.Printf("✓ %s column exists\n", column)
		} else {
			fmt.Printf("❌ %s column MISSING\n", column)
		}
	}
}
