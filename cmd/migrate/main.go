// Command migrate applies the embedded schema migrations to the SQLite
// database and reports what is applied. Migrations are forward-only; "up"
// is the only mutating command.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aionixone/openact/internal/store"
)

func main() {
	var (
		dbURL = flag.String("db", "", "Database URL (or use OPENACT_DB_URL env var)")
	)
	flag.Parse()

	databaseURL := *dbURL
	if databaseURL == "" {
		databaseURL = os.Getenv("OPENACT_DB_URL")
	}
	if databaseURL == "" {
		log.Fatal("Database URL not provided. Use -db flag or OPENACT_DB_URL environment variable")
	}

	command := "up"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}

	switch command {
	case "up":
		runUp(databaseURL)
	case "status":
		runStatus(databaseURL)
	default:
		log.Fatalf("Unknown command: %s (supported: up, status)", command)
	}
}

// runUp opens the store, which applies every pending embedded migration.
func runUp(databaseURL string) {
	st, err := store.Open(context.Background(), databaseURL)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	defer st.Close()
	fmt.Println("Migrations applied successfully")
	printApplied(st)
}

func runStatus(databaseURL string) {
	st, err := store.Open(context.Background(), databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	printApplied(st)
}

func printApplied(st *store.Store) {
	rows, err := st.DB().Query(`SELECT version, applied_at FROM schema_migrations ORDER BY version`)
	if err != nil {
		log.Fatalf("Failed to read schema_migrations: %v", err)
	}
	defer rows.Close()

	fmt.Println("Applied migrations:")
	for rows.Next() {
		var version int
		var appliedAt string
		if err := rows.Scan(&version, &appliedAt); err != nil {
			log.Fatalf("Failed to scan row: %v", err)
		}
		fmt.Printf("  %04d  applied at %s\n", version, appliedAt)
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Failed to iterate rows: %v", err)
	}
}
