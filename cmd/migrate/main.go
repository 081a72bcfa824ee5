// Command migrate applies the embedded schema migrations via goose.
//
// Usage:
//
//	migrate up              # Apply all pending migrations
//	migrate down            # Roll back the last migration
//	migrate status          # Show migration status
//	migrate version         # Show current schema version
//	migrate redo            # Roll back and re-apply the last migration
//	migrate up-to <version>
//	migrate down-to <version>
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose/v3"

	"tollgate/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <command>")
		fmt.Println("Commands: up, down, status, version, redo, up-to <version>, down-to <version>")
		os.Exit(1)
	}

	_ = godotenv.Load()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatalf("Failed to set dialect: %v", err)
	}

	command := os.Args[1]
	if err := goose.RunContext(context.Background(), command, db, ".", os.Args[2:]...); err != nil {
		log.Fatalf("Migration %s failed: %v", command, err)
	}
}
