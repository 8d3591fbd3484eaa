package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/secrethub/secrethub/pkg/storage"
)

var (
	databaseURL = flag.String("database-url", "", "PostgreSQL URL (defaults to DATABASE_URL)")
	down        = flag.Bool("down", false, "roll back the most recent migration instead of migrating up")
	timeout     = flag.Duration("timeout", 2*time.Minute, "overall migration timeout")
)

// Standalone migration runner for deployments that apply schema changes
// before rolling nodes. The server runs the same migrations at startup, so
// this tool is optional in dev.
func main() {
	flag.Parse()

	url := *databaseURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "pinging database: %v\n", err)
		os.Exit(1)
	}

	if *down {
		if err := storage.MigrateDown(ctx, db); err != nil {
			fmt.Fprintf(os.Stderr, "migration down failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("rolled back one migration")
		return
	}

	if err := storage.Migrate(ctx, db); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("migrations applied")
}
