package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	dbfs "github.com/garnizeh/chainlance/db"
	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/db"
)

// Creates the profile and job tables, seeds profile schema v1 and reports
// what the database holds afterwards.
func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	database, err := db.New(ctx, cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DB init error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(ctx, database, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		fmt.Fprintf(os.Stderr, "Migration runner error: %v\n", err)
		os.Exit(1)
	}
	counts, err := database.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DB check error: %v\n", err)
		os.Exit(1)
	}
	for _, table := range db.Tables {
		fmt.Printf("  %-18s %d rows\n", table, counts[table])
	}
	fmt.Printf("Database %s initialized.\n", cfg.DatabasePath)
}
