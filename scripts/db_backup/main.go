package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/db"
)

// Writes a consistent copy of the profile and job store next to the
// configured database. Safe to run while the server is up.
func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	dst := cfg.DatabasePath + ".bak"

	database, err := db.New(ctx, cfg.DatabasePath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	if _, err := database.Check(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Backup error: %v\n", err)
		os.Exit(1)
	}
	if err := database.Backup(ctx, dst); err != nil {
		fmt.Fprintf(os.Stderr, "Backup error: %v\n", err)
		os.Exit(1)
	}

	backup, err := db.New(ctx, dst, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup verify error: %v\n", err)
		os.Exit(1)
	}
	defer backup.Close()
	counts, err := backup.Check(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backup verify error: %v\n", err)
		os.Exit(1)
	}
	printCounts(counts)
	fmt.Printf("Database backup written to %s.\n", dst)
}

func printCounts(counts map[string]int64) {
	for _, table := range db.Tables {
		fmt.Printf("  %-18s %d rows\n", table, counts[table])
	}
}
