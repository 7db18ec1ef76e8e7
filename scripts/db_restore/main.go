package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/garnizeh/chainlance/internal/config"
	"github.com/garnizeh/chainlance/internal/db"
)

// Restores the copy written by db_backup over the configured database. The
// backup is checked before anything is overwritten. The server must be
// stopped first.
func main() {
	configPath := flag.String("config", "", "Path to config YAML file")
	flag.Parse()

	ctx := context.Background()
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}
	dst := cfg.DatabasePath
	src := dst + ".bak"

	if err := checkBackup(ctx, src); err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		fmt.Fprintf(os.Stderr, "Restore error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Database restore completed.")
}

func checkBackup(ctx context.Context, src string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	backup, err := db.New(ctx, src, nil)
	if err != nil {
		return err
	}
	defer backup.Close()
	counts, err := backup.Check(ctx)
	if err != nil {
		return fmt.Errorf("backup %s: %w", src, err)
	}
	for _, table := range db.Tables {
		fmt.Printf("  %-18s %d rows\n", table, counts[table])
	}
	return nil
}
