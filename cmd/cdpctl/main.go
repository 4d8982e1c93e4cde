package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"usq/core/state"
	"usq/storage"
)

const (
	inspectCommand = "inspect"
	migrateCommand = "migrate"
	exportCommand  = "export"
	defaultDataDir = "data/cdpd"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case inspectCommand:
		err = runInspect(os.Args[2:])
	case migrateCommand:
		err = runMigrate(os.Args[2:])
	case exportCommand:
		err = runExport(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: cdpctl <command> [flags]

Commands:
  %s   print schema version, collateral registry and global counters
  %s   upgrade the on-disk schema to version %d
  %s    write every position to CSV or Parquet
`, inspectCommand, migrateCommand, state.StateVersion, exportCommand)
}

func openState(dataDir string) (*storage.LevelDB, error) {
	path := filepath.Join(dataDir, "state")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("state database %s: %w", path, err)
	}
	return storage.NewLevelDB(path)
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet(inspectCommand, flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir, "cdpd data directory")
	fs.Parse(args)

	db, err := openState(*dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	report, err := buildReport(db)
	if err != nil {
		return err
	}
	output, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func runMigrate(args []string) error {
	fs := flag.NewFlagSet(migrateCommand, flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir, "cdpd data directory")
	fs.Parse(args)

	db, err := openState(*dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	from, err := state.Migrate(db)
	if err != nil {
		return err
	}
	if from == state.StateVersion {
		fmt.Printf("state already at version %d\n", from)
		return nil
	}
	fmt.Printf("migrated state from version %d to %d\n", from, state.StateVersion)
	return nil
}

func runExport(args []string) error {
	fs := flag.NewFlagSet(exportCommand, flag.ExitOnError)
	dataDir := fs.String("data-dir", defaultDataDir, "cdpd data directory")
	format := fs.String("format", "csv", "output format: csv or parquet")
	out := fs.String("out", "", "output file (defaults to positions.<format>)")
	fs.Parse(args)

	path := *out
	if path == "" {
		path = "positions." + *format
	}

	db, err := openState(*dataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := positionRows(db)
	if err != nil {
		return err
	}
	switch *format {
	case "csv":
		err = writeCSV(path, rows)
	case "parquet":
		err = writeParquet(path, rows)
	default:
		return fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d rows)\n", path, len(rows))
	return nil
}
