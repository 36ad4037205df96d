package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/spindate/matchd/internal/admin"
	"github.com/spindate/matchd/utils/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// PostgreSQL configuration
	postgresFlag := flag.String("postgres", "", "PostgreSQL connection string (or set MATCHD_POSTGRES_DSN env var)")

	// Commands
	migrateFlag := flag.Bool("migrate", false, "Run database migrations using goose")
	migrateDownFlag := flag.Bool("migrate-down", false, "Roll back the last database migration")
	migrateStatusFlag := flag.Bool("migrate-status", false, "Show database migration status")
	resetDBFlag := flag.Bool("reset-db", false, "Drop all matchd tables (users, matches, match_history, profiles)")
	seedProfilesFlag := flag.String("seed-profiles", "", "Upsert profiles from a JSON file into the profiles table")

	// Options
	dryRunFlag := flag.Bool("dry-run", false, "Dry run mode - show what would be done without actually executing")
	yesFlag := flag.Bool("yes", false, "Skip confirmation prompt (use with caution)")

	flag.Parse()

	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("MATCHD_POSTGRES_DSN"); env != "" {
		*postgresFlag = env
	}
	if *postgresFlag == "" {
		return fmt.Errorf("--postgres is required")
	}

	if *migrateFlag {
		return admin.MigrateUp(log, *postgresFlag)
	}
	if *migrateDownFlag {
		return admin.MigrateDown(log, *postgresFlag)
	}
	if *migrateStatusFlag {
		return admin.MigrateStatus(log, *postgresFlag)
	}
	if *resetDBFlag {
		return admin.ResetDB(log, *postgresFlag, *dryRunFlag, *yesFlag)
	}
	if *seedProfilesFlag != "" {
		return admin.SeedProfiles(log, *postgresFlag, *seedProfilesFlag, *dryRunFlag)
	}

	flag.Usage()
	return nil
}
