package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/BaSui01/flowrun/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// commands that take one positional argument, which may be negative
var migrateArgCommands = map[string]bool{"steps": true, "goto": true, "force": true}

// runMigrate handles `flowrun migrate <command> [arg] [flags]`.
func runMigrate(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprintln(stdout, migration.Usage)
		fmt.Fprintln(stdout, migrateFlagsUsage)
		return nil
	}

	command, rest := args[0], args[1:]
	var positional []string
	if migrateArgCommands[command] && len(rest) > 0 && !strings.HasPrefix(rest[0], "--") {
		positional, rest = rest[:1], rest[1:]
	}

	fs := flag.NewFlagSet("migrate "+command, flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	positional = append(positional, fs.Args()...)

	migrator, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	cli.SetOutput(stdout)
	return cli.Run(ctx, command, positional)
}

const migrateFlagsUsage = `
options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)`

// createMigrator prefers an explicit --db-type/--db-url pair over the config file.
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, error) {
	if dbType != "" && dbURL != "" {
		return migration.NewMigratorFromURL(dbType, dbURL)
	}
	if dbURL != "" {
		return nil, fmt.Errorf("--db-url requires --db-type")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}
	return migration.NewMigratorFromConfig(cfg)
}
