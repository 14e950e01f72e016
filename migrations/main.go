// Command migrations manages the FleetLog database schema.
//
// The migration files are embedded into the binary, so the deployed migrator
// is self-contained and always matches the schema the service expects.
//
// Usage:
//
//	migrations <command>
//
// Commands:
//
//	up       Apply all pending migrations
//	down     Roll back the last migration
//	status   Show current schema version
//	drop     Drop all tables (asks for confirmation)
//	version  Print build information
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
)

// Build-time variables, set via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	if command == "version" {
		fmt.Printf("FleetLog migrator %s (commit %s, built %s)\n", Version, GitCommit, BuildTime)

		return
	}

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	runner, err := NewMigrationRunner(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize migration runner: %v", err)
	}

	defer func() {
		if err := runner.Close(); err != nil {
			log.Printf("Failed to close migration runner: %v", err)
		}
	}()

	switch command {
	case "up":
		err = runner.Up()
	case "down":
		err = runner.Down()
	case "status":
		err = runner.Status()
	case "drop":
		if !confirmDrop() {
			log.Println("Drop cancelled")

			return
		}

		err = runner.Drop()
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatalf("Command %q failed: %v", command, err)
	}
}

// confirmDrop requires the operator to type "yes" before dropping all tables.
func confirmDrop() bool {
	fmt.Print("This will DROP ALL TABLES and cannot be undone. Type 'yes' to continue: ")

	reader := bufio.NewReader(os.Stdin)

	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}

	return strings.TrimSpace(answer) == "yes"
}

func printUsage() {
	fmt.Println("Database Migration Tool for FleetLog")
	fmt.Println()
	fmt.Println("Usage: migrations <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  up       Apply all pending migrations")
	fmt.Println("  down     Roll back the last migration")
	fmt.Println("  status   Show current schema version")
	fmt.Println("  drop     Drop all tables (asks for confirmation)")
	fmt.Println("  version  Print build information")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DATABASE_URL     PostgreSQL connection string (required)")
	fmt.Println("  MIGRATION_TABLE  Migration tracking table (default: schema_migrations)")
}
