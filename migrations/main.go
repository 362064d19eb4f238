// Package main provides the genrelay schema migrator.
//
// The SQL scripts are compiled into the binary with go:embed, so the tool needs
// nothing but a database URL to bring a deployment's schema up to date.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/genrelay-io/genrelay/internal/config"
)

// Set at build time with -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

const name = "genrelay-migrate"

// ErrUnknownCommand is returned for a command the migrator does not implement.
var ErrUnknownCommand = errors.New("unknown command")

func main() {
	var (
		help        = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
		assumeYes   = flag.Bool("yes", false, "Skip the confirmation prompt for drop")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if *help || flag.NArg() == 0 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	_ = config.LoadDotEnv("")

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("GENRELAY_LOG_LEVEL", slog.LevelInfo),
	}))

	cfg, err := LoadConfig()
	if err != nil {
		logger.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		logger.Error("Failed to create migration runner", slog.String("error", err.Error()))
		os.Exit(1)
	}

	err = executeCommand(flag.Arg(0), runner, confirmer(os.Stdin, os.Stdout, *assumeYes))

	if closeErr := runner.Close(); closeErr != nil {
		logger.Warn("Failed to close migration runner", slog.String("error", closeErr.Error()))
	}

	if err != nil {
		logger.Error("Migration failed", slog.String("command", flag.Arg(0)), slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// executeCommand dispatches command to runner. confirm gates destructive commands.
func executeCommand(command string, runner MigrationRunner, confirm func(prompt string) bool) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirm("This will drop every genrelay table. Continue? (y/N): ") {
			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

// confirmer returns a prompt that reads a y/N answer from in.
func confirmer(in io.Reader, out io.Writer, assumeYes bool) func(string) bool {
	return func(prompt string) bool {
		if assumeYes {
			return true
		}

		_, _ = fmt.Fprint(out, prompt)

		answer, _ := bufio.NewReader(in).ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))

		return answer == "y" || answer == "yes"
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintf(w, `%s %s - schema migrator for genrelay

USAGE:
    %s [OPTIONS] COMMAND

COMMANDS:
    up       Apply all pending migrations
    down     Roll back the last migration
    status   Compare the applied schema with the embedded migrations
    version  Show the applied schema version
    drop     Drop all tables (asks for confirmation)

OPTIONS:
    --help     Show this help message
    --version  Show version information
    --yes      Do not prompt before drop

ENVIRONMENT:
    GENRELAY_DATABASE_URL  PostgreSQL connection string (falls back to DATABASE_URL)
    MIGRATION_TABLE        Tracking table name (default: schema_migrations)
    GENRELAY_LOG_LEVEL     debug, info, warn or error (default: info)
`, name, Version, name)
}
