// Command migrate applies the embedded goose migrations.
//
//	migrate up              apply every pending migration
//	migrate up-to <ver>     apply up to and including ver
//	migrate down            roll back the latest migration
//	migrate down-to <ver>   roll back to ver
//	migrate status          list migrations and when they were applied
//	migrate version         print the current schema version
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/hireloop/payments/internal/logging"
	"github.com/hireloop/payments/migrations"
)

const usage = "usage: migrate up|up-to <ver>|down|down-to <ver>|status|version"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations.FS)
	if err != nil {
		return fmt.Errorf("goose provider: %w", err)
	}

	switch command {
	case "up":
		results, err := provider.Up(ctx)
		logResults(logger, results)
		return err
	case "up-to", "down-to":
		if len(args) != 1 {
			return fmt.Errorf("%s needs a version", command)
		}
		version, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		var results []*goose.MigrationResult
		if command == "up-to" {
			results, err = provider.UpTo(ctx, version)
		} else {
			results, err = provider.DownTo(ctx, version)
		}
		logResults(logger, results)
		return err
	case "down":
		result, err := provider.Down(ctx)
		if result != nil {
			logResults(logger, []*goose.MigrationResult{result})
		}
		return err
	case "status":
		statuses, err := provider.Status(ctx)
		if err != nil {
			return err
		}
		for _, st := range statuses {
			logger.Info("migration", "version", st.Source.Version, "file", st.Source.Path,
				"state", st.State, "applied_at", st.AppliedAt)
		}
		return nil
	case "version":
		version, err := provider.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		logger.Info("schema version", "version", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (%s)", command, usage)
	}
}

func logResults(logger *slog.Logger, results []*goose.MigrationResult) {
	if len(results) == 0 {
		logger.Info("no migrations to run")
	}
	for _, r := range results {
		logger.Info("migration applied",
			"version", r.Source.Version,
			"direction", r.Direction,
			"duration_ms", r.Duration.Milliseconds(),
		)
	}
}
