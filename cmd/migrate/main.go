package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"

	"VeilTrade/internal/config"
	"VeilTrade/internal/observability"
	"VeilTrade/internal/persistence"
	"VeilTrade/internal/projection"

	_ "github.com/lib/pq"
)

func usage() {
	fmt.Println("Usage: migrate [-config path] <up|down|rebuild>")
	fmt.Println("  up      - apply all pending migrations")
	fmt.Println("  down    - roll back the last migration")
	fmt.Println("  rebuild - replay the command log into fresh projections")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  VEIL_POSTGRES_DSN - Postgres connection string (overrides the config file)")
}

func main() {
	configPath := flag.String("config", os.Getenv("VEIL_CONFIG"), "path to a TOML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("migrate")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	ctx := context.Background()
	migrator := persistence.NewMigrator(db, persistence.Migrations(), logger)

	switch flag.Arg(0) {
	case "up":
		applied, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate up")
		}
		logger.Info().Int("applied", applied).Msg("all migrations applied")

	case "down":
		if err := migrator.Down(ctx); err != nil {
			logger.Fatal().Err(err).Msg("migrate down")
		}
		logger.Info().Msg("last migration rolled back")

	case "rebuild":
		last, err := projection.RebuildProjections(ctx, db, 1000, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("rebuild projections")
		}
		logger.Info().Int64("last_sequence", last).Msg("projections rebuilt")

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'rebuild')\n", flag.Arg(0))
		os.Exit(1)
	}
}
