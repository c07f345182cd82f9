package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"taxmanager.org/internal/migrate"
	"taxmanager.org/internal/obs"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn   = flag.String("dsn", os.Getenv("DATABASE_URL"), "PostgreSQL DSN")
		table = flag.String("table", "", "Migrations bookkeeping table (default schema_migrations)")
	)
	flag.Parse()

	logger, err := obs.NewLogger(os.Getenv("APP_ENV"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or DATABASE_URL")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, nil, migrate.WithMigrationsTable(*table))

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			logger.Info("migrations applied", zap.Strings("names", applied))
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration rolled back", zap.String("name", name))
		}
	case "status":
		var history []migrate.Record
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, rec := range history {
				fmt.Printf("%s\t%s\n", rec.AppliedAt.UTC().Format(time.RFC3339), rec.Name)
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", cmd), zap.Error(err))
	}
}
