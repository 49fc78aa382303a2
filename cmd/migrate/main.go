package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/launchpad/internal/app/migrate"
	"github.com/splax/launchpad/internal/config"
	"github.com/splax/launchpad/internal/logger"
)

func main() {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	timeout := fs.Duration("timeout", time.Minute, "command timeout")
	target := fs.Int64("target", 0, "version to roll back to (down only)")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: migrate [up|status|down] [-target N] [-timeout d]")
		fs.PrintDefaults()
	}

	command := "up"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		command, args = args[0], args[1:]
	}
	fs.Parse(args)

	cfg := config.Load()
	log := logger.New("migrate", logger.ParseLevel(cfg.LogLevel)).With("command", command)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner, err := migrate.New(pool, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "dir", cfg.MigrationsDir, "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		fs.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "error", err)
		os.Exit(1)
	}
	log.Info("migration command completed")
}
