package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// Runner applies the schema in migrationsDir over the application pool.
type Runner struct {
	pool     *pgxpool.Pool
	db       *sql.DB
	provider *goose.Provider
	dir      string
	log      *slog.Logger
}

// New validates inputs and prepares a goose provider over pool.
func New(pool *pgxpool.Pool, migrationsDir string, log *slog.Logger) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("nil pool provided")
	}
	if migrationsDir == "" {
		return nil, errors.New("empty migrations directory")
	}
	info, err := os.Stat(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("locate migrations dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("migrations path %s is not a directory", migrationsDir)
	}
	if log == nil {
		log = slog.Default()
	}
	db := stdlib.OpenDBFromPool(pool)
	provider, err := goose.NewProvider(goose.DialectPostgres, db, os.DirFS(migrationsDir))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load migrations: %w", err)
	}
	return &Runner{
		pool:     pool,
		db:       db,
		provider: provider,
		dir:      migrationsDir,
		log:      log.With("component", "migrate"),
	}, nil
}

// Ensure applies pending migrations and logs each one.
func (r *Runner) Ensure(ctx context.Context) error {
	pending, err := r.provider.HasPending(ctx)
	if err != nil {
		return fmt.Errorf("check pending migrations: %w", err)
	}
	if !pending {
		version, _ := r.provider.GetDBCurrentVersion(ctx)
		r.log.Info("schema up to date", "version", version)
		return nil
	}
	results, err := r.provider.Up(ctx)
	r.logResults(results)
	if err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Status logs applied and pending migrations.
func (r *Runner) Status(ctx context.Context) error {
	statuses, err := r.provider.Status(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	for _, s := range statuses {
		attrs := []any{"version", s.Source.Version, "file", s.Source.Path, "state", string(s.State)}
		if !s.AppliedAt.IsZero() {
			attrs = append(attrs, "applied_at", s.AppliedAt.UTC().Format(time.RFC3339))
		}
		r.log.Info("migration", attrs...)
	}
	return nil
}

// Down rolls back the latest migration, or down to targetVersion when positive.
func (r *Runner) Down(ctx context.Context, targetVersion int64) error {
	if targetVersion > 0 {
		results, err := r.provider.DownTo(ctx, targetVersion)
		r.logResults(results)
		if err != nil {
			return fmt.Errorf("rollback to version %d: %w", targetVersion, err)
		}
		return nil
	}
	result, err := r.provider.Down(ctx)
	if result != nil {
		r.logResults([]*goose.MigrationResult{result})
	}
	if err != nil {
		return fmt.Errorf("rollback latest migration: %w", err)
	}
	return nil
}

// Ping checks the pool.
func (r *Runner) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	return nil
}

// Close releases the sql handle. The pool stays owned by the caller.
func (r *Runner) Close() {
	_ = r.db.Close()
}

func (r *Runner) logResults(results []*goose.MigrationResult) {
	for _, res := range results {
		if res == nil || res.Source == nil {
			continue
		}
		r.log.Info("migration applied",
			"direction", res.Direction,
			"version", res.Source.Version,
			"file", res.Source.Path,
			"duration_ms", res.Duration.Milliseconds(),
		)
	}
}
