package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"collateral-monitor/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Migrate applies the *.sql files in dir in lexical order. Without a migrations directory
// the embedded schema is applied. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context, dir string, logger zerolog.Logger) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	scripts, err := migrationScripts(dir)
	if err != nil {
		return err
	}
	for _, script := range scripts {
		if _, execErr := pool.Exec(ctx, script.body); execErr != nil {
			return fmt.Errorf("apply %s: %w", script.name, execErr)
		}
		logger.Debug().Str("migration", script.name).Msg("migration applied")
	}
	return nil
}

type migration struct {
	name string
	body string
}

func migrationScripts(dir string) ([]migration, error) {
	embedded := []migration{{name: "schema.sql", body: schemaSQL}}
	if dir == "" {
		return embedded, nil
	}

	paths, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(paths) == 0 {
		if _, statErr := os.Stat(dir); statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat migrations: %w", statErr)
		}
		return embedded, nil
	}
	sort.Strings(paths)

	out := make([]migration, 0, len(paths))
	for _, p := range paths {
		body, readErr := os.ReadFile(p)
		if readErr != nil {
			return nil, fmt.Errorf("read migration %s: %w", p, readErr)
		}
		out = append(out, migration{name: filepath.Base(p), body: string(body)})
	}
	return out, nil
}
