package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/toolsascode/sqlmigrate/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Connect opens a connection pool to the configured target database and
// verifies it with a ping
func Connect(ctx context.Context, cfg *config.Config) (*sqlx.DB, error) {
	d := cfg.Dialect()

	handle, err := sqlx.Open(d.DriverName(), cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open %s connection: %w", d, err)
	}

	configurePool(handle, cfg)

	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", d, err)
	}

	return handle, nil
}

// configurePool applies the configured connection pool settings
func configurePool(handle *sqlx.DB, cfg *config.Config) {
	handle.SetMaxOpenConns(cfg.Pool.MaxOpenConns)
	handle.SetMaxIdleConns(cfg.Pool.MaxIdleConns)
	handle.SetConnMaxLifetime(time.Duration(cfg.Pool.ConnMaxLifetimeMin) * time.Minute)
	handle.SetConnMaxIdleTime(time.Duration(cfg.Pool.ConnMaxIdleTimeMin) * time.Minute)
}
