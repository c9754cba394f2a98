// Package store selects and opens the result cache backend.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/store/postgres"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/adapters/store/sqlite"
	"github.com/MyCarrier-DevOps/schematic-mirror/internal/domain"
)

// Supported backend drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrUnknownDriver indicates a driver name that is not supported.
var ErrUnknownDriver = errors.New("unknown cache driver")

// Config selects a backend and its connection settings.
type Config struct {
	// Driver is DriverPostgres or DriverSQLite.
	Driver string

	// DatabaseURL is the Postgres DSN.
	DatabaseURL string

	// SQLitePath is the SQLite database file.
	SQLitePath string

	// MaxConns caps the Postgres pool. Zero keeps the pool default.
	MaxConns int32
}

// Open connects to the configured backend.
// The returned store is ready for Migrate.
func Open(ctx context.Context, cfg Config) (domain.ResultStore, error) {
	switch cfg.Driver {
	case DriverPostgres, "":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("%w: postgres driver requires a database URL", domain.ErrStorage)
		}
		s, err := postgres.Open(ctx, postgres.Config{URL: cfg.DatabaseURL, MaxConns: cfg.MaxConns})
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("%w: sqlite driver requires a database path", domain.ErrStorage)
		}
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}
