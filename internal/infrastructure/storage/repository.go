package storage

import (
	"context"
	"fmt"
	"log/slog"

	"txledger/internal/application"
	"txledger/internal/config"
	"txledger/internal/infrastructure/mysql"
	"txledger/internal/infrastructure/postgres"
	"txledger/internal/infrastructure/sqlite"
)

// Store is a LedgerStore that owns connections and must be closed.
type Store interface {
	application.LedgerStore
	Close() error
}

// Open connects the backend named by cfg.StoreDriver and wraps it in the Redis
// cache when one is configured.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	var (
		base Store
		err  error
	)
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		base, err = mysql.NewRepository(cfg.DBDSN)
	case config.StorePostgres:
		base, err = postgres.NewRepository(ctx, cfg.DBDSN)
	case config.StoreSQLite, "":
		base, err = sqlite.NewRepository(cfg.DBDSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}

	if cfg.RedisAddr == "" {
		slog.Info("ledger store ready", "driver", cfg.StoreDriver)
		return base, nil
	}
	cached, err := NewCachedStore(base, CacheConfig{Addr: cfg.RedisAddr, TTL: cfg.CacheTTL})
	if err != nil {
		_ = base.Close()
		return nil, fmt.Errorf("connect redis cache: %w", err)
	}
	slog.Info("ledger store ready", "driver", cfg.StoreDriver, "cache", cfg.RedisAddr)
	return cached, nil
}
