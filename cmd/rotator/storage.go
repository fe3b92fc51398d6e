package main

import (
	"fmt"

	"github.com/goodtune/rotator/internal/config"
	"github.com/goodtune/rotator/internal/storage"
	"github.com/goodtune/rotator/internal/storage/bolt"
	"github.com/goodtune/rotator/internal/storage/redis"
	"github.com/goodtune/rotator/internal/storage/sqldb"
)

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	case "sql":
		return sqldb.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be bolt, redis or sql)", cfg.Type)
	}
}

// openDaemonStorage is openStorage for the long-running serve process. The
// bolt file is opened per transaction so one-shot commands are not locked
// out while the daemon runs.
func openDaemonStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "bolt":
		return bolt.OpenTransient(cfg.Path)
	default:
		return openStorage(cfg)
	}
}

// storageTarget describes where the store lives, for log lines.
func storageTarget(cfg config.StorageConfig) string {
	switch cfg.Type {
	case "redis":
		return fmt.Sprintf("%s:%d/%d", cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.DB)
	case "sql":
		return redactDSN(cfg.DSN)
	default:
		return cfg.Path
	}
}
