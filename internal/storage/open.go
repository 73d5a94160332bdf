package storage

import (
	"context"
	"fmt"
	"strings"

	logx "ranchd/pkg/logx"
)

// Open initializes the configured backend.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driverName(driver)))

	var (
		b   Backend
		err error
	)
	switch driver {
	case "", "none", "memory":
		b = NewMemory()
	case "file":
		b, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		b, err = openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		b, err = openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}
	log.Info("storage opened")
	return b, nil
}

func driverName(d string) string {
	if d == "" || d == "none" {
		return "memory"
	}
	return d
}
