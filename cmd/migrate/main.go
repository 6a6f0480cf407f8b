package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"go.uber.org/zap"

	"ticketgate/internal/config"
	"ticketgate/internal/db"
	"ticketgate/internal/logger"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.DB.Driver != "postgres" {
		log.Fatalf("migrations need db.driver=postgres, got %q", cfg.DB.Driver)
	}
	zl, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}

	if err := migrate(context.Background(), cfg.DB.DSN, zl); err != nil {
		zl.Error("migrate failed", zap.Error(err))
		_ = zl.Sync()
		os.Exit(1)
	}
	zl.Info("migrations up to date")
	_ = zl.Sync()
}

func migrate(ctx context.Context, dsn string, zl *zap.Logger) error {
	pool, err := db.Connect(ctx, dsn)
	if err != nil {
		return fmt.Errorf("db connect: %w", err)
	}
	defer pool.Close()
	return db.Migrate(ctx, pool, zl)
}
