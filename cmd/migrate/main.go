// Command migrate applies the embedded SQL migrations to the configured
// database and exits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LKrysik/quantra/internal/config"
	"github.com/LKrysik/quantra/internal/persistence"
)

func main() {
	configPath := flag.String("config", "", "path to app.yaml (default config/app.yaml)")
	dsn := flag.String("dsn", "", "database DSN, overrides configuration")
	timeout := flag.Duration("timeout", time.Minute, "overall migration deadline")
	flag.Parse()

	logger := log.New(os.Stdout, "migrate: ", log.LstdFlags|log.Lmicroseconds)

	target := *dsn
	if target == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("load config: %v", err)
		}
		target = cfg.Database.DSN
	}
	if target == "" {
		logger.Fatalf("no database DSN configured; set -dsn or database.dsn")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := persistence.Migrate(ctx, target, logger); err != nil {
		logger.Fatalf("migrate: %v", err)
	}
}
