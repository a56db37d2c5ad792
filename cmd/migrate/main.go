package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"flowerfund/internal/common/database"
	"flowerfund/internal/common/logging"
	"flowerfund/internal/ledger/store"
)

// Config holds migration configuration
type Config struct {
	Log      logging.Config
	Database database.Config
}

func main() {
	_ = godotenv.Load()

	direction := flag.String("direction", string(database.MigrateUp), "migration direction: up|down")
	flag.Parse()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)

	if err := store.Migrate(cfg.Database.URL, database.MigrateDirection(*direction), logger); err != nil {
		logger.Error("migration failed", "direction", *direction, "error", err)
		os.Exit(1)
	}
}
