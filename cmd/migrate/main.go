package main

import (
	"errors"
	"flag"
	"log/slog"
	"os"

	"whatsapp-calling/internal/config"
	"whatsapp-calling/internal/database"
	"whatsapp-calling/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
)

func main() {
	var (
		command     string
		steps       int
		databaseURL string
	)
	flag.StringVar(&command, "command", "up", "Migration command: up, down, force, version")
	flag.IntVar(&steps, "steps", 0, "Number of migrations to run (0 = all); version for force")
	flag.StringVar(&databaseURL, "database", "", "postgres:// or pgx5:// database URL (overrides DATABASE_URL and DB_* env)")
	flag.Parse()

	if err := config.LoadEnvFile(".env"); err != nil {
		slog.Error("env file load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(os.Getenv("APP_ENV"))

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Error("config load failed; pass -database or DATABASE_URL", "err", err)
			os.Exit(1)
		}
		databaseURL = cfg.PostgresURL(database.Scheme)
	}

	log.Info("starting migration", "command", command, "steps", steps)

	m, err := database.NewMigrator(database.MigrateURL(databaseURL))
	if err != nil {
		log.Error("migrator init failed", "err", err)
		os.Exit(1)
	}
	defer m.Close()

	switch command {
	case "up":
		err = runUp(m, steps)
	case "down":
		err = runDown(m, steps)
	case "force":
		if steps == 0 {
			log.Error("force requires -steps with the version number")
			os.Exit(1)
		}
		err = m.Force(steps)
	case "version":
		version, dirty, verr := m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			log.Info("no migrations have been applied yet")
			return
		}
		if verr != nil {
			log.Error("version lookup failed", "err", verr)
			os.Exit(1)
		}
		log.Info("current migration version", "version", version, "dirty", dirty)
		return
	default:
		log.Error("unknown command", "command", command)
		os.Exit(1)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no migrations to apply")
		return
	}
	if err != nil {
		log.Error("migration failed", "err", err)
		os.Exit(1)
	}
	log.Info("migration completed")
}

func runUp(m *migrate.Migrate, steps int) error {
	if steps > 0 {
		return m.Steps(steps)
	}
	return m.Up()
}

func runDown(m *migrate.Migrate, steps int) error {
	if steps > 0 {
		return m.Steps(-steps)
	}
	return m.Down()
}
