package main

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/eklund-io/banksync-server/internal/config"
	"github.com/eklund-io/banksync-server/internal/ledger/cache"
)

// Brings every cache file in the configured cache directory up to the current
// schema. The server migrates a cache on open as well, this script exists so
// operators can upgrade caches ahead of a deploy.
func main() {
	cfg, err := config.Load(os.Getenv("BANKSYNC_CONFIG"))
	if err != nil {
		logrus.WithError(err).Fatal("config.Load")
		return
	}

	paths, err := filepath.Glob(filepath.Join(cfg.Ledger.CacheDir, "*.db"))
	if err != nil {
		logrus.WithError(err).Fatal("filepath.Glob")
		return
	}
	if len(paths) == 0 {
		logrus.WithField("cacheDir", cfg.Ledger.CacheDir).Info("No cache files to migrate")
		return
	}

	for _, path := range paths {
		if err := migrateFile(path); err != nil {
			logrus.WithError(err).WithField("cacheFile", path).Fatal("migrateFile")
			return
		}
	}
}

func migrateFile(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(cache.MigrationsFS, "migrations")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return err
	}

	preMigrationVersion, _, err := m.Version()
	if err != nil && errors.Is(err, migrate.ErrNilVersion) {
		preMigrationVersion = 0
	} else if err != nil {
		return err
	}

	err = m.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	postMigrationVersion, _, err := m.Version()
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"cacheFile":            path,
		"preMigrationVersion":  preMigrationVersion,
		"postMigrationVersion": postMigrationVersion,
	}).Info("Migration status")

	return nil
}
