package storage

import (
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/quantumlife/gatekeeper/internal/core"
	"github.com/quantumlife/gatekeeper/internal/logging"
	"github.com/quantumlife/gatekeeper/internal/storage/migrations"
)

// goose keeps its base FS, dialect and logger in package globals
var gooseMu sync.Mutex

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	logging.WithField("component", "migrations").Debug(format, v...)
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	logging.WithField("component", "migrations").Error(format, v...)
}

// Migrate runs all pending migrations
func (db *DB) Migrate() error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("%w: set dialect: %v", core.ErrMigrationFailed, err)
	}
	if err := goose.Up(db.conn, "."); err != nil {
		return fmt.Errorf("%w: %v", core.ErrMigrationFailed, err)
	}
	return nil
}

// SchemaVersion returns the applied migration version
func (db *DB) SchemaVersion() (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db.conn)
}
