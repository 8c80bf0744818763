// Package persistence is the optional, non-authoritative storage mirror
// described in SPEC_FULL §11: the in-memory store (internal/store) remains
// the single source of truth for everything the UI reads live, but every
// emitted event is also fanned out here so the latest device records, log
// lines, activity entries, and pair-token rotations survive a restart.
// Individual heartbeats are not recorded. Adapted from the
// teacher's internal/db package — same sqlite-via-modernc wiring and the
// same zap-backed gorm logger — with the postgres branch and golang-migrate
// dropped (see DESIGN.md) in favor of AutoMigrate, since this mirror has no
// multi-environment deployment story to justify either one.
package persistence

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	gormsqlite "gorm.io/driver/sqlite"
	"gorm.io/gorm"

	// modernc pure-Go sqlite driver, registers itself as "sqlite".
	_ "modernc.org/sqlite"
)

// Open connects to a sqlite database at dsn and migrates the mirror's
// schema. dsn may be a file path or ":memory:" for tests.
func Open(dsn string, logger *zap.Logger) (*gorm.DB, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to open sqlite: %w", err)
	}
	// sqlite allows only one writer at a time; the mirror is written from a
	// single FanoutBus goroutine per event so this is never a bottleneck.
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(gormsqlite.Dialector{Conn: sqlDB}, &gorm.Config{
		Logger: newZapGORMLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("persistence: failed to initialize gorm: %w", err)
	}

	if err := db.AutoMigrate(&DeviceRow{}, &LogRow{}, &ActivityRow{}, &TokenRotationRow{}); err != nil {
		return nil, fmt.Errorf("persistence: migration failed: %w", err)
	}

	return db, nil
}
