// Package database provides the SQLite store used by Energino Core.
//
// The feed registry itself lives in memory; SQLite holds only what must
// survive a restart: the remote feed ids resolved by the dispatch queues
// and the audit trail of controller and command events.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are plain SQL files named YYYYMMDD_HHMMSS_name.up.sql with a
// matching .down.sql, registered once at init time via RegisterMigrations.
package database
