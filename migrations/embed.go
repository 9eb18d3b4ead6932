// Package migrations holds the SQLite schema for the dispatch_feeds and
// audit_logs tables. A blank import hands the files to the database
// package.
package migrations

import (
	"embed"

	"github.com/nerrad567/energino-core/internal/infrastructure/database"
)

//go:embed *.sql
var schema embed.FS

func init() {
	database.RegisterMigrations(schema, ".")
}
