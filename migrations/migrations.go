// Package migrations embeds the schema migrations for the alert engine
// database.
package migrations

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
)

// FS holds the embedded migration files, applied in lexical order.
//
//go:embed *.sql
var FS embed.FS

// Run brings the schema up to date. It is safe to call on every startup;
// goose tracks applied versions in its own table.
func Run(db *sql.DB) error {
	goose.SetBaseFS(FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
