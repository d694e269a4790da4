// Package migrations embeds the SQL schema for every supported database.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var files embed.FS

// FS returns the migrations for the given driver
func FS(driver string) (fs.FS, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return fs.Sub(files, "sqlite")
	case "postgres", "postgresql", "pgx":
		return fs.Sub(files, "postgres")
	default:
		return nil, fmt.Errorf("no migrations for driver: %s", driver)
	}
}
