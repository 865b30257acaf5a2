// Package migrations embeds the schema migration files so the binary needs
// no SQL files on disk. Importing the package registers them with the
// database package.
package migrations

import (
	"embed"

	"github.com/veldtlabs/engage-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
