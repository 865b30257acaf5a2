// Package database opens the SQLite file backing the automation engine and
// applies its schema migrations.
//
// The connection uses WAL mode with a single pooled connection, matching
// SQLite's one-writer locking model, and the file is created owner-only.
// Migrations are embedded .up.sql files applied in version order and ledgered
// in schema_migrations; the schema is additive-only, so there is no down
// direction.
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
