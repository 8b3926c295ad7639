// Package database handles database connections and schema inspection.
//
// It provides a wrapper around GORM to configure postgres (production), mysql, or
// sqlite (local runs and tests) connections from the application's configuration.
// Connections translate driver errors, so a unique violation is reported as
// gorm.ErrDuplicatedKey regardless of dialect.
//
// # Schema Inspection
//
// GetTableColumns and MissingColumns report the columns of an existing table. The
// snapshot store uses them before it trusts a namespace left by an earlier run.
//
// # Usage
//
//	db, err := database.Connect(cfg.Database)
//	if err != nil {
//	    log.Fatal("Database connection failed", err)
//	}
//
//	missing, err := database.MissingColumns(db, "snapshot_20240101_000000_changes", []string{"id", "status"})
package database
