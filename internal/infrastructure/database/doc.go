// Package database provides SQLite connectivity for Fleetbeat.
//
// The SQLite database backs two optional components: the "sqlite" device
// store and the audit trail. It is not opened when neither is enabled.
//
// This package manages:
//   - Connection setup with WAL mode and a busy timeout
//   - Schema migrations read from an fs.FS (see the migrations package)
//   - Health checks and lifecycle
//
// Usage:
//
//	db, err := database.Open(cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx, migrations.FS); err != nil {
//	    log.Fatal(err)
//	}
package database
