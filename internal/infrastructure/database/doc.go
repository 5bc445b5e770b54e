// Package database provides SQLite connectivity for the delivery log.
//
// It wraps database/sql with the connection settings the bridge needs:
// WAL journal mode for concurrent reads during writes, a busy timeout to
// ride out transient lock contention, and a single-writer connection
// pool (SQLite's natural concurrency model).
//
// Schema management lives with the repository that owns the table
// (messagelog.EnsureSchema); this package only hands out connections.
//
// # Usage
//
//	db, err := database.Open(cfg.MessageLog.Database)
//	if err != nil {
//	    return fmt.Errorf("opening delivery log database: %w", err)
//	}
//	defer db.Close()
package database
