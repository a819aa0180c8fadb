package repository

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// InitDB opens (or creates) a SQLite database at the given path and
// ensures all required tables exist. Pass ":memory:" for an in-memory
// database.
func InitDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set wal mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// Serialize writers: the conditional-update discipline relies on
	// the UPDATE ... WHERE version=? check, busy_timeout keeps
	// concurrent writers from failing fast with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			buyer_email TEXT NOT NULL,
			seller_email TEXT NOT NULL,
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			item_description TEXT NOT NULL,
			status TEXT NOT NULL,
			payment_received INTEGER NOT NULL DEFAULT 0,
			payment_intent_ref TEXT,
			file_uploaded INTEGER NOT NULL DEFAULT 0,
			file_name TEXT,
			file_blob_ref TEXT,
			buyer_file_uploaded INTEGER NOT NULL DEFAULT 0,
			buyer_file_name TEXT,
			buyer_file_blob_ref TEXT,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			completed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_buyer ON transactions(buyer_email)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_seller ON transactions(seller_email)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_status ON transactions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_created_at ON transactions(created_at)`,

		`CREATE TABLE IF NOT EXISTS transaction_events (
			id TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			type TEXT NOT NULL,
			actor TEXT NOT NULL,
			detail TEXT,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (transaction_id) REFERENCES transactions(id),
			UNIQUE (transaction_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_transaction ON transaction_events(transaction_id)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:60], err)
		}
	}

	return nil
}
