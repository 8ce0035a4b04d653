package sqlite

import (
	"database/sql"
	"fmt"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

// InitDB opens the SQLite database at path and creates the jobs table if it
// doesn't exist.
func InitDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	// sqlite serialises writers; one connection avoids "database is locked"
	db.SetMaxOpenConns(1)

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY,
		job_id TEXT UNIQUE,
		url TEXT,
		file_name TEXT,
		status TEXT DEFAULT 'running',
		detail TEXT,
		instance_id TEXT,
		created_at DATETIME,
		finished_at DATETIME
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create jobs table: %w", err)
	}

	return db, nil
}
