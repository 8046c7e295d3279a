// Package archive keeps every generation that was loaded, so a restarted
// runtime can reinstall the code it was running.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"
)

var log = commonlog.GetLogger("hotswap.archive")

// ErrNotFound indicates no generation was archived under the name.
var ErrNotFound = errors.New("archive: not found")

// Archive stores entries in a SQL database.
type Archive struct {
	db     *sql.DB
	driver string
	mu     sync.Mutex
}

// Open connects to dsn with driver "sqlite" or "duckdb" and creates the
// schema if needed.
func Open(driver, dsn string) (*Archive, error) {
	switch driver {
	case "sqlite", "duckdb":
	default:
		return nil, fmt.Errorf("archive: unsupported driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if driver == "sqlite" {
		// Set busy timeout for concurrent access
		if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting busy timeout: %w", err)
		}
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS generations (
		name      TEXT NOT NULL,
		checksum  TEXT NOT NULL,
		cycle     TEXT NOT NULL,
		loaded_at BIGINT NOT NULL,
		payload   BLOB NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}

	log.Debugf("opened %s archive at %s", driver, dsn)
	return &Archive{db: db, driver: driver}, nil
}

// Driver returns the SQL driver name.
func (a *Archive) Driver() string { return a.driver }

// Close closes the database connection.
func (a *Archive) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Save appends e.
func (a *Archive) Save(ctx context.Context, e *Entry) error {
	payload, err := Marshal(e)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err = a.db.ExecContext(ctx,
		"INSERT INTO generations (name, checksum, cycle, loaded_at, payload) VALUES (?, ?, ?, ?, ?)",
		e.Name, strconv.FormatUint(e.Checksum, 16), e.Cycle, e.LoadedAt.UnixNano(), payload,
	)
	if err != nil {
		return fmt.Errorf("saving %s: %w", e.Name, err)
	}
	return nil
}

// Latest returns the most recently loaded generation of name.
func (a *Archive) Latest(ctx context.Context, name string) (*Entry, error) {
	var payload []byte
	err := a.db.QueryRowContext(ctx,
		"SELECT payload FROM generations WHERE name = ? ORDER BY loaded_at DESC LIMIT 1", name,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("querying %s: %w", name, err)
	}
	return Unmarshal(payload)
}

// Names lists every archived module name in order.
func (a *Archive) Names(ctx context.Context) ([]string, error) {
	rows, err := a.db.QueryContext(ctx, "SELECT DISTINCT name FROM generations ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("listing names: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Count returns the number of archived generations of name.
func (a *Archive) Count(ctx context.Context, name string) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM generations WHERE name = ?", name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting %s: %w", name, err)
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Single-file save and restore
// ---------------------------------------------------------------------------

// WriteFile saves one entry to path.
func WriteFile(path string, e *Entry) error {
	data, err := Marshal(e)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("archive: write %s: %w", path, err)
	}
	return nil
}

// ReadFile restores an entry written by WriteFile.
func ReadFile(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", path, err)
	}
	return Unmarshal(data)
}
