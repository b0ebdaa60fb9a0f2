package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zmcptools/zmcp/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the sqlite connection and hands out repositories.
type DB struct {
	conn *sql.DB
	path string
}

// NewDB opens (creating if necessary) the database at path, applies
// pragmas, backs up any existing file, and runs pending migrations.
// Parent directories are created owner-only.
func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	// Snapshot the previous file before migrations touch it.
	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return nil, fmt.Errorf("backing up database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Info(log.CatDB, "Database ready", "path", path)
	return db, nil
}

func (d *DB) migrate() error {
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(d.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // G304: src is the configured database path
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	_, err = io.Copy(out, in)
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Connection returns the underlying *sql.DB for ad-hoc queries.
func (d *DB) Connection() *sql.DB {
	return d.conn
}

// Transaction runs fn inside a transaction, committing when fn returns nil
// and rolling back otherwise. The rollback error, if any, is joined.
func (d *DB) Transaction(fn func(tx *sql.Tx) error) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rolling back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Projects returns the project repository.
func (d *DB) Projects() *ProjectRepository {
	return &ProjectRepository{db: d.conn}
}

// Agents returns the agent repository.
func (d *DB) Agents() *AgentRepository {
	return &AgentRepository{db: d.conn}
}

// Objectives returns the objective repository.
func (d *DB) Objectives() *ObjectiveRepository {
	return &ObjectiveRepository{db: d.conn}
}

// Plans returns the plan repository.
func (d *DB) Plans() *PlanRepository {
	return &PlanRepository{db: d.conn}
}

// Rooms returns the room repository.
func (d *DB) Rooms() *RoomRepository {
	return &RoomRepository{db: d.conn}
}

// ScrapeJobs returns the scrape job repository.
func (d *DB) ScrapeJobs() *ScrapeJobRepository {
	return &ScrapeJobRepository{db: d, conn: d.conn}
}
