package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options configures the local SQLite database.
type Options struct {
	// Path to the database file. ":memory:" opens a private in-memory DB.
	Path string
	// BusyTimeoutMS is the SQLite lock wait in milliseconds.
	BusyTimeoutMS int
}

// Stores bundles the per-table stores handed to the rest of the process.
type Stores struct {
	Reports   ReportStore
	SyncState SyncStateStore

	db *sqlx.DB
}

// Open opens the node's local database, applies pending migrations and wires
// the stores. WAL mode keeps the report-serving reads and the sync loop's
// writes from blocking each other.
func Open(opts Options) (*Stores, error) {
	if opts.Path == "" {
		return nil, errors.New("store: database path is required")
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)",
		opts.Path, opts.BusyTimeoutMS)
	db, err := sqlx.Connect("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Path, err)
	}
	// modernc's driver serializes on a single connection; more than one
	// writer connection just turns lock contention into SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Stores{
		Reports:   NewReportStore(db),
		SyncState: NewSyncStateStore(db),
		db:        db,
	}, nil
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sqlx.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Stores) Close() error {
	return s.db.Close()
}
