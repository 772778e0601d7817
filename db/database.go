// Package db implements the persistent device store on SQLite.
package db

import (
	"embed"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed schema/*.sql
var embedMigrations embed.FS

// SqliteDatabaseConfig contains configuration for the SQLite database.
type SqliteDatabaseConfig struct {
	// File is the database path ("" or ":memory:" = in-memory).
	File string

	MaxOpenConns int
	MaxIdleConns int
}

// Database wraps the SQLite handle. SQLite serializes writers, so write
// transactions funnel through a single mutex while reads go straight to
// the pool.
type Database struct {
	ReaderDb *sqlx.DB

	config *SqliteDatabaseConfig
	logger logrus.FieldLogger

	writerMutex sync.Mutex

	queryCount atomic.Int64
	txCount    atomic.Int64
}

// NewDatabase creates a database wrapper. Call Init before use.
func NewDatabase(config *SqliteDatabaseConfig, logger logrus.FieldLogger) *Database {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Database{
		config: config,
		logger: logger,
	}
}

// Init opens the SQLite database and applies connection settings.
func (d *Database) Init() error {
	file := d.config.File
	if file == "" {
		file = ":memory:"
	}

	db, err := sqlx.Open("sqlite", file)
	if err != nil {
		return fmt.Errorf("db: open %s: %w", file, err)
	}

	maxOpen := d.config.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 50
	}
	maxIdle := d.config.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		d.logger.WithError(err).Warn("db: failed to enable WAL mode")
	}

	d.ReaderDb = db
	return nil
}

// ApplyEmbeddedDbSchema runs the embedded goose migrations up to the
// latest version.
func (d *Database) ApplyEmbeddedDbSchema() error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("db: set dialect: %w", err)
	}

	if err := goose.Up(d.ReaderDb.DB, "schema"); err != nil {
		return fmt.Errorf("db: apply schema: %w", err)
	}

	return nil
}

// RunDBTransaction executes fn inside a write transaction.
func (d *Database) RunDBTransaction(fn func(tx *sqlx.Tx) error) error {
	d.writerMutex.Lock()
	defer d.writerMutex.Unlock()

	d.txCount.Add(1)

	tx, err := d.ReaderDb.Beginx()
	if err != nil {
		return fmt.Errorf("db: begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.WithError(rbErr).Warn("db: rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("db: commit transaction: %w", err)
	}

	return nil
}

// trackQuery counts read queries for the status endpoint.
func (d *Database) trackQuery() {
	d.queryCount.Add(1)
}

// Stats contains database operation counters.
type Stats struct {
	TotalQueries    int64
	Transactions    int64
	OpenConnections int
}

// GetStats returns current database statistics.
func (d *Database) GetStats() Stats {
	return Stats{
		TotalQueries:    d.queryCount.Load(),
		Transactions:    d.txCount.Load(),
		OpenConnections: d.ReaderDb.Stats().OpenConnections,
	}
}

// Close closes the database handle.
func (d *Database) Close() error {
	if d.ReaderDb == nil {
		return nil
	}
	return d.ReaderDb.Close()
}
