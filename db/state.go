package db

import (
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// GetState retrieves a state value by key. Returns nil when the key is
// absent.
func (d *Database) GetState(key string) ([]byte, error) {
	d.trackQuery()

	var value []byte
	err := d.ReaderDb.Get(&value, "SELECT value FROM state WHERE key = $1", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return value, nil
}

// SetState stores a state value by key.
// If tx is nil, creates and manages its own transaction.
func (d *Database) SetState(tx *sqlx.Tx, key string, value []byte) error {
	if tx == nil {
		return d.RunDBTransaction(func(tx *sqlx.Tx) error {
			return d.SetState(tx, key, value)
		})
	}

	_, err := tx.Exec(`
		INSERT INTO state (key, value) VALUES ($1, $2)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// DeleteState removes a state entry by key.
func (d *Database) DeleteState(tx *sqlx.Tx, key string) error {
	if tx == nil {
		return d.RunDBTransaction(func(tx *sqlx.Tx) error {
			return d.DeleteState(tx, key)
		})
	}

	_, err := tx.Exec("DELETE FROM state WHERE key = $1", key)
	return err
}
