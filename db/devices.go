package db

import (
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

// Device is one row of the device store. Identity is the colon-separated
// hex form of the 6-byte device identity.
type Device struct {
	Identity    string `db:"identity"`
	Address     string `db:"address"`
	Port        uint32 `db:"port"`
	Label       string `db:"label"`
	Vendor      uint32 `db:"vendor"`
	Product     uint32 `db:"product"`
	ProductName string `db:"product_name"`
	Firmware    string `db:"firmware"`
	FirstSeen   int64  `db:"first_seen"`
	LastSeen    int64  `db:"last_seen"`
}

// UpsertDevice inserts a newly discovered device or refreshes the address,
// port and last_seen of a known one. first_seen is preserved on conflict.
func (d *Database) UpsertDevice(dev *Device) error {
	return d.RunDBTransaction(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO devices (identity, address, port, label, vendor, product, product_name, firmware, first_seen, last_seen)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT(identity) DO UPDATE SET
				address = excluded.address,
				port = excluded.port,
				last_seen = excluded.last_seen
		`, dev.Identity, dev.Address, dev.Port, dev.Label, dev.Vendor, dev.Product,
			dev.ProductName, dev.Firmware, dev.FirstSeen, dev.LastSeen)
		return err
	})
}

// UpdateDeviceDetails stores the enrichment results for a device: label,
// hardware version and firmware.
func (d *Database) UpdateDeviceDetails(identity, label string, vendor, product uint32, productName, firmware string) error {
	return d.RunDBTransaction(func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`
			UPDATE devices
			SET label = $1, vendor = $2, product = $3, product_name = $4, firmware = $5
			WHERE identity = $6
		`, label, vendor, product, productName, firmware, identity)
		return err
	})
}

// GetDevice returns one device by identity, or nil when unknown.
func (d *Database) GetDevice(identity string) (*Device, error) {
	d.trackQuery()

	dev := &Device{}
	err := d.ReaderDb.Get(dev, "SELECT * FROM devices WHERE identity = $1", identity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return dev, nil
}

// GetDevices returns all devices ordered by most recently seen.
func (d *Database) GetDevices() ([]*Device, error) {
	d.trackQuery()

	var devices []*Device
	err := d.ReaderDb.Select(&devices, "SELECT * FROM devices ORDER BY last_seen DESC")
	if err != nil {
		return nil, err
	}

	return devices, nil
}

// GetDevicesSeenSince returns devices seen at or after the cutoff.
func (d *Database) GetDevicesSeenSince(cutoff time.Time) ([]*Device, error) {
	d.trackQuery()

	var devices []*Device
	err := d.ReaderDb.Select(&devices,
		"SELECT * FROM devices WHERE last_seen >= $1 ORDER BY last_seen DESC", cutoff.Unix())
	if err != nil {
		return nil, err
	}

	return devices, nil
}

// CountDevices returns the number of stored devices.
func (d *Database) CountDevices() (int, error) {
	d.trackQuery()

	var count int
	err := d.ReaderDb.Get(&count, "SELECT COUNT(*) FROM devices")
	return count, err
}

// DeleteStaleDevices removes devices not seen since the cutoff and returns
// how many were removed.
func (d *Database) DeleteStaleDevices(cutoff time.Time) (int64, error) {
	var deleted int64
	err := d.RunDBTransaction(func(tx *sqlx.Tx) error {
		result, err := tx.Exec("DELETE FROM devices WHERE last_seen < $1", cutoff.Unix())
		if err != nil {
			return err
		}

		deleted, err = result.RowsAffected()
		return err
	})

	return deleted, err
}
