package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// ─── Device Repository ──────────────────────────────────────────────────────

const deviceCols = `id, provider_id, name, connected, last_connected_at, last_disconnected_at, last_seen_at`

// UpsertDevice inserts or refreshes a device record.
func (d *DB) UpsertDevice(ctx context.Context, dev *domain.Device) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO devices (id, provider_id, name, connected, last_connected_at, last_disconnected_at, last_seen_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			provider_id=excluded.provider_id,
			name=CASE WHEN excluded.name != '' THEN excluded.name ELSE devices.name END,
			connected=excluded.connected,
			last_connected_at=COALESCE(excluded.last_connected_at, devices.last_connected_at),
			last_disconnected_at=COALESCE(excluded.last_disconnected_at, devices.last_disconnected_at),
			last_seen_at=COALESCE(excluded.last_seen_at, devices.last_seen_at)`,
		dev.ID, dev.ProviderID, dev.Name, dev.Connected,
		nullableUnix(dev.LastConnectedAt), nullableUnix(dev.LastDisconnectedAt), nullableUnix(dev.LastSeenAt),
	)
	return err
}

// DeviceByID retrieves a device record.
func (d *DB) DeviceByID(ctx context.Context, id string) (*domain.Device, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+deviceCols+` FROM devices WHERE id = ?`, id)
	return scanDevice(row)
}

// SetDeviceConnectivity flips a device's connected flag and stamps the
// matching transition time.
func (d *DB) SetDeviceConnectivity(ctx context.Context, deviceID string, connected bool) error {
	now := time.Now().Unix()
	var res sql.Result
	var err error
	if connected {
		res, err = d.db.ExecContext(ctx,
			`UPDATE devices SET connected = 1, last_connected_at = ?, last_seen_at = ? WHERE id = ?`,
			now, now, deviceID,
		)
	} else {
		res, err = d.db.ExecContext(ctx,
			`UPDATE devices SET connected = 0, last_disconnected_at = ?, last_seen_at = ? WHERE id = ?`,
			now, now, deviceID,
		)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrDeviceNotFound
	}
	return nil
}

// ListDevices returns every known device ordered by id.
func (d *DB) ListDevices(ctx context.Context) ([]*domain.Device, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+deviceCols+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devs []*domain.Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devs = append(devs, dev)
	}
	return devs, rows.Err()
}

func scanDevice(s scanner) (*domain.Device, error) {
	var dev domain.Device
	var connectedAt, disconnectedAt, seenAt sql.NullInt64

	err := s.Scan(&dev.ID, &dev.ProviderID, &dev.Name, &dev.Connected,
		&connectedAt, &disconnectedAt, &seenAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	dev.LastConnectedAt = unixOrZero(connectedAt)
	dev.LastDisconnectedAt = unixOrZero(disconnectedAt)
	dev.LastSeenAt = unixOrZero(seenAt)
	return &dev, nil
}
