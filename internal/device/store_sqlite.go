package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLiteStore persists devices in the devices table. The schema lives in
// the migrations package and must be applied before use.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a store on an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

const deviceColumns = `id, auth_token, status, offline_reason, created_at,
	last_heartbeat_at, last_updated_at, metadata, system_info`

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) Load(ctx context.Context) (map[string]*Device, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+deviceColumns+" FROM devices")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	devices := make(map[string]*Device)
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// Save replaces every row in a single transaction.
func (s *SQLiteStore) Save(ctx context.Context, devices map[string]*Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx, "DELETE FROM devices"); err != nil {
		return fmt.Errorf("clearing devices: %w", err)
	}
	for _, d := range devices {
		if err := upsertDevice(ctx, tx, d); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing devices: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, d *Device) error {
	return upsertDevice(ctx, s.db, d)
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return nil
}

// upsertDevice writes d. Credentials and creation time are immutable, so a
// conflict only updates the mutable columns.
func upsertDevice(ctx context.Context, ex execer, d *Device) error {
	metadata, err := json.Marshal(d.Metadata)
	if err != nil {
		return fmt.Errorf("marshalling metadata: %w", err)
	}

	var systemInfo *string
	if d.SystemInfo != nil {
		b, err := json.Marshal(d.SystemInfo)
		if err != nil {
			return fmt.Errorf("marshalling system info: %w", err)
		}
		s := string(b)
		systemInfo = &s
	}

	var lastHeartbeat *string
	if d.LastHeartbeatAt != nil {
		s := formatTime(*d.LastHeartbeatAt)
		lastHeartbeat = &s
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			offline_reason = excluded.offline_reason,
			last_heartbeat_at = excluded.last_heartbeat_at,
			last_updated_at = excluded.last_updated_at,
			metadata = excluded.metadata,
			system_info = excluded.system_info`,
		d.ID, d.AuthToken, string(d.Status), nullableString(d.OfflineReason),
		formatTime(d.CreatedAt), lastHeartbeat, formatTime(d.LastUpdatedAt),
		string(metadata), systemInfo,
	)
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", d.ID, err)
	}
	return nil
}

func scanDevice(rows *sql.Rows) (*Device, error) {
	var (
		d                                  Device
		status, createdAt, lastUpdatedAt   string
		metadata                           string
		offlineReason, lastHeartbeat, info sql.NullString
	)
	if err := rows.Scan(&d.ID, &d.AuthToken, &status, &offlineReason, &createdAt,
		&lastHeartbeat, &lastUpdatedAt, &metadata, &info); err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	d.Status = Status(status)
	d.OfflineReason = offlineReason.String

	var err error
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("%w: device %s created_at: %w", ErrCorruptStore, d.ID, err)
	}
	if d.LastUpdatedAt, err = parseTime(lastUpdatedAt); err != nil {
		return nil, fmt.Errorf("%w: device %s last_updated_at: %w", ErrCorruptStore, d.ID, err)
	}
	if lastHeartbeat.Valid {
		t, err := parseTime(lastHeartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("%w: device %s last_heartbeat_at: %w", ErrCorruptStore, d.ID, err)
		}
		d.LastHeartbeatAt = &t
	}

	if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
		return nil, fmt.Errorf("%w: device %s metadata: %w", ErrCorruptStore, d.ID, err)
	}
	if info.Valid && info.String != "" {
		if err := json.Unmarshal([]byte(info.String), &d.SystemInfo); err != nil {
			return nil, fmt.Errorf("%w: device %s system_info: %w", ErrCorruptStore, d.ID, err)
		}
	}

	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// nullableString returns nil for empty strings so the column stores NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
