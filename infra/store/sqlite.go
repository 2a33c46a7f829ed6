package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridpulse/fleetsched/core/model"
	corestore "github.com/gridpulse/fleetsched/core/store"
)

// Config selects the persistence backend for the coordinator.
type Config struct {
	// Backend is "memory" or "sqlite".
	Backend string `json:"backend"`
	// Path is the sqlite database file. Ignored for the memory backend.
	Path string `json:"path"`
}

// SetDefaults fills unset fields with sane defaults.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.Backend == "sqlite" && c.Path == "" {
		c.Path = "fleetsched.db"
	}
}

// Validate checks the backend selection.
func (c Config) Validate() error {
	switch c.Backend {
	case "memory", "sqlite":
		return nil
	default:
		return fmt.Errorf("store: unknown backend %q", c.Backend)
	}
}

// New builds the configured store.
func New(cfg Config) (corestore.Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Backend == "sqlite" {
		return OpenSQLite(cfg.Path)
	}
	return corestore.NewMemoryStore(), nil
}

// SQLiteStore persists schedules and execution records in a single sqlite
// database. Version assignment happens inside a transaction so concurrent
// submissions for the same device still get distinct increasing versions.
type SQLiteStore struct {
	db *sql.DB
}

var _ corestore.Store = (*SQLiteStore)(nil)

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The sqlite file permits one writer; serializing through a single
	// connection avoids SQLITE_BUSY under concurrent submissions.
	db.SetMaxOpenConns(1)
	schema := `CREATE TABLE IF NOT EXISTS schedules (
        device_id TEXT NOT NULL,
        version INTEGER NOT NULL,
        entries TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        PRIMARY KEY (device_id, version)
    );
    CREATE TABLE IF NOT EXISTS execution_records (
        device_id TEXT NOT NULL,
        schedule_version INTEGER NOT NULL,
        entry_index INTEGER NOT NULL,
        scheduled_time INTEGER NOT NULL,
        actual_time INTEGER NOT NULL,
        outcome TEXT NOT NULL,
        actual_rate_kw REAL NOT NULL,
        error_detail TEXT NOT NULL DEFAULT '',
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        UNIQUE (device_id, schedule_version, entry_index)
    );`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// PutSchedule assigns MAX(version)+1 for the device inside a transaction
// and stores the entries as JSON.
func (s *SQLiteStore) PutSchedule(ctx context.Context, deviceID string, entries []model.ScheduleEntry) (int64, error) {
	payload, err := json.Marshal(entries)
	if err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM schedules WHERE device_id = ?`, deviceID).
		Scan(&version)
	if err != nil {
		return 0, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedules (device_id, version, entries, created_at) VALUES (?, ?, ?, ?)`,
		deviceID, version, string(payload), time.Now().Unix())
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// GetSchedule returns the schedule at the exact version.
func (s *SQLiteStore) GetSchedule(ctx context.Context, deviceID string, version int64) (*model.Schedule, error) {
	var entries string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT entries, created_at FROM schedules WHERE device_id = ? AND version = ?`,
		deviceID, version).Scan(&entries, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, corestore.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var parsed []model.ScheduleEntry
	if err := json.Unmarshal([]byte(entries), &parsed); err != nil {
		return nil, fmt.Errorf("decode entries for %s v%d: %w", deviceID, version, err)
	}
	return &model.Schedule{
		DeviceID:  deviceID,
		Version:   version,
		Entries:   parsed,
		CreatedAt: time.Unix(created, 0).UTC(),
	}, nil
}

// LatestVersion returns the highest version assigned to the device.
func (s *SQLiteStore) LatestVersion(ctx context.Context, deviceID string) (int64, error) {
	var v sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schedules WHERE device_id = ?`, deviceID).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, corestore.ErrNotFound
	}
	return v.Int64, nil
}

// AppendRecord inserts the record, mapping the unique-key violation to
// ErrDuplicateRecord.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec model.ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO execution_records
            (device_id, schedule_version, entry_index, scheduled_time, actual_time, outcome, actual_rate_kw, error_detail)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceID, rec.ScheduleVersion, rec.EntryIndex,
		rec.ScheduledTime.Unix(), rec.ActualTime.Unix(),
		rec.Outcome.String(), rec.ActualRateKW, rec.ErrorDetail)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return corestore.ErrDuplicateRecord
	}
	return err
}

// Records returns the device's execution records in insertion order.
func (s *SQLiteStore) Records(ctx context.Context, deviceID string) ([]model.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT schedule_version, entry_index, scheduled_time, actual_time, outcome, actual_rate_kw, error_detail
            FROM execution_records WHERE device_id = ? ORDER BY seq`, deviceID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.ExecutionRecord
	for rows.Next() {
		var rec model.ExecutionRecord
		var scheduled, actual int64
		var outcome string
		rec.DeviceID = deviceID
		if err := rows.Scan(&rec.ScheduleVersion, &rec.EntryIndex, &scheduled, &actual, &outcome, &rec.ActualRateKW, &rec.ErrorDetail); err != nil {
			return nil, err
		}
		rec.ScheduledTime = time.Unix(scheduled, 0).UTC()
		rec.ActualTime = time.Unix(actual, 0).UTC()
		parsed, err := model.ParseOutcome(outcome)
		if err != nil {
			return nil, err
		}
		rec.Outcome = parsed
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
