package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gridpulse/fleetsched/core/model"
)

// ErrEmpty is returned when no schedule has ever been cached.
var ErrEmpty = errors.New("local cache is empty")

// ErrStale is returned when Put is called with a version at or below the
// currently cached one.
var ErrStale = errors.New("schedule version is stale")

// Cache is the device-local persistent store: the last-known-good
// schedule plus the execution marks that make tick evaluation idempotent
// across restarts. Each device owns exactly one cache; it is never shared.
type Cache struct {
	db       *sql.DB
	deviceID string
}

// Open opens or creates the cache database at path for the given device.
func Open(path, deviceID string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Single connection: concurrent writers on separate connections would
	// see SQLITE_BUSY on the file lock.
	db.SetMaxOpenConns(1)
	schema := `CREATE TABLE IF NOT EXISTS schedule (
        device_id TEXT PRIMARY KEY,
        version INTEGER NOT NULL,
        entries TEXT NOT NULL,
        stored_at INTEGER NOT NULL
    );
    CREATE TABLE IF NOT EXISTS execution_marks (
        version INTEGER NOT NULL,
        entry_index INTEGER NOT NULL,
        outcome TEXT NOT NULL,
        marked_at INTEGER NOT NULL,
        PRIMARY KEY (version, entry_index)
    );`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &Cache{db: db, deviceID: deviceID}, nil
}

// Version returns the cached schedule version, or 0 when empty.
func (c *Cache) Version() (int64, error) {
	var v int64
	err := c.db.QueryRow(`SELECT version FROM schedule WHERE device_id = ?`, c.deviceID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

// Put overwrites the cached schedule if sched is strictly newer than the
// current version, returning ErrStale otherwise. The staleness check and
// the write are one statement so concurrent applies cannot interleave;
// whichever version is highest survives regardless of write order.
func (c *Cache) Put(sched *model.Schedule) error {
	entries, err := json.Marshal(sched.Entries)
	if err != nil {
		return err
	}
	res, err := c.db.Exec(`INSERT INTO schedule (device_id, version, entries, stored_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(device_id) DO UPDATE SET version = excluded.version,
            entries = excluded.entries, stored_at = excluded.stored_at
        WHERE excluded.version > schedule.version`,
		c.deviceID, sched.Version, string(entries), time.Now().Unix())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Current returns the cached schedule, or ErrEmpty. A row whose entries
// no longer decode is treated as corrupt and reported as ErrEmpty so the
// executor idles instead of running an unknown plan.
func (c *Cache) Current() (*model.Schedule, error) {
	var version int64
	var entries string
	err := c.db.QueryRow(`SELECT version, entries FROM schedule WHERE device_id = ?`, c.deviceID).
		Scan(&version, &entries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, err
	}
	var parsed []model.ScheduleEntry
	if err := json.Unmarshal([]byte(entries), &parsed); err != nil {
		return nil, fmt.Errorf("%w: corrupt entries: %v", ErrEmpty, err)
	}
	return &model.Schedule{DeviceID: c.deviceID, Version: version, Entries: parsed}, nil
}

// MarkExecuted records that the entry was handled under the version. The
// mark is written before the acknowledgement is queued, so a crash after
// execution cannot cause a re-run.
func (c *Cache) MarkExecuted(version int64, entryIndex int, outcome model.Outcome) error {
	_, err := c.db.Exec(`INSERT OR IGNORE INTO execution_marks (version, entry_index, outcome, marked_at)
        VALUES (?, ?, ?, ?)`, version, entryIndex, outcome.String(), time.Now().Unix())
	return err
}

// Executed reports whether the entry was already handled under the version.
func (c *Cache) Executed(version int64, entryIndex int) (model.Outcome, bool, error) {
	var s string
	err := c.db.QueryRow(`SELECT outcome FROM execution_marks WHERE version = ? AND entry_index = ?`,
		version, entryIndex).Scan(&s)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	outcome, err := model.ParseOutcome(s)
	if err != nil {
		return 0, false, err
	}
	return outcome, true, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error { return c.db.Close() }
