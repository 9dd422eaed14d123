// Package history records 1 Hz PDU samples into SQLite and serves
// downsampled range queries, retention trimming, and weekly energy
// reports. WAL journaling keeps readers (the web API) unblocked while
// the poll loop writes.
package history

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/sweeney/pdu-mqtt/internal/pdu"
)

// commitEvery batches this many records per transaction to amortize
// fsync cost (~10 seconds of samples at the default poll interval).
const commitEvery = 10

// reopenAfter is the consecutive-write-error threshold that triggers a
// close-and-reopen of the database connection (journal-lock recovery).
const reopenAfter = 10

const schema = `
CREATE TABLE IF NOT EXISTS bank_samples (
	ts INTEGER NOT NULL,
	bank INTEGER NOT NULL,
	voltage REAL,
	current REAL,
	power REAL,
	apparent REAL,
	pf REAL,
	device_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS outlet_samples (
	ts INTEGER NOT NULL,
	outlet INTEGER NOT NULL,
	state TEXT,
	current REAL,
	power REAL,
	energy REAL,
	device_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS environment_samples (
	ts INTEGER NOT NULL,
	temperature REAL,
	humidity REAL,
	contact_1 INTEGER,
	contact_2 INTEGER,
	contact_3 INTEGER,
	contact_4 INTEGER,
	device_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS energy_reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	week_start TEXT NOT NULL,
	week_end TEXT NOT NULL,
	created_at TEXT NOT NULL,
	data TEXT NOT NULL,
	device_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bank_device ON bank_samples(device_id, ts);
CREATE INDEX IF NOT EXISTS idx_outlet_device ON outlet_samples(device_id, ts);
CREATE INDEX IF NOT EXISTS idx_env_device ON environment_samples(device_id, ts);
CREATE UNIQUE INDEX IF NOT EXISTS idx_report_week ON energy_reports(week_start, device_id);
`

// Store is the sample and report database. Record is called from every
// poller; all methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	db            *sql.DB
	path          string
	retentionDays int
	houseKWh      float64

	tx         *sql.Tx // open batch transaction, nil between batches
	writeCount int     // records since last commit

	totalWrites       int
	writeErrors       int
	consecutiveErrors int

	now func() time.Time
}

// Open creates or opens the history database. The schema is created on
// first use.
func Open(path string, retentionDays int, houseMonthlyKWh float64) (*Store, error) {
	s := &Store{
		path:          path,
		retentionDays: retentionDays,
		houseKWh:      houseMonthlyKWh,
		now:           time.Now,
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open() error {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}

	dsn := s.path + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open history db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("ping history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("create history schema: %w", err)
	}

	s.db = db
	return nil
}

// RetentionDays returns the current retention period.
func (s *Store) RetentionDays() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retentionDays
}

// SetRetentionDays updates the retention period, clamped to [1, 365].
func (s *Store) SetRetentionDays(days int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if days < 1 {
		days = 1
	}
	if days > 365 {
		days = 365
	}
	s.retentionDays = days
}

// Record inserts one row per bank, one per outlet, and one environment
// row when a sensor is present. Commits are batched; a failure rolls the
// batch back, and ten consecutive failures reopen the connection.
// Record never returns an error to the poll loop; failures are counted
// and logged (first three, then every 60th).
func (s *Store) Record(snap *pdu.Snapshot, deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.totalWrites++
	ts := s.now().Unix()

	err := s.recordLocked(snap, deviceID, ts)
	if err == nil {
		s.consecutiveErrors = 0
		return
	}

	s.writeErrors++
	s.consecutiveErrors++
	if s.writeErrors <= 3 || s.writeErrors%60 == 0 {
		log.Printf("history: write failed (error %d): %v", s.writeErrors, err)
	}
	if s.tx != nil {
		s.tx.Rollback() //nolint:errcheck
		s.tx = nil
		s.writeCount = 0
	}
	if s.consecutiveErrors >= reopenAfter {
		log.Printf("history: %d consecutive write errors, reopening database", s.consecutiveErrors)
		s.reopenLocked()
	}
}

func (s *Store) recordLocked(snap *pdu.Snapshot, deviceID string, ts int64) error {
	if s.tx == nil {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		s.tx = tx
		s.writeCount = 0
	}

	for idx, bank := range snap.Banks {
		if _, err := s.tx.Exec(
			`INSERT INTO bank_samples (ts, bank, voltage, current, power, apparent, pf, device_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, idx, nullable(bank.Voltage), nullable(bank.Current),
			nullable(bank.Power), nullable(bank.ApparentPower),
			nullable(bank.PowerFactor), deviceID,
		); err != nil {
			return fmt.Errorf("insert bank sample: %w", err)
		}
	}

	for n, outlet := range snap.Outlets {
		if _, err := s.tx.Exec(
			`INSERT INTO outlet_samples (ts, outlet, state, current, power, energy, device_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ts, n, outlet.State, nullable(outlet.Current),
			nullable(outlet.Power), nullable(outlet.Energy), deviceID,
		); err != nil {
			return fmt.Errorf("insert outlet sample: %w", err)
		}
	}

	if env := snap.Environment; env != nil && env.SensorPresent {
		if _, err := s.tx.Exec(
			`INSERT INTO environment_samples
			 (ts, temperature, humidity, contact_1, contact_2, contact_3, contact_4, device_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ts, nullable(env.Temperature), nullable(env.Humidity),
			boolInt(env.Contacts[1]), boolInt(env.Contacts[2]),
			boolInt(env.Contacts[3]), boolInt(env.Contacts[4]), deviceID,
		); err != nil {
			return fmt.Errorf("insert environment sample: %w", err)
		}
	}

	s.writeCount++
	if s.writeCount >= commitEvery {
		if err := s.tx.Commit(); err != nil {
			s.tx = nil
			s.writeCount = 0
			return fmt.Errorf("commit batch: %w", err)
		}
		s.tx = nil
		s.writeCount = 0
	}
	return nil
}

// flushLocked commits any open batch so readers (and further writers)
// see everything recorded so far. Caller holds mu.
func (s *Store) flushLocked() {
	if s.tx == nil {
		return
	}
	if err := s.tx.Commit(); err != nil {
		log.Printf("history: flush commit failed: %v", err)
	}
	s.tx = nil
	s.writeCount = 0
}

func (s *Store) reopenLocked() {
	if s.tx != nil {
		s.tx.Rollback() //nolint:errcheck
		s.tx = nil
		s.writeCount = 0
	}
	if s.db != nil {
		s.db.Close() //nolint:errcheck
	}
	if err := s.open(); err != nil {
		log.Printf("history: failed to reopen database: %v", err)
		return
	}
	s.consecutiveErrors = 0
	log.Printf("history: database connection reopened")
}

// Cleanup deletes samples older than the retention period. Reports are
// kept indefinitely.
func (s *Store) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()

	cutoff := s.now().Unix() - int64(s.retentionDays)*86400
	total := int64(0)
	for _, table := range []string{"bank_samples", "outlet_samples", "environment_samples"} {
		res, err := s.db.Exec("DELETE FROM "+table+" WHERE ts < ?", cutoff)
		if err != nil {
			log.Printf("history: cleanup of %s failed: %v", table, err)
			continue
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	if total > 0 {
		log.Printf("history: cleanup removed %d rows older than %d days", total, s.retentionDays)
	}
}

// Health reports storage health for the web API. The store is healthy
// while the error rate stays under 10%.
func (s *Store) Health() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	healthy := s.writeErrors == 0 ||
		(s.totalWrites > 0 && float64(s.writeErrors)/float64(s.totalWrites) < 0.1)
	return map[string]any{
		"db_path":        s.path,
		"total_writes":   s.totalWrites,
		"write_errors":   s.writeErrors,
		"retention_days": s.retentionDays,
		"healthy":        healthy,
	}
}

// Close commits any open batch and closes the database. Errors are
// logged, not returned; shutdown never fails on history.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			log.Printf("history: error closing database: %v", err)
		}
		s.db = nil
	}
}

// SetClock replaces the store's clock. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
