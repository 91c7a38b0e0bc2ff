// Package journal keeps a persistent record of refresh cycles in SQLite.
// The web UI reads it to show what the panel has been doing, and unlike
// the orchestrator's in-memory counters it survives restarts.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	appLog "inkcal/internal/log"
	"inkcal/internal/refresh"
)

// Schema for the refresh_cycles table, applied by Store.Init.
const schema = `
CREATE TABLE IF NOT EXISTS refresh_cycles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	at INTEGER NOT NULL,
	strategy TEXT NOT NULL,
	regions INTEGER NOT NULL,
	changed_area INTEGER NOT NULL,
	duration_us INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_refresh_cycles_at ON refresh_cycles(at);
`

// OpenDB opens the journal database, creating parent directories and the
// file as needed. WAL keeps web reads from blocking the flush writer; the
// busy timeout covers the occasional overlap between the two.
func OpenDB(path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("journal: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}
	if path == ":memory:" {
		// Every pool connection gets its own empty in-memory database;
		// a single connection keeps tests on the one holding the schema.
		db.SetMaxOpenConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: %s: %w", pragma, err)
		}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	return db, nil
}

// Entry is one journaled refresh cycle.
type Entry struct {
	ID          int64
	At          time.Time
	Strategy    string
	Regions     int
	ChangedArea int
	Duration    time.Duration
	Err         string
}

const (
	bufferSize = 256
	batchSize  = 64
)

// Store batches cycle records into SQLite off the refresh path. It does
// not own the database handle; close the Store before the handle.
type Store struct {
	db   *sql.DB
	ch   chan refresh.CycleRecord
	done chan struct{}
	once sync.Once
}

// NewStore starts the flush goroutine. Call Init before recording into a
// fresh database.
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		ch:   make(chan refresh.CycleRecord, bufferSize),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// Init creates the refresh_cycles table if it does not exist.
func (s *Store) Init() error {
	_, err := s.db.Exec(schema)
	return err
}

// RecordAsync queues one cycle for persistence. Non-blocking: a refresh
// cycle must never stall on its own bookkeeping, so when the buffer is
// full the record is dropped.
func (s *Store) RecordAsync(rec refresh.CycleRecord) {
	select {
	case s.ch <- rec:
	default:
	}
}

// Close drains the buffer and stops the flush goroutine.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]refresh.CycleRecord, 0, batchSize)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *Store) flushBatch(batch []refresh.CycleRecord) {
	if len(batch) == 0 {
		return
	}
	tx, err := s.db.Begin()
	if err != nil {
		appLog.Error("journal: begin tx", err)
		return
	}
	stmt, err := tx.Prepare(`INSERT INTO refresh_cycles (at, strategy, regions, changed_area, duration_us, error)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		appLog.Error("journal: prepare", err)
		return
	}
	defer stmt.Close()

	for _, rec := range batch {
		_, err := stmt.Exec(rec.At.UnixMilli(), rec.Strategy.String(), rec.Regions,
			rec.ChangedArea, rec.Duration.Microseconds(), rec.Err)
		if err != nil {
			appLog.Error("journal: insert", err)
		}
	}
	if err := tx.Commit(); err != nil {
		appLog.Error("journal: commit", err)
	}
}

// Recent returns the newest n cycles, newest first.
func (s *Store) Recent(n int) ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, at, strategy, regions, changed_area, duration_us, error
		FROM refresh_cycles ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("journal: recent: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e     Entry
			atMs  int64
			durUs int64
		)
		if err := rows.Scan(&e.ID, &atMs, &e.Strategy, &e.Regions, &e.ChangedArea, &durUs, &e.Err); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.At = time.UnixMilli(atMs)
		e.Duration = time.Duration(durUs) * time.Microsecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Totals counts all journaled cycles by outcome. Failed cycles count only
// as failed, matching the orchestrator's in-memory totals.
func (s *Store) Totals() (refresh.Totals, error) {
	rows, err := s.db.Query(`SELECT strategy, error != '', COUNT(*) FROM refresh_cycles GROUP BY 1, 2`)
	if err != nil {
		return refresh.Totals{}, fmt.Errorf("journal: totals: %w", err)
	}
	defer rows.Close()

	var t refresh.Totals
	for rows.Next() {
		var (
			strategy string
			failed   bool
			n        uint64
		)
		if err := rows.Scan(&strategy, &failed, &n); err != nil {
			return refresh.Totals{}, fmt.Errorf("journal: scan: %w", err)
		}
		switch {
		case failed:
			t.Failed += n
		case strategy == "full":
			t.Full += n
		case strategy == "partial":
			t.Partial += n
		case strategy == "skip":
			t.Skip += n
		}
	}
	return t, rows.Err()
}

// Prune deletes cycles older than keep and reports how many were removed.
func (s *Store) Prune(keep time.Duration) (int64, error) {
	cutoff := time.Now().Add(-keep).UnixMilli()
	res, err := s.db.Exec(`DELETE FROM refresh_cycles WHERE at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	return res.RowsAffected()
}
