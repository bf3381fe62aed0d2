package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/elevated-systems/be-water-smart/pkg/bewatersmart/types"
)

// ErrNoHistory is returned when no forecast was stored for a model
var ErrNoHistory = errors.New("no stored forecast")

// Entry is one forecast as it was fetched
type Entry struct {
	ID        int64                 `json:"id"`
	Model     types.ModelKey        `json:"model"`
	FetchedAt time.Time             `json:"fetchedAt"`
	Points    []types.ForecastPoint `json:"points"`
}

// Store keeps fetched forecasts in a local SQLite database
type Store struct {
	db       *sql.DB
	dbPath   string
	clock    clock.PassiveClock
	mutex    sync.RWMutex
	prepared map[string]*sql.Stmt
}

// Open opens or creates the database at dbPath
func Open(dbPath string) (*Store, error) {
	return OpenWithClock(dbPath, clock.RealClock{})
}

// OpenWithClock is Open with an explicit clock for timestamps and retention
func OpenWithClock(dbPath string, clk clock.PassiveClock) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %v", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %v", err)
	}

	s := &Store{
		db:       db,
		dbPath:   dbPath,
		clock:    clk,
		prepared: make(map[string]*sql.Stmt),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %v", err)
	}

	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %v", err)
	}

	klog.V(2).InfoS("Opened forecast history", "path", dbPath)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS forecast_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ref_meter TEXT NOT NULL,
		algorithm TEXT NOT NULL,
		fetched_at DATETIME NOT NULL,
		point_count INTEGER NOT NULL,
		points TEXT NOT NULL -- JSON array as returned by the API
	);

	CREATE INDEX IF NOT EXISTS idx_model_fetched ON forecast_runs(ref_meter, algorithm, fetched_at);
	CREATE INDEX IF NOT EXISTS idx_fetched_at ON forecast_runs(fetched_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	statements := map[string]string{
		"insert": `
			INSERT INTO forecast_runs (ref_meter, algorithm, fetched_at, point_count, points)
			VALUES (?, ?, ?, ?, ?)
		`,
		"select_model": `
			SELECT id, ref_meter, algorithm, fetched_at, points
			FROM forecast_runs
			WHERE ref_meter = ? AND algorithm = ?
			ORDER BY fetched_at DESC, id DESC
			LIMIT ?
		`,
		"cleanup": `
			DELETE FROM forecast_runs
			WHERE fetched_at < ?
		`,
	}

	for name, query := range statements {
		stmt, err := s.db.Prepare(query)
		if err != nil {
			return fmt.Errorf("failed to prepare statement %s: %v", name, err)
		}
		s.prepared[name] = stmt
	}

	return nil
}

// RecordForecast stores points as the newest forecast of key
func (s *Store) RecordForecast(ctx context.Context, key types.ModelKey, points []types.ForecastPoint) error {
	data, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("failed to marshal forecast: %v", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	fetchedAt := s.clock.Now().UTC()
	if _, err := s.prepared["insert"].ExecContext(ctx, key.RefMeter, key.Algorithm, fetchedAt, len(points), string(data)); err != nil {
		return fmt.Errorf("failed to store forecast: %v", err)
	}

	klog.V(3).InfoS("Stored forecast",
		"model", key.String(),
		"points", len(points),
		"fetchedAt", fetchedAt)

	return nil
}

// List returns up to limit stored forecasts of key, newest first
func (s *Store) List(ctx context.Context, key types.ModelKey, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 1
	}

	s.mutex.RLock()
	defer s.mutex.RUnlock()

	rows, err := s.prepared["select_model"].QueryContext(ctx, key.RefMeter, key.Algorithm, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query forecasts: %v", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			pointsJSON string
		)
		if err := rows.Scan(&e.ID, &e.Model.RefMeter, &e.Model.Algorithm, &e.FetchedAt, &pointsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan row: %v", err)
		}
		if err := json.Unmarshal([]byte(pointsJSON), &e.Points); err != nil {
			return nil, fmt.Errorf("failed to decode stored forecast %d: %v", e.ID, err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %v", err)
	}

	return entries, nil
}

// Latest returns the newest stored forecast of key
func (s *Store) Latest(ctx context.Context, key types.ModelKey) (*Entry, error) {
	entries, err := s.List(ctx, key, 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrNoHistory
	}
	return &entries[0], nil
}

// Cleanup removes forecasts fetched more than retentionDays ago
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	cutoff := s.clock.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.prepared["cleanup"].ExecContext(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old forecasts: %v", err)
	}

	rowsAffected, _ := result.RowsAffected()
	klog.V(2).InfoS("Cleaned up old forecasts",
		"cutoff", cutoff,
		"rowsDeleted", rowsAffected)

	return rowsAffected, nil
}

// RunCleanup prunes once a day until ctx is done
func (s *Store) RunCleanup(ctx context.Context, retentionDays int, clk clock.WithTicker) {
	ticker := clk.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		if _, err := s.Cleanup(ctx, retentionDays); err != nil {
			klog.ErrorS(err, "Forecast history cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}
	}
}

// Close closes the database connection
func (s *Store) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, stmt := range s.prepared {
		stmt.Close()
	}

	return s.db.Close()
}
