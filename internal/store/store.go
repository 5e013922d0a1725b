// Package store persists regions and warnings (spec §6 "Persisted state
// layout") using SQLite, the way pkbatx-alert_framework's internal/store
// wraps modernc.org/sqlite: CREATE TABLE IF NOT EXISTS migrations run at
// Open, plain database/sql calls everywhere else.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/couchcryptid/geowarn-engine/internal/domain"
)

// ErrRegionNotFound is returned when a region code has no row.
var ErrRegionNotFound = errors.New("region not found")

// PipelineSource tags a WarningRecord with the component version that wrote
// it. "debug" marks rows written by debug_randomize-equivalent tooling, and
// is excluded from historical-pressure counts.
const (
	PipelineSource = "warning-workflow-engine/v1"
	DebugSource    = "debug"
)

// Store wraps SQLite access for regions and warnings.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store at %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for callers that need to run their own
// transaction spanning multiple Store calls (the run controller's batch
// commit, spec §4.5 step 4).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS regions (
			code TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			lat REAL,
			lon REAL,
			risk_level TEXT NOT NULL DEFAULT 'green',
			last_updated_at TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS warnings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			region_id TEXT NOT NULL,
			level TEXT NOT NULL,
			reason TEXT NOT NULL,
			meteorology TEXT NOT NULL,
			confidence REAL NOT NULL,
			created_at TIMESTAMP NOT NULL,
			source TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_warnings_region_created ON warnings(region_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// UpsertRegion inserts or updates a region's static attributes (name,
// coordinates). It never touches risk_level/last_updated_at — those are
// only written by UpdateRegionRisk, inside a run's commit.
func (s *Store) UpsertRegion(ctx context.Context, r domain.Region) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO regions (code, name, lat, lon, risk_level, last_updated_at)
		VALUES (?, ?, ?, ?, 'green', ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name, lat = excluded.lat, lon = excluded.lon
	`, r.Code, r.Name, nullableFloat(r.Lat), nullableFloat(r.Lon), time.Time{})
	if err != nil {
		return fmt.Errorf("upsert region %s: %w", r.Code, err)
	}
	return nil
}

// GetRegion reads one region.
func (s *Store) GetRegion(ctx context.Context, code string) (domain.Region, error) {
	row := s.db.QueryRowContext(ctx, `SELECT code, name, lat, lon, risk_level, last_updated_at FROM regions WHERE code = ?`, code)
	r, err := scanRegion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Region{}, ErrRegionNotFound
	}
	if err != nil {
		return domain.Region{}, fmt.Errorf("get region %s: %w", code, err)
	}
	return r, nil
}

// ListRegions returns every region, ordered by code (spec §4.7 full-mode
// stable order).
func (s *Store) ListRegions(ctx context.Context) ([]domain.Region, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT code, name, lat, lon, risk_level, last_updated_at FROM regions ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list regions: %w", err)
	}
	defer rows.Close()

	var out []domain.Region
	for rows.Next() {
		r, err := scanRegion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan region: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRegion(row rowScanner) (domain.Region, error) {
	var (
		r             domain.Region
		lat, lon      sql.NullFloat64
		lastUpdatedAt sql.NullTime
	)
	if err := row.Scan(&r.Code, &r.Name, &lat, &lon, &r.RiskLevel, &lastUpdatedAt); err != nil {
		return domain.Region{}, err
	}
	if lat.Valid {
		v := lat.Float64
		r.Lat = &v
	}
	if lon.Valid {
		v := lon.Float64
		r.Lon = &v
	}
	if lastUpdatedAt.Valid {
		r.LastUpdatedAt = lastUpdatedAt.Time
	}
	return r, nil
}

// UpdateRegionRisk writes the committed decision's level back onto the
// region row, inside the caller's transaction (spec §4.5 step 4, invariant
// i: region.risk_level and the new WarningRecord agree after commit).
func UpdateRegionRisk(ctx context.Context, tx *sql.Tx, code string, level domain.Level, at time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE regions SET risk_level = ?, last_updated_at = ? WHERE code = ?`, level, at, code)
	if err != nil {
		return fmt.Errorf("update region risk %s: %w", code, err)
	}
	return nil
}

// InsertWarning writes a new WarningRecord inside the caller's transaction.
func InsertWarning(ctx context.Context, tx *sql.Tx, rec domain.WarningRecord) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO warnings (region_id, level, reason, meteorology, confidence, created_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.RegionID, rec.Level, rec.Reason, rec.Meteorology, rec.Confidence, rec.CreatedAt, rec.Source)
	if err != nil {
		return 0, fmt.Errorf("insert warning for %s: %w", rec.RegionID, err)
	}
	return res.LastInsertId()
}

// LatestWarning returns the most recent WarningRecord for a region, used as
// the pipeline's previous-snapshot input (spec §3 CollectionResult,
// §9 open question (a): a snapshot at run start, never the run's own
// commits).
func (s *Store) LatestWarning(ctx context.Context, regionCode string) (domain.PreviousWarningSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT level, confidence, created_at FROM warnings
		WHERE region_id = ? ORDER BY created_at DESC LIMIT 1
	`, regionCode)

	var snap domain.PreviousWarningSnapshot
	err := row.Scan(&snap.Level, &snap.Confidence, &snap.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PreviousWarningSnapshot{}, nil
	}
	if err != nil {
		return domain.PreviousWarningSnapshot{}, fmt.Errorf("latest warning for %s: %w", regionCode, err)
	}
	snap.Score = levelMidpoint(snap.Level)
	snap.Found = true
	return snap, nil
}

// CountHistoricalEvents counts non-debug warnings of level >= yellow for a
// region within a rolling window of `years` years (spec §4.2, default ten
// years), used as the historical-pressure feature.
func (s *Store) CountHistoricalEvents(ctx context.Context, regionCode string, years int, now time.Time) (int, error) {
	since := now.AddDate(-years, 0, 0)
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM warnings
		WHERE region_id = ? AND created_at >= ? AND source != ? AND level IN ('yellow','orange','red')
	`, regionCode, since, DebugSource)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count historical events for %s: %w", regionCode, err)
	}
	return n, nil
}

// LastQualifyingWarning returns the most recent level>=yellow, non-debug
// warning for a region regardless of window, for display/confidence
// purposes (spec §13 supplemented feature, grounded on the original's
// get_last_disaster_event).
func (s *Store) LastQualifyingWarning(ctx context.Context, regionCode string) (domain.WarningRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, region_id, level, reason, meteorology, confidence, created_at, source FROM warnings
		WHERE region_id = ? AND source != ? AND level IN ('yellow','orange','red')
		ORDER BY created_at DESC LIMIT 1
	`, regionCode, DebugSource)

	var rec domain.WarningRecord
	err := row.Scan(&rec.ID, &rec.RegionID, &rec.Level, &rec.Reason, &rec.Meteorology, &rec.Confidence, &rec.CreatedAt, &rec.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WarningRecord{}, false, nil
	}
	if err != nil {
		return domain.WarningRecord{}, false, fmt.Errorf("last qualifying warning for %s: %w", regionCode, err)
	}
	return rec, true, nil
}

func levelMidpoint(l domain.Level) float64 {
	switch l {
	case domain.LevelGreen:
		return 0.15
	case domain.LevelYellow:
		return 0.42
	case domain.LevelOrange:
		return 0.67
	case domain.LevelRed:
		return 0.9
	default:
		return 0
	}
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}
