package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"turbine-health-monitor/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// tsLayout is fixed-width so stored timestamps sort lexicographically.
const tsLayout = "2006-01-02T15:04:05.000Z"

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_foreign_keys=on", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite works best with a single writer
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turbines (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		turbine_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		wind_speed REAL,
		power_kw REAL,
		gear_oil_temp_c REAL,
		nacelle_temp_c REAL,
		vibration_g_rms REAL,
		pitch_angle_deg REAL,
		yaw_misalignment_deg REAL,
		grid_event TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		available INTEGER,
		maintenance INTEGER NOT NULL DEFAULT 0,
		invalid_mask INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (turbine_id) REFERENCES turbines(id)
	);

	CREATE INDEX IF NOT EXISTS idx_readings_turbine_ts ON readings(turbine_id, ts);
	CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		as_of TEXT NOT NULL,
		created_at TEXT NOT NULL,
		turbines INTEGER NOT NULL,
		failures INTEGER NOT NULL,
		curve_version INTEGER NOT NULL,
		farm_turbines INTEGER NOT NULL,
		installed_kw REAL NOT NULL,
		energy_kwh REAL NOT NULL,
		elapsed_hours REAL NOT NULL,
		capacity_factor REAL NOT NULL,
		availability REAL NOT NULL,
		underperformances INTEGER NOT NULL,
		deficit_kwh REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS turbine_failures (
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		error TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quality_summaries (
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		expected_samples INTEGER NOT NULL,
		present_samples INTEGER NOT NULL,
		missing_samples INTEGER NOT NULL,
		invalid_values INTEGER NOT NULL,
		interpolated_values INTEGER NOT NULL,
		duplicates_dropped INTEGER NOT NULL,
		completeness_pct REAL NOT NULL,
		rejected_days TEXT NOT NULL,
		accepted INTEGER NOT NULL,
		PRIMARY KEY (run_id, turbine_id)
	);

	CREATE TABLE IF NOT EXISTS cleaned_readings (
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		wind_speed REAL,
		power_kw REAL,
		gear_oil_temp_c REAL,
		nacelle_temp_c REAL,
		vibration_g_rms REAL,
		pitch_angle_deg REAL,
		yaw_misalignment_deg REAL,
		grid_event TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		available INTEGER,
		maintenance INTEGER NOT NULL,
		missing INTEGER NOT NULL,
		invalid_mask INTEGER NOT NULL,
		interpolated_mask INTEGER NOT NULL,
		PRIMARY KEY (run_id, turbine_id, ts)
	);

	CREATE TABLE IF NOT EXISTS power_curves (
		run_id TEXT NOT NULL REFERENCES runs(id),
		version INTEGER NOT NULL,
		bin_width REAL NOT NULL,
		cut_in_speed REAL NOT NULL,
		cut_out_speed REAL NOT NULL,
		rated_capacity_kw REAL NOT NULL,
		training_samples INTEGER NOT NULL,
		PRIMARY KEY (run_id, version)
	);

	CREATE TABLE IF NOT EXISTS power_curve_bins (
		run_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		bin_index INTEGER NOT NULL,
		wind_low REAL NOT NULL,
		wind_center REAL NOT NULL,
		expected_kw REAL NOT NULL,
		samples INTEGER NOT NULL,
		backfilled INTEGER NOT NULL,
		PRIMARY KEY (run_id, version, bin_index),
		FOREIGN KEY (run_id, version) REFERENCES power_curves(run_id, version)
	);

	CREATE TABLE IF NOT EXISTS underperformance_events (
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		start_ts TEXT NOT NULL,
		end_ts TEXT NOT NULL,
		samples INTEGER NOT NULL,
		observed_kwh REAL NOT NULL,
		expected_kwh REAL NOT NULL,
		deficit_kwh REAL NOT NULL,
		deficit_pct REAL NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fault_records (
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		ts TEXT NOT NULL,
		category TEXT NOT NULL,
		severity REAL NOT NULL,
		severity_level TEXT NOT NULL,
		contributing TEXT NOT NULL,
		annotation TEXT NOT NULL,
		PRIMARY KEY (run_id, turbine_id, ts)
	);

	CREATE INDEX IF NOT EXISTS idx_fault_records_category ON fault_records(run_id, category);

	CREATE TABLE IF NOT EXISTS turbine_kpis (
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		samples INTEGER NOT NULL,
		energy_kwh REAL NOT NULL,
		elapsed_hours REAL NOT NULL,
		capacity_factor REAL NOT NULL,
		availability REAL NOT NULL,
		completeness_pct REAL NOT NULL,
		mean_wind_speed REAL NOT NULL,
		underperformances INTEGER NOT NULL,
		deficit_kwh REAL NOT NULL,
		in_service_samples INTEGER NOT NULL,
		rated_samples INTEGER NOT NULL,
		PRIMARY KEY (run_id, turbine_id)
	);

	CREATE TABLE IF NOT EXISTS health_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES runs(id),
		turbine_id TEXT NOT NULL,
		as_of TEXT NOT NULL,
		score REAL NOT NULL,
		failure_probability REAL NOT NULL,
		state TEXT NOT NULL,
		dominant_risk TEXT NOT NULL,
		action_window TEXT NOT NULL,
		penalties TEXT NOT NULL,
		oil_slope REAL NOT NULL,
		vibration_slope REAL NOT NULL,
		fault_count INTEGER NOT NULL,
		window_samples INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_health_scores_turbine ON health_scores(turbine_id, as_of);

	-- Health history is append-only: re-scoring adds a revision.
	CREATE TRIGGER IF NOT EXISTS health_scores_no_update BEFORE UPDATE ON health_scores
	BEGIN SELECT RAISE(ABORT, 'health_scores is append-only'); END;
	CREATE TRIGGER IF NOT EXISTS health_scores_no_delete BEFORE DELETE ON health_scores
	BEGIN SELECT RAISE(ABORT, 'health_scores is append-only'); END;
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return models.Float(v.Float64)
}

func nullBool(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	return models.Bool(v.Bool)
}

// sensorArgs returns the sensor columns of r in schema order.
func sensorArgs(r *models.Reading) []interface{} {
	args := make([]interface{}, 0, len(models.SensorFields))
	for _, f := range models.SensorFields {
		if v, ok := r.Get(f); ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	return args
}

func availableArg(r *models.Reading) interface{} {
	if r.Available == nil {
		return nil
	}
	return *r.Available
}

// readingScanner collects the shared column set of readings and
// cleaned_readings.
type readingScanner struct {
	ts          string
	sensors     [7]sql.NullFloat64
	available   sql.NullBool
	maintenance bool
}

func (s *readingScanner) dest(r *models.Reading) []interface{} {
	d := []interface{}{&r.TurbineID, &s.ts}
	for i := range s.sensors {
		d = append(d, &s.sensors[i])
	}
	return append(d, &r.GridEvent, &r.StatusCode, &s.available, &s.maintenance)
}

func (s *readingScanner) fill(r *models.Reading) error {
	ts, err := parseTime(s.ts)
	if err != nil {
		return err
	}
	r.Timestamp = ts
	for i, f := range models.SensorFields {
		if p := nullFloat(s.sensors[i]); p != nil {
			r.Set(f, *p)
		}
	}
	r.Available = nullBool(s.available)
	r.Maintenance = s.maintenance
	return nil
}

const readingColumns = `turbine_id, ts, wind_speed, power_kw, gear_oil_temp_c, nacelle_temp_c,
	vibration_g_rms, pitch_angle_deg, yaw_misalignment_deg, grid_event, status_code, available, maintenance`

// InsertReadingsBatch stores raw readings in one transaction. Each stored
// reading's Seq is set to its row id, so later ingests win on duplicates.
func (db *Database) InsertReadingsBatch(records []models.Reading) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	turbineStmt, err := tx.Prepare(`INSERT OR IGNORE INTO turbines (id, created_at) VALUES (?, ?)`)
	if err != nil {
		return 0, err
	}
	defer turbineStmt.Close()

	stmt, err := tx.Prepare(`INSERT INTO readings (` + readingColumns + `, invalid_mask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	now := formatTime(time.Now())
	seen := make(map[string]bool)
	var count int64
	for i := range records {
		r := &records[i]
		if !seen[r.TurbineID] {
			if _, err := turbineStmt.Exec(r.TurbineID, now); err != nil {
				return 0, fmt.Errorf("insert turbine %s: %w", r.TurbineID, err)
			}
			seen[r.TurbineID] = true
		}
		args := append([]interface{}{r.TurbineID, formatTime(r.Timestamp)}, sensorArgs(r)...)
		args = append(args, r.GridEvent, r.StatusCode, availableArg(r), r.Maintenance, int64(r.Quality.Invalid))
		res, err := stmt.Exec(args...)
		if err != nil {
			return 0, fmt.Errorf("insert reading %d: %w", i, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			r.Seq = id
		}
		count++
	}

	return count, tx.Commit()
}

// QueryReadings retrieves raw readings in time order, oldest first
func (db *Database) QueryReadings(q models.ReadingQuery) ([]models.Reading, error) {
	var conditions []string
	var args []interface{}

	baseQuery := `SELECT id, ` + readingColumns + `, invalid_mask FROM readings`

	if q.TurbineID != "" {
		conditions = append(conditions, "turbine_id = ?")
		args = append(args, q.TurbineID)
	}
	if !q.StartTime.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, formatTime(q.StartTime))
	}
	if !q.EndTime.IsZero() {
		conditions = append(conditions, "ts <= ?")
		args = append(args, formatTime(q.EndTime))
	}

	if len(conditions) > 0 {
		baseQuery += " WHERE " + strings.Join(conditions, " AND ")
	}

	baseQuery += " ORDER BY ts, id"

	if q.Limit > 0 {
		baseQuery += fmt.Sprintf(" LIMIT %d", q.Limit)
		if q.Offset > 0 {
			baseQuery += fmt.Sprintf(" OFFSET %d", q.Offset)
		}
	}

	rows, err := db.conn.Query(baseQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.Reading
	for rows.Next() {
		var r models.Reading
		var s readingScanner
		var invalid int64
		dest := append([]interface{}{&r.Seq}, s.dest(&r)...)
		if err := rows.Scan(append(dest, &invalid)...); err != nil {
			return nil, err
		}
		if err := s.fill(&r); err != nil {
			return nil, err
		}
		r.Quality.Invalid = models.FieldSet(invalid)
		results = append(results, r)
	}

	return results, rows.Err()
}

// ListTurbines returns every known turbine with its stored-data span
func (db *Database) ListTurbines() ([]models.TurbineSummary, error) {
	rows, err := db.conn.Query(`
		SELECT t.id, COUNT(r.id), COALESCE(MIN(r.ts), ''), COALESCE(MAX(r.ts), '')
		FROM turbines t
		LEFT JOIN readings r ON r.turbine_id = t.id
		GROUP BY t.id
		ORDER BY t.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TurbineSummary
	for rows.Next() {
		var s models.TurbineSummary
		var first, last string
		if err := rows.Scan(&s.TurbineID, &s.Readings, &first, &last); err != nil {
			return nil, err
		}
		if first != "" {
			if s.First, err = parseTime(first); err != nil {
				return nil, err
			}
			if s.Last, err = parseTime(last); err != nil {
				return nil, err
			}
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetRecordCount returns total raw readings
func (db *Database) GetRecordCount() (int64, error) {
	var count int64
	err := db.conn.QueryRow("SELECT COUNT(*) FROM readings").Scan(&count)
	return count, err
}

// GetStats returns database statistics
func (db *Database) GetStats() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	counts := []struct {
		key   string
		query string
	}{
		{"total_readings", "SELECT COUNT(*) FROM readings"},
		{"total_turbines", "SELECT COUNT(*) FROM turbines"},
		{"total_runs", "SELECT COUNT(*) FROM runs"},
		{"health_score_revisions", "SELECT COUNT(*) FROM health_scores"},
		{"fault_records", "SELECT COUNT(*) FROM fault_records WHERE category != 'NO_FAULT'"},
	}
	for _, c := range counts {
		var n int64
		if err := db.conn.QueryRow(c.query).Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", c.key, err)
		}
		stats[c.key] = n
	}

	var latest sql.NullString
	if err := db.conn.QueryRow("SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1").Scan(&latest); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if latest.Valid {
		stats["latest_run"] = latest.String
	}

	return stats, nil
}
