package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/pipeline"
)

// SaveRun stores every artifact of res in one transaction.
func (db *Database) SaveRun(res *pipeline.Result) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	farm := res.KPIs.Farm
	curveVersion := 0
	if res.Curve != nil {
		curveVersion = res.Curve.Version
	}
	_, err = tx.Exec(`
		INSERT INTO runs (id, as_of, created_at, turbines, failures, curve_version, farm_turbines,
			installed_kw, energy_kwh, elapsed_hours, capacity_factor, availability, underperformances, deficit_kwh)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, formatTime(res.AsOf), formatTime(time.Now()), len(res.Series), len(res.Failures), curveVersion,
		farm.Turbines, farm.InstalledKW, farm.EnergyKWh, farm.ElapsedHours, farm.CapacityFactor,
		farm.Availability, farm.Underperformances, farm.DeficitKWh,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	steps := []struct {
		name string
		fn   func(*sql.Tx, *pipeline.Result) error
	}{
		{"failures", saveFailures},
		{"quality", saveQuality},
		{"cleaned readings", saveCleaned},
		{"power curves", saveCurves},
		{"events", saveEvents},
		{"faults", saveFaults},
		{"kpis", saveKPIs},
		{"health scores", saveScores},
	}
	for _, s := range steps {
		if err := s.fn(tx, res); err != nil {
			return fmt.Errorf("save %s: %w", s.name, err)
		}
	}
	return tx.Commit()
}

func saveFailures(tx *sql.Tx, res *pipeline.Result) error {
	for _, f := range res.Failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		if _, err := tx.Exec(`INSERT INTO turbine_failures (run_id, turbine_id, stage, error) VALUES (?, ?, ?, ?)`,
			res.RunID, f.TurbineID, f.Stage, msg); err != nil {
			return err
		}
	}
	return nil
}

func saveQuality(tx *sql.Tx, res *pipeline.Result) error {
	stmt, err := tx.Prepare(`
		INSERT INTO quality_summaries (run_id, turbine_id, expected_samples, present_samples, missing_samples,
			invalid_values, interpolated_values, duplicates_dropped, completeness_pct, rejected_days, accepted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, q := range res.Quality {
		if _, err := stmt.Exec(res.RunID, q.TurbineID, q.ExpectedSamples, q.PresentSamples, q.MissingSamples,
			q.InvalidValues, q.Interpolated, q.DuplicatesDrop, q.CompletenessPct,
			strings.Join(q.RejectedDays, ","), q.Accepted); err != nil {
			return err
		}
	}
	return nil
}

func saveCleaned(tx *sql.Tx, res *pipeline.Result) error {
	stmt, err := tx.Prepare(`INSERT INTO cleaned_readings (run_id, ` + readingColumns + `,
			missing, invalid_mask, interpolated_mask)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, s := range res.Series {
		for _, r := range s.Readings() {
			args := append([]interface{}{res.RunID, r.TurbineID, formatTime(r.Timestamp)}, sensorArgs(&r)...)
			args = append(args, r.GridEvent, r.StatusCode, availableArg(&r), r.Maintenance,
				r.Quality.Missing, int64(r.Quality.Invalid), int64(r.Quality.Interpolated))
			if _, err := stmt.Exec(args...); err != nil {
				return err
			}
		}
	}
	return nil
}

func saveCurves(tx *sql.Tx, res *pipeline.Result) error {
	seen := map[int]bool{}
	for _, c := range []*models.PowerCurve{res.BaselineCurve, res.Curve} {
		if c == nil || seen[c.Version] {
			continue
		}
		seen[c.Version] = true
		if _, err := tx.Exec(`
			INSERT INTO power_curves (run_id, version, bin_width, cut_in_speed, cut_out_speed, rated_capacity_kw, training_samples)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, c.Version, c.BinWidth, c.CutInSpeed, c.CutOutSpeed, c.RatedCapacityKW, c.TrainingSamples); err != nil {
			return err
		}
		for _, b := range c.Bins {
			if _, err := tx.Exec(`
				INSERT INTO power_curve_bins (run_id, version, bin_index, wind_low, wind_center, expected_kw, samples, backfilled)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				res.RunID, c.Version, b.Index, b.WindLow, b.WindCenter, b.ExpectedKW, b.Samples, b.Backfilled); err != nil {
				return err
			}
		}
	}
	return nil
}

func saveEvents(tx *sql.Tx, res *pipeline.Result) error {
	for _, e := range res.Events {
		if _, err := tx.Exec(`
			INSERT INTO underperformance_events (run_id, turbine_id, start_ts, end_ts, samples,
				observed_kwh, expected_kwh, deficit_kwh, deficit_pct)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, e.TurbineID, formatTime(e.Start), formatTime(e.End), e.Samples,
			e.ObservedKWh, e.ExpectedKWh, e.DeficitKWh, e.DeficitPct); err != nil {
			return err
		}
	}
	return nil
}

func saveFaults(tx *sql.Tx, res *pipeline.Result) error {
	stmt, err := tx.Prepare(`
		INSERT INTO fault_records (run_id, turbine_id, ts, category, severity, severity_level, contributing, annotation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, f := range res.Faults {
		contrib, err := json.Marshal(f.Contributing)
		if err != nil {
			return err
		}
		if _, err := stmt.Exec(res.RunID, f.TurbineID, formatTime(f.Timestamp), string(f.Category),
			f.Severity, f.SeverityLevel, string(contrib), f.Annotation); err != nil {
			return err
		}
	}
	return nil
}

func saveKPIs(tx *sql.Tx, res *pipeline.Result) error {
	for _, k := range res.KPIs.Turbines {
		if _, err := tx.Exec(`
			INSERT INTO turbine_kpis (run_id, turbine_id, samples, energy_kwh, elapsed_hours, capacity_factor,
				availability, completeness_pct, mean_wind_speed, underperformances, deficit_kwh,
				in_service_samples, rated_samples)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, k.TurbineID, k.Samples, k.EnergyKWh, k.ElapsedHours, k.CapacityFactor,
			k.Availability, k.CompletenessPct, k.MeanWindSpeed, k.Underperformances, k.DeficitKWh,
			k.InServiceSamples, k.RatedSamples); err != nil {
			return err
		}
	}
	return nil
}

func saveScores(tx *sql.Tx, res *pipeline.Result) error {
	for _, s := range res.Scores {
		if err := insertScore(tx, res.RunID, s); err != nil {
			return err
		}
	}
	return nil
}

func insertScore(tx *sql.Tx, runID string, s models.HealthScore) error {
	penalties, err := json.Marshal(s.Penalties)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`
		INSERT INTO health_scores (run_id, turbine_id, as_of, score, failure_probability, state, dominant_risk,
			action_window, penalties, oil_slope, vibration_slope, fault_count, window_samples)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, s.TurbineID, formatTime(s.AsOf), s.Score, s.FailureProbability, s.State, s.DominantRisk,
		s.ActionWindow, string(penalties), s.OilSlope, s.VibrationSlope, s.FaultCount, s.WindowSamples)
	return err
}

// ListRuns returns stored runs, newest first
func (db *Database) ListRuns() ([]models.RunInfo, error) {
	rows, err := db.conn.Query(`
		SELECT id, as_of, created_at, turbines, failures, curve_version
		FROM runs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RunInfo
	for rows.Next() {
		info, err := scanRunInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// GetRun returns one run or ErrNotFound
func (db *Database) GetRun(id string) (models.RunInfo, error) {
	row := db.conn.QueryRow(`
		SELECT id, as_of, created_at, turbines, failures, curve_version
		FROM runs WHERE id = ?`, id)
	info, err := scanRunInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return info, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return info, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRunInfo(s scanner) (models.RunInfo, error) {
	var info models.RunInfo
	var asOf, created string
	if err := s.Scan(&info.ID, &asOf, &created, &info.Turbines, &info.Failures, &info.CurveVer); err != nil {
		return info, err
	}
	var err error
	if info.AsOf, err = parseTime(asOf); err != nil {
		return info, err
	}
	info.CreatedAt, err = parseTime(created)
	return info, err
}

// RunKPIs returns the farm and turbine KPIs of a run
func (db *Database) RunKPIs(runID string) (models.KPIReport, error) {
	var report models.KPIReport
	f := &report.Farm
	err := db.conn.QueryRow(`
		SELECT farm_turbines, installed_kw, energy_kwh, elapsed_hours, capacity_factor, availability,
			underperformances, deficit_kwh
		FROM runs WHERE id = ?`, runID).Scan(
		&f.Turbines, &f.InstalledKW, &f.EnergyKWh, &f.ElapsedHours, &f.CapacityFactor, &f.Availability,
		&f.Underperformances, &f.DeficitKWh)
	if errors.Is(err, sql.ErrNoRows) {
		return report, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return report, err
	}

	rows, err := db.conn.Query(`
		SELECT turbine_id, samples, energy_kwh, elapsed_hours, capacity_factor, availability, completeness_pct,
			mean_wind_speed, underperformances, deficit_kwh, in_service_samples, rated_samples
		FROM turbine_kpis WHERE run_id = ? ORDER BY turbine_id`, runID)
	if err != nil {
		return report, err
	}
	defer rows.Close()
	for rows.Next() {
		var k models.TurbineKPI
		if err := rows.Scan(&k.TurbineID, &k.Samples, &k.EnergyKWh, &k.ElapsedHours, &k.CapacityFactor,
			&k.Availability, &k.CompletenessPct, &k.MeanWindSpeed, &k.Underperformances, &k.DeficitKWh,
			&k.InServiceSamples, &k.RatedSamples); err != nil {
			return report, err
		}
		report.Turbines = append(report.Turbines, k)
	}
	return report, rows.Err()
}

// RunPowerCurve returns the final (highest-version) curve of a run
func (db *Database) RunPowerCurve(runID string) (*models.PowerCurve, error) {
	var c models.PowerCurve
	err := db.conn.QueryRow(`
		SELECT version, bin_width, cut_in_speed, cut_out_speed, rated_capacity_kw, training_samples
		FROM power_curves WHERE run_id = ? ORDER BY version DESC LIMIT 1`, runID).Scan(
		&c.Version, &c.BinWidth, &c.CutInSpeed, &c.CutOutSpeed, &c.RatedCapacityKW, &c.TrainingSamples)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("power curve for run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(`
		SELECT bin_index, wind_low, wind_center, expected_kw, samples, backfilled
		FROM power_curve_bins WHERE run_id = ? AND version = ? ORDER BY bin_index`, runID, c.Version)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var b models.CurveBin
		if err := rows.Scan(&b.Index, &b.WindLow, &b.WindCenter, &b.ExpectedKW, &b.Samples, &b.Backfilled); err != nil {
			return nil, err
		}
		c.Bins = append(c.Bins, b)
	}
	return &c, rows.Err()
}

// RunEvents returns the underperformance events of a run
func (db *Database) RunEvents(runID, turbineID string) ([]models.UnderperformanceEvent, error) {
	query := `
		SELECT turbine_id, start_ts, end_ts, samples, observed_kwh, expected_kwh, deficit_kwh, deficit_pct
		FROM underperformance_events WHERE run_id = ?`
	args := []interface{}{runID}
	if turbineID != "" {
		query += " AND turbine_id = ?"
		args = append(args, turbineID)
	}
	query += " ORDER BY turbine_id, start_ts"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.UnderperformanceEvent
	for rows.Next() {
		var e models.UnderperformanceEvent
		var start, end string
		if err := rows.Scan(&e.TurbineID, &start, &end, &e.Samples, &e.ObservedKWh, &e.ExpectedKWh,
			&e.DeficitKWh, &e.DeficitPct); err != nil {
			return nil, err
		}
		if e.Start, err = parseTime(start); err != nil {
			return nil, err
		}
		if e.End, err = parseTime(end); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// FaultQuery filters stored fault records.
type FaultQuery struct {
	TurbineID  string
	Category   models.FaultCategory
	FaultsOnly bool // skip NO_FAULT records
	Limit      int
}

// RunFaults returns the fault records of a run in time order
func (db *Database) RunFaults(runID string, q FaultQuery) ([]models.FaultRecord, error) {
	conditions := []string{"run_id = ?"}
	args := []interface{}{runID}
	if q.TurbineID != "" {
		conditions = append(conditions, "turbine_id = ?")
		args = append(args, q.TurbineID)
	}
	if q.Category != "" {
		conditions = append(conditions, "category = ?")
		args = append(args, string(q.Category))
	}
	if q.FaultsOnly {
		conditions = append(conditions, "category != ?")
		args = append(args, string(models.FaultNone))
	}

	query := `
		SELECT turbine_id, ts, category, severity, severity_level, contributing, annotation
		FROM fault_records WHERE ` + strings.Join(conditions, " AND ") + ` ORDER BY turbine_id, ts`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FaultRecord
	for rows.Next() {
		var f models.FaultRecord
		var ts, category, contrib string
		if err := rows.Scan(&f.TurbineID, &ts, &category, &f.Severity, &f.SeverityLevel, &contrib, &f.Annotation); err != nil {
			return nil, err
		}
		if f.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		f.Category = models.FaultCategory(category)
		if contrib != "" && contrib != "null" {
			if err := json.Unmarshal([]byte(contrib), &f.Contributing); err != nil {
				return nil, err
			}
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const scoreColumns = `turbine_id, as_of, score, failure_probability, state, dominant_risk, action_window,
	penalties, oil_slope, vibration_slope, fault_count, window_samples`

func scanScore(s scanner) (models.HealthScore, error) {
	var h models.HealthScore
	var asOf, penalties string
	if err := s.Scan(&h.TurbineID, &asOf, &h.Score, &h.FailureProbability, &h.State, &h.DominantRisk,
		&h.ActionWindow, &penalties, &h.OilSlope, &h.VibrationSlope, &h.FaultCount, &h.WindowSamples); err != nil {
		return h, err
	}
	var err error
	if h.AsOf, err = parseTime(asOf); err != nil {
		return h, err
	}
	if penalties != "" && penalties != "null" {
		err = json.Unmarshal([]byte(penalties), &h.Penalties)
	}
	return h, err
}

// RunHealth returns the health scores of a run ordered by turbine
func (db *Database) RunHealth(runID string) ([]models.HealthScore, error) {
	rows, err := db.conn.Query(`SELECT `+scoreColumns+` FROM health_scores WHERE run_id = ? ORDER BY turbine_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HealthScore
	for rows.Next() {
		h, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HealthHistory returns the latest revision of each as-of date for a
// turbine, oldest first. Earlier revisions stay stored.
func (db *Database) HealthHistory(turbineID string) ([]models.HealthScore, error) {
	rows, err := db.conn.Query(`SELECT `+scoreColumns+` FROM health_scores
		WHERE turbine_id = ? ORDER BY as_of, id`, turbineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.HealthScore
	for rows.Next() {
		h, err := scanScore(rows)
		if err != nil {
			return nil, err
		}
		if n := len(out); n > 0 && out[n-1].AsOf.Equal(h.AsOf) {
			out[n-1] = h
			continue
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HealthRevisions counts stored score rows for a turbine and as-of date
func (db *Database) HealthRevisions(turbineID string, asOf time.Time) (int, error) {
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM health_scores WHERE turbine_id = ? AND as_of = ?`,
		turbineID, formatTime(asOf)).Scan(&n)
	return n, err
}

// RunQuality returns the data-quality summaries of a run
func (db *Database) RunQuality(runID string) ([]models.QualitySummary, error) {
	rows, err := db.conn.Query(`
		SELECT turbine_id, expected_samples, present_samples, missing_samples, invalid_values,
			interpolated_values, duplicates_dropped, completeness_pct, rejected_days, accepted
		FROM quality_summaries WHERE run_id = ? ORDER BY turbine_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.QualitySummary
	for rows.Next() {
		var q models.QualitySummary
		var rejected string
		if err := rows.Scan(&q.TurbineID, &q.ExpectedSamples, &q.PresentSamples, &q.MissingSamples,
			&q.InvalidValues, &q.Interpolated, &q.DuplicatesDrop, &q.CompletenessPct, &rejected, &q.Accepted); err != nil {
			return nil, err
		}
		if rejected != "" {
			q.RejectedDays = strings.Split(rejected, ",")
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// RunFailures returns the turbines dropped from a run
func (db *Database) RunFailures(runID string) ([]pipeline.TurbineFailure, error) {
	rows, err := db.conn.Query(`SELECT turbine_id, stage, error FROM turbine_failures WHERE run_id = ? ORDER BY turbine_id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.TurbineFailure
	for rows.Next() {
		var f pipeline.TurbineFailure
		var msg string
		if err := rows.Scan(&f.TurbineID, &f.Stage, &msg); err != nil {
			return nil, err
		}
		f.Err = errors.New(msg)
		out = append(out, f)
	}
	return out, rows.Err()
}

// RunCleanedReadings returns the cleaned series of one turbine in a run
func (db *Database) RunCleanedReadings(runID, turbineID string) ([]models.Reading, error) {
	rows, err := db.conn.Query(`SELECT `+readingColumns+`, missing, invalid_mask, interpolated_mask
		FROM cleaned_readings WHERE run_id = ? AND turbine_id = ? ORDER BY ts`, runID, turbineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Reading
	for rows.Next() {
		var r models.Reading
		var s readingScanner
		var invalid, interpolated int64
		dest := append(s.dest(&r), &r.Quality.Missing, &invalid, &interpolated)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		if err := s.fill(&r); err != nil {
			return nil, err
		}
		r.Quality.Invalid = models.FieldSet(invalid)
		r.Quality.Interpolated = models.FieldSet(interpolated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRunID returns the id of the most recently stored run
func (db *Database) LatestRunID() (string, error) {
	var id string
	err := db.conn.QueryRow(`SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("latest run: %w", ErrNotFound)
	}
	return id, err
}
