// Package export writes run artifacts as flat CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/pipeline"
)

const timeLayout = time.RFC3339

// ReadingHeader is the column order of raw and cleaned reading files.
var ReadingHeader = []string{
	"timestamp", "turbine_id", "wind_speed", "power_kw", "gear_oil_temp_c", "nacelle_temp_c",
	"vibration_g_rms", "pitch_angle_deg", "yaw_misalignment_deg", "grid_event", "status_code",
	"available", "maintenance",
}

// WriteRun creates dir/<run_id> and writes every artifact of res into it.
// The run directory must not already exist.
func WriteRun(dir string, res *pipeline.Result) (string, error) {
	if res.RunID == "" {
		return "", fmt.Errorf("export: result has no run id")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("export: %w", err)
	}
	runDir := filepath.Join(dir, res.RunID)
	if err := os.Mkdir(runDir, 0o755); err != nil {
		return "", fmt.Errorf("export: create run directory: %w", err)
	}

	files := []struct {
		name  string
		write func(*csv.Writer, *pipeline.Result) error
	}{
		{"cleaned_series.csv", writeCleaned},
		{"power_curve.csv", writeCurve},
		{"underperformance_events.csv", writeEvents},
		{"fault_records.csv", writeFaults},
		{"health_scores.csv", writeScores},
		{"turbine_kpis.csv", writeKPIs},
		{"data_quality.csv", writeQuality},
	}
	for _, f := range files {
		if err := writeFile(filepath.Join(runDir, f.name), func(w *csv.Writer) error { return f.write(w, res) }); err != nil {
			return runDir, fmt.Errorf("export %s: %w", f.name, err)
		}
	}
	return runDir, nil
}

func writeFile(path string, fn func(*csv.Writer) error) error {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	w := csv.NewWriter(file)
	if err := fn(w); err != nil {
		file.Close()
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// WriteReadingsCSV writes readings in the ingest CSV layout.
func WriteReadingsCSV(out io.Writer, readings []models.Reading) error {
	w := csv.NewWriter(out)
	if err := w.Write(ReadingHeader); err != nil {
		return err
	}
	for i := range readings {
		if err := w.Write(readingRow(&readings[i])); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func readingRow(r *models.Reading) []string {
	row := []string{r.Timestamp.UTC().Format(timeLayout), r.TurbineID}
	for _, f := range models.SensorFields {
		v, ok := r.Get(f)
		row = append(row, optFloat(v, ok))
	}
	available := ""
	if in, ok := r.InService(); ok {
		available = strconv.FormatBool(in)
	}
	return append(row, r.GridEvent, strconv.Itoa(r.StatusCode), available, strconv.FormatBool(r.Maintenance))
}

func writeCleaned(w *csv.Writer, res *pipeline.Result) error {
	header := append(append([]string{}, ReadingHeader...), "missing", "invalid_fields", "interpolated_fields")
	if err := w.Write(header); err != nil {
		return err
	}
	for _, s := range res.Series {
		for _, r := range s.Readings() {
			row := append(readingRow(&r),
				strconv.FormatBool(r.Quality.Missing),
				strings.Join(r.Quality.Invalid.Names(), ";"),
				strings.Join(r.Quality.Interpolated.Names(), ";"))
			if err := w.Write(row); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeCurve(w *csv.Writer, res *pipeline.Result) error {
	if err := w.Write([]string{"version", "bin", "wind_low", "wind_center", "expected_power_kw", "sample_count", "backfilled"}); err != nil {
		return err
	}
	curves := []*models.PowerCurve{res.BaselineCurve}
	if res.Curve != nil && (res.BaselineCurve == nil || res.Curve.Version != res.BaselineCurve.Version) {
		curves = append(curves, res.Curve)
	}
	for _, c := range curves {
		if c == nil {
			continue
		}
		for _, b := range c.Bins {
			if err := w.Write([]string{
				strconv.Itoa(c.Version), strconv.Itoa(b.Index), num(b.WindLow), num(b.WindCenter),
				num(b.ExpectedKW), strconv.Itoa(b.Samples), strconv.FormatBool(b.Backfilled),
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeEvents(w *csv.Writer, res *pipeline.Result) error {
	if err := w.Write([]string{"turbine_id", "start", "end", "samples", "observed_energy_kwh",
		"expected_energy_kwh", "deficit_energy_kwh", "deficit_pct"}); err != nil {
		return err
	}
	for _, e := range res.Events {
		if err := w.Write([]string{
			e.TurbineID, e.Start.UTC().Format(timeLayout), e.End.UTC().Format(timeLayout), strconv.Itoa(e.Samples),
			num(e.ObservedKWh), num(e.ExpectedKWh), num(e.DeficitKWh), num(e.DeficitPct),
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeFaults(w *csv.Writer, res *pipeline.Result) error {
	if err := w.Write([]string{"turbine_id", "timestamp", "fault_category", "severity", "severity_level",
		"contributing_values", "annotation", "recommended_action"}); err != nil {
		return err
	}
	for _, f := range res.Faults {
		if err := w.Write([]string{
			f.TurbineID, f.Timestamp.UTC().Format(timeLayout), string(f.Category), num(f.Severity),
			f.SeverityLevel, pairs(f.Contributing), f.Annotation, fault.PrimaryAction(f.Category),
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeScores(w *csv.Writer, res *pipeline.Result) error {
	if err := w.Write([]string{"rank", "turbine_id", "as_of", "health_score", "failure_probability", "state",
		"dominant_risk_factor", "recommended_action_window", "penalties", "oil_temp_slope_c_per_day",
		"vibration_slope_g_per_day", "fault_count", "window_samples"}); err != nil {
		return err
	}
	for _, p := range res.Priority {
		if err := w.Write([]string{
			strconv.Itoa(p.Rank), p.TurbineID, p.AsOf.UTC().Format("2006-01-02"), num(p.Score),
			num(p.FailureProbability), p.State, p.DominantRisk, p.ActionWindow, pairs(p.Penalties),
			num(p.OilSlope), num(p.VibrationSlope), strconv.Itoa(p.FaultCount), strconv.Itoa(p.WindowSamples),
		}); err != nil {
			return err
		}
	}
	return nil
}

func writeKPIs(w *csv.Writer, res *pipeline.Result) error {
	if err := w.Write([]string{"turbine_id", "samples", "energy_kwh", "elapsed_hours", "capacity_factor",
		"availability", "completeness_pct", "mean_wind_speed", "underperformance_events",
		"deficit_energy_kwh"}); err != nil {
		return err
	}
	for _, k := range res.KPIs.Turbines {
		if err := w.Write([]string{
			k.TurbineID, strconv.Itoa(k.Samples), num(k.EnergyKWh), num(k.ElapsedHours), num(k.CapacityFactor),
			num(k.Availability), num(k.CompletenessPct), num(k.MeanWindSpeed), strconv.Itoa(k.Underperformances),
			num(k.DeficitKWh),
		}); err != nil {
			return err
		}
	}
	f := res.KPIs.Farm
	return w.Write([]string{
		"FARM", "", num(f.EnergyKWh), num(f.ElapsedHours), num(f.CapacityFactor), num(f.Availability),
		"", "", strconv.Itoa(f.Underperformances), num(f.DeficitKWh),
	})
}

func writeQuality(w *csv.Writer, res *pipeline.Result) error {
	if err := w.Write([]string{"turbine_id", "expected_samples", "present_samples", "missing_samples",
		"invalid_values", "interpolated_values", "duplicates_dropped", "completeness_pct", "rejected_days",
		"accepted"}); err != nil {
		return err
	}
	for _, q := range res.Quality {
		if err := w.Write([]string{
			q.TurbineID, strconv.Itoa(q.ExpectedSamples), strconv.Itoa(q.PresentSamples),
			strconv.Itoa(q.MissingSamples), strconv.Itoa(q.InvalidValues), strconv.Itoa(q.Interpolated),
			strconv.Itoa(q.DuplicatesDrop), num(q.CompletenessPct), strings.Join(q.RejectedDays, ";"),
			strconv.FormatBool(q.Accepted),
		}); err != nil {
			return err
		}
	}
	return nil
}

func num(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func optFloat(v float64, ok bool) string {
	if !ok {
		return ""
	}
	return num(v)
}

// pairs renders a map as sorted key=value pairs.
func pairs(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + num(m[k])
	}
	return strings.Join(parts, ";")
}
