// Package normalize validates raw SCADA readings and turns them into
// CleanedSeries on a regular sampling grid.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"time"

	"turbine-health-monitor/internal/models"
)

// Default policy values.
const (
	DefaultSamplingInterval    = 10 * time.Minute
	DefaultRatedCapacityKW     = 2000.0
	DefaultPowerTolerance      = 0.10
	DefaultMaxMissingFraction  = 0.20
	DefaultMinRecords          = 144
	DefaultMaxInterpolationGap = 3
	DefaultMinTemperatureC     = -50.0
	DefaultMaxTemperatureC     = 150.0
)

// Config controls the Normalizer. SamplingInterval and RatedCapacityKW are
// turbine-level settings filled in by the caller.
type Config struct {
	SamplingInterval    time.Duration `yaml:"-"`
	RatedCapacityKW     float64       `yaml:"-"`
	PowerTolerance      float64       `yaml:"power_tolerance"`
	MaxMissingFraction  float64       `yaml:"max_missing_fraction"`
	MinRecords          int           `yaml:"min_records"`
	MaxInterpolationGap int           `yaml:"max_interpolation_gap"`
	MinTemperatureC     float64       `yaml:"min_temperature_c"`
	MaxTemperatureC     float64       `yaml:"max_temperature_c"`
}

// DefaultConfig returns the documented default policy.
func DefaultConfig() Config {
	return Config{
		SamplingInterval:    DefaultSamplingInterval,
		RatedCapacityKW:     DefaultRatedCapacityKW,
		PowerTolerance:      DefaultPowerTolerance,
		MaxMissingFraction:  DefaultMaxMissingFraction,
		MinRecords:          DefaultMinRecords,
		MaxInterpolationGap: DefaultMaxInterpolationGap,
		MinTemperatureC:     DefaultMinTemperatureC,
		MaxTemperatureC:     DefaultMaxTemperatureC,
	}
}

// DataIntegrityError reports a turbine whose input is too incomplete to
// analyze. It is returned to the caller and never recovered.
type DataIntegrityError struct {
	TurbineID string
	Records   int
	Required  int
	Rejected  []string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: turbine %s has %d viable records, need %d (rejected days: %d)",
		e.TurbineID, e.Records, e.Required, len(e.Rejected))
}

// Normalizer cleans raw readings. It holds only immutable configuration and
// is safe for concurrent use.
type Normalizer struct {
	cfg Config
}

// New returns a Normalizer using cfg.
func New(cfg Config) *Normalizer {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = DefaultSamplingInterval
	}
	return &Normalizer{cfg: cfg}
}

// GroupByTurbine splits mixed readings per turbine id.
func GroupByTurbine(readings []models.Reading) map[string][]models.Reading {
	out := make(map[string][]models.Reading)
	for _, r := range readings {
		out[r.TurbineID] = append(out[r.TurbineID], r)
	}
	return out
}

// Normalize cleans the raw readings of a single turbine. The quality summary
// is returned even when the turbine is rejected.
func (n *Normalizer) Normalize(turbineID string, raw []models.Reading) (models.CleanedSeries, models.QualitySummary, error) {
	summary := models.QualitySummary{TurbineID: turbineID}

	rows, dups := dedupe(raw)
	summary.DuplicatesDrop = dups
	summary.PresentSamples = len(rows)

	grid := n.regularize(rows)
	summary.ExpectedSamples = len(grid)

	for i := range grid {
		summary.InvalidValues += n.validate(&grid[i])
	}

	// Missingness is judged before interpolation hides it.
	missing := make([]bool, len(grid))
	for i := range grid {
		_, hasWind := grid[i].Get(models.FieldWindSpeed)
		_, hasPower := grid[i].Get(models.FieldPower)
		missing[i] = grid[i].Quality.Missing || (!hasWind && !hasPower)
		if missing[i] {
			summary.MissingSamples++
		}
	}

	for _, f := range models.SensorFields {
		summary.Interpolated += interpolate(grid, f, n.cfg.MaxInterpolationGap)
	}

	kept, rejected, absent := n.rejectDays(grid, missing)
	summary.RejectedDays = rejected
	summary.ExpectedSamples += absent
	summary.MissingSamples += absent
	if summary.ExpectedSamples > 0 {
		summary.CompletenessPct = 100 * float64(summary.ExpectedSamples-summary.MissingSamples) / float64(summary.ExpectedSamples)
	}

	if len(kept) == 0 || len(kept) < n.cfg.MinRecords {
		return models.CleanedSeries{}, summary, &DataIntegrityError{
			TurbineID: turbineID,
			Records:   len(kept),
			Required:  n.cfg.MinRecords,
			Rejected:  rejected,
		}
	}
	summary.Accepted = true
	return models.NewCleanedSeries(turbineID, n.cfg.SamplingInterval, kept), summary, nil
}

// dedupe sorts rows by timestamp and keeps the later-ingested record for each
// duplicated timestamp.
func dedupe(raw []models.Reading) ([]models.Reading, int) {
	rows := make([]models.Reading, len(raw))
	for i := range raw {
		rows[i] = raw[i].Clone()
		rows[i].Timestamp = rows[i].Timestamp.UTC()
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if !rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].Timestamp.Before(rows[j].Timestamp)
		}
		return rows[i].Seq < rows[j].Seq
	})

	out := rows[:0]
	dups := 0
	for _, r := range rows {
		if len(out) > 0 && out[len(out)-1].Timestamp.Equal(r.Timestamp) {
			out[len(out)-1] = r
			dups++
			continue
		}
		out = append(out, r)
	}
	return out, dups
}

// regularize inserts placeholder rows for sampling slots absent from rows.
func (n *Normalizer) regularize(rows []models.Reading) []models.Reading {
	if len(rows) == 0 {
		return nil
	}
	step := n.cfg.SamplingInterval
	out := make([]models.Reading, 0, len(rows))
	for i, r := range rows {
		if i > 0 {
			prev := rows[i-1]
			slots := int(math.Round(float64(r.Timestamp.Sub(prev.Timestamp)) / float64(step)))
			for k := 1; k < slots; k++ {
				ts := prev.Timestamp.Add(time.Duration(k) * step)
				if !ts.Before(r.Timestamp) {
					break
				}
				out = append(out, models.Reading{
					TurbineID: r.TurbineID,
					Timestamp: ts,
					Quality:   models.Quality{Missing: true},
				})
			}
		}
		out = append(out, r)
	}
	return out
}

// validate nulls physically impossible values and returns how many fields of
// r are invalid, including those flagged unreadable at ingest.
func (n *Normalizer) validate(r *models.Reading) int {
	nulled := len(r.Quality.Invalid.Names())
	reject := func(f models.Field) {
		r.Clear(f)
		r.Quality.Invalid = r.Quality.Invalid.Add(f)
		nulled++
	}

	if v, ok := r.Get(models.FieldWindSpeed); ok && (v < 0 || math.IsNaN(v)) {
		reject(models.FieldWindSpeed)
	}
	maxPower := n.cfg.RatedCapacityKW * (1 + n.cfg.PowerTolerance)
	if v, ok := r.Get(models.FieldPower); ok && n.cfg.RatedCapacityKW > 0 && (v > maxPower || math.IsNaN(v)) {
		reject(models.FieldPower)
	}
	if v, ok := r.Get(models.FieldVibration); ok && (v < 0 || math.IsNaN(v)) {
		reject(models.FieldVibration)
	}
	for _, f := range []models.Field{models.FieldGearOilTemp, models.FieldNacelleTemp} {
		if v, ok := r.Get(f); ok && (v < n.cfg.MinTemperatureC || v > n.cfg.MaxTemperatureC || math.IsNaN(v)) {
			reject(f)
		}
	}
	if v, ok := r.Get(models.FieldYawError); ok && (math.Abs(v) > 180 || math.IsNaN(v)) {
		reject(models.FieldYawError)
	}
	if v, ok := r.Get(models.FieldPitch); ok && math.IsNaN(v) {
		reject(models.FieldPitch)
	}
	return nulled
}

// interpolate fills runs of at most maxGap nulls in field f that have valid
// neighbours on both sides. Fields flagged invalid are left null.
func interpolate(rows []models.Reading, f models.Field, maxGap int) int {
	filled := 0
	i := 0
	for i < len(rows) {
		if _, ok := rows[i].Get(f); ok || rows[i].Quality.Invalid.Has(f) {
			i++
			continue
		}
		start := i
		for i < len(rows) {
			if _, ok := rows[i].Get(f); ok || rows[i].Quality.Invalid.Has(f) {
				break
			}
			i++
		}
		end := i // first index after the gap
		if start == 0 || end >= len(rows) || end-start > maxGap {
			continue
		}
		left, lok := rows[start-1].Get(f)
		right, rok := rows[end].Get(f)
		if !lok || !rok {
			continue
		}
		span := float64(end - start + 1)
		for k := start; k < end; k++ {
			frac := float64(k-start+1) / span
			rows[k].Set(f, left+(right-left)*frac)
			rows[k].Quality.Interpolated = rows[k].Quality.Interpolated.Add(f)
			filled++
		}
	}
	return filled
}

// rejectDays drops UTC days whose missing fraction exceeds the policy. Each
// day is judged against all of its sampling slots, so slots before the first
// reading or after the last one count as missing. absent is the number of
// those slots outside the grid.
func (n *Normalizer) rejectDays(rows []models.Reading, missing []bool) (kept []models.Reading, rejected []string, absent int) {
	slotsPerDay := int(24 * time.Hour / n.cfg.SamplingInterval)
	if slotsPerDay < 1 {
		slotsPerDay = 1
	}

	type tally struct{ total, missing int }
	days := make(map[string]*tally)
	var order []string
	for i, r := range rows {
		key := r.Timestamp.Format("2006-01-02")
		t, ok := days[key]
		if !ok {
			t = &tally{}
			days[key] = t
			order = append(order, key)
		}
		t.total++
		if missing[i] {
			t.missing++
		}
	}

	bad := make(map[string]bool)
	for _, key := range order {
		t := days[key]
		expected := t.total
		if expected < slotsPerDay {
			absent += slotsPerDay - expected
			expected = slotsPerDay
		}
		if float64(t.missing+expected-t.total)/float64(expected) > n.cfg.MaxMissingFraction {
			bad[key] = true
			rejected = append(rejected, key)
		}
	}
	if len(bad) == 0 {
		return rows, nil, absent
	}
	kept = make([]models.Reading, 0, len(rows))
	for _, r := range rows {
		if !bad[r.Timestamp.Format("2006-01-02")] {
			kept = append(kept, r)
		}
	}
	return kept, rejected, absent
}
