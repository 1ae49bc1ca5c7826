// Package fault assigns exactly one fault category to every reading using a
// fixed, ordered rule set. The first matching rule wins.
package fault

import (
	"math"
	"strings"
	"time"

	"turbine-health-monitor/internal/models"
)

// Default thresholds.
const (
	DefaultGearboxOilTempLimitC = 85.0
	DefaultNacelleTempLimitC    = 70.0
	DefaultVibrationLimitG      = 1.5
	DefaultYawErrorLimitDeg     = 15.0
	DefaultYawDwell             = 30 * time.Minute
	DefaultPitchMinDeltaDeg     = 0.5
	DefaultPitchWindVariation   = 2.0
	DefaultPitchWindowSamples   = 6
	DefaultCriticalRatio        = 1.5

	gridEventSeverity = 0.1
)

// Config holds the named, overridable classifier thresholds.
type Config struct {
	SamplingInterval     time.Duration `yaml:"-"`
	GearboxOilTempLimitC float64       `yaml:"gearbox_oil_temp_limit_c"`
	NacelleTempLimitC    float64       `yaml:"nacelle_temp_limit_c"`
	VibrationLimitG      float64       `yaml:"vibration_limit_g"`
	YawErrorLimitDeg     float64       `yaml:"yaw_error_limit_deg"`
	YawDwell             time.Duration `yaml:"yaw_dwell"`
	PitchMinDeltaDeg     float64       `yaml:"pitch_min_delta_deg"`
	PitchWindVariation   float64       `yaml:"pitch_wind_variation"`
	PitchWindowSamples   int           `yaml:"pitch_window_samples"`
	PitchMinWindSpeed    float64       `yaml:"pitch_min_wind_speed"`
	CriticalRatio        float64       `yaml:"critical_ratio"` // severity is critical at limit × ratio
}

// DefaultConfig returns the default thresholds for a 10-minute feed.
func DefaultConfig() Config {
	return Config{
		SamplingInterval:     10 * time.Minute,
		GearboxOilTempLimitC: DefaultGearboxOilTempLimitC,
		NacelleTempLimitC:    DefaultNacelleTempLimitC,
		VibrationLimitG:      DefaultVibrationLimitG,
		YawErrorLimitDeg:     DefaultYawErrorLimitDeg,
		YawDwell:             DefaultYawDwell,
		PitchMinDeltaDeg:     DefaultPitchMinDeltaDeg,
		PitchWindVariation:   DefaultPitchWindVariation,
		PitchWindowSamples:   DefaultPitchWindowSamples,
		CriticalRatio:        DefaultCriticalRatio,
	}
}

// match is the outcome of a rule that fired.
type match struct {
	severity float64
	values   map[string]float64
	note     string
}

// rule pairs a predicate with the category it assigns.
type rule struct {
	category models.FaultCategory
	eval     func(c *Classifier, window []models.Reading) (match, bool)
}

// rules is evaluated in order; keep it in priority order.
var rules = []rule{
	{models.FaultGridEvent, (*Classifier).gridEvent},
	{models.FaultGearboxOvertemp, (*Classifier).gearboxOvertemp},
	{models.FaultNacelleOvertemp, (*Classifier).nacelleOvertemp},
	{models.FaultHighVibration, (*Classifier).highVibration},
	{models.FaultYawMisalignment, (*Classifier).yawMisalignment},
	{models.FaultPitchStuck, (*Classifier).pitchStuck},
}

// Classifier applies the rule set. It is immutable and safe for concurrent use.
type Classifier struct {
	cfg      Config
	dwell    int
	lookback int
}

// New returns a Classifier using cfg.
func New(cfg Config) *Classifier {
	if cfg.SamplingInterval <= 0 {
		cfg.SamplingInterval = 10 * time.Minute
	}
	if cfg.CriticalRatio <= 1 {
		cfg.CriticalRatio = DefaultCriticalRatio
	}
	if cfg.PitchWindowSamples < 2 {
		cfg.PitchWindowSamples = 2
	}
	dwell := int(math.Ceil(float64(cfg.YawDwell) / float64(cfg.SamplingInterval)))
	if dwell < 1 {
		dwell = 1
	}
	lookback := dwell
	if cfg.PitchWindowSamples > lookback {
		lookback = cfg.PitchWindowSamples
	}
	return &Classifier{cfg: cfg, dwell: dwell, lookback: lookback}
}

// Classify classifies the last reading of window. Earlier readings supply the
// history needed by the dwell-time and pitch rules; window must be in
// timestamp order.
func (c *Classifier) Classify(window []models.Reading) models.FaultRecord {
	if len(window) == 0 {
		return models.FaultRecord{Category: models.FaultNone, SeverityLevel: models.SeverityNone}
	}
	r := window[len(window)-1]
	rec := models.FaultRecord{
		TurbineID:     r.TurbineID,
		Timestamp:     r.Timestamp,
		Category:      models.FaultNone,
		SeverityLevel: models.SeverityNone,
	}

	if r.AllSensorsNull() {
		rec.Annotation = "no sensor data"
		return rec
	}

	for _, rl := range rules {
		m, ok := rl.eval(c, window)
		if !ok {
			continue
		}
		rec.Category = rl.category
		rec.Severity = m.severity
		rec.SeverityLevel = Level(m.severity)
		rec.Contributing = m.values
		rec.Annotation = m.note
		break
	}

	if !r.Quality.Invalid.Empty() {
		note := "invalid: " + strings.Join(r.Quality.Invalid.Names(), ",")
		if rec.Annotation != "" {
			note = rec.Annotation + "; " + note
		}
		rec.Annotation = note
	}
	return rec
}

// ClassifySeries classifies every reading of s, one record per reading.
func (c *Classifier) ClassifySeries(s models.CleanedSeries) []models.FaultRecord {
	rs := s.Readings()
	out := make([]models.FaultRecord, len(rs))
	for i := range rs {
		lo := i - c.lookback + 1
		if lo < 0 {
			lo = 0
		}
		out[i] = c.Classify(rs[lo : i+1])
	}
	return out
}

// Level maps a severity score in [0, 1] to a named level.
func Level(severity float64) string {
	switch {
	case severity >= 1:
		return models.SeverityCritical
	case severity >= 2.0/3:
		return models.SeverityHigh
	case severity >= 1.0/3:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

// severity scales linearly from 0 at the limit to 1 at limit × CriticalRatio.
func (c *Classifier) severity(value, limit float64) float64 {
	span := (c.cfg.CriticalRatio - 1) * math.Abs(limit)
	if span == 0 {
		return 1
	}
	return clamp01((value - limit) / span)
}

func (c *Classifier) gridEvent(window []models.Reading) (match, bool) {
	r := window[len(window)-1]
	if !r.GridAbnormal() {
		return match{}, false
	}
	m := match{severity: gridEventSeverity, note: "grid: " + r.GridEvent, values: map[string]float64{}}
	if v, ok := r.Get(models.FieldPower); ok {
		m.values[models.FieldPower.String()] = v
	}
	return m, true
}

func (c *Classifier) overLimit(r models.Reading, f models.Field, limit float64) (match, bool) {
	v, ok := r.Get(f)
	if !ok || v <= limit {
		return match{}, false
	}
	return match{
		severity: c.severity(v, limit),
		values:   map[string]float64{f.String(): v, "limit": limit},
	}, true
}

func (c *Classifier) gearboxOvertemp(window []models.Reading) (match, bool) {
	return c.overLimit(window[len(window)-1], models.FieldGearOilTemp, c.cfg.GearboxOilTempLimitC)
}

func (c *Classifier) nacelleOvertemp(window []models.Reading) (match, bool) {
	return c.overLimit(window[len(window)-1], models.FieldNacelleTemp, c.cfg.NacelleTempLimitC)
}

func (c *Classifier) highVibration(window []models.Reading) (match, bool) {
	return c.overLimit(window[len(window)-1], models.FieldVibration, c.cfg.VibrationLimitG)
}

// yawMisalignment fires once |yaw error| has exceeded the limit for the dwell
// time on consecutive samples.
func (c *Classifier) yawMisalignment(window []models.Reading) (match, bool) {
	limit := c.cfg.YawErrorLimitDeg
	run := 0
	for i := len(window) - 1; i >= 0 && run < c.dwell; i-- {
		v, ok := window[i].Get(models.FieldYawError)
		if !ok || math.Abs(v) <= limit {
			break
		}
		if i < len(window)-1 && !c.adjacent(window[i], window[i+1]) {
			break
		}
		run++
	}
	if run < c.dwell {
		return match{}, false
	}
	yaw, _ := window[len(window)-1].Get(models.FieldYawError)
	return match{
		severity: c.severity(math.Abs(yaw), limit),
		values: map[string]float64{
			models.FieldYawError.String(): yaw,
			"limit":                       limit,
			"dwell_samples":               float64(c.dwell),
		},
	}, true
}

// pitchStuck fires when pitch barely moves across the trailing window while
// wind speed varies beyond the configured threshold.
func (c *Classifier) pitchStuck(window []models.Reading) (match, bool) {
	n := c.cfg.PitchWindowSamples
	if len(window) < n {
		return match{}, false
	}
	tail := window[len(window)-n:]
	minWind, maxWind, sumWind := math.Inf(1), math.Inf(-1), 0.0
	maxDelta := 0.0
	for i := range tail {
		ws, okW := tail[i].Get(models.FieldWindSpeed)
		p, okP := tail[i].Get(models.FieldPitch)
		if !okW || !okP {
			return match{}, false
		}
		if i > 0 {
			if !c.adjacent(tail[i-1], tail[i]) {
				return match{}, false
			}
			prev, _ := tail[i-1].Get(models.FieldPitch)
			d := math.Abs(p - prev)
			if d >= c.cfg.PitchMinDeltaDeg {
				return match{}, false
			}
			maxDelta = math.Max(maxDelta, d)
		}
		minWind = math.Min(minWind, ws)
		maxWind = math.Max(maxWind, ws)
		sumWind += ws
	}
	variation := maxWind - minWind
	if variation <= c.cfg.PitchWindVariation {
		return match{}, false
	}
	if sumWind/float64(n) < c.cfg.PitchMinWindSpeed {
		return match{}, false
	}
	pitch, _ := tail[n-1].Get(models.FieldPitch)
	return match{
		severity: c.severity(variation, c.cfg.PitchWindVariation),
		values: map[string]float64{
			models.FieldPitch.String(): pitch,
			"max_pitch_delta":          maxDelta,
			"wind_variation":           variation,
		},
	}, true
}

func (c *Classifier) adjacent(a, b models.Reading) bool {
	return b.Timestamp.Sub(a.Timestamp) == c.cfg.SamplingInterval
}

// CountByCategory tallies records per category; every category is present.
func CountByCategory(records []models.FaultRecord) map[models.FaultCategory]int {
	out := make(map[models.FaultCategory]int, len(models.FaultCategories))
	for _, k := range models.FaultCategories {
		out[k] = 0
	}
	for _, r := range records {
		out[r.Category]++
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
