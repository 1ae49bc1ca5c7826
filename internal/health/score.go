// Package health turns fault history and sensor trends into a 0–100 health
// score, a failure-risk proxy and a maintenance priority ranking.
package health

import (
	"math"
	"sort"
	"time"

	"turbine-health-monitor/internal/models"
)

// Risk factor names surfaced as HealthScore.DominantRisk.
const (
	RiskOilTrend       = "oil_temperature_trend"
	RiskVibrationTrend = "vibration_trend"
	RiskFaultFrequency = "fault_frequency"
	RiskFaultSeverity  = "fault_severity"
	RiskNone           = "none"
)

// riskOrder breaks ties between equal penalties.
var riskOrder = []string{RiskOilTrend, RiskVibrationTrend, RiskFaultFrequency, RiskFaultSeverity}

// State constants, mirroring the score bands.
const (
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateCritical = "critical"
)

// Thresholds that map a score to a state.
const (
	ThresholdHealthy  = 85.0
	ThresholdDegraded = 60.0
)

// Recommended action windows, narrowing as the score drops.
const (
	ActionRoutine   = "routine (next scheduled service)"
	Action30Days    = "schedule within 30 days"
	Action14Days    = "schedule within 14 days"
	Action7Days     = "schedule within 7 days"
	ActionImmediate = "immediate inspection (within 48 hours)"
)

// gridEventWeight discounts grid events, which are external to the turbine.
const gridEventWeight = 0.2

// Weights scale each penalty (0..1) into score points.
type Weights struct {
	OilTrend       float64 `yaml:"oil_trend"`
	VibrationTrend float64 `yaml:"vibration_trend"`
	FaultFrequency float64 `yaml:"fault_frequency"`
	FaultSeverity  float64 `yaml:"fault_severity"`
}

// Config controls the Scorer.
type Config struct {
	Window              time.Duration `yaml:"window"`
	OilSlopeLimit       float64       `yaml:"oil_slope_limit"`       // °C/day
	VibrationSlopeLimit float64       `yaml:"vibration_slope_limit"` // g/day
	MinTrendSamples     int           `yaml:"min_trend_samples"`
	FaultRateLimit      float64       `yaml:"fault_rate_limit"`
	Weights             Weights       `yaml:"weights"`
}

// DefaultConfig returns the default scoring policy.
func DefaultConfig() Config {
	return Config{
		Window:              30 * 24 * time.Hour,
		OilSlopeLimit:       8,
		VibrationSlopeLimit: 0.4,
		MinTrendSamples:     24,
		FaultRateLimit:      0.05,
		Weights: Weights{
			OilTrend:       30,
			VibrationTrend: 30,
			FaultFrequency: 25,
			FaultSeverity:  15,
		},
	}
}

// Scorer computes HealthScores. Output depends only on its arguments.
type Scorer struct {
	cfg Config
}

// NewScorer returns a Scorer using cfg.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// AsOfDay truncates t to its UTC calendar date.
func AsOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// WindowBounds returns the scoring window [start, end) for asOf: it ends at
// the close of the as-of date.
func (sc *Scorer) WindowBounds(asOf time.Time) (start, end time.Time) {
	end = AsOfDay(asOf).Add(24 * time.Hour)
	return end.Add(-sc.cfg.Window), end
}

// Score computes the health of the turbine of series as of asOf. Fault
// records for other turbines or outside the window are ignored.
func (sc *Scorer) Score(faults []models.FaultRecord, series models.CleanedSeries, asOf time.Time) models.HealthScore {
	start, end := sc.WindowBounds(asOf)
	id := series.TurbineID()
	readings := series.Window(start, end)

	out := models.HealthScore{
		TurbineID:     id,
		AsOf:          AsOfDay(asOf),
		WindowSamples: len(readings),
	}

	out.OilSlope = sc.slope(readings, models.FieldGearOilTemp, start)
	out.VibrationSlope = sc.slope(readings, models.FieldVibration, start)

	window := make([]models.FaultRecord, 0, len(faults))
	for _, f := range faults {
		if f.TurbineID == id && !f.Timestamp.Before(start) && f.Timestamp.Before(end) {
			window = append(window, f)
		}
	}
	sort.Slice(window, func(i, j int) bool {
		if !window[i].Timestamp.Equal(window[j].Timestamp) {
			return window[i].Timestamp.Before(window[j].Timestamp)
		}
		return window[i].Category < window[j].Category
	})

	var weighted, sevSum float64
	var equipment int
	for _, f := range window {
		if !f.Category.IsFault() {
			continue
		}
		out.FaultCount++
		if f.Category == models.FaultGridEvent {
			weighted += gridEventWeight
			continue
		}
		weighted++
		sevSum += f.Severity
		equipment++
	}

	var freqPenalty, sevPenalty float64
	if len(window) > 0 && sc.cfg.FaultRateLimit > 0 {
		freqPenalty = clamp01((weighted / float64(len(window))) / sc.cfg.FaultRateLimit)
	}
	if equipment > 0 {
		sevPenalty = clamp01(sevSum / float64(equipment))
	}

	w := sc.cfg.Weights
	out.Penalties = map[string]float64{
		RiskOilTrend:       w.OilTrend * trendPenalty(out.OilSlope, sc.cfg.OilSlopeLimit),
		RiskVibrationTrend: w.VibrationTrend * trendPenalty(out.VibrationSlope, sc.cfg.VibrationSlopeLimit),
		RiskFaultFrequency: w.FaultFrequency * freqPenalty,
		RiskFaultSeverity:  w.FaultSeverity * sevPenalty,
	}

	total := 0.0
	out.DominantRisk = RiskNone
	largest := 0.0
	for _, k := range riskOrder {
		p := out.Penalties[k]
		total += p
		if p > largest {
			largest = p
			out.DominantRisk = k
		}
	}

	out.Score = math.Max(0, math.Min(100, 100-total))
	out.FailureProbability = FailureProbability(out.Score)
	out.State = StateFromScore(out.Score)
	out.ActionWindow = ActionWindow(out.Score)
	return out
}

// slope fits a least-squares line to field f over readings and returns its
// gradient per day. Too few samples yield 0.
func (sc *Scorer) slope(readings []models.Reading, f models.Field, origin time.Time) float64 {
	var n, sx, sy, sxx, sxy float64
	for i := range readings {
		v, ok := readings[i].Get(f)
		if !ok {
			continue
		}
		x := readings[i].Timestamp.Sub(origin).Hours() / 24
		n++
		sx += x
		sy += v
		sxx += x * x
		sxy += x * v
	}
	if n < 2 || int(n) < sc.cfg.MinTrendSamples {
		return 0
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0
	}
	return (n*sxy - sx*sy) / den
}

// trendPenalty is 0 up to limit, then jumps to 0.5 and reaches 1 at twice
// the limit.
func trendPenalty(slope, limit float64) float64 {
	if limit <= 0 || slope <= limit {
		return 0
	}
	return clamp01(0.5 + 0.5*(slope-limit)/limit)
}

// FailureProbability maps a score to a monotone risk proxy in (0, 1). It is
// not a calibrated probability.
func FailureProbability(score float64) float64 {
	return 1 / (1 + math.Exp((score-50)/10))
}

// StateFromScore maps a numeric score to a named health state.
func StateFromScore(score float64) string {
	switch {
	case score >= ThresholdHealthy:
		return StateHealthy
	case score >= ThresholdDegraded:
		return StateDegraded
	default:
		return StateCritical
	}
}

// ActionWindow returns the recommended maintenance window for score.
func ActionWindow(score float64) string {
	switch {
	case score >= 85:
		return ActionRoutine
	case score >= 70:
		return Action30Days
	case score >= 60:
		return Action14Days
	case score >= 40:
		return Action7Days
	default:
		return ActionImmediate
	}
}

// Rank orders scores for maintenance: lowest score first, then highest
// failure probability, then turbine id.
func Rank(scores []models.HealthScore) []models.PriorityEntry {
	sorted := append([]models.HealthScore(nil), scores...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Score != b.Score {
			return a.Score < b.Score
		}
		if a.FailureProbability != b.FailureProbability {
			return a.FailureProbability > b.FailureProbability
		}
		return a.TurbineID < b.TurbineID
	})
	out := make([]models.PriorityEntry, len(sorted))
	for i, s := range sorted {
		out[i] = models.PriorityEntry{Rank: i + 1, HealthScore: s}
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
