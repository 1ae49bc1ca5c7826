package models

import "time"

// CurveBin is one wind-speed bin of a PowerCurve.
type CurveBin struct {
	Index      int     `json:"bin"`
	WindLow    float64 `json:"wind_low"`    // m/s, inclusive
	WindCenter float64 `json:"wind_center"` // m/s
	ExpectedKW float64 `json:"expected_power_kw"`
	Samples    int     `json:"sample_count"`
	Backfilled bool    `json:"backfilled"`
}

// PowerCurve maps wind-speed bins to expected output. A curve is never
// modified after it is built; a rebuild produces a new Version.
type PowerCurve struct {
	Version         int        `json:"version"`
	BinWidth        float64    `json:"bin_width"`
	CutInSpeed      float64    `json:"cut_in_speed"`
	CutOutSpeed     float64    `json:"cut_out_speed"`
	RatedCapacityKW float64    `json:"rated_capacity_kw"`
	TrainingSamples int        `json:"training_samples"`
	Bins            []CurveBin `json:"bins"`
}

// UnderperformanceEvent is a coalesced interval of sustained power deficit.
type UnderperformanceEvent struct {
	TurbineID   string    `json:"turbine_id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"` // exclusive: last sample + interval
	Samples     int       `json:"samples"`
	ObservedKWh float64   `json:"observed_energy_kwh"`
	ExpectedKWh float64   `json:"expected_energy_kwh"`
	DeficitKWh  float64   `json:"deficit_energy_kwh"`
	DeficitPct  float64   `json:"deficit_pct"`
}

// Contains reports whether ts falls inside the event.
func (e UnderperformanceEvent) Contains(ts time.Time) bool {
	return !ts.Before(e.Start) && ts.Before(e.End)
}

// FaultCategory is the closed set of classifier outcomes.
type FaultCategory string

const (
	FaultGridEvent       FaultCategory = "GRID_EVENT"
	FaultGearboxOvertemp FaultCategory = "GEARBOX_OVERTEMP"
	FaultNacelleOvertemp FaultCategory = "NACELLE_OVERTEMP"
	FaultHighVibration   FaultCategory = "HIGH_VIBRATION"
	FaultYawMisalignment FaultCategory = "YAW_MISALIGNMENT"
	FaultPitchStuck      FaultCategory = "PITCH_STUCK"
	FaultNone            FaultCategory = "NO_FAULT"
)

// FaultCategories lists every category in rule-priority order.
var FaultCategories = []FaultCategory{
	FaultGridEvent, FaultGearboxOvertemp, FaultNacelleOvertemp, FaultHighVibration,
	FaultYawMisalignment, FaultPitchStuck, FaultNone,
}

// Valid reports whether c is one of the known categories.
func (c FaultCategory) Valid() bool {
	for _, k := range FaultCategories {
		if c == k {
			return true
		}
	}
	return false
}

// IsFault reports whether c is anything other than NO_FAULT.
func (c FaultCategory) IsFault() bool { return c != FaultNone && c != "" }

// Severity levels derived from the severity score.
const (
	SeverityNone     = "none"
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// FaultRecord is the classification of exactly one Reading.
type FaultRecord struct {
	TurbineID     string             `json:"turbine_id"`
	Timestamp     time.Time          `json:"timestamp"`
	Category      FaultCategory      `json:"fault_category"`
	Severity      float64            `json:"severity"` // 0..1
	SeverityLevel string             `json:"severity_level"`
	Contributing  map[string]float64 `json:"contributing_values,omitempty"`
	Annotation    string             `json:"annotation,omitempty"`
}

// TurbineKPI holds the performance indicators of one turbine.
type TurbineKPI struct {
	TurbineID         string  `json:"turbine_id"`
	Samples           int     `json:"samples"`
	EnergyKWh         float64 `json:"energy_kwh"`
	ElapsedHours      float64 `json:"elapsed_hours"`
	CapacityFactor    float64 `json:"capacity_factor"`
	Availability      float64 `json:"availability"`
	CompletenessPct   float64 `json:"completeness_pct"`
	MeanWindSpeed     float64 `json:"mean_wind_speed"`
	Underperformances int     `json:"underperformance_events"`
	DeficitKWh        float64 `json:"deficit_energy_kwh"`

	// Sample counts behind Availability, kept for farm-level pooling.
	InServiceSamples int `json:"in_service_samples"`
	RatedSamples     int `json:"availability_samples"`
}

// FarmKPI aggregates TurbineKPIs over the farm.
type FarmKPI struct {
	Turbines          int     `json:"n_turbines"`
	InstalledKW       float64 `json:"installed_kw"`
	EnergyKWh         float64 `json:"total_energy_kwh"`
	ElapsedHours      float64 `json:"elapsed_hours"`
	CapacityFactor    float64 `json:"capacity_factor"`
	Availability      float64 `json:"availability"`
	Underperformances int     `json:"underperformance_events"`
	DeficitKWh        float64 `json:"deficit_energy_kwh"`
}

// KPIReport is the Performance Analyzer's KPI output.
type KPIReport struct {
	Farm     FarmKPI      `json:"farm"`
	Turbines []TurbineKPI `json:"turbines"`
}

// HealthScore is one scoring of one turbine for one as-of date.
type HealthScore struct {
	TurbineID          string             `json:"turbine_id"`
	AsOf               time.Time          `json:"as_of"`
	Score              float64            `json:"health_score"`
	FailureProbability float64            `json:"failure_probability"`
	State              string             `json:"state"`
	DominantRisk       string             `json:"dominant_risk_factor"`
	ActionWindow       string             `json:"recommended_action_window"`
	Penalties          map[string]float64 `json:"penalties"`
	OilSlope           float64            `json:"oil_temp_slope_c_per_day"`
	VibrationSlope     float64            `json:"vibration_slope_g_per_day"`
	FaultCount         int                `json:"fault_count"`
	WindowSamples      int                `json:"window_samples"`
}

// PriorityEntry is one row of the maintenance priority ranking.
type PriorityEntry struct {
	Rank int `json:"rank"`
	HealthScore
}

// TurbineSummary is a stored-data overview of one turbine.
type TurbineSummary struct {
	TurbineID string    `json:"turbine_id"`
	Readings  int64     `json:"readings"`
	First     time.Time `json:"first_timestamp"`
	Last      time.Time `json:"last_timestamp"`
}

// ReadingQuery filters raw readings.
type ReadingQuery struct {
	TurbineID string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// RunInfo describes one stored analysis run.
type RunInfo struct {
	ID        string    `json:"run_id"`
	AsOf      time.Time `json:"as_of"`
	CreatedAt time.Time `json:"created_at"`
	Turbines  int       `json:"turbines"`
	Failures  int       `json:"failures"`
	CurveVer  int       `json:"power_curve_version"`
}
