package models

import (
	"sort"
	"time"
)

// Field identifies one sensor column of a Reading.
type Field uint8

const (
	FieldWindSpeed Field = iota
	FieldPower
	FieldGearOilTemp
	FieldNacelleTemp
	FieldVibration
	FieldPitch
	FieldYawError
	numFields
)

// SensorFields lists every nullable sensor column in table order.
var SensorFields = []Field{
	FieldWindSpeed, FieldPower, FieldGearOilTemp, FieldNacelleTemp,
	FieldVibration, FieldPitch, FieldYawError,
}

var fieldNames = [numFields]string{
	"wind_speed", "power_kw", "gear_oil_temp_c", "nacelle_temp_c",
	"vibration_g_rms", "pitch_angle_deg", "yaw_misalignment_deg",
}

// String returns the stable column name of the field.
func (f Field) String() string {
	if f >= numFields {
		return "unknown"
	}
	return fieldNames[f]
}

// FieldSet is a bit set of Fields.
type FieldSet uint16

// Add returns s with f set.
func (s FieldSet) Add(f Field) FieldSet { return s | 1<<f }

// Has reports whether f is in s.
func (s FieldSet) Has(f Field) bool { return s&(1<<f) != 0 }

// Empty reports whether no field is set.
func (s FieldSet) Empty() bool { return s == 0 }

// Names returns the column names of the fields in s.
func (s FieldSet) Names() []string {
	var out []string
	for _, f := range SensorFields {
		if s.Has(f) {
			out = append(out, f.String())
		}
	}
	return out
}

// Quality records how the Normalizer treated a reading.
type Quality struct {
	Missing      bool     `json:"missing"`      // slot absent from the raw input
	Invalid      FieldSet `json:"invalid"`      // physically impossible, nulled
	Interpolated FieldSet `json:"interpolated"` // filled by linear interpolation
}

// Reading is one SCADA snapshot for one turbine.
// Sensor values are nil when the sensor did not report or the value was nulled.
type Reading struct {
	TurbineID    string    `json:"turbine_id"`
	Timestamp    time.Time `json:"timestamp"`
	WindSpeed    *float64  `json:"wind_speed"`           // m/s
	PowerKW      *float64  `json:"power_kw"`             // kW
	GearOilTempC *float64  `json:"gear_oil_temp_c"`      // °C
	NacelleTempC *float64  `json:"nacelle_temp_c"`       // °C
	VibrationG   *float64  `json:"vibration_g_rms"`      // g RMS
	PitchDeg     *float64  `json:"pitch_angle_deg"`      // degrees
	YawErrorDeg  *float64  `json:"yaw_misalignment_deg"` // degrees
	GridEvent    string    `json:"grid_event,omitempty"` // empty when the grid is normal
	StatusCode   int       `json:"status_code"`
	Available    *bool     `json:"available"`
	Maintenance  bool      `json:"maintenance"`
	Seq          int64     `json:"seq"` // ingest order, later wins on duplicates
	Quality      Quality   `json:"quality"`
}

// Value returns a pointer to the storage of field f.
func (r *Reading) Value(f Field) **float64 {
	switch f {
	case FieldWindSpeed:
		return &r.WindSpeed
	case FieldPower:
		return &r.PowerKW
	case FieldGearOilTemp:
		return &r.GearOilTempC
	case FieldNacelleTemp:
		return &r.NacelleTempC
	case FieldVibration:
		return &r.VibrationG
	case FieldPitch:
		return &r.PitchDeg
	case FieldYawError:
		return &r.YawErrorDeg
	}
	return nil
}

// Get returns the value of field f and whether it is present.
func (r *Reading) Get(f Field) (float64, bool) {
	p := r.Value(f)
	if p == nil || *p == nil {
		return 0, false
	}
	return **p, true
}

// Set stores v into field f.
func (r *Reading) Set(f Field, v float64) {
	if p := r.Value(f); p != nil {
		*p = Float(v)
	}
}

// Clear nulls field f.
func (r *Reading) Clear(f Field) {
	if p := r.Value(f); p != nil {
		*p = nil
	}
}

// AllSensorsNull reports whether no sensor field carries a value.
func (r *Reading) AllSensorsNull() bool {
	for _, f := range SensorFields {
		if _, ok := r.Get(f); ok {
			return false
		}
	}
	return true
}

// GridAbnormal reports whether the grid-status flag marks an abnormal condition.
func (r *Reading) GridAbnormal() bool {
	return r.GridEvent != "" && r.GridEvent != "NA"
}

// InService reports the availability flag; ok is false when it is unknown.
func (r *Reading) InService() (inService, ok bool) {
	if r.Available == nil {
		return false, false
	}
	return *r.Available, true
}

// Clone returns a deep copy of r.
func (r Reading) Clone() Reading {
	out := r
	for _, f := range SensorFields {
		if v, ok := r.Get(f); ok {
			out.Set(f, v)
		}
	}
	if r.Available != nil {
		b := *r.Available
		out.Available = &b
	}
	return out
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// CleanedSeries is the Normalizer's immutable output for one turbine:
// readings on a regular grid with strictly increasing timestamps.
type CleanedSeries struct {
	turbineID string
	interval  time.Duration
	readings  []Reading
}

// NewCleanedSeries copies readings into a new series. Readings must already be
// sorted by timestamp.
func NewCleanedSeries(turbineID string, interval time.Duration, readings []Reading) CleanedSeries {
	cp := make([]Reading, len(readings))
	for i := range readings {
		cp[i] = readings[i].Clone()
	}
	return CleanedSeries{turbineID: turbineID, interval: interval, readings: cp}
}

func (s CleanedSeries) TurbineID() string { return s.turbineID }
func (s CleanedSeries) Interval() time.Duration { return s.interval }
func (s CleanedSeries) Len() int { return len(s.readings) }
func (s CleanedSeries) At(i int) Reading { return s.readings[i].Clone() }

// Readings returns a copy of the series' readings.
func (s CleanedSeries) Readings() []Reading {
	out := make([]Reading, len(s.readings))
	for i := range s.readings {
		out[i] = s.readings[i].Clone()
	}
	return out
}

// Span returns the first and last timestamps of the series.
func (s CleanedSeries) Span() (first, last time.Time) {
	if len(s.readings) == 0 {
		return time.Time{}, time.Time{}
	}
	return s.readings[0].Timestamp, s.readings[len(s.readings)-1].Timestamp
}

// Window returns a copy of the readings with from <= ts < to.
func (s CleanedSeries) Window(from, to time.Time) []Reading {
	lo := sort.Search(len(s.readings), func(i int) bool { return !s.readings[i].Timestamp.Before(from) })
	hi := sort.Search(len(s.readings), func(i int) bool { return !s.readings[i].Timestamp.Before(to) })
	out := make([]Reading, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, s.readings[i].Clone())
	}
	return out
}

// QualitySummary is the per-turbine data-quality report of one normalization.
type QualitySummary struct {
	TurbineID       string   `json:"turbine_id"`
	ExpectedSamples int      `json:"expected_samples"`
	PresentSamples  int      `json:"present_samples"`
	MissingSamples  int      `json:"missing_samples"`
	InvalidValues   int      `json:"invalid_values"`
	Interpolated    int      `json:"interpolated_values"`
	DuplicatesDrop  int      `json:"duplicates_dropped"`
	CompletenessPct float64  `json:"completeness_pct"`
	RejectedDays    []string `json:"rejected_days,omitempty"` // YYYY-MM-DD
	Accepted        bool     `json:"accepted"`
}
