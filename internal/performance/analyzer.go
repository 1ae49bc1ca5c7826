// Package performance computes turbine and farm KPIs and detects sustained
// underperformance against a power curve.
package performance

import (
	"math"
	"sort"
	"time"

	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/powercurve"
)

// Defaults for underperformance detection.
const (
	DefaultDeficitThreshold = 0.20
	DefaultMinDuration      = 30 * time.Minute
	DefaultMaxBridgeSamples = 1
)

// Config controls the Analyzer. RatedCapacityKW is filled in by the caller.
type Config struct {
	RatedCapacityKW  float64       `yaml:"-"`
	DeficitThreshold float64       `yaml:"deficit_threshold"`
	MinDuration      time.Duration `yaml:"min_duration"`
	MaxBridgeSamples int           `yaml:"max_bridge_samples"`
}

// DefaultConfig returns the default detection policy for a 2 MW turbine.
func DefaultConfig() Config {
	return Config{
		RatedCapacityKW:  2000,
		DeficitThreshold: DefaultDeficitThreshold,
		MinDuration:      DefaultMinDuration,
		MaxBridgeSamples: DefaultMaxBridgeSamples,
	}
}

// SampleState describes how one reading relates to underperformance.
type SampleState int

const (
	SampleUnknown    SampleState = iota // wind or power missing
	SampleExcluded                      // out of service, maintenance or grid event
	SampleNormal                        // performing within threshold
	SampleQualifying                    // deficit beyond threshold
)

// Sample is the evaluation of one reading against the curve.
type Sample struct {
	State      SampleState
	ObservedKW float64
	ExpectedKW float64
}

// DeficitKWh returns the energy shortfall of the sample over interval.
func (s Sample) DeficitKWh(interval time.Duration) float64 {
	return (s.ExpectedKW - s.ObservedKW) * interval.Hours()
}

// Analyzer is immutable and safe for concurrent use.
type Analyzer struct {
	cfg Config
}

// New returns an Analyzer using cfg.
func New(cfg Config) *Analyzer {
	if cfg.MaxBridgeSamples < 0 {
		cfg.MaxBridgeSamples = 0
	}
	return &Analyzer{cfg: cfg}
}

// Evaluate classifies one reading against curve.
func (a *Analyzer) Evaluate(r *models.Reading, curve *models.PowerCurve) Sample {
	ws, okW := r.Get(models.FieldWindSpeed)
	p, okP := r.Get(models.FieldPower)
	if !okW || !okP {
		return Sample{State: SampleUnknown}
	}
	s := Sample{ObservedKW: p, ExpectedKW: powercurve.ExpectedPower(curve, ws)}
	if in, ok := r.InService(); (ok && !in) || r.Maintenance || r.GridAbnormal() {
		s.State = SampleExcluded
		return s
	}
	if s.ExpectedKW <= 0 {
		s.State = SampleNormal
		return s
	}
	if (s.ExpectedKW-s.ObservedKW)/s.ExpectedKW > a.cfg.DeficitThreshold {
		s.State = SampleQualifying
	} else {
		s.State = SampleNormal
	}
	return s
}

// Analyze computes KPIs for every series and the farm, and returns all
// underperformance events ordered by turbine and start time.
func (a *Analyzer) Analyze(series []models.CleanedSeries, curve *models.PowerCurve) (models.KPIReport, []models.UnderperformanceEvent) {
	var report models.KPIReport
	var events []models.UnderperformanceEvent
	for _, s := range series {
		kpi, evs := a.AnalyzeTurbine(s, curve)
		report.Turbines = append(report.Turbines, kpi)
		events = append(events, evs...)
	}
	sort.Slice(report.Turbines, func(i, j int) bool { return report.Turbines[i].TurbineID < report.Turbines[j].TurbineID })
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].TurbineID != events[j].TurbineID {
			return events[i].TurbineID < events[j].TurbineID
		}
		return events[i].Start.Before(events[j].Start)
	})
	report.Farm = a.Farm(report.Turbines)
	return report, events
}

// AnalyzeTurbine computes the KPIs and underperformance events of one turbine.
func (a *Analyzer) AnalyzeTurbine(s models.CleanedSeries, curve *models.PowerCurve) (models.TurbineKPI, []models.UnderperformanceEvent) {
	kpi := models.TurbineKPI{TurbineID: s.TurbineID(), Samples: s.Len()}
	if s.Len() == 0 {
		return kpi, nil
	}
	h := s.Interval().Hours()
	rs := s.Readings()

	var windSum float64
	var windN, present int
	for i := range rs {
		r := &rs[i]
		if p, ok := r.Get(models.FieldPower); ok {
			kpi.EnergyKWh += math.Max(p, 0) * h
		}
		if ws, ok := r.Get(models.FieldWindSpeed); ok {
			windSum += ws
			windN++
		}
		if !r.Quality.Missing {
			present++
		}
		if in, ok := r.InService(); ok && !r.Maintenance {
			kpi.RatedSamples++
			if in {
				kpi.InServiceSamples++
			}
		}
	}

	// Rejected days leave gaps in the series; only retained slots count.
	kpi.ElapsedHours = float64(s.Len()) * h
	if a.cfg.RatedCapacityKW > 0 && kpi.ElapsedHours > 0 {
		kpi.CapacityFactor = kpi.EnergyKWh / (a.cfg.RatedCapacityKW * kpi.ElapsedHours)
	}
	if kpi.RatedSamples > 0 {
		kpi.Availability = float64(kpi.InServiceSamples) / float64(kpi.RatedSamples)
	}
	kpi.CompletenessPct = 100 * float64(present) / float64(len(rs))
	if windN > 0 {
		kpi.MeanWindSpeed = windSum / float64(windN)
	}

	events := a.detect(s.TurbineID(), s.Interval(), rs, curve)
	kpi.Underperformances = len(events)
	for _, e := range events {
		kpi.DeficitKWh += e.DeficitKWh
	}
	return kpi, events
}

// detect coalesces consecutive qualifying samples into events. Up to
// MaxBridgeSamples unknown samples may sit inside an event without
// contributing energy; any other sample closes it.
func (a *Analyzer) detect(turbineID string, interval time.Duration, rs []models.Reading, curve *models.PowerCurve) []models.UnderperformanceEvent {
	var (
		events  []models.UnderperformanceEvent
		open    *models.UnderperformanceEvent
		lastTS  time.Time
		pending int
	)
	h := interval.Hours()

	closeEvent := func() {
		if open == nil {
			return
		}
		open.End = lastTS.Add(interval)
		if time.Duration(open.Samples)*interval >= a.cfg.MinDuration {
			if open.ExpectedKWh > 0 {
				open.DeficitPct = 100 * open.DeficitKWh / open.ExpectedKWh
			}
			events = append(events, *open)
		}
		open = nil
		pending = 0
	}

	var prevTS time.Time
	for i := range rs {
		r := &rs[i]
		if open != nil && r.Timestamp.Sub(prevTS) != interval {
			closeEvent()
		}
		prevTS = r.Timestamp

		smp := a.Evaluate(r, curve)
		switch smp.State {
		case SampleQualifying:
			if open == nil {
				open = &models.UnderperformanceEvent{TurbineID: turbineID, Start: r.Timestamp}
			}
			open.Samples++
			open.ObservedKWh += smp.ObservedKW * h
			open.ExpectedKWh += smp.ExpectedKW * h
			open.DeficitKWh += smp.DeficitKWh(interval)
			lastTS = r.Timestamp
			pending = 0
		case SampleUnknown:
			if open == nil {
				continue
			}
			pending++
			if pending > a.cfg.MaxBridgeSamples {
				closeEvent()
			}
		default:
			closeEvent()
		}
	}
	closeEvent()
	return events
}

// Farm aggregates per-turbine KPIs into farm KPIs. Capacity factor is pooled
// over the hours each turbine was observed.
func (a *Analyzer) Farm(turbines []models.TurbineKPI) models.FarmKPI {
	farm := models.FarmKPI{Turbines: len(turbines)}
	farm.InstalledKW = float64(len(turbines)) * a.cfg.RatedCapacityKW

	var inService, rated int
	var turbineHours float64
	for _, k := range turbines {
		farm.EnergyKWh += k.EnergyKWh
		farm.Underperformances += k.Underperformances
		farm.DeficitKWh += k.DeficitKWh
		inService += k.InServiceSamples
		rated += k.RatedSamples
		turbineHours += k.ElapsedHours
		farm.ElapsedHours = math.Max(farm.ElapsedHours, k.ElapsedHours)
	}
	if a.cfg.RatedCapacityKW > 0 && turbineHours > 0 {
		farm.CapacityFactor = farm.EnergyKWh / (a.cfg.RatedCapacityKW * turbineHours)
	}
	if rated > 0 {
		farm.Availability = float64(inService) / float64(rated)
	}
	return farm
}
