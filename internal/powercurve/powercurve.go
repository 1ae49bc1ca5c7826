// Package powercurve fits an empirical expected-power-vs-wind-speed curve and
// evaluates it.
package powercurve

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"turbine-health-monitor/internal/models"
)

// Defaults for curve construction.
const (
	DefaultBinWidth      = 0.5
	DefaultCutInSpeed    = 3.0
	DefaultCutOutSpeed   = 25.0
	DefaultMinBinSamples = 10
)

// Config controls curve fitting. RatedCapacityKW is filled in by the caller.
type Config struct {
	RatedCapacityKW float64 `yaml:"-"`
	BinWidth        float64 `yaml:"bin_width"`
	CutInSpeed      float64 `yaml:"cut_in_speed"`
	CutOutSpeed     float64 `yaml:"cut_out_speed"`
	MinBinSamples   int     `yaml:"min_bin_samples"`
}

// DefaultConfig returns the default fitting parameters for a 2 MW turbine.
func DefaultConfig() Config {
	return Config{
		RatedCapacityKW: 2000,
		BinWidth:        DefaultBinWidth,
		CutInSpeed:      DefaultCutInSpeed,
		CutOutSpeed:     DefaultCutOutSpeed,
		MinBinSamples:   DefaultMinBinSamples,
	}
}

// InsufficientDataError is returned when no bin has enough samples to anchor
// a backfill.
type InsufficientDataError struct {
	Bins       int
	MinSamples int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("power curve: none of %d bins has %d samples to backfill from", e.Bins, e.MinSamples)
}

// Exclusion reports whether a reading must be left out of the fit.
type Exclusion func(turbineID string, ts time.Time) bool

// Builder fits PowerCurves. It is safe for concurrent use.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder using cfg.
func NewBuilder(cfg Config) *Builder {
	if cfg.BinWidth <= 0 {
		cfg.BinWidth = DefaultBinWidth
	}
	return &Builder{cfg: cfg}
}

// Build fits a new curve with the given version from the good-data readings
// of series. exclude may be nil.
func (b *Builder) Build(series []models.CleanedSeries, version int, exclude Exclusion) (*models.PowerCurve, error) {
	cfg := b.cfg
	if cfg.CutOutSpeed <= cfg.CutInSpeed {
		return nil, errors.New("power curve: cut-out speed must exceed cut-in speed")
	}
	nBins := int(math.Ceil(cfg.CutOutSpeed / cfg.BinWidth))
	samples := make([][]float64, nBins)
	training := 0

	for _, s := range series {
		for i := 0; i < s.Len(); i++ {
			r := s.At(i)
			if !goodData(&r) || (exclude != nil && exclude(r.TurbineID, r.Timestamp)) {
				continue
			}
			ws, _ := r.Get(models.FieldWindSpeed)
			p, _ := r.Get(models.FieldPower)
			if ws < 0 || ws >= cfg.CutOutSpeed || math.IsNaN(ws) || math.IsNaN(p) {
				continue
			}
			k := int(ws / cfg.BinWidth)
			samples[k] = append(samples[k], math.Max(p, 0))
			training++
		}
	}

	curve := &models.PowerCurve{
		Version:         version,
		BinWidth:        cfg.BinWidth,
		CutInSpeed:      cfg.CutInSpeed,
		CutOutSpeed:     cfg.CutOutSpeed,
		RatedCapacityKW: cfg.RatedCapacityKW,
		TrainingSamples: training,
		Bins:            make([]models.CurveBin, nBins),
	}

	var anchored []int
	for k := range curve.Bins {
		low := float64(k) * cfg.BinWidth
		bin := models.CurveBin{
			Index:      k,
			WindLow:    low,
			WindCenter: low + cfg.BinWidth/2,
			Samples:    len(samples[k]),
		}
		if bin.WindCenter >= cfg.CutInSpeed && len(samples[k]) >= cfg.MinBinSamples {
			bin.ExpectedKW = median(samples[k])
			anchored = append(anchored, k)
		}
		curve.Bins[k] = bin
	}

	if len(anchored) == 0 {
		return nil, &InsufficientDataError{Bins: nBins, MinSamples: cfg.MinBinSamples}
	}
	backfill(curve.Bins, anchored, cfg.CutInSpeed)
	enforceMonotone(curve.Bins, cfg.RatedCapacityKW)
	return curve, nil
}

// goodData reports whether r can train the baseline.
func goodData(r *models.Reading) bool {
	if _, ok := r.Get(models.FieldWindSpeed); !ok {
		return false
	}
	if _, ok := r.Get(models.FieldPower); !ok {
		return false
	}
	q := r.Quality.Interpolated
	if q.Has(models.FieldWindSpeed) || q.Has(models.FieldPower) {
		return false
	}
	if in, ok := r.InService(); ok && !in {
		return false
	}
	return !r.Maintenance && !r.GridAbnormal()
}

// backfill fills bins that lack samples from their anchored neighbours.
func backfill(bins []models.CurveBin, anchored []int, cutIn float64) {
	first, last := anchored[0], anchored[len(anchored)-1]
	for k := range bins {
		b := &bins[k]
		if b.WindCenter < cutIn {
			continue
		}
		pos := sort.SearchInts(anchored, k)
		if pos < len(anchored) && anchored[pos] == k {
			continue
		}
		b.Backfilled = true
		switch {
		case k < first:
			// Ramp from zero at cut-in to the first anchored bin.
			a := bins[first]
			frac := (b.WindCenter - cutIn) / (a.WindCenter - cutIn)
			b.ExpectedKW = a.ExpectedKW * clamp(frac, 0, 1)
		case k > last:
			b.ExpectedKW = bins[last].ExpectedKW
		default:
			lo, hi := bins[anchored[pos-1]], bins[anchored[pos]]
			frac := (b.WindCenter - lo.WindCenter) / (hi.WindCenter - lo.WindCenter)
			b.ExpectedKW = lo.ExpectedKW + (hi.ExpectedKW-lo.ExpectedKW)*frac
		}
	}
}

// enforceMonotone applies a running maximum and caps values at rated output.
func enforceMonotone(bins []models.CurveBin, rated float64) {
	peak := 0.0
	for k := range bins {
		v := bins[k].ExpectedKW
		if rated > 0 && v > rated {
			v = rated
		}
		if v < peak {
			v = peak
		}
		bins[k].ExpectedKW = v
		peak = v
	}
}

// ExpectedPower evaluates curve at windSpeed in kW, interpolating linearly
// between bin centres. Wind below cut-in or at/above cut-out yields zero.
func ExpectedPower(curve *models.PowerCurve, windSpeed float64) float64 {
	if curve == nil || len(curve.Bins) == 0 || math.IsNaN(windSpeed) {
		return 0
	}
	if windSpeed < curve.CutInSpeed || windSpeed >= curve.CutOutSpeed {
		return 0
	}
	bins := curve.Bins
	if windSpeed <= bins[0].WindCenter {
		return bins[0].ExpectedKW
	}
	if windSpeed >= bins[len(bins)-1].WindCenter {
		return bins[len(bins)-1].ExpectedKW
	}
	k := sort.Search(len(bins), func(i int) bool { return bins[i].WindCenter >= windSpeed })
	lo, hi := bins[k-1], bins[k]
	frac := (windSpeed - lo.WindCenter) / (hi.WindCenter - lo.WindCenter)
	return lo.ExpectedKW + (hi.ExpectedKW-lo.ExpectedKW)*frac
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
