package powercurve

import (
	"errors"
	"math"
	"testing"
	"time"

	"turbine-health-monitor/internal/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// idealPower is a simple cubic curve rated at 2000 kW from 12 m/s.
func idealPower(ws float64) float64 {
	switch {
	case ws < 3:
		return 0
	case ws >= 12:
		return 2000
	default:
		return 2000 * math.Pow((ws-3)/9, 3)
	}
}

// sweep returns readings covering wind speeds from lo to hi in steps, each
// repeated reps times.
func sweep(id string, lo, hi, step float64, reps int) models.CleanedSeries {
	var rs []models.Reading
	i := 0
	for ws := lo; ws <= hi; ws += step {
		for k := 0; k < reps; k++ {
			rs = append(rs, models.Reading{
				TurbineID: id,
				Timestamp: t0.Add(time.Duration(i) * 10 * time.Minute),
				WindSpeed: models.Float(ws),
				PowerKW:   models.Float(idealPower(ws)),
				Available: models.Bool(true),
			})
			i++
		}
	}
	return models.NewCleanedSeries(id, 10*time.Minute, rs)
}

func TestBuild_MedianPerBin(t *testing.T) {
	var rs []models.Reading
	// Bin [8.0, 8.5) with a 2000 kW spike; the median stays at 1000.
	for i, p := range []float64{900, 1000, 1100, 1000, 1000, 950, 1050, 1000, 1000, 1000, 2000} {
		rs = append(rs, models.Reading{
			TurbineID: "T01",
			Timestamp: t0.Add(time.Duration(i) * 10 * time.Minute),
			WindSpeed: models.Float(8.2),
			PowerKW:   models.Float(p),
		})
	}
	s := models.NewCleanedSeries("T01", 10*time.Minute, rs)

	c, err := NewBuilder(DefaultConfig()).Build([]models.CleanedSeries{s}, 1, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bin := c.Bins[16]
	if bin.Samples != 11 || bin.ExpectedKW != 1000 || bin.Backfilled {
		t.Errorf("bin 16 = %+v, want 11 samples median 1000", bin)
	}
}

func TestExpectedPower_MonotonicAndZeroOutsideRange(t *testing.T) {
	s := sweep("T01", 0, 24.9, 0.1, 12)
	c, err := NewBuilder(DefaultConfig()).Build([]models.CleanedSeries{s}, 1, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	prev := -1.0
	for ws := 0.0; ws < c.CutOutSpeed; ws += 0.05 {
		got := ExpectedPower(c, ws)
		if got < prev-1e-9 {
			t.Fatalf("not monotone: P(%.2f)=%.2f < %.2f", ws, got, prev)
		}
		if got > c.RatedCapacityKW {
			t.Fatalf("P(%.2f)=%.2f exceeds rated", ws, got)
		}
		prev = got
	}
	for _, ws := range []float64{0, 1.5, 2.99, 25, 30} {
		if got := ExpectedPower(c, ws); got != 0 {
			t.Errorf("P(%v) = %v, want 0", ws, got)
		}
	}
	if got := ExpectedPower(c, 15); math.Abs(got-2000) > 1e-9 {
		t.Errorf("P(15) = %v, want rated 2000", got)
	}
}

func TestExpectedPower_InterpolatesBetweenBins(t *testing.T) {
	c := &models.PowerCurve{
		BinWidth: 1, CutInSpeed: 3, CutOutSpeed: 25, RatedCapacityKW: 2000,
		Bins: []models.CurveBin{
			{Index: 0, WindCenter: 0.5},
			{Index: 1, WindCenter: 1.5},
			{Index: 2, WindCenter: 2.5},
			{Index: 3, WindCenter: 3.5, ExpectedKW: 100},
			{Index: 4, WindCenter: 4.5, ExpectedKW: 300},
		},
	}
	if got := ExpectedPower(c, 4.0); math.Abs(got-200) > 1e-9 {
		t.Errorf("P(4.0) = %v, want 200", got)
	}
}

func TestBuild_BackfillsSparseBins(t *testing.T) {
	// Dense data everywhere except [10, 11) m/s.
	var series []models.CleanedSeries
	full := sweep("T01", 3, 14, 0.1, 12)
	var kept []models.Reading
	for _, r := range full.Readings() {
		if ws, _ := r.Get(models.FieldWindSpeed); ws >= 10 && ws < 11 {
			continue
		}
		kept = append(kept, r)
	}
	series = append(series, models.NewCleanedSeries("T01", 10*time.Minute, kept))

	c, err := NewBuilder(DefaultConfig()).Build(series, 1, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	b20, b21 := c.Bins[20], c.Bins[21]
	if !b20.Backfilled || !b21.Backfilled {
		t.Fatalf("bins 20/21 not backfilled: %+v %+v", b20, b21)
	}
	lo, hi := c.Bins[19].ExpectedKW, c.Bins[22].ExpectedKW
	if b20.ExpectedKW < lo || b21.ExpectedKW > hi || b20.ExpectedKW > b21.ExpectedKW {
		t.Errorf("backfill %v, %v not between neighbours %v..%v", b20.ExpectedKW, b21.ExpectedKW, lo, hi)
	}
	// Above the last anchored bin the curve carries flat.
	if last := c.Bins[len(c.Bins)-1]; !last.Backfilled || last.ExpectedKW != c.Bins[28].ExpectedKW {
		t.Errorf("top bin = %+v, want flat carry of %v", last, c.Bins[28].ExpectedKW)
	}
}

func TestBuild_InsufficientData(t *testing.T) {
	s := sweep("T01", 5, 6, 0.5, 2) // far below MinBinSamples
	_, err := NewBuilder(DefaultConfig()).Build([]models.CleanedSeries{s}, 1, nil)
	var ide *InsufficientDataError
	if !errors.As(err, &ide) {
		t.Fatalf("err = %v, want InsufficientDataError", err)
	}
}

func TestBuild_ExcludesFaultsAndBadData(t *testing.T) {
	s := sweep("T01", 8, 8.4, 0.1, 10)
	rs := s.Readings()
	// Poison half the samples; exclusions and quality filters must drop them.
	for i := range rs {
		if i%2 == 0 {
			rs[i].PowerKW = models.Float(0)
			switch i % 3 {
			case 0:
				rs[i].GridEvent = "CURTAILMENT"
			case 1:
				rs[i].Available = models.Bool(false)
			}
		}
	}
	poisoned := models.NewCleanedSeries("T01", 10*time.Minute, rs)
	exclude := func(_ string, ts time.Time) bool {
		for i := range rs {
			if rs[i].Timestamp.Equal(ts) {
				return i%2 == 0
			}
		}
		return false
	}

	c, err := NewBuilder(DefaultConfig()).Build([]models.CleanedSeries{poisoned}, 2, exclude)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Version != 2 {
		t.Errorf("Version = %d, want 2", c.Version)
	}
	if want := idealPower(8.0); c.Bins[16].ExpectedKW < want*0.9 {
		t.Errorf("bin 16 = %v, poisoned samples leaked (want ~%v)", c.Bins[16].ExpectedKW, want)
	}
	if c.TrainingSamples != len(rs)/2 {
		t.Errorf("TrainingSamples = %d, want %d", c.TrainingSamples, len(rs)/2)
	}
}
