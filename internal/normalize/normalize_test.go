package normalize

import (
	"errors"
	"math"
	"testing"
	"time"

	"turbine-health-monitor/internal/models"
)

var t0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

// testConfig accepts short series: no minimum and no day rejection.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinRecords = 1
	cfg.MaxMissingFraction = 1
	return cfg
}

func reading(i int, wind, power float64) models.Reading {
	return models.Reading{
		TurbineID:    "T01",
		Timestamp:    t0.Add(time.Duration(i) * 10 * time.Minute),
		WindSpeed:    models.Float(wind),
		PowerKW:      models.Float(power),
		GearOilTempC: models.Float(60),
		NacelleTempC: models.Float(35),
		VibrationG:   models.Float(0.4),
		PitchDeg:     models.Float(2),
		YawErrorDeg:  models.Float(3),
		Available:    models.Bool(true),
		Seq:          int64(i),
	}
}

func series(n int) []models.Reading {
	out := make([]models.Reading, n)
	for i := range out {
		out[i] = reading(i, 8, 1000)
	}
	return out
}

func TestNormalize_TimestampsStrictlyIncreasing(t *testing.T) {
	raw := series(20)
	// Shuffle a few rows and add a duplicate.
	raw[3], raw[10] = raw[10], raw[3]
	dup := reading(5, 9, 1100)
	dup.Seq = 100
	raw = append(raw, dup)

	s, q, err := New(testConfig()).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if q.DuplicatesDrop != 1 {
		t.Errorf("DuplicatesDrop = %d, want 1", q.DuplicatesDrop)
	}
	rs := s.Readings()
	for i := 1; i < len(rs); i++ {
		if !rs[i].Timestamp.After(rs[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at %d: %v <= %v", i, rs[i].Timestamp, rs[i-1].Timestamp)
		}
	}
}

func TestNormalize_DuplicateKeepsLaterIngested(t *testing.T) {
	first := reading(0, 5, 500)
	first.Seq = 1
	later := reading(0, 6, 700)
	later.Seq = 2
	raw := []models.Reading{later, first, reading(1, 5, 500)}

	s, _, err := New(testConfig()).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	r := s.At(0)
	if got, _ := r.Get(models.FieldPower); got != 700 {
		t.Errorf("power at t0 = %v, want 700 (later-ingested)", got)
	}
}

func TestNormalize_NullsImpossibleValues(t *testing.T) {
	raw := series(10)
	raw[4].WindSpeed = models.Float(-2)
	raw[5].PowerKW = models.Float(2500) // rated 2000 * 1.1 = 2200
	raw[6].VibrationG = models.Float(-0.1)

	s, q, err := New(testConfig()).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if q.InvalidValues != 3 {
		t.Errorf("InvalidValues = %d, want 3", q.InvalidValues)
	}
	if s.Len() != 10 {
		t.Fatalf("rows retained = %d, want 10", s.Len())
	}

	r4 := s.At(4)
	if _, ok := r4.Get(models.FieldWindSpeed); ok {
		t.Error("negative wind speed was not nulled")
	}
	if !r4.Quality.Invalid.Has(models.FieldWindSpeed) {
		t.Error("negative wind speed not flagged invalid")
	}
	if r4.Quality.Interpolated.Has(models.FieldWindSpeed) {
		t.Error("invalid field must not be interpolated")
	}

	maxPower := DefaultRatedCapacityKW * (1 + DefaultPowerTolerance)
	for _, r := range s.Readings() {
		if v, ok := r.Get(models.FieldPower); ok && v > maxPower {
			t.Errorf("power %v exceeds %v at %v", v, maxPower, r.Timestamp)
		}
		if v, ok := r.Get(models.FieldWindSpeed); ok && v < 0 {
			t.Errorf("negative wind speed %v survived at %v", v, r.Timestamp)
		}
	}
}

func TestNormalize_KeepsIngestInvalidFlags(t *testing.T) {
	raw := series(10)
	// An unreadable cell arrives nulled and flagged.
	raw[4].GearOilTempC = nil
	raw[4].Quality.Invalid = raw[4].Quality.Invalid.Add(models.FieldGearOilTemp)

	s, q, err := New(testConfig()).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if q.InvalidValues != 1 {
		t.Errorf("InvalidValues = %d, want 1", q.InvalidValues)
	}
	r := s.At(4)
	if _, ok := r.Get(models.FieldGearOilTemp); ok {
		t.Error("invalid oil temperature was interpolated")
	}
	if !r.Quality.Invalid.Has(models.FieldGearOilTemp) || r.Quality.Missing {
		t.Errorf("quality = %+v, want invalid oil and not missing", r.Quality)
	}
}

func TestNormalize_InterpolatesShortGaps(t *testing.T) {
	raw := series(12)
	// Drop rows 3..5 (3 missing samples) and give endpoints distinct power.
	raw[2].PowerKW = models.Float(100)
	raw[6].PowerKW = models.Float(500)
	raw = append(raw[:3], raw[6:]...)

	s, q, err := New(testConfig()).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if s.Len() != 12 {
		t.Fatalf("Len = %d, want 12 after regularization", s.Len())
	}
	// 9 of the day's 144 slots are present.
	if q.ExpectedSamples != 144 || q.MissingSamples != 135 {
		t.Errorf("expected/missing = %d/%d, want 144/135", q.ExpectedSamples, q.MissingSamples)
	}
	gridMissing := 0
	for _, r := range s.Readings() {
		if r.Quality.Missing {
			gridMissing++
		}
	}
	if gridMissing != 3 {
		t.Errorf("rows flagged missing = %d, want 3", gridMissing)
	}
	want := []float64{200, 300, 400}
	for k, w := range want {
		r := s.At(3 + k)
		got, ok := r.Get(models.FieldPower)
		if !ok || math.Abs(got-w) > 1e-9 {
			t.Errorf("power[%d] = %v (ok=%v), want %v", 3+k, got, ok, w)
		}
		if !r.Quality.Missing || !r.Quality.Interpolated.Has(models.FieldPower) {
			t.Errorf("row %d quality = %+v, want missing+interpolated", 3+k, r.Quality)
		}
	}
}

func TestNormalize_LongGapsStayNull(t *testing.T) {
	raw := series(20)
	raw = append(raw[:5], raw[9:]...) // 4 missing samples

	s, _, err := New(testConfig()).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	for i := 5; i < 9; i++ {
		r := s.At(i)
		if _, ok := r.Get(models.FieldPower); ok {
			t.Errorf("row %d was interpolated across a 4-sample gap", i)
		}
	}
}

func TestNormalize_RejectsIncompleteDay(t *testing.T) {
	cfg := DefaultConfig()

	// Day 1 complete, day 2 with half its samples missing.
	var raw []models.Reading
	for i := 0; i < 144; i++ {
		raw = append(raw, reading(i, 8, 1000))
	}
	for i := 144; i < 288; i++ {
		if i%2 == 0 {
			r := reading(i, 8, 1000)
			r.WindSpeed, r.PowerKW = nil, nil
			raw = append(raw, r)
		} else {
			raw = append(raw, reading(i, 8, 1000))
		}
	}
	raw = append(raw, reading(288+143, 8, 1000)) // last slot of day 3 only

	s, q, err := New(cfg).Normalize("T01", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(q.RejectedDays) != 2 {
		t.Fatalf("RejectedDays = %v, want day 2 and day 3", q.RejectedDays)
	}
	if s.Len() != 144 {
		t.Errorf("Len = %d, want 144", s.Len())
	}
}

func TestNormalize_SparseEdgeDays(t *testing.T) {
	full := func(from int) []models.Reading {
		var rs []models.Reading
		for i := from; i < from+144; i++ {
			rs = append(rs, reading(i, 8, 1000))
		}
		return rs
	}
	tests := []struct {
		name     string
		raw      []models.Reading
		rejected string
	}{
		// The first day only has its last 10 slots.
		{"leading", append(series(144)[134:], full(144)...), "2024-03-01"},
		// The second day only has its first 10 slots.
		{"trailing", series(144 + 10), "2024-03-02"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s, q, err := New(DefaultConfig()).Normalize("T01", tc.raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if len(q.RejectedDays) != 1 || q.RejectedDays[0] != tc.rejected {
				t.Fatalf("RejectedDays = %v, want [%s]", q.RejectedDays, tc.rejected)
			}
			if s.Len() != 144 {
				t.Errorf("Len = %d, want 144", s.Len())
			}
			if q.ExpectedSamples != 288 || q.MissingSamples != 134 {
				t.Errorf("expected/missing = %d/%d, want 288/134", q.ExpectedSamples, q.MissingSamples)
			}
			want := 100 * float64(288-134) / 288
			if math.Abs(q.CompletenessPct-want) > 1e-9 {
				t.Errorf("CompletenessPct = %v, want %v", q.CompletenessPct, want)
			}
		})
	}
}

func TestNormalize_DataIntegrityError(t *testing.T) {
	cfg := testConfig()
	cfg.MinRecords = 144

	_, q, err := New(cfg).Normalize("T09", series(10))
	var die *DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("err = %v, want DataIntegrityError", err)
	}
	if die.TurbineID != "T09" || die.Records != 10 {
		t.Errorf("error = %+v", die)
	}
	if q.Accepted {
		t.Error("summary marked accepted for rejected turbine")
	}
}

func TestNormalize_EmptyInput(t *testing.T) {
	_, _, err := New(testConfig()).Normalize("T01", nil)
	var die *DataIntegrityError
	if !errors.As(err, &die) {
		t.Fatalf("err = %v, want DataIntegrityError", err)
	}
}

func TestNormalize_DoesNotMutateInput(t *testing.T) {
	raw := series(5)
	raw[1].WindSpeed = models.Float(-3)
	if _, _, err := New(testConfig()).Normalize("T01", raw); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if *raw[1].WindSpeed != -3 {
		t.Error("input reading was mutated")
	}
}

func TestGroupByTurbine(t *testing.T) {
	a := reading(0, 1, 1)
	b := reading(0, 1, 1)
	b.TurbineID = "T02"
	g := GroupByTurbine([]models.Reading{a, b, a})
	if len(g["T01"]) != 2 || len(g["T02"]) != 1 {
		t.Errorf("groups = %v", g)
	}
}
