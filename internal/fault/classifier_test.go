package fault

import (
	"testing"
	"time"

	"turbine-health-monitor/internal/models"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// nominal returns a reading with every sensor inside its limits.
func nominal(i int) models.Reading {
	return models.Reading{
		TurbineID:    "T01",
		Timestamp:    t0.Add(time.Duration(i) * 10 * time.Minute),
		WindSpeed:    models.Float(9),
		PowerKW:      models.Float(1200),
		GearOilTempC: models.Float(62),
		NacelleTempC: models.Float(38),
		VibrationG:   models.Float(0.5),
		PitchDeg:     models.Float(float64(i%2) * 1.5), // actively pitching
		YawErrorDeg:  models.Float(2),
		Available:    models.Bool(true),
	}
}

func TestClassify_SingleReadingRules(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(r *models.Reading)
		wantCategory models.FaultCategory
		wantLevel    string
	}{
		{"nominal", func(r *models.Reading) {}, models.FaultNone, models.SeverityNone},
		{"gearbox overtemp", func(r *models.Reading) { r.GearOilTempC = models.Float(90) }, models.FaultGearboxOvertemp, models.SeverityLow},
		{"gearbox critical", func(r *models.Reading) { r.GearOilTempC = models.Float(130) }, models.FaultGearboxOvertemp, models.SeverityCritical},
		{"gearbox at limit is fine", func(r *models.Reading) { r.GearOilTempC = models.Float(85) }, models.FaultNone, models.SeverityNone},
		{"nacelle overtemp", func(r *models.Reading) { r.NacelleTempC = models.Float(82) }, models.FaultNacelleOvertemp, models.SeverityMedium},
		{"high vibration", func(r *models.Reading) { r.VibrationG = models.Float(2.1) }, models.FaultHighVibration, models.SeverityHigh},
		{"grid event", func(r *models.Reading) { r.GridEvent = "VOLTAGE_DIP" }, models.FaultGridEvent, models.SeverityLow},
		{"grid NA is normal", func(r *models.Reading) { r.GridEvent = "NA" }, models.FaultNone, models.SeverityNone},
		{"grid beats gearbox", func(r *models.Reading) {
			r.GridEvent = "FREQ"
			r.GearOilTempC = models.Float(99)
		}, models.FaultGridEvent, models.SeverityLow},
		{"gearbox beats vibration", func(r *models.Reading) {
			r.GearOilTempC = models.Float(100)
			r.VibrationG = models.Float(3)
		}, models.FaultGearboxOvertemp, models.SeverityMedium},
	}

	c := New(DefaultConfig())
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := nominal(0)
			tc.mutate(&r)
			rec := c.Classify([]models.Reading{r})
			if rec.Category != tc.wantCategory {
				t.Errorf("Category = %s, want %s", rec.Category, tc.wantCategory)
			}
			if rec.SeverityLevel != tc.wantLevel {
				t.Errorf("SeverityLevel = %s, want %s (severity %.3f)", rec.SeverityLevel, tc.wantLevel, rec.Severity)
			}
		})
	}
}

func TestClassify_GearboxOvertempScenario(t *testing.T) {
	r := nominal(0)
	r.GearOilTempC = models.Float(86.5)
	rec := New(DefaultConfig()).Classify([]models.Reading{r})
	if rec.Category != models.FaultGearboxOvertemp {
		t.Fatalf("Category = %s, want GEARBOX_OVERTEMP", rec.Category)
	}
	if rec.Contributing["gear_oil_temp_c"] != 86.5 || rec.Contributing["limit"] != 85 {
		t.Errorf("Contributing = %v", rec.Contributing)
	}
}

func TestClassify_AllNullIsNoFault(t *testing.T) {
	r := models.Reading{TurbineID: "T01", Timestamp: t0, Quality: models.Quality{Missing: true}}
	rec := New(DefaultConfig()).Classify([]models.Reading{r})
	if rec.Category != models.FaultNone || rec.Annotation == "" {
		t.Errorf("record = %+v, want annotated NO_FAULT", rec)
	}
}

func TestClassify_InvalidFieldAnnotated(t *testing.T) {
	r := nominal(0)
	r.WindSpeed = nil
	r.Quality.Invalid = r.Quality.Invalid.Add(models.FieldWindSpeed)
	rec := New(DefaultConfig()).Classify([]models.Reading{r})
	if rec.Category != models.FaultNone || rec.Annotation != "invalid: wind_speed" {
		t.Errorf("record = %+v", rec)
	}
}

func TestClassify_YawNeedsDwell(t *testing.T) {
	c := New(DefaultConfig()) // 30m dwell = 3 samples
	var window []models.Reading
	var got []models.FaultCategory
	for i := 0; i < 5; i++ {
		r := nominal(i)
		r.YawErrorDeg = models.Float(-22)
		window = append(window, r)
		got = append(got, c.Classify(window).Category)
	}
	want := []models.FaultCategory{
		models.FaultNone, models.FaultNone, models.FaultYawMisalignment,
		models.FaultYawMisalignment, models.FaultYawMisalignment,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: %s, want %s", i, got[i], want[i])
		}
	}
}

func TestClassify_YawDwellBrokenByGap(t *testing.T) {
	c := New(DefaultConfig())
	a, b, d := nominal(0), nominal(1), nominal(3) // sample 2 missing
	for _, r := range []*models.Reading{&a, &b, &d} {
		r.YawErrorDeg = models.Float(20)
	}
	if got := c.Classify([]models.Reading{a, b, d}).Category; got != models.FaultNone {
		t.Errorf("Category = %s, want NO_FAULT across a timestamp gap", got)
	}
}

func TestClassify_PitchStuckScenario(t *testing.T) {
	var rs []models.Reading
	for i := 0; i < 10; i++ {
		r := nominal(i)
		r.PitchDeg = models.Float(4.0)
		r.WindSpeed = models.Float(8 + float64(i)*0.5) // 8 .. 12.5 m/s
		rs = append(rs, r)
	}
	s := models.NewCleanedSeries("T01", 10*time.Minute, rs)
	recs := New(DefaultConfig()).ClassifySeries(s)
	if len(recs) != 10 {
		t.Fatalf("records = %d, want one per reading", len(recs))
	}
	if last := recs[9]; last.Category != models.FaultPitchStuck {
		t.Errorf("last sample = %s, want PITCH_STUCK", last.Category)
	}
	// Window of 6 samples covers 2.5 m/s of variation from sample 5 on.
	if recs[4].Category != models.FaultNone || recs[5].Category != models.FaultPitchStuck {
		t.Errorf("samples 4/5 = %s/%s", recs[4].Category, recs[5].Category)
	}
}

func TestClassify_PitchMovingIsNotStuck(t *testing.T) {
	var rs []models.Reading
	for i := 0; i < 10; i++ {
		r := nominal(i)
		r.PitchDeg = models.Float(float64(i) * 1.2)
		r.WindSpeed = models.Float(8 + float64(i)*0.5)
		rs = append(rs, r)
	}
	for _, rec := range New(DefaultConfig()).ClassifySeries(models.NewCleanedSeries("T01", 10*time.Minute, rs)) {
		if rec.Category == models.FaultPitchStuck {
			t.Fatalf("moving pitch flagged stuck at %v", rec.Timestamp)
		}
	}
}

func TestClassify_PitchSteadyWindIsNotStuck(t *testing.T) {
	var rs []models.Reading
	for i := 0; i < 10; i++ {
		r := nominal(i)
		r.PitchDeg = models.Float(4.0)
		r.WindSpeed = models.Float(9 + float64(i%2)*0.3)
		rs = append(rs, r)
	}
	for _, rec := range New(DefaultConfig()).ClassifySeries(models.NewCleanedSeries("T01", 10*time.Minute, rs)) {
		if rec.Category != models.FaultNone {
			t.Fatalf("steady wind classified %s", rec.Category)
		}
	}
}

func TestClassifySeries_ExhaustiveAndStable(t *testing.T) {
	var rs []models.Reading
	for i := 0; i < 40; i++ {
		r := nominal(i)
		switch i % 7 {
		case 1:
			r.GearOilTempC = models.Float(95)
		case 2:
			r.VibrationG = models.Float(1.9)
		case 3:
			r.GridEvent = "TRIP"
		case 4:
			r = models.Reading{TurbineID: "T01", Timestamp: r.Timestamp}
		}
		rs = append(rs, r)
	}
	s := models.NewCleanedSeries("T01", 10*time.Minute, rs)
	c := New(DefaultConfig())
	first := c.ClassifySeries(s)
	second := c.ClassifySeries(s)
	if len(first) != s.Len() {
		t.Fatalf("records = %d, want %d", len(first), s.Len())
	}
	for i := range first {
		if !first[i].Category.Valid() {
			t.Errorf("record %d has unknown category %q", i, first[i].Category)
		}
		if first[i].Category != second[i].Category || first[i].Severity != second[i].Severity {
			t.Errorf("record %d not stable: %+v vs %+v", i, first[i], second[i])
		}
	}
	counts := CountByCategory(first)
	total := 0
	for _, n := range counts {
		total += n
	}
	if total != len(first) {
		t.Errorf("category counts sum to %d, want %d", total, len(first))
	}
}

func TestClassify_ThresholdsOverridable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GearboxOilTempLimitC = 95
	r := nominal(0)
	r.GearOilTempC = models.Float(90)
	if got := New(cfg).Classify([]models.Reading{r}).Category; got != models.FaultNone {
		t.Errorf("Category = %s, want NO_FAULT with 95 °C limit", got)
	}
}
