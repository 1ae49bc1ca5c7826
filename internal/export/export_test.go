package export

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/parser"
	"turbine-health-monitor/internal/pipeline"
)

var ts = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

func sampleResult() *pipeline.Result {
	readings := []models.Reading{
		{TurbineID: "T01", Timestamp: ts, WindSpeed: models.Float(8), PowerKW: models.Float(1000), Available: models.Bool(true)},
		{TurbineID: "T01", Timestamp: ts.Add(10 * time.Minute), WindSpeed: models.Float(8.5),
			Quality: models.Quality{Interpolated: models.FieldSet(0).Add(models.FieldPower)}},
	}
	curve := &models.PowerCurve{Version: 1, BinWidth: 0.5, Bins: []models.CurveBin{
		{Index: 0, WindLow: 0, WindCenter: 0.25},
		{Index: 1, WindLow: 0.5, WindCenter: 0.75, ExpectedKW: 10, Samples: 12},
	}}
	final := &models.PowerCurve{Version: 2, BinWidth: 0.5, Bins: curve.Bins}
	score := models.HealthScore{TurbineID: "T01", AsOf: ts, Score: 81.25, State: "degraded",
		Penalties: map[string]float64{"oil_trend": 18.75, "fault_frequency": 0}}
	return &pipeline.Result{
		RunID:         "run-1",
		AsOf:          ts,
		Series:        []models.CleanedSeries{models.NewCleanedSeries("T01", 10*time.Minute, readings)},
		Quality:       []models.QualitySummary{{TurbineID: "T01", ExpectedSamples: 2, PresentSamples: 2, Accepted: true}},
		BaselineCurve: curve,
		Curve:         final,
		KPIs: models.KPIReport{
			Farm:     models.FarmKPI{Turbines: 1, EnergyKWh: 166.7},
			Turbines: []models.TurbineKPI{{TurbineID: "T01", Samples: 2}},
		},
		Events: []models.UnderperformanceEvent{{TurbineID: "T01", Start: ts, End: ts.Add(30 * time.Minute), Samples: 3}},
		Faults: []models.FaultRecord{
			{TurbineID: "T01", Timestamp: ts, Category: models.FaultGearboxOvertemp, Severity: 0.4,
				Contributing: map[string]float64{"gear_oil_temp_c": 90}},
		},
		Scores:   []models.HealthScore{score},
		Priority: []models.PriorityEntry{{Rank: 1, HealthScore: score}},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func TestWriteRun(t *testing.T) {
	dir := t.TempDir()
	runDir, err := WriteRun(dir, sampleResult())
	if err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	if runDir != filepath.Join(dir, "run-1") {
		t.Errorf("run dir = %s", runDir)
	}

	tests := []struct {
		file string
		rows int // including header
	}{
		{"cleaned_series.csv", 3},
		{"power_curve.csv", 5},
		{"underperformance_events.csv", 2},
		{"fault_records.csv", 2},
		{"health_scores.csv", 2},
		{"turbine_kpis.csv", 3},
		{"data_quality.csv", 2},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			rows := readCSV(t, filepath.Join(runDir, tt.file))
			if len(rows) != tt.rows {
				t.Errorf("got %d rows, want %d", len(rows), tt.rows)
			}
		})
	}

	cleaned := readCSV(t, filepath.Join(runDir, "cleaned_series.csv"))
	last := cleaned[2]
	if last[3] != "" {
		t.Errorf("null power exported as %q", last[3])
	}
	if last[len(last)-1] != "power_kw" {
		t.Errorf("interpolated fields = %q", last[len(last)-1])
	}

	faults := readCSV(t, filepath.Join(runDir, "fault_records.csv"))
	if faults[1][2] != "GEARBOX_OVERTEMP" || faults[1][5] != "gear_oil_temp_c=90" {
		t.Errorf("fault row = %v", faults[1])
	}
	if got, want := faults[1][7], fault.PrimaryAction(models.FaultGearboxOvertemp); got == "" || got != want {
		t.Errorf("recommended_action = %q, want %q", got, want)
	}

	scores := readCSV(t, filepath.Join(runDir, "health_scores.csv"))
	if scores[1][8] != "fault_frequency=0;oil_trend=18.75" {
		t.Errorf("penalties = %q", scores[1][8])
	}
}

func TestWriteRunExclusive(t *testing.T) {
	dir := t.TempDir()
	if _, err := WriteRun(dir, sampleResult()); err != nil {
		t.Fatalf("WriteRun: %v", err)
	}
	if _, err := WriteRun(dir, sampleResult()); err == nil {
		t.Fatal("second WriteRun into the same run directory succeeded")
	}
}

func TestWriteRunRequiresID(t *testing.T) {
	res := sampleResult()
	res.RunID = ""
	if _, err := WriteRun(t.TempDir(), res); err == nil {
		t.Fatal("expected error for empty run id")
	}
}

func TestWriteReadingsCSV_ParsesBack(t *testing.T) {
	readings := []models.Reading{
		{TurbineID: "T01", Timestamp: ts, WindSpeed: models.Float(7.25), PowerKW: models.Float(640),
			GearOilTempC: models.Float(61.5), Available: models.Bool(true)},
		{TurbineID: "T02", Timestamp: ts.Add(10 * time.Minute), VibrationG: models.Float(0.3),
			GridEvent: "voltage_dip", StatusCode: 1, Available: models.Bool(true)},
	}
	var buf bytes.Buffer
	if err := WriteReadingsCSV(&buf, readings); err != nil {
		t.Fatalf("WriteReadingsCSV: %v", err)
	}
	if !strings.HasPrefix(buf.String(), strings.Join(ReadingHeader, ",")) {
		t.Errorf("unexpected header: %q", strings.SplitN(buf.String(), "\n", 2)[0])
	}

	got, err := parser.NewParser("csv").Parse(&buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != len(readings) {
		t.Fatalf("parsed %d readings, want %d", len(got), len(readings))
	}
	for i := range readings {
		want, have := readings[i], got[i]
		if have.TurbineID != want.TurbineID || !have.Timestamp.Equal(want.Timestamp) || have.GridEvent != want.GridEvent {
			t.Errorf("reading %d = %+v", i, have)
		}
		for _, f := range models.SensorFields {
			wv, wok := want.Get(f)
			hv, hok := have.Get(f)
			if wok != hok || wv != hv {
				t.Errorf("reading %d %s = (%v, %v), want (%v, %v)", i, f, hv, hok, wv, wok)
			}
		}
	}
}
