package main

import (
	"context"
	"reflect"
	"testing"
	"time"

	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/health"
	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/pipeline"
)

func testOptions() genOptions {
	return genOptions{
		Turbines: 5,
		Days:     10,
		Seed:     7,
		Start:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Interval: 10 * time.Minute,
		RatedKW:  2000,
	}
}

func TestGenerateReadings_Deterministic(t *testing.T) {
	a := generateReadings(testOptions())
	b := generateReadings(testOptions())
	if !reflect.DeepEqual(a, b) {
		t.Fatal("same seed produced different data")
	}

	other := testOptions()
	other.Seed = 8
	if reflect.DeepEqual(a, generateReadings(other)) {
		t.Error("different seeds produced identical data")
	}

	full := 5 * 10 * 144
	if len(a) >= full || len(a) < full*98/100 {
		t.Errorf("generated %d readings, want slightly fewer than %d", len(a), full)
	}
}

func TestGenPower(t *testing.T) {
	tests := []struct {
		wind float64
		want float64
	}{
		{0, 0},
		{genCutIn, 0},
		{genRated, 2000},
		{20, 2000},
		{genCutOut, 0},
	}
	for _, tt := range tests {
		if got := genPower(tt.wind, 2000); got != tt.want {
			t.Errorf("genPower(%v) = %v, want %v", tt.wind, got, tt.want)
		}
	}
}

func TestGenerateReadings_InjectedFaultsAreDetected(t *testing.T) {
	readings := generateReadings(testOptions())
	res, err := pipeline.New(pipeline.DefaultConfig()).Run(context.Background(), readings, time.Time{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Failures) != 0 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}

	byTurbine := map[string][]models.FaultRecord{}
	for _, f := range res.Faults {
		byTurbine[f.TurbineID] = append(byTurbine[f.TurbineID], f)
	}
	expect := map[string]models.FaultCategory{
		"WTG-02": models.FaultGearboxOvertemp,
		"WTG-03": models.FaultHighVibration,
		"WTG-05": models.FaultYawMisalignment,
	}
	for id, cat := range expect {
		if fault.CountByCategory(byTurbine[id])[cat] == 0 {
			t.Errorf("%s: no %s records", id, cat)
		}
	}

	events := 0
	for _, e := range res.Events {
		if e.TurbineID == "WTG-04" {
			events++
		}
	}
	if events == 0 {
		t.Error("WTG-04: derated stretch not reported as underperformance")
	}

	scores := map[string]models.HealthScore{}
	for _, s := range res.Scores {
		scores[s.TurbineID] = s
	}
	if scores["WTG-02"].Score >= scores["WTG-01"].Score {
		t.Errorf("overheating turbine scored %.1f, healthy one %.1f", scores["WTG-02"].Score, scores["WTG-01"].Score)
	}
	if scores["WTG-02"].DominantRisk != health.RiskFaultFrequency {
		t.Errorf("WTG-02 dominant risk = %s", scores["WTG-02"].DominantRisk)
	}
}
