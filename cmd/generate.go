package main

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/parser"
)

type genOptions struct {
	Turbines int
	Days     int
	Seed     int64
	Start    time.Time
	Interval time.Duration
	RatedKW  float64
}

// Synthetic turbine characteristics.
const (
	genCutIn  = 3.0
	genRated  = 12.0
	genCutOut = 25.0
)

// generateReadings returns a deterministic farm data set for opts. Besides
// sensor noise it injects, per turbine index:
//
//	1: gearbox oil temperature climbing to overheating
//	2: rising vibration with spikes over the last days
//	3: a derated stretch on the second day
//	4: an hour of yaw misalignment
//
// Every turbine sees a farm-wide grid event, sporadic dropped samples and NA
// cells; turbine 0 has a maintenance window.
func generateReadings(opts genOptions) []models.Reading {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Minute
	}
	if opts.RatedKW <= 0 {
		opts.RatedKW = 2000
	}
	rng := rand.New(rand.NewSource(opts.Seed))
	perDay := int(24 * time.Hour / opts.Interval)
	n := opts.Days * perDay

	// One farm-wide wind series; turbines see it with local gusts.
	wind := make([]float64, n)
	ws := 8.0
	for i := range wind {
		ws += rng.NormFloat64()*0.4 + (8-ws)*0.02
		ws = math.Max(0, math.Min(28, ws))
		wind[i] = ws
	}
	gridStart := n/2 + rng.Intn(perDay)

	var out []models.Reading
	for t := 0; t < opts.Turbines; t++ {
		id := fmt.Sprintf("WTG-%02d", t+1)
		for i := 0; i < n; i++ {
			// Sporadic dropped samples.
			if rng.Float64() < 0.003 {
				continue
			}
			day := float64(i) / float64(perDay)
			v := math.Max(0, wind[i]+rng.NormFloat64()*0.3)
			power := genPower(v, opts.RatedKW) * (1 + rng.NormFloat64()*0.02)
			pitch := 1 + math.Abs(rng.NormFloat64())*1.5
			if v > genRated {
				pitch = (v - genRated) * 2
			}
			oil := 55 + 10*power/opts.RatedKW + rng.NormFloat64()
			vib := 0.3 + 0.02*v + math.Abs(rng.NormFloat64())*0.03
			yaw := rng.NormFloat64() * 3

			r := models.Reading{
				TurbineID:    id,
				Timestamp:    opts.Start.Add(time.Duration(i) * opts.Interval),
				WindSpeed:    models.Float(round(v, 2)),
				PowerKW:      models.Float(round(math.Max(0, power), 1)),
				NacelleTempC: models.Float(round(25+rng.NormFloat64()*2, 1)),
				PitchDeg:     models.Float(round(pitch, 2)),
				StatusCode:   1,
				Available:    models.Bool(true),
			}

			switch t {
			case 1:
				oil += 1.5 * day
				if float64(opts.Days)-day < 1 {
					oil = math.Max(oil, 88+rng.Float64()*4)
				}
			case 2:
				vib += 0.05 * day
				if float64(opts.Days)-day < 3 && rng.Float64() < 0.1 {
					vib = 1.6 + rng.Float64()
				}
			case 3:
				if i >= perDay+8*perDay/24 && i < perDay+14*perDay/24 {
					r.PowerKW = models.Float(round(*r.PowerKW*0.5, 1))
				}
			case 4:
				if i >= 2*perDay && i < 2*perDay+perDay/24 {
					yaw = 25 + rng.Float64()*5
				}
			}
			r.GearOilTempC = models.Float(round(oil, 1))
			r.VibrationG = models.Float(round(vib, 3))
			r.YawErrorDeg = models.Float(round(yaw, 1))

			if i >= gridStart && i < gridStart+perDay/24 {
				r.GridEvent = "voltage_dip"
			}
			if t == 0 && i >= 3*perDay && i < 3*perDay+perDay/6 {
				r.StatusCode = parser.StatusMaintenance
				r.Available = models.Bool(false)
				r.Maintenance = true
				r.PowerKW = models.Float(0)
			}
			// NA cells.
			if rng.Float64() < 0.002 {
				r.NacelleTempC = nil
			}

			out = append(out, r)
		}
	}
	return out
}

// genPower is a cubic curve between cut-in and rated speed.
func genPower(v, ratedKW float64) float64 {
	switch {
	case v < genCutIn || v >= genCutOut:
		return 0
	case v >= genRated:
		return ratedKW
	}
	x := (v - genCutIn) / (genRated - genCutIn)
	return ratedKW * x * x * x
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
