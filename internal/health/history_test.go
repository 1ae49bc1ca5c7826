package health

import (
	"sync"
	"testing"
	"time"

	"turbine-health-monitor/internal/models"
)

func score(id string, asOf time.Time, v float64) models.HealthScore {
	return models.HealthScore{TurbineID: id, AsOf: asOf, Score: v, Penalties: map[string]float64{RiskOilTrend: 100 - v}}
}

func TestHistory_AppendKeepsRevisions(t *testing.T) {
	h := NewHistory()
	h.Append(score("T01", day0, 80))
	h.Append(score("T01", day0.Add(3*time.Hour), 75)) // same as-of date

	if h.Len() != 2 {
		t.Fatalf("Len = %d, want 2", h.Len())
	}
	revs := h.Revisions("T01", day0)
	if len(revs) != 2 || revs[0].Score != 80 || revs[1].Score != 75 {
		t.Fatalf("Revisions = %+v", revs)
	}
	got, ok := h.At("T01", day0)
	if !ok || got.Score != 75 {
		t.Errorf("At = %+v, %v; want latest revision 75", got, ok)
	}
}

func TestHistory_SeriesAndLatest(t *testing.T) {
	h := NewHistory()
	h.Append(score("T01", day0.Add(48*time.Hour), 60))
	h.Append(score("T01", day0, 90))
	h.Append(score("T01", day0.Add(24*time.Hour), 70))
	h.Append(score("T02", day0, 50))

	series := h.Series("T01")
	if len(series) != 3 {
		t.Fatalf("Series len = %d, want 3", len(series))
	}
	for i, want := range []float64{90, 70, 60} {
		if series[i].Score != want {
			t.Errorf("Series[%d] = %v, want %v", i, series[i].Score, want)
		}
	}

	latest := h.Latest()
	if len(latest) != 2 || latest[0].TurbineID != "T01" || latest[0].Score != 60 || latest[1].Score != 50 {
		t.Errorf("Latest = %+v", latest)
	}
}

func TestHistory_ReturnsCopies(t *testing.T) {
	h := NewHistory()
	s := score("T01", day0, 80)
	h.Append(s)
	s.Penalties[RiskOilTrend] = 99

	got, _ := h.At("T01", day0)
	if got.Penalties[RiskOilTrend] != 20 {
		t.Fatalf("stored penalties mutated through caller map: %v", got.Penalties)
	}
	got.Penalties[RiskOilTrend] = 1
	again, _ := h.At("T01", day0)
	if again.Penalties[RiskOilTrend] != 20 {
		t.Errorf("stored penalties mutated through returned map")
	}
}

func TestHistory_ConcurrentAppend(t *testing.T) {
	h := NewHistory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Append(score("T01", day0.Add(time.Duration(i%5)*24*time.Hour), float64(i)))
		}(i)
	}
	wg.Wait()
	if h.Len() != 50 || len(h.Series("T01")) != 5 {
		t.Errorf("Len = %d, series = %d", h.Len(), len(h.Series("T01")))
	}
}
