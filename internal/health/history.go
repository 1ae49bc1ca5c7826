package health

import (
	"sort"
	"sync"
	"time"

	"turbine-health-monitor/internal/models"
)

type historyKey struct {
	turbineID string
	asOf      int64 // unix seconds of the as-of date
}

// History is an append-only log of HealthScores keyed by (turbine, as-of
// date). Re-scoring the same key appends a new revision; nothing is
// overwritten. Safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []models.HealthScore
	index   map[historyKey][]int
}

// NewHistory returns an empty History.
func NewHistory() *History {
	return &History{index: make(map[historyKey][]int)}
}

func keyOf(turbineID string, asOf time.Time) historyKey {
	return historyKey{turbineID: turbineID, asOf: AsOfDay(asOf).Unix()}
}

// Append records s and returns its position in the log.
func (h *History) Append(s models.HealthScore) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	s = cloneScore(s)
	h.entries = append(h.entries, s)
	pos := len(h.entries) - 1
	k := keyOf(s.TurbineID, s.AsOf)
	h.index[k] = append(h.index[k], pos)
	return pos
}

// Len returns the number of appended entries, revisions included.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// At returns the latest revision for turbineID on the date of asOf.
func (h *History) At(turbineID string, asOf time.Time) (models.HealthScore, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.index[keyOf(turbineID, asOf)]
	if len(idx) == 0 {
		return models.HealthScore{}, false
	}
	return cloneScore(h.entries[idx[len(idx)-1]]), true
}

// Revisions returns every appended score for the key in append order.
func (h *History) Revisions(turbineID string, asOf time.Time) []models.HealthScore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.index[keyOf(turbineID, asOf)]
	out := make([]models.HealthScore, len(idx))
	for i, p := range idx {
		out[i] = cloneScore(h.entries[p])
	}
	return out
}

// Series returns the latest revision per as-of date for turbineID, oldest
// date first.
func (h *History) Series(turbineID string) []models.HealthScore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []models.HealthScore
	for k, idx := range h.index {
		if k.turbineID == turbineID {
			out = append(out, cloneScore(h.entries[idx[len(idx)-1]]))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AsOf.Before(out[j].AsOf) })
	return out
}

// Latest returns, for every turbine, its score at the most recent as-of date.
func (h *History) Latest() []models.HealthScore {
	h.mu.RLock()
	defer h.mu.RUnlock()
	best := make(map[string]historyKey)
	for k := range h.index {
		if cur, ok := best[k.turbineID]; !ok || k.asOf > cur.asOf {
			best[k.turbineID] = k
		}
	}
	out := make([]models.HealthScore, 0, len(best))
	for _, k := range best {
		idx := h.index[k]
		out = append(out, cloneScore(h.entries[idx[len(idx)-1]]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurbineID < out[j].TurbineID })
	return out
}

func cloneScore(s models.HealthScore) models.HealthScore {
	if s.Penalties != nil {
		p := make(map[string]float64, len(s.Penalties))
		for k, v := range s.Penalties {
			p[k] = v
		}
		s.Penalties = p
	}
	return s
}
