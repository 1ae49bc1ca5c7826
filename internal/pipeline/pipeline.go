// Package pipeline runs the analysis stages over a batch of raw readings:
// normalize, fit the power curve, classify faults, analyze performance and
// score health.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"turbine-health-monitor/internal/fault"
	"turbine-health-monitor/internal/health"
	"turbine-health-monitor/internal/metrics"
	"turbine-health-monitor/internal/models"
	"turbine-health-monitor/internal/normalize"
	"turbine-health-monitor/internal/performance"
	"turbine-health-monitor/internal/powercurve"
)

// Stage names used in TurbineFailure and metrics.
const (
	StageNormalize = "normalize"
	StageClassify  = "classify"
	StageScore     = "score"
)

// DefaultWorkers bounds per-turbine parallelism.
const DefaultWorkers = 4

// ErrNoTurbines is returned when no turbine survives normalization.
var ErrNoTurbines = errors.New("no turbine has enough valid data")

// Config bundles the component configurations of one run.
type Config struct {
	Normalizer  normalize.Config
	PowerCurve  powercurve.Config
	Performance performance.Config
	Faults      fault.Config
	Health      health.Config
	Workers     int
}

// DefaultConfig returns the defaults of every component.
func DefaultConfig() Config {
	return Config{
		Normalizer:  normalize.DefaultConfig(),
		PowerCurve:  powercurve.DefaultConfig(),
		Performance: performance.DefaultConfig(),
		Faults:      fault.DefaultConfig(),
		Health:      health.DefaultConfig(),
		Workers:     DefaultWorkers,
	}
}

// TurbineFailure reports a turbine left out of a run. Other turbines are
// unaffected.
type TurbineFailure struct {
	TurbineID string `json:"turbine_id"`
	Stage     string `json:"stage"`
	Err       error  `json:"-"`
}

func (f *TurbineFailure) Error() string {
	return fmt.Sprintf("turbine %s: %s: %v", f.TurbineID, f.Stage, f.Err)
}

func (f *TurbineFailure) Unwrap() error { return f.Err }

// Result holds every artifact of one run.
type Result struct {
	RunID         string
	AsOf          time.Time
	Series        []models.CleanedSeries
	Quality       []models.QualitySummary
	BaselineCurve *models.PowerCurve
	Curve         *models.PowerCurve
	KPIs          models.KPIReport
	Events        []models.UnderperformanceEvent
	Faults        []models.FaultRecord
	Scores        []models.HealthScore
	Priority      []models.PriorityEntry
	Failures      []TurbineFailure
}

// Info summarizes r for listings.
func (r *Result) Info() models.RunInfo {
	info := models.RunInfo{ID: r.RunID, AsOf: r.AsOf, Turbines: len(r.Series), Failures: len(r.Failures)}
	if r.Curve != nil {
		info.CurveVer = r.Curve.Version
	}
	return info
}

// Engine wires the components together. It is safe for concurrent use; each
// Run works on its own data.
type Engine struct {
	cfg        Config
	normalizer *normalize.Normalizer
	builder    *powercurve.Builder
	classifier *fault.Classifier
	analyzer   *performance.Analyzer
	scorer     *health.Scorer
	history    *health.History
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHistory appends every run's scores to h.
func WithHistory(h *health.History) Option { return func(e *Engine) { e.history = h } }

// WithMetrics records run outcomes in m.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

// New builds an Engine from cfg.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	e := &Engine{
		cfg:        cfg,
		normalizer: normalize.New(cfg.Normalizer),
		builder:    powercurve.NewBuilder(cfg.PowerCurve),
		classifier: fault.New(cfg.Faults),
		analyzer:   performance.New(cfg.Performance),
		scorer:     health.NewScorer(cfg.Health),
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config { return e.cfg }

type turbineOutput struct {
	series  models.CleanedSeries
	quality models.QualitySummary
	faults  []models.FaultRecord
	events  []models.UnderperformanceEvent
	score   models.HealthScore
	failure *TurbineFailure
}

// Run analyzes readings as of asOf. A zero asOf means the date of the latest
// reading. Turbines that fail a stage are reported in Result.Failures; an
// error is returned only when no turbine survives or the curve cannot be fit.
func (e *Engine) Run(ctx context.Context, readings []models.Reading, asOf time.Time) (*Result, error) {
	start := time.Now()
	res, err := e.run(ctx, readings, asOf)

	status := metrics.RunOK
	switch {
	case err != nil:
		status = metrics.RunFailed
		e.log.Error("pipeline: run failed", "err", err)
	case len(res.Failures) > 0:
		status = metrics.RunPartial
	}
	e.metrics.RunFinished(status, time.Since(start))
	if err != nil {
		return nil, err
	}

	e.log.Info("pipeline: run complete",
		"run_id", res.RunID,
		"as_of", res.AsOf.Format("2006-01-02"),
		"turbines", len(res.Series),
		"failures", len(res.Failures),
		"events", len(res.Events),
		"curve_version", res.Curve.Version,
		"elapsed", time.Since(start))
	return res, nil
}

func (e *Engine) run(ctx context.Context, readings []models.Reading, asOf time.Time) (*Result, error) {
	groups := normalize.GroupByTurbine(readings)
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	outs := make([]turbineOutput, len(ids))

	// Stage 1: normalize every turbine independently.
	err := e.forEach(ctx, len(ids), func(i int) {
		series, quality, err := e.normalizer.Normalize(ids[i], groups[ids[i]])
		outs[i].quality = quality
		if err != nil {
			outs[i].failure = &TurbineFailure{TurbineID: ids[i], Stage: StageNormalize, Err: err}
			return
		}
		outs[i].series = series
	})
	if err != nil {
		return nil, err
	}

	var series []models.CleanedSeries
	for i := range outs {
		if outs[i].failure == nil {
			series = append(series, outs[i].series)
		}
	}
	if len(series) == 0 {
		return nil, fmt.Errorf("normalize %d turbines: %w", len(ids), ErrNoTurbines)
	}
	if asOf.IsZero() {
		asOf = latest(series)
	}

	// Stage 2: baseline curve from good data.
	baseline, err := e.builder.Build(series, 1, nil)
	if err != nil {
		return nil, fmt.Errorf("build power curve: %w", err)
	}

	// Stage 3: faults and baseline events feed the curve exclusion.
	err = e.forEach(ctx, len(outs), func(i int) {
		o := &outs[i]
		if o.failure != nil {
			return
		}
		if err := guard(func() { o.faults = e.classifier.ClassifySeries(o.series) }); err != nil {
			o.failure = &TurbineFailure{TurbineID: ids[i], Stage: StageClassify, Err: err}
			return
		}
		_, o.events = e.analyzer.AnalyzeTurbine(o.series, baseline)
	})
	if err != nil {
		return nil, err
	}

	curve, err := e.builder.Build(series, baseline.Version+1, exclusion(outs))
	if err != nil {
		e.log.Warn("pipeline: refit failed, keeping baseline curve", "err", err)
		curve = baseline
	}

	series = series[:0]
	for i := range outs {
		if outs[i].failure == nil {
			series = append(series, outs[i].series)
		}
	}
	kpis, events := e.analyzer.Analyze(series, curve)

	// Stage 4: health per turbine.
	err = e.forEach(ctx, len(outs), func(i int) {
		o := &outs[i]
		if o.failure != nil {
			return
		}
		if err := guard(func() { o.score = e.scorer.Score(o.faults, o.series, asOf) }); err != nil {
			o.failure = &TurbineFailure{TurbineID: ids[i], Stage: StageScore, Err: err}
		}
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:         uuid.NewString(),
		AsOf:          health.AsOfDay(asOf),
		BaselineCurve: baseline,
		Curve:         curve,
		KPIs:          kpis,
		Events:        events,
	}
	for i := range outs {
		o := &outs[i]
		res.Quality = append(res.Quality, o.quality)
		if o.failure != nil {
			res.Failures = append(res.Failures, *o.failure)
			e.metrics.TurbineFailed(o.failure.Stage)
			e.log.Warn("pipeline: turbine dropped", "turbine", o.failure.TurbineID, "stage", o.failure.Stage, "err", o.failure.Err)
			continue
		}
		res.Series = append(res.Series, o.series)
		res.Faults = append(res.Faults, o.faults...)
		res.Scores = append(res.Scores, o.score)
	}
	res.Priority = health.Rank(res.Scores)

	for cat, n := range fault.CountByCategory(res.Faults) {
		if cat.IsFault() {
			e.metrics.FaultsRecorded(string(cat), n)
		}
	}
	if e.history != nil {
		for _, s := range res.Scores {
			e.history.Append(s)
		}
	}
	return res, nil
}

// forEach runs fn for 0..n-1 on at most cfg.Workers goroutines.
func (e *Engine) forEach(ctx context.Context, n int, fn func(i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	return g.Wait()
}

// guard converts a panic in fn into an error so one bad turbine cannot take
// down the run.
func guard(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn()
	return nil
}

// exclusion drops fault samples and samples inside baseline events from the
// refit.
func exclusion(outs []turbineOutput) powercurve.Exclusion {
	faulted := make(map[string]map[int64]bool)
	events := make(map[string][]models.UnderperformanceEvent)
	for i := range outs {
		o := &outs[i]
		if o.failure != nil {
			continue
		}
		id := o.series.TurbineID()
		set := make(map[int64]bool)
		for _, f := range o.faults {
			if f.Category.IsFault() {
				set[f.Timestamp.UnixNano()] = true
			}
		}
		faulted[id] = set
		events[id] = o.events
	}
	return func(turbineID string, ts time.Time) bool {
		if faulted[turbineID][ts.UnixNano()] {
			return true
		}
		for _, ev := range events[turbineID] {
			if ev.Contains(ts) {
				return true
			}
		}
		return false
	}
}

func latest(series []models.CleanedSeries) time.Time {
	var t time.Time
	for _, s := range series {
		if _, last := s.Span(); last.After(t) {
			t = last
		}
	}
	return t
}
