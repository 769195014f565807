// Package metrics provides a small StatsReceiver wrapper around go-metrics,
// scoped the way a call tree is scoped rather than the way a single flat
// registry is. escalatectl is a short-lived process: most invocations render
// their receiver exactly once, at exit, so the latched/periodic-capture path
// exists only for the long-lived `status --watch` loop in the chain package.
package metrics

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/rcrowley/go-metrics"
)

var Time StatsTime = DefaultStatsTime()

// StatsRegistry mirrors the subset of the go-metrics registry interface we need.
type StatsRegistry interface {
	GetOrRegister(string, interface{}) interface{}
	Unregister(string)
	Each(func(string, interface{}))
}

// StatsReceiver records counters, gauges, histograms and latencies under a
// hierarchical, slash-delimited name scope.
type StatsReceiver interface {
	Scope(scope ...string) StatsReceiver
	Precision(time.Duration) StatsReceiver
	Counter(name ...string) Counter
	Latency(name ...string) Latency
	Gauge(name ...string) Gauge
	GaugeFloat(name ...string) GaugeFloat
	Remove(name ...string)
	Render(pretty bool) []byte
}

func DefaultStatsReceiver() StatsReceiver {
	stat, _ := NewCustomStatsReceiver(nil, 0)
	return stat
}

func NewLatchedStatsReceiver(latched time.Duration) (stat StatsReceiver, cancelFn func()) {
	return NewCustomStatsReceiver(nil, latched)
}

func NewCustomStatsReceiver(makeRegistry func() StatsRegistry, latched time.Duration) (stat StatsReceiver, cancelFn func()) {
	if makeRegistry == nil {
		makeRegistry = func() StatsRegistry { return metrics.NewRegistry() }
	}
	defaultStat := &defaultStatsReceiver{
		makeRegistry: makeRegistry,
		registry:     makeRegistry(),
		precision:    time.Millisecond,
	}
	cancel := func() {}
	if latched > 0 {
		var ctx context.Context
		defaultStat.latchCh = make(chan chan capturedRegistry)
		ctx, cancel = context.WithCancel(context.Background())
		firstSnapshotAt := Time.Now().Add(latched).Truncate(latched)
		firstCaptured := capture(defaultStat.registry, makeRegistry())
		go latch(defaultStat, firstCaptured, defaultStat.latchCh, Time.NewTicker(latched), firstSnapshotAt, ctx)
	}
	return defaultStat, cancel
}

func latch(stat *defaultStatsReceiver, captured StatsRegistry, latchCh chan chan capturedRegistry,
	ticker StatsTicker, firstSnapshotAt time.Time, ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return
		case t := <-ticker.C():
			if t.Before(firstSnapshotAt) {
				break
			}
			captured = capture(stat.registry, stat.makeRegistry())
			clearHistograms(stat.registry)
		case req := <-latchCh:
			req <- capturedRegistry{captured}
		}
	}
}

func capture(src StatsRegistry, dst StatsRegistry) StatsRegistry {
	src.Each(func(name string, i interface{}) {
		switch m := i.(type) {
		case Counter:
			dst.GetOrRegister(name, m.Capture())
		case Gauge:
			dst.GetOrRegister(name, m.Capture())
		case GaugeFloat:
			dst.GetOrRegister(name, m.Capture())
		case Histogram:
			dst.GetOrRegister(name, m.Capture())
		case Latency:
			dst.GetOrRegister(name, m.Capture())
		default:
			log.WithField("name", name).Info("metrics: unrecognized capture instrument")
		}
	})
	return dst
}

func requestCapture(latchCh chan chan capturedRegistry) capturedRegistry {
	resultCh := make(chan capturedRegistry)
	latchCh <- resultCh
	return <-resultCh
}

func clearHistograms(reg StatsRegistry) {
	reg.Each(func(name string, i interface{}) {
		if m, ok := i.(metrics.Histogram); ok {
			m.Clear()
		}
	})
}

type capturedRegistry struct {
	captured StatsRegistry
}

type defaultStatsReceiver struct {
	makeRegistry func() StatsRegistry
	registry     StatsRegistry
	latchCh      chan chan capturedRegistry
	precision    time.Duration
	scope        []string
}

func (s *defaultStatsReceiver) Scope(scope ...string) StatsReceiver {
	return &defaultStatsReceiver{s.makeRegistry, s.registry, s.latchCh, s.precision, s.scoped(scope...)}
}

func (s *defaultStatsReceiver) Precision(precision time.Duration) StatsReceiver {
	if precision < 1 {
		precision = 1
	}
	return &defaultStatsReceiver{s.makeRegistry, s.registry, s.latchCh, precision, s.scope}
}

func (s *defaultStatsReceiver) Counter(name ...string) Counter {
	return s.registry.GetOrRegister(s.scopedName(name...), newMetricCounter).(Counter)
}

func (s *defaultStatsReceiver) Gauge(name ...string) Gauge {
	return s.registry.GetOrRegister(s.scopedName(name...), newMetricGauge).(Gauge)
}

func (s *defaultStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return s.registry.GetOrRegister(s.scopedName(name...), newMetricGaugeFloat).(GaugeFloat)
}

func (s *defaultStatsReceiver) Latency(name ...string) Latency {
	return s.registry.GetOrRegister(s.scopedName(name...), newLatency().Precision(s.precision)).(Latency)
}

func (s *defaultStatsReceiver) Remove(name ...string) {
	s.registry.Unregister(s.scopedName(name...))
}

func (s *defaultStatsReceiver) Render(pretty bool) []byte {
	reg := s.registry
	if s.latchCh != nil {
		reg = requestCapture(s.latchCh).captured
	}
	data := marshalAll(reg)
	var bytes []byte
	var err error
	if pretty {
		bytes, err = json.MarshalIndent(data, "", "  ")
	} else {
		bytes, err = json.Marshal(data)
	}
	if err != nil {
		panic("metrics: registry could not be marshaled: " + err.Error())
	}
	if s.latchCh == nil {
		clearHistograms(s.registry)
	}
	return bytes
}

func marshalAll(reg StatsRegistry) map[string]interface{} {
	data := make(map[string]interface{})
	reg.Each(func(name string, i interface{}) {
		switch stat := i.(type) {
		case Counter:
			data[name] = stat.Count()
		case Gauge:
			data[name] = stat.Value()
		case GaugeFloat:
			data[name] = stat.Value()
		case Histogram:
			data[name] = histogramSummary(stat, time.Nanosecond)
		case Latency:
			data[name] = histogramSummary(stat, stat.GetPrecision())
		default:
			log.WithField("name", name).Info("metrics: unrecognized marshal instrument")
		}
	})
	return data
}

func histogramSummary(hist HistogramView, precision time.Duration) map[string]float64 {
	f64p := float64(precision)
	pctls := hist.Percentiles(defaultPercentiles)
	summary := map[string]float64{
		"avg":   hist.Mean() / f64p,
		"count": float64(hist.Count()),
		"max":   float64(hist.Max()) / f64p,
		"min":   float64(hist.Min()) / f64p,
		"sum":   float64(hist.Sum()) / f64p,
	}
	for i, pctl := range pctls {
		summary[defaultPercentileLabels[i]] = pctl / f64p
	}
	return summary
}

var defaultPercentiles = []float64{0.5, 0.9, 0.99}
var defaultPercentileLabels = []string{"p50", "p90", "p99"}

func (s *defaultStatsReceiver) scoped(scope ...string) []string {
	for i, e := range scope {
		scope[i] = strings.Replace(e, "/", "_SLASH_", -1)
	}
	return append(append([]string{}, s.scope...), scope...)
}

func (s *defaultStatsReceiver) scopedName(scope ...string) string {
	return strings.Join(s.scoped(scope...), "/")
}

// NilStatsReceiver discards everything; the default when no --stats flag is given.
func NilStatsReceiver() StatsReceiver { return &nilStatsReceiver{} }

type nilStatsReceiver struct{}

func (s *nilStatsReceiver) Scope(scope ...string) StatsReceiver             { return s }
func (s *nilStatsReceiver) Precision(precision time.Duration) StatsReceiver { return s }
func (s *nilStatsReceiver) Counter(name ...string) Counter                 { return &metricCounter{&metrics.NilCounter{}} }
func (s *nilStatsReceiver) Gauge(name ...string) Gauge                     { return &metricGauge{&metrics.NilGauge{}} }
func (s *nilStatsReceiver) GaugeFloat(name ...string) GaugeFloat {
	return &metricGaugeFloat{&metrics.NilGaugeFloat64{}}
}
func (s *nilStatsReceiver) Latency(name ...string) Latency { return newNilLatency() }
func (s *nilStatsReceiver) Remove(name ...string)           {}
func (s *nilStatsReceiver) Render(pretty bool) []byte       { return []byte("{}") }

type Counter interface {
	Capture() Counter
	Clear()
	Count() int64
	Inc(int64)
	Update(int64)
}
type metricCounter struct{ metrics.Counter }

func (m *metricCounter) Capture() Counter { return &metricCounter{m.Snapshot()} }
func (m *metricCounter) Update(i int64)   { m.Inc(i - m.Count()) }
func newMetricCounter() Counter           { return &metricCounter{metrics.NewCounter()} }

type Gauge interface {
	Capture() Gauge
	Update(int64)
	Value() int64
}
type metricGauge struct{ metrics.Gauge }

func (m *metricGauge) Capture() Gauge { return &metricGauge{m.Snapshot()} }
func newMetricGauge() Gauge           { return &metricGauge{metrics.NewGauge()} }

type GaugeFloat interface {
	Capture() GaugeFloat
	Update(float64)
	Value() float64
}
type metricGaugeFloat struct{ metrics.GaugeFloat64 }

func (m *metricGaugeFloat) Capture() GaugeFloat { return &metricGaugeFloat{m.Snapshot()} }
func newMetricGaugeFloat() GaugeFloat           { return &metricGaugeFloat{metrics.NewGaugeFloat64()} }

type HistogramView interface {
	Mean() float64
	Count() int64
	Max() int64
	Min() int64
	Sum() int64
	Percentiles(ps []float64) []float64
}

type Histogram interface {
	HistogramView
	Capture() Histogram
	Update(int64)
}
type metricHistogram struct{ metrics.Histogram }

func (m *metricHistogram) Capture() Histogram { return &metricHistogram{m.Snapshot()} }
func newMetricHistogram() Histogram {
	return &metricHistogram{metrics.NewHistogram(metrics.NewUniformSample(1000))}
}

// Latency wraps a Histogram of elapsed nanoseconds with a Time()/Stop() pair.
type Latency interface {
	HistogramView
	Capture() Latency
	Time() Latency
	Stop()
	GetPrecision() time.Duration
	Precision(time.Duration) Latency
}
type metricLatency struct {
	metrics.Histogram
	start     time.Time
	precision time.Duration
}
type nilLatency struct{}

func (l *metricLatency) Time() Latency { l.start = Time.Now(); return l }
func (l *metricLatency) Stop()         { l.Update(Time.Since(l.start).Nanoseconds()) }
func (l *metricLatency) Capture() Latency {
	return &metricLatency{l.Histogram.Snapshot(), l.start, l.precision}
}
func (l *metricLatency) GetPrecision() time.Duration { return l.precision }
func (l *metricLatency) Precision(p time.Duration) Latency {
	if p < 1 {
		p = 1
	}
	l.precision = p
	return l
}
func newLatency() Latency {
	return &metricLatency{Histogram: metrics.NewHistogram(metrics.NewUniformSample(1000)), precision: time.Nanosecond}
}

func (l *nilLatency) Time() Latency                   { return l }
func (l *nilLatency) Stop()                           {}
func (l *nilLatency) Capture() Latency                { return l }
func (l *nilLatency) GetPrecision() time.Duration     { return 0 }
func (l *nilLatency) Precision(time.Duration) Latency { return l }
func (l *nilLatency) Mean() float64                   { return 0 }
func (l *nilLatency) Count() int64                    { return 0 }
func (l *nilLatency) Max() int64                      { return 0 }
func (l *nilLatency) Min() int64                      { return 0 }
func (l *nilLatency) Sum() int64                      { return 0 }
func (l *nilLatency) Percentiles(ps []float64) []float64 {
	return make([]float64, len(ps))
}
func newNilLatency() Latency { return &nilLatency{} }
