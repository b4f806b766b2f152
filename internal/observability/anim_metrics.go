package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// AnimationCollector exposes animation scheduler metrics.
type AnimationCollector struct {
	gatherer prometheus.Gatherer

	TicksTotal     prometheus.Counter
	HopsTotal      prometheus.Counter
	ActiveTransits prometheus.Gauge
	TickDuration   prometheus.Histogram
}

// NewAnimationCollector registers animation metrics against the provided
// registerer.
func NewAnimationCollector(reg prometheus.Registerer) (*AnimationCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flumen_anim_ticks_total",
		Help: "Animation frames processed.",
	}), "flumen_anim_ticks_total")
	if err != nil {
		return nil, err
	}
	hops, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flumen_anim_hops_total",
		Help: "Items that reached the end of a connection.",
	}), "flumen_anim_hops_total")
	if err != nil {
		return nil, err
	}
	active, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flumen_anim_active_transits",
		Help: "Items currently travelling along a connection.",
	}), "flumen_anim_active_transits")
	if err != nil {
		return nil, err
	}
	duration, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flumen_anim_tick_duration_seconds",
		Help:    "Wall time spent advancing one animation frame.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.002, 0.004, 0.008, 0.016, 0.032, 0.064},
	}), "flumen_anim_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &AnimationCollector{
		gatherer:       gatherer,
		TicksTotal:     ticks,
		HopsTotal:      hops,
		ActiveTransits: active,
		TickDuration:   duration,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *AnimationCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTick records one processed frame and the transit table size after
// it.
func (c *AnimationCollector) ObserveTick(d time.Duration, active int) {
	if c == nil {
		return
	}
	c.TicksTotal.Inc()
	c.TickDuration.Observe(d.Seconds())
	c.ActiveTransits.Set(float64(active))
}

// AddHops counts items that completed a connection.
func (c *AnimationCollector) AddHops(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.HopsTotal.Add(float64(n))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
