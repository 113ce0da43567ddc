// Package metrics exposes Prometheus collectors for cycles, orders, exchange
// requests and the observed price:
//
//	gridbot_cycles_total{kind,outcome}
//	gridbot_cycle_duration_seconds
//	gridbot_orders_total{action}            placed | canceled
//	gridbot_fills_total{side}
//	gridbot_notifications_total
//	gridbot_exchange_requests_total{endpoint,result}
//	gridbot_rate_limit_wait_seconds
//	gridbot_price_krw, gridbot_profit_krw, gridbot_interval_krw
//	gridbot_volatility_percent
//	gridbot_last_cycle_timestamp_seconds
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bithumb-gridbot/internal/engine"
)

type Collectors struct {
	gatherer prometheus.Gatherer

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	orders        *prometheus.CounterVec
	fills         *prometheus.CounterVec
	notifications prometheus.Counter
	requests      *prometheus.CounterVec
	rateWait      prometheus.Histogram
	price         prometheus.Gauge
	profit        prometheus.Gauge
	interval      prometheus.Gauge
	volatility    prometheus.Gauge
	lastCycle     prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Collectors {
	reg := prometheus.NewRegistry()
	c := NewWith(reg)
	c.gatherer = reg
	return c
}

// NewWith registers the collectors on reg. It panics on duplicate
// registration, like prometheus.MustRegister.
func NewWith(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		gatherer: prometheus.DefaultGatherer,
		cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_cycles_total", Help: "Cycles run, by job kind and outcome"},
			[]string{"kind", "outcome"},
		),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridbot_cycle_duration_seconds",
			Help:    "Wall time of one cycle, including rate limit waits",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}),
		orders: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_orders_total", Help: "Order mutations sent"},
			[]string{"action"},
		),
		fills: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_fills_total", Help: "Fills handled, after merging partial fills"},
			[]string{"side"},
		),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gridbot_notifications_total",
			Help: "User notifications emitted",
		}),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gridbot_exchange_requests_total", Help: "Exchange requests by endpoint and classification"},
			[]string{"endpoint", "result"},
		),
		rateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gridbot_rate_limit_wait_seconds",
			Help:    "Time spent waiting for the order mutation limiter",
			Buckets: []float64{0, 1, 5, 10, 15, 30},
		}),
		price: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_price_krw",
			Help: "Last observed best bid",
		}),
		profit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_profit_krw",
			Help: "Profit spread at the last observed price",
		}),
		interval: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_interval_krw",
			Help: "Ladder rung spacing at the last observed price",
		}),
		volatility: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_volatility_percent",
			Help: "Spread of the recent price window as a percentage of its minimum",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gridbot_last_cycle_timestamp_seconds",
			Help: "Unix time the last cycle finished",
		}),
	}
	reg.MustRegister(
		c.cycles, c.cycleDuration, c.orders, c.fills, c.notifications,
		c.requests, c.rateWait, c.price, c.profit, c.interval, c.volatility, c.lastCycle,
	)
	return c
}

func (c *Collectors) ObserveReport(r engine.Report) {
	c.cycles.WithLabelValues(string(r.Kind), string(r.Outcome)).Inc()
	if d := r.Duration(); d > 0 {
		c.cycleDuration.Observe(d.Seconds())
	}
	c.orders.WithLabelValues("placed").Add(float64(r.Placed))
	c.orders.WithLabelValues("canceled").Add(float64(r.Canceled))
	for _, fill := range r.Fills {
		c.fills.WithLabelValues(string(fill.Side)).Inc()
	}
	c.notifications.Add(float64(r.Notified))
	if r.Price > 0 {
		c.price.Set(float64(r.Price))
		c.profit.Set(float64(r.Profit))
		c.interval.Set(float64(r.Interval))
		c.volatility.Set(r.Volatility.InexactFloat64())
	}
	if !r.FinishedAt.IsZero() {
		c.lastCycle.Set(float64(r.FinishedAt.Unix()))
	}
}

func (c *Collectors) ObserveRequest(endpoint, result string) {
	c.requests.WithLabelValues(endpoint, result).Inc()
}

func (c *Collectors) ObserveRateLimitWait(d time.Duration) {
	c.rateWait.Observe(d.Seconds())
}

// Handler serves the text exposition format for the collectors' registry.
func (c *Collectors) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
