package metrics

import (
	"net/http"
	"time"

	"voice-orchestrator/internal/routing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// ActiveCallsProvider exposes the number of live sessions.
type ActiveCallsProvider interface {
	Count() int
}

// TrunkStatsProvider exposes per-trunk origination outcomes.
type TrunkStatsProvider interface {
	Stats() map[string]routing.TrunkStats
}

// Collector gathers gauges at scrape time and owns the call counters.
type Collector struct {
	activeCalls ActiveCallsProvider
	trunks      TrunkStatsProvider
	startTime   time.Time

	activeCallsDesc  *prometheus.Desc
	trunkCallsDesc   *prometheus.Desc
	trunkLatencyDesc *prometheus.Desc
	uptimeDesc       *prometheus.Desc

	originations *prometheus.CounterVec
	ended        *prometheus.CounterVec
	billed       prometheus.Counter
}

// NewCollector creates a collector. Either provider may be nil.
func NewCollector(activeCalls ActiveCallsProvider, trunks TrunkStatsProvider, startTime time.Time) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		trunks:      trunks,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"voice_active_calls",
			"Number of live call sessions (ringing + answered)",
			nil, nil,
		),
		trunkCallsDesc: prometheus.NewDesc(
			"voice_trunk_attempts",
			"Origination attempts per trunk by outcome",
			[]string{"trunk", "outcome"}, nil,
		),
		trunkLatencyDesc: prometheus.NewDesc(
			"voice_trunk_response_seconds",
			"Smoothed originate response time per trunk",
			[]string{"trunk"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"voice_uptime_seconds",
			"Seconds since the process started",
			nil, nil,
		),
		originations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_originations_total",
			Help: "Originate attempts by trunk and result",
		}, []string{"trunk", "result"}),
		ended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_calls_ended_total",
			Help: "Finished calls by final status and end reason",
		}, []string{"status", "end_reason"}),
		billed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voice_billed_credits_total",
			Help: "Credits charged for completed calls",
		}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.trunkCallsDesc
	ch <- c.trunkLatencyDesc
	ch <- c.uptimeDesc
	c.originations.Describe(ch)
	c.ended.Describe(ch)
	c.billed.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.Count()),
		)
	}

	if c.trunks != nil {
		for name, s := range c.trunks.Stats() {
			ch <- prometheus.MustNewConstMetric(c.trunkCallsDesc, prometheus.CounterValue, float64(s.SuccessCalls), name, "success")
			ch <- prometheus.MustNewConstMetric(c.trunkCallsDesc, prometheus.CounterValue, float64(s.FailedCalls), name, "failed")
			ch <- prometheus.MustNewConstMetric(c.trunkLatencyDesc, prometheus.GaugeValue, s.AvgResponseTime.Seconds(), name)
		}
	}

	c.originations.Collect(ch)
	c.ended.Collect(ch)
	c.billed.Collect(ch)

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

func (c *Collector) CallOriginated(trunk string, success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	c.originations.WithLabelValues(trunk, result).Inc()
}

func (c *Collector) CallEnded(status, endReason string) {
	c.ended.WithLabelValues(status, endReason).Inc()
}

func (c *Collector) CallBilled(cost decimal.Decimal) {
	if f, _ := cost.Float64(); f > 0 {
		c.billed.Add(f)
	}
}

// Handler serves the collector plus Go runtime metrics from a private registry.
func Handler(c *Collector) (http.Handler, error) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), nil
}
