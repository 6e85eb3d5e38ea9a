package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/webrtcproxy/internal/b2bua"
	"github.com/flowpbx/webrtcproxy/internal/rtpengine"
)

// StatsProvider exposes the call processor's counters.
type StatsProvider interface {
	Stats() b2bua.Stats
}

// RegistrationCounter returns the number of registered users and flows.
type RegistrationCounter interface {
	Count() (users, flows int)
}

// EngineStatusProvider exposes rtpengine health.
type EngineStatusProvider interface {
	Statuses() []rtpengine.EngineStatus
}

// BlockedCounter returns the number of sources currently blocked by the
// flood guard.
type BlockedCounter interface {
	BlockedCount() int
}

// Collector is a prometheus.Collector that gathers proxy metrics at scrape time.
type Collector struct {
	stats         StatsProvider
	registrations RegistrationCounter
	engines       EngineStatusProvider
	guard         BlockedCounter
	startTime     time.Time

	activeCallsDesc      *prometheus.Desc
	activeSubscribesDesc *prometheus.Desc
	callsTotalDesc       *prometheus.Desc
	callsFailedDesc      *prometheus.Desc
	registersTotalDesc   *prometheus.Desc
	subscribesTotalDesc  *prometheus.Desc
	usersDesc            *prometheus.Desc
	flowsDesc            *prometheus.Desc
	engineUpDesc         *prometheus.Desc
	blockedSourcesDesc   *prometheus.Desc
	uptimeDesc           *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	stats StatsProvider,
	registrations RegistrationCounter,
	engines EngineStatusProvider,
	guard BlockedCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		stats:         stats,
		registrations: registrations,
		engines:       engines,
		guard:         guard,
		startTime:     startTime,

		activeCallsDesc: prometheus.NewDesc(
			"webrtcproxy_active_calls",
			"Number of calls currently being bridged",
			nil, nil,
		),
		activeSubscribesDesc: prometheus.NewDesc(
			"webrtcproxy_active_subscriptions",
			"Number of proxied subscription dialogs",
			nil, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"webrtcproxy_calls_total",
			"Total number of INVITEs that started a call",
			nil, nil,
		),
		callsFailedDesc: prometheus.NewDesc(
			"webrtcproxy_calls_failed_total",
			"Calls rejected before a bridge was set up, by reason",
			[]string{"reason"}, nil,
		),
		registersTotalDesc: prometheus.NewDesc(
			"webrtcproxy_registers_total",
			"Total number of REGISTER requests handled",
			nil, nil,
		),
		subscribesTotalDesc: prometheus.NewDesc(
			"webrtcproxy_subscribes_total",
			"Total number of initial SUBSCRIBE requests handled",
			nil, nil,
		),
		usersDesc: prometheus.NewDesc(
			"webrtcproxy_registered_users",
			"Number of WebRTC users with at least one registered flow",
			nil, nil,
		),
		flowsDesc: prometheus.NewDesc(
			"webrtcproxy_registered_flows",
			"Number of registered WebRTC flows",
			nil, nil,
		),
		engineUpDesc: prometheus.NewDesc(
			"webrtcproxy_rtpengine_up",
			"rtpengine health (1=healthy, 0=unreachable)",
			[]string{"addr"}, nil,
		),
		blockedSourcesDesc: prometheus.NewDesc(
			"webrtcproxy_blocked_sources",
			"Number of source IPs currently blocked by the flood guard",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"webrtcproxy_uptime_seconds",
			"Seconds since the proxy process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.activeSubscribesDesc
	ch <- c.callsTotalDesc
	ch <- c.callsFailedDesc
	ch <- c.registersTotalDesc
	ch <- c.subscribesTotalDesc
	ch <- c.usersDesc
	ch <- c.flowsDesc
	ch <- c.engineUpDesc
	ch <- c.blockedSourcesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		s := c.stats.Stats()
		ch <- prometheus.MustNewConstMetric(c.activeCallsDesc, prometheus.GaugeValue, float64(s.ActiveCalls))
		ch <- prometheus.MustNewConstMetric(c.activeSubscribesDesc, prometheus.GaugeValue, float64(s.ActiveSubscribes))
		ch <- prometheus.MustNewConstMetric(c.callsTotalDesc, prometheus.CounterValue, float64(s.CallsTotal))
		ch <- prometheus.MustNewConstMetric(c.registersTotalDesc, prometheus.CounterValue, float64(s.RegistersTotal))
		ch <- prometheus.MustNewConstMetric(c.subscribesTotalDesc, prometheus.CounterValue, float64(s.SubscribesTotal))

		// Failed calls split by cause.
		ch <- prometheus.MustNewConstMetric(c.callsFailedDesc, prometheus.CounterValue, float64(s.CallsFailed), "setup")
		ch <- prometheus.MustNewConstMetric(c.callsFailedDesc, prometheus.CounterValue, float64(s.CallsUnroutable), "unroutable")
		ch <- prometheus.MustNewConstMetric(c.callsFailedDesc, prometheus.CounterValue, float64(s.NoMediaEngine), "no_media_engine")
	}

	if c.registrations != nil {
		users, flows := c.registrations.Count()
		ch <- prometheus.MustNewConstMetric(c.usersDesc, prometheus.GaugeValue, float64(users))
		ch <- prometheus.MustNewConstMetric(c.flowsDesc, prometheus.GaugeValue, float64(flows))
	}

	if c.engines != nil {
		for _, e := range c.engines.Statuses() {
			val := 0.0
			if e.Healthy {
				val = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.engineUpDesc, prometheus.GaugeValue, val, e.Addr)
		}
	}

	if c.guard != nil {
		ch <- prometheus.MustNewConstMetric(c.blockedSourcesDesc, prometheus.GaugeValue, float64(c.guard.BlockedCount()))
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
