package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/skobkin/ethercomm/internal/communicator"
	"github.com/skobkin/ethercomm/internal/publish"
)

const metricsNamespace = "ethercomm"

type communicatorCollector struct {
	comm    Controller
	hub     *publish.Hub
	metrics []statusMetric
	publish []hubMetric
}

type statusMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(st communicator.Status) (float64, bool)
}

type hubMetric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
	extract   func(st publish.HubStats) float64
}

func newCommunicatorCollector(comm Controller, hub *publish.Hub) prometheus.Collector {
	if comm == nil {
		return nil
	}

	collector := &communicatorCollector{comm: comm, hub: hub}

	desc := func(subsystem, name, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, subsystem, name),
			help,
			nil,
			nil,
		)
	}
	counter := func(name, help string, get func(st communicator.Status) uint64) statusMetric {
		return statusMetric{
			desc:      desc("cycle", name, help),
			valueType: prometheus.CounterValue,
			extract: func(st communicator.Status) (float64, bool) {
				return float64(get(st)), true
			},
		}
	}

	collector.metrics = []statusMetric{
		counter("iterations_total", "Cycles executed by the cyclic loop.", func(st communicator.Status) uint64 { return st.Cycles }),
		counter("sends_total", "Frames handed to the transport.", func(st communicator.Status) uint64 { return st.Sends }),
		counter("publishes_total", "Process data messages published.", func(st communicator.Status) uint64 { return st.Publishes }),
		counter("domain_degraded_total", "Cycles whose working counter was incomplete.", func(st communicator.Status) uint64 { return st.Degraded }),
		counter("domain_lost_total", "Cycles whose working counter was zero.", func(st communicator.Status) uint64 { return st.Lost }),
		counter("copy_errors_total", "Cycles whose domain could not be copied into the arena.", func(st communicator.Status) uint64 { return st.CopyErrors }),
		counter("stage_errors_total", "Cycles whose staged outputs could not be applied.", func(st communicator.Status) uint64 { return st.StageErrors }),
		{
			desc:      desc("cycle", "running", "Whether the cyclic loop is running (1) or not (0)."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.State == communicator.StateRunning.String() {
					return 1, true
				}
				return 0, true
			},
		},
		{
			desc:      desc("cycle", "period_seconds", "Configured cycle period."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				return float64(st.PeriodNS) / 1e9, true
			},
		},
		{
			desc:      desc("cycle", "wakeup_latency_seconds", "Wakeup latency of the latest observed cycle."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Stats.Observed == 0 {
					return 0, false
				}
				return float64(st.Stats.LastLatencyNS) / 1e9, true
			},
		},
		{
			desc:      desc("cycle", "wakeup_latency_max_seconds", "Largest wakeup latency observed."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Stats.Observed == 0 {
					return 0, false
				}
				return float64(st.Stats.MaxLatencyNS) / 1e9, true
			},
		},
		{
			desc:      desc("cycle", "exec_max_seconds", "Largest exchange execution time observed."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Stats.Observed == 0 {
					return 0, false
				}
				return float64(st.Stats.MaxExecNS) / 1e9, true
			},
		},
		{
			desc:      desc("cycle", "uptime_seconds", "Seconds since the cyclic loop started."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				return st.UptimeSec, st.UptimeSec > 0
			},
		},
		{
			desc:      desc("domain", "working_counter", "Working counter of the latest exchange."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Domain == nil {
					return 0, false
				}
				return float64(st.Domain.WorkingCounter), true
			},
		},
		{
			desc:      desc("domain", "expected_working_counter", "Working counter of a complete exchange."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Domain == nil {
					return 0, false
				}
				return float64(st.Domain.Expected), true
			},
		},
		{
			desc:      desc("master", "responding_devices", "Devices responding on the bus."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Master == nil {
					return 0, false
				}
				return float64(st.Master.RespondingDevices), true
			},
		},
		{
			desc:      desc("master", "link_up", "Whether the bus link is up."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Master == nil {
					return 0, false
				}
				if st.Master.LinkUp {
					return 1, true
				}
				return 0, true
			},
		},
		{
			desc:      desc("dc", "adjust_nanoseconds", "Current per-cycle drift correction."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Clock == nil {
					return 0, false
				}
				return float64(st.Clock.Adjust), true
			},
		},
		{
			desc:      desc("dc", "diff_nanoseconds", "Latest reference clock difference."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Clock == nil {
					return 0, false
				}
				return float64(st.Clock.Diff), true
			},
		},
		{
			desc:      desc("dc", "time_base_nanoseconds", "Accumulated application time correction."),
			valueType: prometheus.GaugeValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Clock == nil {
					return 0, false
				}
				return float64(st.Clock.TimeBase), true
			},
		},
		{
			desc:      desc("dc", "sample_errors_total", "Reference clock samples that failed."),
			valueType: prometheus.CounterValue,
			extract: func(st communicator.Status) (float64, bool) {
				if st.Clock == nil {
					return 0, false
				}
				return float64(st.Clock.SampleErrors), true
			},
		},
	}

	if hub != nil {
		collector.publish = []hubMetric{
			{
				desc:      desc("publish", "delivered_total", "Messages delivered to the publish hub."),
				valueType: prometheus.CounterValue,
				extract:   func(st publish.HubStats) float64 { return float64(st.Delivered) },
			},
			{
				desc:      desc("publish", "dropped_total", "Messages dropped by slow subscribers."),
				valueType: prometheus.CounterValue,
				extract:   func(st publish.HubStats) float64 { return float64(st.Dropped) },
			},
			{
				desc:      desc("publish", "subscribers", "Current number of hub subscribers."),
				valueType: prometheus.GaugeValue,
				extract:   func(st publish.HubStats) float64 { return float64(st.Subscribers) },
			},
		}
	}

	return collector
}

func (c *communicatorCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range c.metrics {
		ch <- metric.desc
	}
	for _, metric := range c.publish {
		ch <- metric.desc
	}
}

func (c *communicatorCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.comm.Status()
	for _, metric := range c.metrics {
		value, ok := metric.extract(st)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, value)
	}

	if c.hub == nil {
		return
	}
	hubStats := c.hub.Stats()
	for _, metric := range c.publish {
		ch <- prometheus.MustNewConstMetric(metric.desc, metric.valueType, metric.extract(hubStats))
	}
}
