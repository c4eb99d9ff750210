// Package prometheus exposes an event.StatisticsCollector's Snapshot as
// Prometheus metrics, using github.com/prometheus/client_golang the way
// laitos/daemon/maintenance/perfmetrics.go registers gauges: one
// prometheus.Collector whose Collect method is called on every scrape,
// rather than pushing values to package-level gauges on every event (this
// module's event.Bus already holds the authoritative counters; duplicating
// them into gauges that are updated in-band with traffic would just be a
// second, eventually-inconsistent copy).
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/relaymta/smtpd/event"
)

// Collector adapts a Snapshot source to prometheus.Collector. Register it
// with a prometheus.Registerer (or prometheus.MustRegister for the default
// one) once per Server.
type Collector struct {
	snapshot func() event.Snapshot

	sessions        *prometheus.Desc
	sessionsActive  *prometheus.Desc
	messages        *prometheus.Desc
	bytes           *prometheus.Desc
	commandsByVerb  *prometheus.Desc
	connsByIP       *prometheus.Desc
	authByMechanism *prometheus.Desc
	authSuccesses   *prometheus.Desc
	authFailures    *prometheus.Desc
	tlsUpgrades     *prometheus.Desc
	rejectsByReason *prometheus.Desc
	throughput      *prometheus.Desc
}

// New wraps snapshot, a function returning the latest Snapshot — typically
// a *event.StatisticsCollector's Snapshot method, or a *smtpd.Server's Stats
// method, whichever is in scope for the caller. namespace prefixes every
// metric name (e.g. "smtpd" yields "smtpd_sessions_total").
func New(snapshot func() event.Snapshot, namespace string) *Collector {
	ns := func(name string) string {
		if namespace == "" {
			return name
		}
		return namespace + "_" + name
	}
	return &Collector{
		snapshot:        snapshot,
		sessions:        prometheus.NewDesc(ns("sessions_total"), "Total SMTP sessions accepted.", nil, nil),
		sessionsActive:  prometheus.NewDesc(ns("sessions_active"), "SMTP sessions currently open.", nil, nil),
		messages:        prometheus.NewDesc(ns("messages_total"), "Messages accepted via DATA.", nil, nil),
		bytes:           prometheus.NewDesc(ns("bytes_total"), "Bytes of message data accepted.", nil, nil),
		commandsByVerb:  prometheus.NewDesc(ns("commands_total"), "Commands executed, by verb.", []string{"verb"}, nil),
		connsByIP:       prometheus.NewDesc(ns("connections_total"), "Connections accepted, by remote IP.", []string{"remote_ip"}, nil),
		authByMechanism: prometheus.NewDesc(ns("auth_attempts_total"), "Successful authentications, by mechanism.", []string{"mechanism"}, nil),
		authSuccesses:   prometheus.NewDesc(ns("auth_successes_total"), "Total successful authentications.", nil, nil),
		authFailures:    prometheus.NewDesc(ns("auth_failures_total"), "Total failed authentications.", nil, nil),
		tlsUpgrades:     prometheus.NewDesc(ns("tls_upgrades_total"), "STARTTLS/implicit TLS negotiations completed.", nil, nil),
		rejectsByReason: prometheus.NewDesc(ns("rejections_total"), "Rejections, by reason.", []string{"reason"}, nil),
		throughput:      prometheus.NewDesc(ns("throughput_messages_per_minute"), "Messages accepted in the trailing minute.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.sessionsActive
	ch <- c.messages
	ch <- c.bytes
	ch <- c.commandsByVerb
	ch <- c.connsByIP
	ch <- c.authByMechanism
	ch <- c.authSuccesses
	ch <- c.authFailures
	ch <- c.tlsUpgrades
	ch <- c.rejectsByReason
	ch <- c.throughput
}

// Collect implements prometheus.Collector, rendering a fresh Snapshot on
// every scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()

	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.CounterValue, float64(snap.Sessions))
	ch <- prometheus.MustNewConstMetric(c.sessionsActive, prometheus.GaugeValue, float64(snap.SessionsActive))
	ch <- prometheus.MustNewConstMetric(c.messages, prometheus.CounterValue, float64(snap.Messages))
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.CounterValue, float64(snap.Bytes))
	ch <- prometheus.MustNewConstMetric(c.authSuccesses, prometheus.CounterValue, float64(snap.AuthSuccesses))
	ch <- prometheus.MustNewConstMetric(c.authFailures, prometheus.CounterValue, float64(snap.AuthFailures))
	ch <- prometheus.MustNewConstMetric(c.tlsUpgrades, prometheus.CounterValue, float64(snap.TLSUpgrades))
	ch <- prometheus.MustNewConstMetric(c.throughput, prometheus.GaugeValue, snap.ThroughputPerMin)

	for verb, count := range snap.CommandsByVerb {
		ch <- prometheus.MustNewConstMetric(c.commandsByVerb, prometheus.CounterValue, float64(count), verb)
	}
	for ip, count := range snap.ConnectionsByIP {
		ch <- prometheus.MustNewConstMetric(c.connsByIP, prometheus.CounterValue, float64(count), ip)
	}
	for mech, count := range snap.AuthByMechanism {
		ch <- prometheus.MustNewConstMetric(c.authByMechanism, prometheus.CounterValue, float64(count), mech)
	}
	for reason, count := range snap.RejectionsByReason {
		ch <- prometheus.MustNewConstMetric(c.rejectsByReason, prometheus.CounterValue, float64(count), reason)
	}
}
