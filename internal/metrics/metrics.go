// Package metrics exposes this node's communication substrate as a
// Prometheus collector: issued/in-flight/completed counters per operation
// kind, broken out the way the teacher's own device-level metrics are (one
// gauge/counter family per queue, labeled by node here instead of by queue).
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Op names the operation kinds this package counts.
type Op string

const (
	OpPut     Op = "put"
	OpGet     Op = "get"
	OpAMO     Op = "amo"
	OpExecOn  Op = "execon"
	OpBarrier Op = "barrier"
)

// Collector implements prometheus.Collector for one node's substrate.
// Counters are created lazily per Op on first use so a node that never
// issues, say, an AMO doesn't emit a zero-valued series for it.
type Collector struct {
	node string

	issued    *prometheus.CounterVec
	inFlight  *prometheus.GaugeVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
}

// NewCollector returns a Collector labeled with this node's rank.
func NewCollector(self int) *Collector {
	node := strconv.Itoa(self)
	return &Collector{
		node: node,
		issued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgaofi",
			Name:      "ops_issued_total",
			Help:      "Operations issued by this node, by kind and peer.",
		}, []string{"node", "op", "peer"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pgaofi",
			Name:      "ops_in_flight",
			Help:      "Operations issued but not yet completed, by kind.",
		}, []string{"node", "op"}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgaofi",
			Name:      "ops_completed_total",
			Help:      "Operations that completed successfully, by kind and peer.",
		}, []string{"node", "op", "peer"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgaofi",
			Name:      "ops_failed_total",
			Help:      "Operations that returned an error, by kind and peer.",
		}, []string{"node", "op", "peer"}),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.issued.Describe(ch)
	c.inFlight.Describe(ch)
	c.completed.Describe(ch)
	c.failed.Describe(ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.issued.Collect(ch)
	c.inFlight.Collect(ch)
	c.completed.Collect(ch)
	c.failed.Collect(ch)
}

// Issue records an operation of kind op being sent to peer, incrementing
// both the issued counter and the in-flight gauge.
func (c *Collector) Issue(op Op, peer int) {
	p := strconv.Itoa(peer)
	c.issued.WithLabelValues(c.node, string(op), p).Inc()
	c.inFlight.WithLabelValues(c.node, string(op)).Inc()
}

// Complete records op to peer finishing, successfully or not, decrementing
// the in-flight gauge and incrementing whichever terminal counter applies.
func (c *Collector) Complete(op Op, peer int, err error) {
	p := strconv.Itoa(peer)
	c.inFlight.WithLabelValues(c.node, string(op)).Dec()
	if err != nil {
		c.failed.WithLabelValues(c.node, string(op), p).Inc()
		return
	}
	c.completed.WithLabelValues(c.node, string(op), p).Inc()
}
