package pgaofi

import "github.com/prometheus/client_golang/prometheus"

// Metrics returns this node's Prometheus collector: issued/in-flight/
// completed/failed counters for PUT, GET, and AMO traffic, labeled by
// peer. Register it with whatever registry the embedding
// process already exposes on /metrics.
func (s *Substrate) Metrics() prometheus.Collector { return s.metrics }
