package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.Metric {
			labels := ""
			for _, lp := range m.Label {
				labels += lp.GetName() + "=" + lp.GetValue() + ","
			}
			var v float64
			switch {
			case m.Counter != nil:
				v = m.Counter.GetValue()
			case m.Gauge != nil:
				v = m.Gauge.GetValue()
			}
			out[f.GetName()+"{"+labels+"}"] = v
		}
	}
	return out
}

func TestIssueThenCompleteSuccessTracksCounters(t *testing.T) {
	c := NewCollector(0)
	c.Issue(OpPut, 1)
	c.Complete(OpPut, 1, nil)

	m := gather(t, c)
	if got := m["pgaofi_ops_issued_total{node=0,op=put,peer=1,}"]; got != 1 {
		t.Errorf("issued = %v, want 1", got)
	}
	if got := m["pgaofi_ops_completed_total{node=0,op=put,peer=1,}"]; got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := m["pgaofi_ops_in_flight{node=0,op=put,}"]; got != 0 {
		t.Errorf("in_flight = %v, want 0 after completion", got)
	}
}

func TestCompleteWithErrorIncrementsFailed(t *testing.T) {
	c := NewCollector(2)
	c.Issue(OpAMO, 3)
	c.Complete(OpAMO, 3, errors.New("boom"))

	m := gather(t, c)
	if got := m["pgaofi_ops_failed_total{node=2,op=amo,peer=3,}"]; got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := m["pgaofi_ops_completed_total{node=2,op=amo,peer=3,}"]; got != 0 {
		t.Errorf("completed = %v, want 0 on failure", got)
	}
}

func TestInFlightGaugeTracksOutstandingOps(t *testing.T) {
	c := NewCollector(0)
	c.Issue(OpGet, 1)
	c.Issue(OpGet, 1)

	m := gather(t, c)
	if got := m["pgaofi_ops_in_flight{node=0,op=get,}"]; got != 2 {
		t.Errorf("in_flight = %v, want 2", got)
	}

	c.Complete(OpGet, 1, nil)
	m = gather(t, c)
	if got := m["pgaofi_ops_in_flight{node=0,op=get,}"]; got != 1 {
		t.Errorf("in_flight = %v, want 1 after one completion", got)
	}
}
