package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRegistryRegistersAndUpdates(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ObserveSweepDuration(250 * time.Millisecond)
	m.IncStaleDisconnects()
	m.Delivered.WithLabelValues("exclusive", "1").Inc()
	m.InFlightPkids.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatalf("expected at least one registered metric family")
	}

	var sawStale bool
	for _, fam := range families {
		if fam.GetName() == "driftmq_keepalive_stale_disconnects_total" {
			sawStale = true
			if got := fam.Metric[0].GetCounter().GetValue(); got != 1 {
				t.Fatalf("expected stale_disconnects_total=1, got %v", got)
			}
		}
	}
	if !sawStale {
		t.Fatalf("expected driftmq_keepalive_stale_disconnects_total to be registered")
	}
}
