package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPollerCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPoller(reg)

	p.ObserveProbe("online", 20*time.Millisecond)
	p.ObserveProbe("online", 30*time.Millisecond)
	p.ObserveProbe("unreachable", 5*time.Second)
	p.WriteFailed("status")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.Probes.WithLabelValues("online")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Probes.WithLabelValues("unreachable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.WriteFailures.WithLabelValues("status")))

	p.SetFleet(map[string]int{"online": 3, "offline": 1})
	p.SetFleet(map[string]int{"online": 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(p.FleetStatus.WithLabelValues("online")))
	assert.Equal(t, 1, testutil.CollectAndCount(p.FleetStatus))
}

func TestNilCollectorsAreNoops(t *testing.T) {
	var p *Poller
	var i *Inventory

	assert.NotPanics(t, func() {
		p.ObserveProbe("online", time.Second)
		p.WriteFailed("snapshot")
		p.SetFleet(map[string]int{"online": 1})
		p.ObserveCycle(time.Second)
		i.Batch("ok", 3)
	})
}

func TestInventoryCollectors(t *testing.T) {
	i := NewInventory(prometheus.NewRegistry())
	i.Batch("ok", 3)
	i.Batch("invalid", 10)

	assert.Equal(t, 3.0, testutil.ToFloat64(i.Files))
	assert.Equal(t, 1.0, testutil.ToFloat64(i.Batches.WithLabelValues("invalid")))
}
