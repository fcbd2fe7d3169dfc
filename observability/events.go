package observability

import (
	"strconv"
	"sync"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"

	"rebasechain/core/events"
)

type eventMetrics struct {
	events      *prometheus.CounterVec
	bridgeUnits *prometheus.CounterVec
	vaultUnits  *prometheus.CounterVec
	globalRate  *prometheus.GaugeVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured domain events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "events",
				Name:      "total",
				Help:      "Count of committed domain events segmented by domain and type.",
			}, []string{"domain", "type"}),
			bridgeUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "bridge",
				Name:      "units_total",
				Help:      "Whole ledger units burned (sent) or minted (received) by the bridge.",
			}, []string{"domain", "direction"}),
			vaultUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rebase",
				Subsystem: "vault",
				Name:      "units_total",
				Help:      "Whole backing asset units deposited, redeemed or rewarded.",
			}, []string{"domain", "kind"}),
			globalRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rebase",
				Subsystem: "ledger",
				Name:      "global_rate",
				Help:      "Current global interest rate scaled by 1e18.",
			}, []string{"domain"}),
		}
		prometheus.MustRegister(
			eventRegistry.events,
			eventRegistry.bridgeUnits,
			eventRegistry.vaultUnits,
			eventRegistry.globalRate,
		)
	})
	return eventRegistry
}

// Emitter returns an events.Emitter that feeds the registry with the events
// of one domain.
func (m *eventMetrics) Emitter(domain uint64) events.Emitter {
	return domainEventMetrics{metrics: m, domain: strconv.FormatUint(domain, 10)}
}

type domainEventMetrics struct {
	metrics *eventMetrics
	domain  string
}

func (d domainEventMetrics) Emit(evt events.Event) {
	m := d.metrics
	if m == nil || evt == nil {
		return
	}
	m.events.WithLabelValues(d.domain, evt.EventType()).Inc()
	switch e := evt.(type) {
	case events.BridgeTransfer:
		direction := "sent"
		if e.Kind == events.TypeBridgeReceived {
			direction = "received"
		}
		m.bridgeUnits.WithLabelValues(d.domain, direction).Add(units(e.Amount))
	case events.VaultFlow:
		m.vaultUnits.WithLabelValues(d.domain, e.Kind).Add(units(e.Amount))
	case events.RateChanged:
		if e.Rate != nil {
			m.globalRate.WithLabelValues(d.domain).Set(e.Rate.Float64())
		}
	}
}

var unitScale = uint256.NewInt(1_000_000_000_000_000_000)

// units converts base units to whole units for display. Precision loss is
// acceptable for metrics only.
func units(amount *uint256.Int) float64 {
	if amount == nil {
		return 0
	}
	whole := new(uint256.Int).Div(amount, unitScale)
	frac := new(uint256.Int).Mod(amount, unitScale)
	return whole.Float64() + frac.Float64()/1e18
}
