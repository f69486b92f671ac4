package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	roomsActive   prometheus.Gauge
	seatsOccupied prometheus.Gauge

	// Counters
	joinsTotal              prometheus.Counter
	staleEvictionsTotal     prometheus.Counter
	capacityRejectionsTotal prometheus.Counter
	relayDroppedTotal       prometheus.Counter

	relayedTotal *prometheus.CounterVec

	// Histograms
	multicastFanout prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		roomsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexusvoice_rooms_active",
			Help: "Number of voice rooms with at least one occupied seat",
		}),

		seatsOccupied: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "nexusvoice_seats_occupied",
			Help: "Total number of occupied seats across all rooms",
		}),

		joinsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexusvoice_joins_total",
			Help: "Total number of accepted room joins",
		}),

		staleEvictionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexusvoice_stale_evictions_total",
			Help: "Total number of stale connections evicted on rejoin",
		}),

		capacityRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexusvoice_capacity_rejections_total",
			Help: "Total number of joins rejected because the room was full",
		}),

		relayDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "nexusvoice_relay_dropped_total",
			Help: "Total number of signaling frames dropped (target absent or queue full)",
		}),

		relayedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "nexusvoice_relayed_messages_total",
			Help: "Total number of signaling frames relayed between peers",
		}, []string{"type"}),

		multicastFanout: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "nexusvoice_multicast_fanout",
			Help:    "Number of connections reached by one room broadcast",
			Buckets: prometheus.LinearBuckets(0, 1, 9),
		}),
	}
}

func (p *PrometheusCollector) JoinAccepted() {
	p.joinsTotal.Inc()
}

func (p *PrometheusCollector) StaleEvicted() {
	p.staleEvictionsTotal.Inc()
}

func (p *PrometheusCollector) CapacityRejected() {
	p.capacityRejectionsTotal.Inc()
}

func (p *PrometheusCollector) SetActiveRooms(n int) {
	p.roomsActive.Set(float64(n))
}

func (p *PrometheusCollector) SetOccupiedSeats(n int) {
	p.seatsOccupied.Set(float64(n))
}

func (p *PrometheusCollector) MessageRelayed(event string) {
	p.relayedTotal.WithLabelValues(event).Inc()
}

func (p *PrometheusCollector) RelayDropped() {
	p.relayDroppedTotal.Inc()
}

func (p *PrometheusCollector) MulticastFanout(n int) {
	p.multicastFanout.Observe(float64(n))
}
