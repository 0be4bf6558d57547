package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace is the basic namespace where all metrics are defined under.
const Namespace = "codesync"

const subsystem = "relay"

// NewCounter creates a Counter metrics under the global namespace.
func NewCounter(name, subsystem, help string, labels []string) *prometheus.CounterVec {
	return promauto.NewCounterVec(prometheus.CounterOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

// NewGauge creates a Gauge metrics under the global namespace.
func NewGauge(name, subsystem, help string, labels []string) *prometheus.GaugeVec {
	return promauto.NewGaugeVec(prometheus.GaugeOpts{Namespace: Namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
}

var (
	rooms       = NewGauge("rooms", subsystem, "Number of rooms with at least one member", nil)
	members     = NewGauge("members", subsystem, "Number of joined participants", nil)
	events      = NewCounter("events_total", subsystem, "Inbound events by type", []string{"type"})
	deliveries  = NewCounter("deliveries_total", subsystem, "Outbound frames handed to a peer queue", []string{"type"})
	drops       = NewCounter("drops_total", subsystem, "Outbound frames dropped for an unreachable peer", []string{"type"})
	staleEvents = NewCounter("stale_events_total", subsystem, "Events referencing a participant or room no longer present", []string{"type"})
)

func RoomCreated() { rooms.WithLabelValues().Inc() }
func RoomRemoved() { rooms.WithLabelValues().Dec() }
func MemberJoined() { members.WithLabelValues().Inc() }
func MemberLeft() { members.WithLabelValues().Dec() }

func EventReceived(eventType string) { events.WithLabelValues(eventType).Inc() }

func StaleEvent(eventType string) { staleEvents.WithLabelValues(eventType).Inc() }

// ReportDelivery records the outcome of one fan-out or point-to-point send.
func ReportDelivery(eventType string, delivered, dropped int) {
	if delivered > 0 {
		deliveries.WithLabelValues(eventType).Add(float64(delivered))
	}
	if dropped > 0 {
		drops.WithLabelValues(eventType).Add(float64(dropped))
	}
}
