// Package metrics exposes Prometheus counters for session engine activity.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "rhythm"

// Metrics groups the engine counters. One value may be shared by every
// engine in a process.
type Metrics struct {
	SessionsOpened    prometheus.Counter
	SessionsResumed   prometheus.Counter
	Rotations         prometheus.Counter
	Batches           prometheus.Counter
	SessionsSent      prometheus.Counter
	SessionsDiscarded prometheus.Counter
	DeliveryFailures  prometheus.Counter
	Degraded          prometheus.Counter
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

// New creates the counters and registers them with reg. A nil registerer
// leaves them unregistered, which is what tests and short-lived CLI runs use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsOpened:    counter("sessions_opened_total", "Sessions allocated to a slot."),
		SessionsResumed:   counter("sessions_resumed_total", "Sessions resumed from a tab's previous slot."),
		Rotations:         counter("rotations_total", "Slot rotations caused by the byte cap."),
		Batches:           counter("batches_total", "Batch passes that collected at least one slot."),
		SessionsSent:      counter("sessions_sent_total", "Closed sessions handed to the sinks."),
		SessionsDiscarded: counter("sessions_discarded_total", "Sessions deleted below the click threshold."),
		DeliveryFailures:  counter("delivery_failures_total", "Payload deliveries that failed."),
		Degraded:          counter("storage_degraded_total", "Stores that fell back to memory."),
	}
	if reg != nil {
		reg.MustRegister(
			m.SessionsOpened, m.SessionsResumed, m.Rotations, m.Batches,
			m.SessionsSent, m.SessionsDiscarded, m.DeliveryFailures, m.Degraded,
		)
	}
	return m
}
