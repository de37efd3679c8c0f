// Package metrics defines the instrumentation contract.
package metrics

import "time"

// Recorder counts facilitator events and observes operation latency.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}
