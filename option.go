package facilitator

import (
	"time"

	"github.com/ultravioletadao/x402-facilitator/logger"
	"github.com/ultravioletadao/x402-facilitator/metrics"
)

// Option configures a Facilitator.
type Option func(*Facilitator)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log logger.Logger) Option {
	return func(f *Facilitator) {
		f.log = log
	}
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(rec metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.rec = rec
	}
}

// WithVerifyTimeout bounds how long a single verify call may spend on
// read-only chain lookups.
func WithVerifyTimeout(d time.Duration) Option {
	return func(f *Facilitator) {
		f.verifyTimeout = d
	}
}

// WithSettleTimeout bounds a settle call end to end, including
// confirmation polling.
func WithSettleTimeout(d time.Duration) Option {
	return func(f *Facilitator) {
		f.settleTimeout = d
	}
}
