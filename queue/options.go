package queue

import (
	"time"

	"github.com/jupark12/go-run-queue/observability"
)

type options struct {
	now     func() time.Time
	metrics *observability.Registry
}

// Option configures a store.
type Option func(*options)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithMetrics sets the registry counters are recorded in.
func WithMetrics(r *observability.Registry) Option {
	return func(o *options) { o.metrics = r }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, metrics: observability.Default}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
