package executor

import (
	"runtime"
	"time"

	"github.com/wbrown/janus-dataflow/datalog/annotations"
)

// Options configures the coordinator and its workers
type Options struct {
	// Worker options
	Workers    int // Number of worker goroutines (0 = runtime.NumCPU())
	QueueDepth int // Buffered commands per worker before Epoch blocks

	// Fixed point options
	MaxIterations int // Bound on fixed point rounds per stratum and epoch

	// Exchange options
	ExchangeTimeout time.Duration // Wait for peers before retrying
	ExchangeRetries int           // Retries before the worker fails

	// Compaction
	RetainHistory bool // Keep every time instead of compacting after each epoch

	Handler annotations.Handler
}

// DefaultOptions returns the default coordinator options
func DefaultOptions() Options {
	return Options{
		Workers:         runtime.NumCPU(),
		QueueDepth:      1024,
		MaxIterations:   10000,
		ExchangeTimeout: 10 * time.Second,
		ExchangeRetries: 6,
	}
}

// withDefaults fills zero fields from DefaultOptions
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = d.QueueDepth
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if o.ExchangeTimeout <= 0 {
		o.ExchangeTimeout = d.ExchangeTimeout
	}
	if o.ExchangeRetries < 0 {
		o.ExchangeRetries = 0
	}
	return o
}
