package engine

import (
	"time"

	"github.com/wbrown/janus-dataflow/datalog"
	"github.com/wbrown/janus-dataflow/datalog/annotations"
	"github.com/wbrown/janus-dataflow/datalog/executor"
)

// Options configures an Engine
type Options struct {
	// Execution options
	Workers       int  // Worker goroutines (0 = runtime.NumCPU())
	MaxIterations int  // Bound on fixed point rounds per stratum and epoch
	RetainHistory bool // Keep every time so Evaluate can look back with AsOf

	// Exchange options
	ExchangeTimeout time.Duration
	ExchangeRetries int

	// Parsed descriptions kept for repeated registrations
	ParseCacheSize int

	Handler annotations.Handler
}

// DefaultOptions returns the default engine options
func DefaultOptions() Options {
	exec := executor.DefaultOptions()
	return Options{
		Workers:         exec.Workers,
		MaxIterations:   exec.MaxIterations,
		ExchangeTimeout: exec.ExchangeTimeout,
		ExchangeRetries: exec.ExchangeRetries,
		ParseCacheSize:  256,
	}
}

func (o Options) executor() executor.Options {
	return executor.Options{
		Workers:         o.Workers,
		MaxIterations:   o.MaxIterations,
		ExchangeTimeout: o.ExchangeTimeout,
		ExchangeRetries: o.ExchangeRetries,
		RetainHistory:   o.RetainHistory,
		Handler:         o.Handler,
	}
}

// EvalOption adjusts a one-shot evaluation
type EvalOption func(*evalConfig)

type evalConfig struct {
	asOf    datalog.Time
	hasAsOf bool
}

// AsOf evaluates against the facts as of time t rather than the latest
// closed time. Looking back requires RetainHistory.
func AsOf(t datalog.Time) EvalOption {
	return func(c *evalConfig) {
		c.asOf = t
		c.hasAsOf = true
	}
}
