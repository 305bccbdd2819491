package graph

import (
	"fmt"
	"time"
)

// Options configures Engine execution behavior. Zero values are valid.
type Options struct {
	// MaxSteps limits how many nodes one Invoke or Resume call may execute.
	// Zero means no limit. Cyclic graphs should always set it.
	MaxSteps int

	// DefaultNodeTimeout bounds each node attempt unless the node's policy
	// sets its own. Zero means unbounded.
	DefaultNodeTimeout time.Duration

	// InterruptAfter is the default interrupt set, used by calls that don't
	// pass WithInterruptAfter.
	InterruptAfter []string

	// Metrics receives execution metrics. Nil disables metrics.
	Metrics *PrometheusMetrics
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine := graph.New(schema, st, emitter,
//	    graph.WithMaxSteps(50),
//	    graph.WithDefaultNodeTimeout(2*time.Minute),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// WithMaxSteps limits the nodes executed per call. When exceeded the call
// fails with an EngineError coded MAX_STEPS_EXCEEDED.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return fmt.Errorf("max steps must be >= 0, got %d", n)
		}
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithDefaultNodeTimeout sets the engine-wide per-attempt node timeout.
func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		if d < 0 {
			return fmt.Errorf("node timeout must be >= 0, got %s", d)
		}
		cfg.opts.DefaultNodeTimeout = d
		return nil
	}
}

// WithDefaultInterrupts sets the interrupt set used when a call doesn't
// specify one. Names are checked against the registered nodes at compile.
func WithDefaultInterrupts(nodes ...string) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.InterruptAfter = append([]string(nil), nodes...)
		return nil
	}
}

// WithMetrics enables Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// NodeOption configures a node at registration.
type NodeOption func(*nodeConfig)

type nodeConfig struct {
	policy  *NodePolicy
	effects []Effect
}

// WithPolicy attaches a timeout and retry policy to a node.
func WithPolicy(p NodePolicy) NodeOption {
	return func(c *nodeConfig) {
		c.policy = &p
	}
}

// WithEffects declares the external interactions a node performs.
func WithEffects(effects ...Effect) NodeOption {
	return func(c *nodeConfig) {
		c.effects = append(c.effects, effects...)
	}
}

// RunOption configures one Invoke or Resume call.
type RunOption func(*runConfig)

type runConfig struct {
	interruptAfter []string
	interruptSet   bool
	restart        bool
	maxSteps       int
}

// WithInterruptAfter pauses the call after any of the named nodes completes
// and is checkpointed. Passing no names disables the engine default for
// this call.
func WithInterruptAfter(nodes ...string) RunOption {
	return func(c *runConfig) {
		c.interruptAfter = append([]string(nil), nodes...)
		c.interruptSet = true
	}
}

// WithRestart makes Invoke discard the thread's existing checkpoints and
// start fresh from the given input.
func WithRestart() RunOption {
	return func(c *runConfig) {
		c.restart = true
	}
}

// WithStepLimit overrides Options.MaxSteps for one call.
func WithStepLimit(n int) RunOption {
	return func(c *runConfig) {
		c.maxSteps = n
	}
}
