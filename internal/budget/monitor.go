// Package budget tracks how full the agent's context is and forces a fresh
// context before it overflows.
package budget

import (
	"fmt"

	"github.com/Iron-Ham/ralph/internal/agent"
	"github.com/Iron-Ham/ralph/internal/config"
	"github.com/Iron-Ham/ralph/internal/errors"
	"github.com/Iron-Ham/ralph/internal/logging"
)

// Estimator converts one invocation's outcome into the number of context
// tokens it is assumed to have consumed.
type Estimator func(agent.Outcome) int

// BytesEstimator assumes roughly four bytes of transcript per token.
func BytesEstimator(o agent.Outcome) int {
	return o.SizeSignal / 4
}

// RawEstimator uses the size signal as-is.
func RawEstimator(o agent.Outcome) int {
	return o.SizeSignal
}

// FixedEstimator charges a constant cost per invocation, which turns the
// thresholds into a message-count policy.
func FixedEstimator(n int) Estimator {
	return func(agent.Outcome) int { return n }
}

// EstimatorFor returns the estimator registered under name.
func EstimatorFor(name string, fixedCost int) (Estimator, error) {
	switch name {
	case config.EstimatorBytes:
		return BytesEstimator, nil
	case config.EstimatorRaw:
		return RawEstimator, nil
	case config.EstimatorFixed:
		return FixedEstimator(fixedCost), nil
	default:
		return nil, fmt.Errorf("%w: unknown budget estimator %q", errors.ErrConfig, name)
	}
}

// Callbacks defines callbacks for budget events.
type Callbacks struct {
	// OnWarn is called on the invocation that first crosses the warn threshold.
	OnWarn func(estimate int)
	// OnRotate is called whenever the estimate is at or above the rotate threshold.
	OnRotate func(estimate int)
}

// Config holds the monitor thresholds.
type Config struct {
	WarnThreshold   int
	RotateThreshold int
	Estimator       Estimator
}

// Validate enforces 0 < WarnThreshold < RotateThreshold.
func (c Config) Validate() error {
	if c.WarnThreshold <= 0 || c.RotateThreshold <= c.WarnThreshold {
		return fmt.Errorf("%w: budget thresholds must satisfy 0 < warn (%d) < rotate (%d)",
			errors.ErrConfig, c.WarnThreshold, c.RotateThreshold)
	}
	return nil
}

// Observation is the monitor's verdict after one invocation.
type Observation struct {
	// Estimate is the updated context estimate.
	Estimate int
	// Warn is true only on the invocation that first crosses the warn threshold.
	Warn bool
	// Rotate is true whenever Estimate has reached the rotate threshold.
	Rotate bool
}

// Monitor applies the context budget policy.
type Monitor struct {
	config    Config
	callbacks Callbacks
	logger    *logging.Logger
}

// NewMonitor creates a Monitor. A nil Estimator defaults to BytesEstimator.
func NewMonitor(cfg Config, callbacks Callbacks, logger *logging.Logger) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Estimator == nil {
		cfg.Estimator = BytesEstimator
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Monitor{config: cfg, callbacks: callbacks, logger: logger.WithPhase("budget")}, nil
}

// NewMonitorFromSettings creates a Monitor from resolved run settings.
func NewMonitorFromSettings(s config.Settings, callbacks Callbacks, logger *logging.Logger) (*Monitor, error) {
	est, err := EstimatorFor(s.Estimator, s.FixedCost)
	if err != nil {
		return nil, err
	}
	return NewMonitor(Config{
		WarnThreshold:   s.WarnThreshold,
		RotateThreshold: s.RotateThreshold,
		Estimator:       est,
	}, callbacks, logger)
}

// Thresholds returns the warn and rotate thresholds.
func (m *Monitor) Thresholds() (warn, rotate int) {
	return m.config.WarnThreshold, m.config.RotateThreshold
}

// Observe adds the outcome's estimated cost to current. The estimate never
// decreases within a session; negative estimator results count as zero.
func (m *Monitor) Observe(current int, outcome agent.Outcome) Observation {
	cost := m.config.Estimator(outcome)
	if cost < 0 {
		cost = 0
	}
	estimate := current + cost

	obs := Observation{
		Estimate: estimate,
		Warn:     current < m.config.WarnThreshold && estimate >= m.config.WarnThreshold,
		Rotate:   estimate >= m.config.RotateThreshold,
	}

	if obs.Warn {
		m.logger.Warn("context budget warning",
			"estimate", estimate,
			"warn_threshold", m.config.WarnThreshold,
		)
		if m.callbacks.OnWarn != nil {
			m.callbacks.OnWarn(estimate)
		}
	}
	if obs.Rotate {
		m.logger.Info("context budget exhausted, rotation required",
			"estimate", estimate,
			"rotate_threshold", m.config.RotateThreshold,
		)
		if m.callbacks.OnRotate != nil {
			m.callbacks.OnRotate(estimate)
		}
	}
	return obs
}

// Apply returns the signal the controller should act on. A CONTINUE is
// upgraded to ROTATE when the budget is exhausted; the agent's own signal is
// advisory for that threshold. Every other signal passes through.
func (m *Monitor) Apply(signal agent.Signal, obs Observation) agent.Signal {
	if signal == agent.SignalContinue && obs.Rotate {
		return agent.SignalRotate
	}
	return signal
}
