package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fractal/internal/logging"
	"fractal/internal/metrics"
)

// PolicySource returns the policy in force. It is consulted on every check so
// configuration reloads apply to a running session.
type PolicySource func() Policy

// StaticPolicy wraps a fixed policy.
func StaticPolicy(p Policy) PolicySource {
	return func() Policy { return p }
}

// Controller evaluates live conditions against the current policy. It holds
// no decision state; each Check is independent.
type Controller struct {
	monitor Monitor
	policy  PolicySource
	logger  *slog.Logger

	mu       sync.Mutex
	lastRule Rule
}

// NewController wires a monitor and policy source.
func NewController(monitor Monitor, policy PolicySource, logger *slog.Logger) *Controller {
	return &Controller{
		monitor: monitor,
		policy:  policy,
		logger:  logging.NewComponentLogger(logger, "admission"),
	}
}

// Check reads the device and evaluates the full policy. A sensor failure
// blocks rather than admits.
func (c *Controller) Check(ctx context.Context) Decision {
	cond, err := c.monitor.Read(ctx)
	if err != nil {
		logging.WarnWithContext(c.logger, "device conditions unavailable", "admission_sensor_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "verify sysfs paths in [admission]"),
			logging.String(logging.FieldImpact, "training held until conditions can be read"),
		)
		decision := sensorBlocked()
		c.record(decision)
		return decision
	}
	decision := Evaluate(c.policy(), cond)
	c.record(decision)
	return decision
}

// Preview reads the device once and evaluates the full policy without
// counting the decision or logging a rule change. Status surfaces use it so
// polling does not disturb the admission metrics.
func (c *Controller) Preview(ctx context.Context) (Conditions, Decision, error) {
	cond, err := c.monitor.Read(ctx)
	if err != nil {
		return cond, sensorBlocked(), err
	}
	return cond, Evaluate(c.policy(), cond), nil
}

func sensorBlocked() Decision {
	return Blocked(RuleSensor, "Standby: Unable to read device conditions")
}

// CheckNetwork evaluates only connectivity.
func (c *Controller) CheckNetwork(ctx context.Context) Decision {
	cond, err := c.monitor.Read(ctx)
	if err != nil {
		return Blocked(RuleSensor, "Unable to read network state")
	}
	return EvaluateNetwork(c.policy(), cond.Network)
}

// record counts the decision and logs rule changes once rather than on every poll.
func (c *Controller) record(d Decision) {
	metrics.AdmissionDecisions.WithLabelValues(string(d.Rule)).Inc()

	c.mu.Lock()
	changed := c.lastRule != d.Rule
	c.lastRule = d.Rule
	c.mu.Unlock()
	if !changed {
		return
	}
	if d.Allowed {
		c.logger.Info("device conditions satisfied", logging.String(logging.FieldEventType, "admission_allowed"))
		return
	}
	c.logger.Info("device conditions blocking training",
		logging.String(logging.FieldEventType, "admission_blocked"),
		logging.String("rule", string(d.Rule)),
		logging.String("reason", d.Reason),
	)
}

// NewRetryBackOff builds the wait schedule used while blocked: exponential
// from initial, capped at maxInterval. maxWait bounds the total wait; zero
// waits until cancelled.
func NewRetryBackOff(initial, maxInterval, maxWait time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = 1.5
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = maxWait
	b.Reset()
	return b
}
