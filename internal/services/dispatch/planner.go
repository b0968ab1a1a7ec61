package dispatch

import (
	"math"
	"time"

	"github.com/BearBump/ParcelFlow/internal/models"
	"github.com/pkg/errors"
)

func DefaultRetryPolicy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxAttempts:    8,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     time.Hour,
		Multiplier:     2,
		Timeout:        10 * time.Second,
	}
}

// Bounds for retry policies registered through the API. Zero fields are
// left to the planner defaults.
const (
	maxPolicyAttempts   = 50
	minPolicyDuration   = 100 * time.Millisecond
	maxPolicyBackoff    = 24 * time.Hour
	maxPolicyTimeout    = 2 * time.Minute
	maxPolicyMultiplier = 10
)

// ValidateRetryPolicy rejects negative or out of range values. Zero means
// unset.
func ValidateRetryPolicy(p models.RetryPolicy) error {
	switch {
	case p.MaxAttempts < 0 || p.MaxAttempts > maxPolicyAttempts:
		return errors.Wrapf(models.ErrValidation, "retry max_attempts must be within 1..%d", maxPolicyAttempts)
	case !durationInRange(p.InitialBackoff, maxPolicyBackoff):
		return errors.Wrapf(models.ErrValidation, "retry initial_backoff_seconds must be within %s..%s", minPolicyDuration, maxPolicyBackoff)
	case !durationInRange(p.MaxBackoff, maxPolicyBackoff):
		return errors.Wrapf(models.ErrValidation, "retry max_backoff_seconds must be within %s..%s", minPolicyDuration, maxPolicyBackoff)
	case !durationInRange(p.Timeout, maxPolicyTimeout):
		return errors.Wrapf(models.ErrValidation, "retry timeout_seconds must be within %s..%s", minPolicyDuration, maxPolicyTimeout)
	case p.Multiplier != 0 && (p.Multiplier < 1 || p.Multiplier > maxPolicyMultiplier):
		return errors.Wrapf(models.ErrValidation, "retry multiplier must be within 1..%d", maxPolicyMultiplier)
	case p.InitialBackoff > 0 && p.MaxBackoff > 0 && p.MaxBackoff < p.InitialBackoff:
		return errors.Wrap(models.ErrValidation, "retry max_backoff_seconds is below initial_backoff_seconds")
	}
	return nil
}

func durationInRange(d, max time.Duration) bool {
	return d == 0 || (d >= minPolicyDuration && d <= max)
}

// Planner fills endpoint retry policies with defaults and computes backoff
// delays.
type Planner struct {
	def models.RetryPolicy
}

func NewPlanner(def models.RetryPolicy) *Planner {
	base := DefaultRetryPolicy()
	if def.MaxAttempts <= 0 {
		def.MaxAttempts = base.MaxAttempts
	}
	if def.InitialBackoff <= 0 {
		def.InitialBackoff = base.InitialBackoff
	}
	if def.MaxBackoff <= 0 {
		def.MaxBackoff = base.MaxBackoff
	}
	if def.MaxBackoff < def.InitialBackoff {
		def.MaxBackoff = def.InitialBackoff
	}
	if def.Multiplier < 1 {
		def.Multiplier = base.Multiplier
	}
	if def.Timeout <= 0 {
		def.Timeout = base.Timeout
	}
	return &Planner{def: def}
}

// Policy returns p with unset fields taken from the planner defaults.
func (pl *Planner) Policy(p models.RetryPolicy) models.RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = pl.def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = pl.def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = pl.def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = pl.def.Multiplier
	}
	if p.Timeout <= 0 {
		p.Timeout = pl.def.Timeout
	}
	return p
}

// BackoffDelay is the wait after the given failed attempt (1-based):
// initial * multiplier^(attempt-1), capped at the policy maximum.
func (pl *Planner) BackoffDelay(p models.RetryPolicy, attempt int) time.Duration {
	p = pl.Policy(p)
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if d >= float64(p.MaxBackoff) || math.IsInf(d, 0) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
