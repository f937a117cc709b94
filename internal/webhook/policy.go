package webhook

import "time"

// Policy tunes delivery and the per-endpoint circuit breaker.
type Policy struct {
	// FailureThreshold is the number of consecutive failed deliveries that
	// disables an endpoint.
	FailureThreshold int
	// MaxAttempts per delivery; the failure counter moves once per delivery.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration
	Timeout      time.Duration
	// Retention is how long delivery records are kept.
	Retention time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold: 5,
		MaxAttempts:      3,
		RetryBackoff:     2 * time.Second,
		Timeout:          10 * time.Second,
		Retention:        30 * 24 * time.Hour,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.RetryBackoff < 0 {
		p.RetryBackoff = 0
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.Retention <= 0 {
		p.Retention = d.Retention
	}
	return p
}
