// Package admission gatekeeps the intake endpoint with two independent
// rate-limiting layers: a global sliding-window permit budget (fleet-wide
// ceiling) and per-IP token buckets (per-actor fairness). They stay separate
// primitives because they answer different questions; the controller only
// composes them.
package admission

import (
	"log/slog"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Reason     string
	RetryAfter int // seconds; only meaningful on reject
}

// ipRetryAfterSeconds is the hint for a per-IP reject; buckets refill fast,
// so the wait is short compared to a global budget rollover.
const ipRetryAfterSeconds = 10

// Controller runs both checks in order. Both must pass; the global budget is
// charged first, and a per-IP reject does not refund it.
type Controller struct {
	global  *SlidingWindow
	perIP   *BucketRegistry
	metrics *Metrics
	logger  *slog.Logger
}

// NewController composes the two limiter primitives.
func NewController(global *SlidingWindow, perIP *BucketRegistry, m *Metrics, logger *slog.Logger) *Controller {
	return &Controller{global: global, perIP: perIP, metrics: m, logger: logger}
}

// Admit charges the global budget, then the client's bucket.
func (c *Controller) Admit(clientIP string) Decision {
	if !c.global.Allow() {
		c.metrics.RecordReject(LayerGlobal)
		c.logger.Warn("global rate limit exceeded")
		return Decision{
			Allowed:    false,
			Reason:     "Global rate limit exceeded",
			RetryAfter: c.global.WindowSeconds(),
		}
	}

	if !c.perIP.Allow(clientIP) {
		c.metrics.RecordReject(LayerPerIP)
		c.logger.Warn("ip rate limit exceeded", "client_ip", clientIP)
		return Decision{
			Allowed:    false,
			Reason:     "Rate limit exceeded for IP: " + clientIP,
			RetryAfter: ipRetryAfterSeconds,
		}
	}

	c.metrics.RecordAllow()
	return Decision{Allowed: true}
}
