package notification

import (
	"github.com/nexus-edge/opcua-publish-engine/pkg/logging"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// CircuitBreakerSource wraps a Source with a sony/gobreaker circuit breaker
// so a misbehaving monitored-item provider cannot stall the engine's single
// run loop. Once the breaker trips, HasPendingNotifications reports false
// and HarvestNotifications returns nothing until the breaker allows a probe
// again, rather than blocking on or repeatedly failing against the source.
type CircuitBreakerSource struct {
	inner   Source
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewCircuitBreakerSource wraps inner with a breaker configured by settings.
// If settings.Name is empty it defaults to "notification-source".
func NewCircuitBreakerSource(inner Source, settings gobreaker.Settings, logger zerolog.Logger) *CircuitBreakerSource {
	if settings.Name == "" {
		settings.Name = "notification-source"
	}
	return &CircuitBreakerSource{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logging.WithComponent(logger, "notification-breaker"),
	}
}

// HasPendingNotifications reports false while the breaker is open.
func (c *CircuitBreakerSource) HasPendingNotifications() bool {
	if c.breaker.State() == gobreaker.StateOpen {
		return false
	}
	return c.inner.HasPendingNotifications()
}

// HarvestNotifications runs the inner harvest through the breaker. A
// FallibleSource's error result trips the breaker; a plain Source always
// counts as a success.
func (c *CircuitBreakerSource) HarvestNotifications(max int) ([]Notification, bool) {
	type result struct {
		items []Notification
		more  bool
	}

	r, err := c.breaker.Execute(func() (interface{}, error) {
		if fs, ok := c.inner.(FallibleSource); ok {
			items, more, harvestErr := fs.TryHarvestNotifications(max)
			if harvestErr != nil {
				return nil, harvestErr
			}
			return result{items, more}, nil
		}
		items, more := c.inner.HarvestNotifications(max)
		return result{items, more}, nil
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("harvest blocked or failed, breaker engaged")
		return nil, false
	}

	res := r.(result)
	return res.items, res.more
}
