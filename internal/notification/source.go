// Package notification defines the contract monitored items use to hand
// pending data to a subscription, plus a couple of concrete sources.
package notification

import (
	"github.com/gopcua/opcua/ua"
)

// Notification is one harvested data change, identified by the client
// handle of the monitored item that produced it.
type Notification struct {
	ClientHandle uint32
	Value        *ua.DataValue
}

// Source is the contract a monitored item (or a group of them) exposes to a
// subscription. HarvestNotifications(0) means "take everything available".
type Source interface {
	HasPendingNotifications() bool
	HarvestNotifications(max int) (items []Notification, morePending bool)
}

// FallibleSource is an optional extension for sources whose harvest path can
// itself fail, e.g. one backed by a remote device adapter rather than a
// purely in-process buffer. CircuitBreakerSource uses this to give the
// breaker a real success/failure signal; a Source that doesn't implement it
// is always treated as healthy.
type FallibleSource interface {
	Source
	TryHarvestNotifications(max int) (items []Notification, morePending bool, err error)
}
