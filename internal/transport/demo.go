// Package transport provides a minimal in-process stand-in for the OPC UA
// binary transport, which is out of scope for this engine. It exercises the
// engine end to end with a simulated device feeding notifications and a
// simulated client issuing PublishRequests, without any real network
// framing or secure-channel handshake.
package transport

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-publish-engine/internal/notification"
	"github.com/nexus-edge/opcua-publish-engine/pkg/logging"
	"github.com/rs/zerolog"
)

// Submitter is the engine operation the demo client drives. The
// channel-submission runner in cmd/publishengine, which wraps
// *engine.Engine, satisfies it.
type Submitter interface {
	Submit(req *ua.PublishRequest, deliver func(*ua.PublishResponse, *ua.ServiceFault))
}

// Device simulates a data source attached to a monitored item: it publishes
// a random value into its Source on a fixed period until the stop channel
// passed to Run is closed.
type Device struct {
	Source *notification.MemorySource
	name   string
	period time.Duration
	handle uint32
	logger zerolog.Logger
}

// NewDevice creates a Device that will publish onto a fresh MemorySource.
func NewDevice(name string, clientHandle uint32, period time.Duration, logger zerolog.Logger) *Device {
	return &Device{
		Source: notification.NewMemorySource(),
		name:   name,
		period: period,
		handle: clientHandle,
		logger: logger.With().Str("device", name).Logger(),
	}
}

// Run publishes simulated values until stop is closed. It is meant to run in
// its own goroutine.
func (d *Device) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v := rand.Float64() * 100
			d.Source.Publish(notification.Notification{
				ClientHandle: d.handle,
				Value: &ua.DataValue{
					Value:           ua.MustVariant(v),
					SourceTimestamp: time.Now(),
					Status:          ua.StatusOK,
				},
			})
			d.logger.Debug().Float64("value", v).Msg("published simulated data change")
		}
	}
}

// Client simulates an OPC UA client's publishing loop: it keeps a small
// number of PublishRequests outstanding against the engine, logging whatever
// comes back, and resubmits a fresh request once one resolves.
type Client struct {
	engine       Submitter
	subscription uint32
	outstanding  int
	logger       zerolog.Logger
	handleSeq    atomic.Uint32
}

// NewClient creates a Client that keeps outstanding requests in flight
// against subscription.
func NewClient(engine Submitter, subscription uint32, outstanding int, logger zerolog.Logger) *Client {
	return &Client{
		engine:       engine,
		subscription: subscription,
		outstanding:  outstanding,
		logger:       logging.WithComponent(logger, "demo-client"),
	}
}

// Run keeps Outstanding PublishRequests submitted until stop is closed.
func (c *Client) Run(stop <-chan struct{}) {
	done := make(chan struct{})
	defer close(done)

	for i := 0; i < c.outstanding; i++ {
		c.submitNext(done)
	}
	<-stop
}

func (c *Client) submitNext(done <-chan struct{}) {
	handle := c.handleSeq.Add(1)
	req := &ua.PublishRequest{
		RequestHeader: &ua.RequestHeader{
			RequestHandle: handle,
			TimeoutHint:   30000,
			Timestamp:     time.Now(),
		},
	}

	c.engine.Submit(req, func(resp *ua.PublishResponse, fault *ua.ServiceFault) {
		select {
		case <-done:
			return
		default:
		}

		if fault != nil {
			c.logger.Debug().Uint32("request_handle", handle).
				Str("status", fault.ResponseHeader.ServiceResult.Error()).
				Msg("publish request faulted")
		} else {
			c.logger.Debug().Uint32("request_handle", handle).
				Uint32("subscription_id", resp.SubscriptionID).
				Uint32("sequence_number", resp.NotificationMessage.SequenceNumber).
				Msg("publish response delivered")
		}

		c.submitNext(done)
	})
}
