// Package engine implements the PublishEngine: the owner of subscriptions
// and the shared PublishRequestQueue, deciding which subscription serves
// the next response, handling closed-subscription finalization, and
// expiring timed-out requests.
package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-publish-engine/internal/clock"
	"github.com/nexus-edge/opcua-publish-engine/internal/metrics"
	"github.com/nexus-edge/opcua-publish-engine/internal/queue"
	"github.com/nexus-edge/opcua-publish-engine/internal/subscription"
	"github.com/nexus-edge/opcua-publish-engine/pkg/logging"
	"github.com/rs/zerolog"
)

// Options configures a new Engine. Zero values fall back to the defaults
// noted per field.
type Options struct {
	// MaxPublishRequestInQueue bounds the shared request queue. Default 100.
	MaxPublishRequestInQueue int
	// MinimumPublishingInterval, MaximumPublishingInterval (0 = no ceiling)
	// and DefaultPublishingInterval clamp subscription publishing
	// intervals at AddSubscription time.
	MinimumPublishingInterval time.Duration
	MaximumPublishingInterval time.Duration
	DefaultPublishingInterval time.Duration
	Clock                     clock.Clock
	Metrics                   *metrics.Registry
	Logger                    zerolog.Logger
}

// Engine is the PublishEngine. It is single-threaded by design: every
// method must be called from the engine's owning goroutine (see
// cmd/publishengine for the channel-submission pattern that enforces
// this).
type Engine struct {
	active        map[uint32]*subscription.Subscription
	closedPending map[uint32]*subscription.Subscription
	queue         *queue.Queue
	scheduler     *scheduler

	clk         clock.Clock
	minInterval time.Duration
	maxInterval time.Duration
	defInterval time.Duration

	metrics *metrics.Registry
	logger  zerolog.Logger
}

// New constructs an Engine from opts.
func New(opts Options) *Engine {
	if opts.MaxPublishRequestInQueue <= 0 {
		opts.MaxPublishRequestInQueue = 100
	}
	if opts.MinimumPublishingInterval <= 0 {
		opts.MinimumPublishingInterval = 50 * time.Millisecond
	}
	if opts.DefaultPublishingInterval <= 0 {
		opts.DefaultPublishingInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.System{}
	}

	return &Engine{
		active:        make(map[uint32]*subscription.Subscription),
		closedPending: make(map[uint32]*subscription.Subscription),
		queue:         queue.New(opts.MaxPublishRequestInQueue),
		scheduler:     newScheduler(),
		clk:           opts.Clock,
		minInterval:   opts.MinimumPublishingInterval,
		maxInterval:   opts.MaximumPublishingInterval,
		defInterval:   opts.DefaultPublishingInterval,
		metrics:       opts.Metrics,
		logger:        logging.WithComponent(opts.Logger, "publish-engine"),
	}
}

// AddSubscription attaches a new subscription, clamping its publishing
// interval to the engine's configured floor and ceiling, and registers it
// with the tick scheduler. It panics if cfg.ID is already in use by an
// active or closed-pending subscription.
func (e *Engine) AddSubscription(cfg subscription.Config) *subscription.Subscription {
	if _, exists := e.GetSubscriptionById(cfg.ID); exists {
		e.logger.Error().Uint32("subscription_id", cfg.ID).Msg("duplicate subscription id")
		panic(fmt.Sprintf("engine: duplicate subscription id %d", cfg.ID))
	}
	cfg.PublishingInterval = e.clampInterval(cfg.PublishingInterval)
	if cfg.Metrics == nil && e.metrics != nil {
		cfg.Metrics = e.metrics
	}

	sub := subscription.New(cfg, e.logger)
	e.active[cfg.ID] = sub
	e.scheduler.Register(cfg.ID, cfg.PublishingInterval, e.clk.Now())

	if e.metrics != nil {
		e.metrics.SetSubscriptionState(cfg.ID, sub.State().String())
	}

	return sub
}

// RemoveSubscription terminates an active subscription immediately,
// detaching its schedule and arranging for one final StatusChangeNotification
// delivery, per the cancellation contract. It reports false if id was not
// an active subscription.
func (e *Engine) RemoveSubscription(id uint32) bool {
	sub, ok := e.active[id]
	if !ok {
		return false
	}
	sub.Terminate()
	e.scheduler.Unregister(id)
	delete(e.active, id)
	e.closedPending[id] = sub
	return true
}

// SetPublishingInterval changes id's publishing interval, clamping it to the
// engine's configured floor and ceiling and re-registering its tick schedule
// (spec §4.6: "the old schedule is cancelled and a new one installed"). It
// reports false if id is not an active subscription.
func (e *Engine) SetPublishingInterval(id uint32, interval time.Duration) bool {
	sub, ok := e.active[id]
	if !ok {
		return false
	}
	clamped := e.clampInterval(interval)
	sub.SetPublishingInterval(clamped)
	e.scheduler.Register(id, clamped, e.clk.Now())
	return true
}

// GetSubscriptionById returns a subscription by id, whether active or
// awaiting its final closed-status delivery.
func (e *Engine) GetSubscriptionById(id uint32) (*subscription.Subscription, bool) {
	if s, ok := e.active[id]; ok {
		return s, true
	}
	if s, ok := e.closedPending[id]; ok {
		return s, true
	}
	return nil, false
}

// SubscriptionCount returns the number of live (non-closed) subscriptions.
func (e *Engine) SubscriptionCount() int { return len(e.active) }

// PendingPublishRequestCount returns the number of queued requests.
func (e *Engine) PendingPublishRequestCount() int { return e.queue.Len() }

// PendingClosedSubscriptionCount returns the number of subscriptions
// awaiting their final StatusChangeNotification delivery.
func (e *Engine) PendingClosedSubscriptionCount() int { return len(e.closedPending) }

// FindLateSubscriptionsSortedByAge returns the ids of every LATE
// subscription, most-urgent (soonest to expire) first, ties broken by
// ascending subscription id.
func (e *Engine) FindLateSubscriptionsSortedByAge() []uint32 {
	var late []*subscription.Subscription
	for _, s := range e.active {
		if s.State() == subscription.StateLate {
			late = append(late, s)
		}
	}
	sortByUrgency(late)

	ids := make([]uint32, len(late))
	for i, s := range late {
		ids[i] = s.ID()
	}
	return ids
}

// OnPublishRequest is the only entry point for client requests; it never
// throws. deliver is invoked exactly once with either a response or a
// fault, synchronously if the request can be resolved immediately and
// later (from a Tick or a subsequent OnPublishRequest call) otherwise.
func (e *Engine) OnPublishRequest(req *ua.PublishRequest, deliver func(*ua.PublishResponse, *ua.ServiceFault)) {
	now := e.clk.Now()
	handle := requestHandle(req)

	if e.metrics != nil {
		e.metrics.IncRequestsReceived()
	}

	if len(e.active) == 0 && len(e.closedPending) == 0 {
		if e.metrics != nil {
			e.metrics.IncRequestsFaulted("no_subscription")
		}
		deliver(nil, serviceFault(now, handle, ua.StatusBadNoSubscription))
		return
	}

	entry := &queue.Entry{
		Request:     req,
		ArrivalTime: now,
		TimeoutHint: requestTimeoutHint(req),
		Deliver:     deliver,
	}

	if e.queue.Full() {
		if displaced, ok := e.queue.PopOldest(); ok {
			if e.metrics != nil {
				e.metrics.IncRequestsFaulted("queue_overflow")
			}
			if displaced.Deliver != nil {
				displaced.Deliver(nil, serviceFault(now, displaced.RequestHandle(), ua.StatusBadTooManyPublishRequests))
			}
		}
	}
	e.queue.Push(entry)

	e.runLatePass(now)
	e.reportQueueDepth()
}

// Tick advances every subscription whose schedule has fired by now,
// consuming queued requests where possible and expiring timed-out ones
// afterward. Callers (e.g. a ticker loop in cmd/publishengine) should call
// this frequently relative to the smallest registered publishing interval.
func (e *Engine) Tick(now time.Time) {
	for _, id := range e.scheduler.DueBefore(now) {
		sub, ok := e.active[id]
		if !ok {
			continue
		}

		switch sub.Tick(now) {
		case subscription.ActionWantsRequest:
			if entry, ok := e.queue.PopOldest(); ok {
				e.deliverToSubscription(sub, entry, now)
			} else {
				sub.EnterLate()
			}
		case subscription.ActionEnteredClosed:
			e.scheduler.Unregister(id)
			delete(e.active, id)
			e.closedPending[id] = sub
		}

		if e.metrics != nil {
			e.metrics.SetSubscriptionState(id, sub.State().String())
		}
	}

	e.expireTimeouts(now)
	e.reportQueueDepth()
}

// Shutdown answers every queued request with BadSessionClosed and cancels
// every subscription's schedule.
func (e *Engine) Shutdown() {
	now := e.clk.Now()
	for {
		entry, ok := e.queue.PopOldest()
		if !ok {
			break
		}
		if entry.Deliver != nil {
			entry.Deliver(nil, serviceFault(now, entry.RequestHandle(), ua.StatusBadSessionClosed))
		}
	}

	for id := range e.active {
		e.scheduler.Unregister(id)
	}
	e.active = make(map[uint32]*subscription.Subscription)
	e.closedPending = make(map[uint32]*subscription.Subscription)
}

func (e *Engine) clampInterval(d time.Duration) time.Duration {
	if d <= 0 {
		d = e.defInterval
	}
	if d < e.minInterval {
		d = e.minInterval
	}
	if e.maxInterval > 0 && d > e.maxInterval {
		d = e.maxInterval
	}
	return d
}

// findServable returns every subscription competing for the next queued
// request: LATE subscriptions and subscriptions owing a final closed-status
// delivery, sorted by urgency (§4.1's tie-break applies uniformly since a
// closed-pending subscription's TimeToExpiration is always zero).
func (e *Engine) findServable() []*subscription.Subscription {
	var out []*subscription.Subscription
	for _, s := range e.active {
		if s.State() == subscription.StateLate {
			out = append(out, s)
		}
	}
	for _, s := range e.closedPending {
		out = append(out, s)
	}
	sortByUrgency(out)
	return out
}

func sortByUrgency(subs []*subscription.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		ti, tj := subs[i].TimeToExpiration(), subs[j].TimeToExpiration()
		if ti != tj {
			return ti < tj
		}
		return subs[i].ID() < subs[j].ID()
	})
}

func (e *Engine) runLatePass(now time.Time) {
	for e.queue.Len() > 0 {
		servable := e.findServable()
		if len(servable) == 0 {
			return
		}
		entry, ok := e.queue.PopOldest()
		if !ok {
			return
		}
		e.deliverToSubscription(servable[0], entry, now)
	}
}

func (e *Engine) expireTimeouts(now time.Time) {
	for _, entry := range e.queue.PopExpired(now) {
		if e.metrics != nil {
			e.metrics.IncRequestsFaulted("timeout")
		}
		if entry.Deliver != nil {
			entry.Deliver(nil, serviceFault(now, entry.RequestHandle(), ua.StatusBadTimeout))
		}
	}
}

func (e *Engine) deliverToSubscription(sub *subscription.Subscription, entry *queue.Entry, now time.Time) {
	wasClosedDelivery := sub.NeedsStatusDelivery()

	results := e.processAcknowledgements(entry.Request)
	resp := sub.Consume(entry.RequestHandle(), now, results)

	if entry.Deliver != nil {
		entry.Deliver(resp, nil)
	}
	if e.metrics != nil {
		e.metrics.IncResponsesSent(responseKind(resp, wasClosedDelivery))
	}

	if wasClosedDelivery {
		delete(e.closedPending, sub.ID())
		if e.metrics != nil {
			e.metrics.ForgetSubscription(sub.ID())
		}
	}
}

func (e *Engine) processAcknowledgements(req *ua.PublishRequest) []ua.StatusCode {
	if req == nil || len(req.SubscriptionAcknowledgements) == 0 {
		return nil
	}

	results := make([]ua.StatusCode, len(req.SubscriptionAcknowledgements))
	for i, ack := range req.SubscriptionAcknowledgements {
		target, ok := e.GetSubscriptionById(ack.SubscriptionID)
		if !ok {
			results[i] = ua.StatusBadSubscriptionIDInvalid
			continue
		}
		results[i] = target.ProcessAcknowledgement(ack.SequenceNumber)
	}
	return results
}

func (e *Engine) reportQueueDepth() {
	if e.metrics != nil {
		e.metrics.SetQueueDepth(e.queue.Len())
		e.metrics.SetLateSubscriptions(len(e.FindLateSubscriptionsSortedByAge()))
	}
}

func requestHandle(req *ua.PublishRequest) uint32 {
	if req == nil || req.RequestHeader == nil {
		return 0
	}
	return req.RequestHeader.RequestHandle
}

func requestTimeoutHint(req *ua.PublishRequest) time.Duration {
	if req == nil || req.RequestHeader == nil || req.RequestHeader.TimeoutHint == 0 {
		return 0
	}
	return time.Duration(req.RequestHeader.TimeoutHint) * time.Millisecond
}

func serviceFault(now time.Time, handle uint32, result ua.StatusCode) *ua.ServiceFault {
	return &ua.ServiceFault{
		ResponseHeader: &ua.ResponseHeader{
			Timestamp:     now,
			RequestHandle: handle,
			ServiceResult: result,
		},
	}
}

func responseKind(resp *ua.PublishResponse, wasClosedDelivery bool) string {
	if wasClosedDelivery {
		return "statuschange"
	}
	if resp.NotificationMessage != nil && len(resp.NotificationMessage.NotificationData) > 0 {
		return "data"
	}
	return "keepalive"
}
