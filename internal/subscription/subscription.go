// Package subscription implements the per-subscription publishing state
// machine: five states driven by tick and request-arrival events, sequence
// numbering, the retransmission queue, and acknowledgement processing.
//
// Subscription exposes pure-ish methods (Tick, Consume) rather than
// reaching back into an engine; the engine pulls requests from its queue
// and hands them to whichever subscription needs one, orchestrating side
// effects itself.
package subscription

import (
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/nexus-edge/opcua-publish-engine/internal/notification"
	"github.com/rs/zerolog"
)

const defaultRetransmissionCap = 1024

// DropRecorder is notified when the retransmission queue sheds an
// unacknowledged message at capacity. *metrics.Registry satisfies this.
type DropRecorder interface {
	IncRetransmissionDropped()
}

// Config carries the constructor-time parameters for a Subscription. Zero
// values for LifeTimeCount and MaxRetransmissionQueueLen mean "compute a
// default", as described in the engine documentation.
type Config struct {
	ID                         uint32
	PublishingInterval         time.Duration
	MaxKeepAliveCount          uint32
	LifeTimeCount              uint32
	MaxNotificationsPerPublish uint32
	PublishingEnabled          bool
	MaxRetransmissionQueueLen  int
	Metrics                    DropRecorder
}

// Subscription is a single OPC UA subscription's publishing state machine.
// It is not safe for concurrent use; the engine owns it exclusively.
type Subscription struct {
	id                         uint32
	publishingInterval         time.Duration
	maxKeepAliveCount          uint32
	lifeTimeCount              uint32
	maxNotificationsPerPublish uint32
	publishingEnabled          bool
	maxRetransmissionQueueLen  int

	state            State
	keepAliveCounter uint32
	lifeTimeCounter  uint32

	nextSequenceNumber uint32
	sentNotifications  map[uint32]*ua.NotificationMessage
	sentOrder          []uint32

	monitoredItems []notification.Source

	pendingStatusDelivery bool

	metrics DropRecorder
	logger  zerolog.Logger
}

// New creates a Subscription in StateCreating. LifeTimeCount is coerced
// upward to at least 3*MaxKeepAliveCount, matching the source server's
// behavior (lifeTimeCount=0 becomes 3*maxKeepAliveCount).
func New(cfg Config, logger zerolog.Logger) *Subscription {
	lifeTime := cfg.LifeTimeCount
	floor := cfg.MaxKeepAliveCount * 3
	if lifeTime < floor {
		lifeTime = floor
	}

	return &Subscription{
		id:                         cfg.ID,
		publishingInterval:         cfg.PublishingInterval,
		maxKeepAliveCount:          cfg.MaxKeepAliveCount,
		lifeTimeCount:              lifeTime,
		maxNotificationsPerPublish: cfg.MaxNotificationsPerPublish,
		publishingEnabled:          cfg.PublishingEnabled,
		maxRetransmissionQueueLen:  cfg.MaxRetransmissionQueueLen,
		state:                      StateCreating,
		keepAliveCounter:           cfg.MaxKeepAliveCount,
		lifeTimeCounter:            lifeTime,
		nextSequenceNumber:         1,
		sentNotifications:          make(map[uint32]*ua.NotificationMessage),
		metrics:                    cfg.Metrics,
		logger:                     logger.With().Uint32("subscription_id", cfg.ID).Logger(),
	}
}

// ID returns the subscription's id.
func (s *Subscription) ID() uint32 { return s.id }

// State returns the current state.
func (s *Subscription) State() State { return s.state }

// PublishingInterval returns the (already clamped) publishing interval.
func (s *Subscription) PublishingInterval() time.Duration { return s.publishingInterval }

// SetPublishingInterval updates the publishing interval. Callers (the
// engine) are responsible for clamping to the server's configured floor
// and ceiling before calling this.
func (s *Subscription) SetPublishingInterval(d time.Duration) { s.publishingInterval = d }

// TimeToExpiration returns how long until this subscription would expire by
// lifetime if no further progress were made.
func (s *Subscription) TimeToExpiration() time.Duration {
	return time.Duration(s.lifeTimeCounter) * s.publishingInterval
}

// AvailableSequenceNumbers returns the ascending sequence numbers the server
// still holds for retransmission.
func (s *Subscription) AvailableSequenceNumbers() []uint32 {
	out := make([]uint32, len(s.sentOrder))
	copy(out, s.sentOrder)
	return out
}

// AttachMonitoredItem adds a notification source to this subscription.
// Sources are harvested in attach order, giving a deterministic harvest
// sequence as required by the engine documentation.
func (s *Subscription) AttachMonitoredItem(src notification.Source) {
	s.monitoredItems = append(s.monitoredItems, src)
}

// NeedsStatusDelivery reports whether this CLOSED subscription still owes
// the client a final StatusChangeNotification.
func (s *Subscription) NeedsStatusDelivery() bool {
	return s.state == StateClosed && s.pendingStatusDelivery
}

// Terminate transitions the subscription to CLOSED immediately and arranges
// for one final StatusChangeNotification delivery.
func (s *Subscription) Terminate() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.lifeTimeCounter = 0
	s.pendingStatusDelivery = true
}

func (s *Subscription) hasPendingData() bool {
	for _, src := range s.monitoredItems {
		if src.HasPendingNotifications() {
			return true
		}
	}
	return false
}

// Tick advances the subscription by one publishing interval and reports
// what the engine must do next. It never itself touches the request queue.
func (s *Subscription) Tick(now time.Time) Action {
	switch s.state {
	case StateClosed:
		return ActionNone

	case StateLate:
		// Sticky: keepAliveCounter is frozen while LATE, only lifetime
		// decrements. The engine's late-subscription pass is what actually
		// clears LATE, not further ticks.
		if s.lifeTimeCounter > 0 {
			s.lifeTimeCounter--
		}
		if s.lifeTimeCounter == 0 {
			s.state = StateClosed
			s.pendingStatusDelivery = true
			return ActionEnteredClosed
		}
		return ActionNone

	case StateCreating:
		// First tick always attempts to publish or keep-alive, regardless
		// of whether data is pending.
		return ActionWantsRequest

	default: // StateNormal, StateKeepAlive
		if s.publishingEnabled && s.hasPendingData() {
			return ActionWantsRequest
		}
		if s.keepAliveCounter > 0 {
			s.keepAliveCounter--
		}
		if s.keepAliveCounter == 0 {
			return ActionWantsRequest
		}
		return ActionNone
	}
}

// EnterLate is called by the engine when a Tick returned ActionWantsRequest
// but no PublishRequest was available to carry the response.
func (s *Subscription) EnterLate() {
	if s.state == StateClosed {
		return
	}
	s.state = StateLate
}

// Consume is called by the engine once it has pulled a PublishRequest for
// this subscription, either immediately after a Tick or via the
// late-subscription pass. results is the already-computed acknowledgement
// result vector for the consumed request (§4.3), built by the engine
// because acks can target other live subscriptions.
func (s *Subscription) Consume(requestHandle uint32, now time.Time, results []ua.StatusCode) *ua.PublishResponse {
	if s.state == StateClosed {
		resp := s.buildStatusChangeResponse(requestHandle, now, results)
		s.pendingStatusDelivery = false
		return resp
	}

	if s.publishingEnabled && s.hasPendingData() {
		resp := s.buildDataResponse(requestHandle, now, results)
		s.keepAliveCounter = s.maxKeepAliveCount
		s.lifeTimeCounter = s.lifeTimeCount
		s.state = StateNormal
		return resp
	}

	resp := s.buildKeepAliveResponse(requestHandle, now, results)
	s.keepAliveCounter = s.maxKeepAliveCount
	s.lifeTimeCounter = s.lifeTimeCount
	s.state = StateKeepAlive
	return resp
}

// ProcessAcknowledgement removes seq from the retransmission queue if
// present, returning Good, or StatusBadSequenceNumberUnknown otherwise.
func (s *Subscription) ProcessAcknowledgement(seq uint32) ua.StatusCode {
	if _, ok := s.sentNotifications[seq]; !ok {
		return ua.StatusBadSequenceNumberUnknown
	}
	delete(s.sentNotifications, seq)
	for i, sn := range s.sentOrder {
		if sn == seq {
			s.sentOrder = append(s.sentOrder[:i], s.sentOrder[i+1:]...)
			break
		}
	}
	return ua.StatusOK
}

func (s *Subscription) buildDataResponse(requestHandle uint32, now time.Time, results []ua.StatusCode) *ua.PublishResponse {
	maxItems := int(s.maxNotificationsPerPublish)
	items, more := s.harvest(maxItems)

	seq := s.nextSequenceNumber
	s.nextSequenceNumber++

	msg := &ua.NotificationMessage{
		SequenceNumber:   seq,
		PublishTime:      now,
		NotificationData: []*ua.ExtensionObject{dataChangeNotificationObject(items)},
	}
	s.retain(seq, msg)

	return &ua.PublishResponse{
		ResponseHeader:           &ua.ResponseHeader{Timestamp: now, RequestHandle: requestHandle, ServiceResult: ua.StatusOK},
		SubscriptionID:           s.id,
		AvailableSequenceNumbers: s.AvailableSequenceNumbers(),
		MoreNotifications:        more,
		NotificationMessage:      msg,
		Results:                  results,
	}
}

func (s *Subscription) buildKeepAliveResponse(requestHandle uint32, now time.Time, results []ua.StatusCode) *ua.PublishResponse {
	// The keep-alive's sequence number is a placeholder: it is not stored
	// in sentNotifications and does not advance nextSequenceNumber.
	msg := &ua.NotificationMessage{
		SequenceNumber:   s.nextSequenceNumber,
		PublishTime:      now,
		NotificationData: nil,
	}

	return &ua.PublishResponse{
		ResponseHeader:           &ua.ResponseHeader{Timestamp: now, RequestHandle: requestHandle, ServiceResult: ua.StatusOK},
		SubscriptionID:           s.id,
		AvailableSequenceNumbers: s.AvailableSequenceNumbers(),
		MoreNotifications:        false,
		NotificationMessage:      msg,
		Results:                  results,
	}
}

func (s *Subscription) buildStatusChangeResponse(requestHandle uint32, now time.Time, results []ua.StatusCode) *ua.PublishResponse {
	msg := &ua.NotificationMessage{
		SequenceNumber:   s.nextSequenceNumber,
		PublishTime:      now,
		NotificationData: []*ua.ExtensionObject{statusChangeNotificationObject(ua.StatusBadTimeout)},
	}

	return &ua.PublishResponse{
		ResponseHeader:           &ua.ResponseHeader{Timestamp: now, RequestHandle: requestHandle, ServiceResult: ua.StatusOK},
		SubscriptionID:           s.id,
		AvailableSequenceNumbers: s.AvailableSequenceNumbers(),
		MoreNotifications:        false,
		NotificationMessage:      msg,
		Results:                  results,
	}
}

// harvest pulls up to maxItems (0 = unlimited) notifications from the
// attached monitored items in attach order.
func (s *Subscription) harvest(maxItems int) ([]notification.Notification, bool) {
	var out []notification.Notification
	more := false
	remaining := maxItems

	for _, src := range s.monitoredItems {
		if maxItems > 0 && remaining <= 0 {
			if src.HasPendingNotifications() {
				more = true
			}
			continue
		}

		take := 0
		if maxItems > 0 {
			take = remaining
		}

		items, pending := src.HarvestNotifications(take)
		out = append(out, items...)
		if maxItems > 0 {
			remaining -= len(items)
		}
		if pending {
			more = true
		}
	}

	return out, more
}

func (s *Subscription) retransmissionCap() int {
	if s.maxRetransmissionQueueLen > 0 {
		return s.maxRetransmissionQueueLen
	}
	if s.maxNotificationsPerPublish > 0 {
		if computed := int(s.maxNotificationsPerPublish) * int(s.maxKeepAliveCount); computed > defaultRetransmissionCap {
			return computed
		}
	}
	return defaultRetransmissionCap
}

func (s *Subscription) retain(seq uint32, msg *ua.NotificationMessage) {
	s.sentNotifications[seq] = msg
	s.sentOrder = append(s.sentOrder, seq)

	limit := s.retransmissionCap()
	for len(s.sentOrder) > limit {
		oldest := s.sentOrder[0]
		s.sentOrder = s.sentOrder[1:]
		delete(s.sentNotifications, oldest)
		if s.metrics != nil {
			s.metrics.IncRetransmissionDropped()
		}
		s.logger.Warn().Uint32("sequence_number", oldest).Int("cap", limit).
			Msg("retransmission queue at capacity, dropped oldest unacknowledged message")
	}
}
