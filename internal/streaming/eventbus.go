package streaming

import (
	"context"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"ruleforge-lab/pkg/logger"
)

// EventBus distributes coverage events to local subscribers and, when configured, NATS
type EventBus struct {
	nats   *NATSPublisher
	origin string
	logger *logger.Logger

	mu          sync.RWMutex
	subscribers map[string]*subscriber
	nextID      int
}

type subscriber struct {
	ch  chan *CoverageEvent
	sub *Subscription
}

// NewEventBus creates a new event bus; nats may be nil
func NewEventBus(nats *NATSPublisher, log *logger.Logger) *EventBus {
	return &EventBus{
		nats:        nats,
		origin:      uuid.New().String(),
		logger:      log.WithComponent("event-bus"),
		subscribers: make(map[string]*subscriber),
	}
}

// Publish publishes an event to NATS (if connected) and all matching local subscribers
func (eb *EventBus) Publish(ctx context.Context, event *CoverageEvent) error {
	event.Origin = eb.origin

	if eb.nats != nil && eb.nats.IsConnected() {
		if err := eb.nats.Publish(ctx, event); err != nil {
			eb.logger.Warn().Err(err).Msg("failed to publish to NATS, using local broadcast only")
		}
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for id, s := range eb.subscribers {
		eb.deliver(id, s, event)
	}

	return nil
}

// deliver sends without blocking; the caller holds eb.mu
func (eb *EventBus) deliver(id string, s *subscriber, event *CoverageEvent) {
	if !s.sub.Matches(event) {
		return
	}
	select {
	case s.ch <- event:
	default:
		eb.logger.Debug().Str("subscriber", id).Msg("subscriber channel full, dropping event")
	}
}

// Subscribe creates a new subscription and returns its channel and an unsubscribe function.
// Events published by other processes arrive through NATS when it is connected.
func (eb *EventBus) Subscribe(ctx context.Context, sub *Subscription) (<-chan *CoverageEvent, func()) {
	eb.mu.Lock()
	eb.nextID++
	id := strconv.Itoa(eb.nextID)
	s := &subscriber{ch: make(chan *CoverageEvent, 100), sub: sub}
	eb.subscribers[id] = s
	eb.mu.Unlock()

	eb.logger.Debug().Str("subscriber_id", id).Msg("new subscriber")

	subCtx, cancel := context.WithCancel(ctx)

	unsubscribe := func() {
		cancel()
		eb.mu.Lock()
		defer eb.mu.Unlock()
		if _, ok := eb.subscribers[id]; ok {
			close(s.ch)
			delete(eb.subscribers, id)
			eb.logger.Debug().Str("subscriber_id", id).Msg("subscriber removed")
		}
	}

	if eb.nats != nil && eb.nats.IsConnected() {
		natsCh, err := eb.nats.Subscribe(subCtx, sub)
		if err != nil {
			eb.logger.Warn().Err(err).Msg("failed to subscribe to NATS, local events only")
		} else {
			go eb.forward(id, s, natsCh)
		}
	}

	return s.ch, unsubscribe
}

// forward relays remote events, skipping those this bus already delivered locally
func (eb *EventBus) forward(id string, s *subscriber, remote <-chan *CoverageEvent) {
	for event := range remote {
		if event.Origin == eb.origin {
			continue
		}
		eb.mu.RLock()
		if _, ok := eb.subscribers[id]; ok {
			eb.deliver(id, s, event)
		}
		eb.mu.RUnlock()
	}
}

// SubscriberCount returns the number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Close closes all subscriptions and the NATS connection
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, s := range eb.subscribers {
		close(s.ch)
		delete(eb.subscribers, id)
	}

	if eb.nats != nil {
		eb.nats.Close()
	}
}
