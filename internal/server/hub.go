package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/tuichat/internal/protocol"
)

// ErrHubClosed is returned by Subscribe and Publish after Shutdown.
var ErrHubClosed = errors.New("hub is shut down")

// Event is one broadcast. Payload is the encoded Packet so fan-out
// encodes once regardless of the number of subscribers.
type Event struct {
	Sender  uuid.UUID
	Packet  protocol.ServerPacket
	Payload []byte
}

// HubConfig sets per-subscriber buffering.
type HubConfig struct {
	// Buffer is the number of events queued per subscriber.
	Buffer int
	// Policy is OverflowDisconnect or OverflowDropOldest.
	Policy string
}

// Subscription is one consumer of the hub. Its channel is closed when
// the subscriber is unsubscribed, evicted, or the hub shuts down.
type Subscription struct {
	id     uuid.UUID
	addr   string
	events chan Event
}

// ID returns the session id the subscription was registered under.
func (s *Subscription) ID() uuid.UUID {
	return s.id
}

// Events returns the subscriber's event stream.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Hub is the broadcast fan-out shared by all sessions. Every published
// event goes to every subscriber, the publisher included. A single run
// loop performs all deliveries, so events from one publisher reach every
// subscriber in publish order. A full subscriber never blocks the loop.
type Hub struct {
	subscribers map[uuid.UUID]*Subscription
	broadcast   chan Event
	register    chan *Subscription
	unregister  chan *Subscription
	mutex       sync.RWMutex
	cfg         HubConfig
	log         zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewHub creates and initializes a new Hub. Call Run in its own goroutine
// before subscribing.
func NewHub(cfg HubConfig, logger zerolog.Logger) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.Policy == "" {
		cfg.Policy = OverflowDisconnect
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscribers: make(map[uuid.UUID]*Subscription),
		broadcast:   make(chan Event),
		register:    make(chan *Subscription),
		unregister:  make(chan *Subscription),
		cfg:         cfg,
		log:         logger.With().Str("component", "hub").Logger(),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Subscribe registers a consumer under id. Events published after
// Subscribe returns are delivered to it.
func (h *Hub) Subscribe(id uuid.UUID, addr string) (*Subscription, error) {
	sub := &Subscription{
		id:     id,
		addr:   addr,
		events: make(chan Event, h.cfg.Buffer),
	}

	select {
	case h.register <- sub:
		return sub, nil
	case <-h.done:
		return nil, ErrHubClosed
	}
}

// Unsubscribe removes the consumer and closes its channel. It is a no-op
// for subscriptions that were already evicted.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	select {
	case h.unregister <- sub:
	case <-h.done:
	}
}

// Publish hands ev to the run loop. It returns once the loop accepted the
// event, so consecutive calls from one goroutine keep their order.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return ErrHubClosed
	}
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Run starts the hub's main event loop, handling subscription,
// unsubscription, and broadcasting until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return

		case sub := <-h.register:
			if sub == nil {
				h.log.Warn().Msg("received nil subscription; skipping")
				continue
			}

			h.mutex.Lock()
			h.subscribers[sub.id] = sub
			count := len(h.subscribers)
			h.mutex.Unlock()
			hubSubscribers.Set(float64(count))
			h.log.Debug().Str("session", sub.id.String()).Str("remote", sub.addr).Int("subscribers", count).Msg("subscriber registered")

		case sub := <-h.unregister:
			h.remove(sub, "unsubscribed")

		case ev := <-h.broadcast:
			h.handleBroadcast(ev)
		}
	}
}

// remove deletes sub if it is still registered and closes its channel.
// Only the run loop sends on subscriber channels, so closing here is safe.
func (h *Hub) remove(sub *Subscription, why string) bool {
	h.mutex.Lock()
	current, ok := h.subscribers[sub.id]
	if !ok || current != sub {
		h.mutex.Unlock()
		return false
	}
	delete(h.subscribers, sub.id)
	count := len(h.subscribers)
	h.mutex.Unlock()

	close(sub.events)
	hubSubscribers.Set(float64(count))
	h.log.Debug().Str("session", sub.id.String()).Str("remote", sub.addr).Str("reason", why).Int("subscribers", count).Msg("subscriber removed")
	return true
}

// handleBroadcast delivers ev to every subscriber and evicts the ones
// that could not take it.
func (h *Hub) handleBroadcast(ev Event) {
	subs := h.snapshot()

	var evicted []*Subscription
	for _, sub := range subs {
		if !h.deliver(sub, ev) {
			evicted = append(evicted, sub)
		}
	}

	for _, sub := range evicted {
		if h.remove(sub, "buffer full") {
			hubEvictions.Inc()
			h.log.Warn().Str("session", sub.id.String()).Str("remote", sub.addr).Msg("subscriber evicted due to full buffer")
		}
	}
}

func (h *Hub) snapshot() []*Subscription {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	subs := make([]*Subscription, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// deliver queues ev without blocking. It returns false when the
// subscriber must be evicted.
func (h *Hub) deliver(sub *Subscription, ev Event) bool {
	select {
	case sub.events <- ev:
		return true
	default:
	}

	if h.cfg.Policy != OverflowDropOldest {
		return false
	}

	select {
	case <-sub.events:
		hubEventsDropped.Inc()
	default:
	}
	// the run loop is the only sender, so there is room now
	sub.events <- ev
	return true
}

func (h *Hub) closeAll() {
	h.mutex.Lock()
	subs := make([]*Subscription, 0, len(h.subscribers))
	for id, sub := range h.subscribers {
		subs = append(subs, sub)
		delete(h.subscribers, id)
	}
	h.mutex.Unlock()

	for _, sub := range subs {
		close(sub.events)
	}
	hubSubscribers.Set(0)
	h.log.Info().Int("subscribers", len(subs)).Msg("hub closed all subscriptions")
}

// Shutdown stops the run loop, which closes every subscription. It waits
// up to timeout for the loop to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info().Msg("initiating hub shutdown")
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
