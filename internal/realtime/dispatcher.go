package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/recount/internal/counts"
	"go.uber.org/zap"
)

const defaultBufferSize = 64

// OverflowPolicy decides what happens when a subscriber queue is full.
type OverflowPolicy string

const (
	// OverflowDisconnect closes the subscriber stream; the client resynchronizes by listing groups.
	OverflowDisconnect OverflowPolicy = "disconnect"
	// OverflowDropNewest discards the event that does not fit and keeps the stream open.
	// The subscriber is not told about the loss, so a client folding events into
	// a Board may keep a stale entry for that group until its next update.
	OverflowDropNewest OverflowPolicy = "drop_newest"
)

var (
	// ErrSubscriberOverflow reports that a stream was closed because its queue filled up.
	ErrSubscriberOverflow = errors.New("realtime: subscriber queue overflow")
	// ErrSubscriptionCanceled reports that a stream was closed by its owner.
	ErrSubscriptionCanceled = errors.New("realtime: subscription canceled")
	// ErrInvalidOverflowPolicy indicates an unrecognized policy name.
	ErrInvalidOverflowPolicy = errors.New("realtime: invalid overflow policy")
)

// ParseOverflowPolicy validates a configured policy name.
func ParseOverflowPolicy(value string) (OverflowPolicy, error) {
	switch OverflowPolicy(strings.ToLower(strings.TrimSpace(value))) {
	case OverflowDisconnect, "":
		return OverflowDisconnect, nil
	case OverflowDropNewest:
		return OverflowDropNewest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOverflowPolicy, value)
	}
}

// DispatcherConfig tunes subscriber queues.
type DispatcherConfig struct {
	BufferSize     int
	OverflowPolicy OverflowPolicy
	Logger         *zap.Logger
}

// Dispatcher fans group updates out to the subscribers of each inventory.
// Publish never blocks: every subscriber owns a bounded queue.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[counts.InventoryID]map[int64]*Subscription
	nextID      int64
	bufferSize  int
	policy      OverflowPolicy
	logger      *zap.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	policy := cfg.OverflowPolicy
	if policy == "" {
		policy = OverflowDisconnect
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subscribers: make(map[counts.InventoryID]map[int64]*Subscription),
		bufferSize:  bufferSize,
		policy:      policy,
		logger:      logger,
	}
}

// Subscription is a live stream of group updates for one inventory.
type Subscription struct {
	id          int64
	inventoryID counts.InventoryID
	dispatcher  *Dispatcher

	mu     sync.Mutex
	stream chan counts.GroupUpdated
	closed bool
	err    error
	// stopWatch detaches the context watcher registered by Subscribe.
	stopWatch func() bool
}

// Events returns the stream; it is closed when the subscription ends.
func (s *Subscription) Events() <-chan counts.GroupUpdated {
	return s.stream
}

// Err reports why the stream was closed, or nil while it is open.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel stops delivery. It is safe to call more than once.
func (s *Subscription) Cancel() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.dispatcher.unregister(s)
	s.close(ErrSubscriptionCanceled)
}

func (s *Subscription) close(reason error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.err = reason
	close(s.stream)
	return true
}

// offer enqueues without blocking and reports whether the queue overflowed.
func (s *Subscription) offer(event counts.GroupUpdated, policy OverflowPolicy) (delivered bool, overflowed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.stream <- event:
		return true, false
	default:
	}
	if policy == OverflowDisconnect {
		s.closed = true
		s.err = ErrSubscriberOverflow
		close(s.stream)
	}
	return false, true
}

// Subscribe registers a subscriber for the inventory. The subscription ends
// when ctx is done, when Cancel is called, or on overflow.
func (d *Dispatcher) Subscribe(ctx context.Context, inventoryID counts.InventoryID) *Subscription {
	subscription := &Subscription{
		inventoryID: inventoryID,
		dispatcher:  d,
		stream:      make(chan counts.GroupUpdated, d.bufferSize),
	}
	d.register(subscription)
	subscription.stopWatch = context.AfterFunc(ctx, func() {
		d.unregister(subscription)
		subscription.close(ErrSubscriptionCanceled)
	})
	return subscription
}

// Publish delivers the event to every subscriber of its inventory.
func (d *Dispatcher) Publish(event counts.GroupUpdated) {
	if event.InventoryID == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.InventoryID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	targets := make([]*Subscription, 0, len(subscribers))
	for _, subscription := range subscribers {
		targets = append(targets, subscription)
	}
	d.mu.RUnlock()

	for _, subscription := range targets {
		_, overflowed := subscription.offer(event, d.policy)
		if !overflowed {
			continue
		}
		d.logger.Warn("realtime subscriber overflow",
			zap.String("inventory_id", event.InventoryID.String()),
			zap.Int64("subscriber_id", subscription.id),
			zap.String("policy", string(d.policy)))
		if d.policy == OverflowDisconnect {
			d.unregister(subscription)
		}
	}
}

// SubscriberCount returns the number of live subscribers for the inventory.
func (d *Dispatcher) SubscriberCount(inventoryID counts.InventoryID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[inventoryID])
}

func (d *Dispatcher) register(subscription *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscription.id = d.nextID
	if _, ok := d.subscribers[subscription.inventoryID]; !ok {
		d.subscribers[subscription.inventoryID] = make(map[int64]*Subscription)
	}
	d.subscribers[subscription.inventoryID][subscription.id] = subscription
}

func (d *Dispatcher) unregister(subscription *Subscription) {
	d.mu.Lock()
	subscribers := d.subscribers[subscription.inventoryID]
	if subscribers != nil {
		delete(subscribers, subscription.id)
		if len(subscribers) == 0 {
			delete(d.subscribers, subscription.inventoryID)
		}
	}
	d.mu.Unlock()
}

// Fanout publishes every event to each of its publishers in order.
type Fanout []counts.Publisher

// Publish forwards the event.
func (f Fanout) Publish(event counts.GroupUpdated) {
	for _, publisher := range f {
		if publisher != nil {
			publisher.Publish(event)
		}
	}
}
