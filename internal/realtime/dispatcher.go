// Package realtime fans change signals out to in-process subscribers.
package realtime

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Topic groups related events.
type Topic string

const (
	TopicPresence   Topic = "presence"
	TopicConnection Topic = "connection"
	TopicHistory    Topic = "history"
	TopicSelection  Topic = "selection"
)

const (
	defaultBufferSize = 16
	// EventHeartbeat is sent by streaming transports while no event is pending.
	EventHeartbeat = "heartbeat"
)

// Event is one change signal.
type Event struct {
	Topic     Topic
	Type      string
	Revision  uint64
	Payload   any
	Timestamp time.Time
}

// DispatcherConfig tunes the dispatcher.
type DispatcherConfig struct {
	BufferSize int
	// OnDrop is called when a subscriber's buffer is full and an event is discarded.
	OnDrop func(Event)
}

// Dispatcher delivers events to subscribers of their topic. Delivery never
// blocks: a subscriber whose buffer is full misses the event.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
	onDrop      func(Event)
}

type subscriber struct {
	id     int64
	topics []Topic
	stream chan Event
}

func (s *subscriber) wants(topic Topic) bool {
	return len(s.topics) == 0 || slices.Contains(s.topics, topic)
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  bufferSize,
		onDrop:      cfg.OnDrop,
	}
}

// Subscribe registers for the given topics, or every topic when none are given.
// The subscription ends when ctx is done or the returned cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, topics ...Topic) (<-chan Event, func()) {
	sub := &subscriber{
		topics: slices.Clone(topics),
		stream: make(chan Event, d.bufferSize),
	}
	d.mu.Lock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregister(sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers event to every interested subscriber.
func (d *Dispatcher) Publish(event Event) {
	if event.Topic == "" || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, sub := range d.subscribers {
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.stream <- event:
		default:
			if d.onDrop != nil {
				d.onDrop(event)
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

// unregister closes the stream under the write lock so Publish never sends on
// a closed channel.
func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub, ok := d.subscribers[id]
	if !ok {
		return
	}
	delete(d.subscribers, id)
	close(sub.stream)
}
