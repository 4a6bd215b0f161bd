// Package notify fans lifecycle events out to connected channels. The
// hub ingests through a buffered channel and a single background loop,
// so emitters never block on slow consumers; a subscriber that cannot
// keep up loses events rather than stalling dispatch.
package notify

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scalerize/infinitegpu/internal/domain"
)

// DefaultBuffer is the ingest queue size when the config leaves it 0.
const DefaultBuffer = 1024

// subscriberBuffer is the per-connection queue. SSE writers drain fast;
// anything deeper just delays the drop decision.
const subscriberBuffer = 64

// Hub routes events to topic subscribers. Implements domain.EventSink.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int]chan domain.Event
	nextSubID   int

	in   chan domain.Event
	done chan struct{}
	wg   sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
}

// NewHub starts the fanout loop. buffer <= 0 selects DefaultBuffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	h := &Hub{
		subscribers: make(map[string]map[int]chan domain.Event),
		in:          make(chan domain.Event, buffer),
		done:        make(chan struct{}),
	}
	h.wg.Add(1)
	go h.loop()
	return h
}

// Close stops the loop and closes every subscriber channel.
func (h *Hub) Close() {
	close(h.done)
	h.wg.Wait()

	h.mu.Lock()
	defer h.mu.Unlock()
	for topic, subs := range h.subscribers {
		for id, ch := range subs {
			close(ch)
			delete(subs, id)
		}
		delete(h.subscribers, topic)
	}
}

// Publish queues an event for fanout. Never blocks; if the ingest
// buffer is full the event is dropped and counted.
func (h *Hub) Publish(evt domain.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}
	select {
	case h.in <- evt:
		h.published.Add(1)
	default:
		h.dropped.Add(1)
		log.Printf("[notify] dropped %s on %s (buffer full)", evt.Type, evt.Topic)
	}
}

// Subscribe registers one channel under every given topic. The cancel
// func is idempotent and closes the channel.
func (h *Hub) Subscribe(topics ...string) (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, subscriberBuffer)

	h.mu.Lock()
	h.nextSubID++
	id := h.nextSubID
	for _, topic := range topics {
		if _, ok := h.subscribers[topic]; !ok {
			h.subscribers[topic] = make(map[int]chan domain.Event)
		}
		h.subscribers[topic][id] = ch
	}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			closed := false
			for _, topic := range topics {
				subs := h.subscribers[topic]
				if subs == nil {
					continue
				}
				if c, ok := subs[id]; ok {
					delete(subs, id)
					if !closed {
						close(c)
						closed = true
					}
				}
				if len(subs) == 0 {
					delete(h.subscribers, topic)
				}
			}
		})
	}
	return ch, cancel
}

// SubscriberCount returns how many channels listen on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[topic])
}

func (h *Hub) loop() {
	defer h.wg.Done()
	for {
		select {
		case evt := <-h.in:
			h.dispatch(evt)
		case <-h.done:
			// drain whatever is already queued before exiting
			for {
				select {
				case evt := <-h.in:
					h.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

func (h *Hub) dispatch(evt domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subscribers[evt.Topic] {
		select {
		case ch <- evt:
			h.delivered.Add(1)
		default:
			h.dropped.Add(1)
		}
	}
}

// Stats summarizes hub traffic since process start.
type Stats struct {
	Published int64 `json:"published_total"`
	Delivered int64 `json:"delivered_total"`
	Dropped   int64 `json:"dropped_total"`
}

// Stats returns fanout counters for status endpoints.
func (h *Hub) Stats() Stats {
	return Stats{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// ─── Sink Composition ───────────────────────────────────────────────────────

// multiSink publishes to every wrapped sink in order.
type multiSink []domain.EventSink

func (m multiSink) Publish(evt domain.Event) {
	for _, s := range m {
		s.Publish(evt)
	}
}

// Fanout combines sinks into one. Nil sinks are skipped so callers can
// pass optional components (e.g. a relay that may be disabled) as-is.
func Fanout(sinks ...domain.EventSink) domain.EventSink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
