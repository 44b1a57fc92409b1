package hub

import (
	"sync"

	"github.com/google/uuid"

	"github.com/TrainLCD/THQ/internal/metrics"
	"github.com/TrainLCD/THQ/pkg/logging"
)

// subscriber is a registered fan-out target. Payloads are pushed into ch;
// a closed done channel means the owning connection has gone away.
type subscriber struct {
	ch   chan<- string
	done <-chan struct{}
}

// Hub retains the most recent broadcast payloads in a fixed-size ring and
// fans each new payload out to every registered subscriber. The ring and
// the registry are guarded separately so replaying history to a new
// subscriber never stalls appends from other connections.
type Hub struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	bufMu    sync.RWMutex
	buffer   []string
	writePos int
	count    int

	subMu sync.RWMutex
	subs  map[uuid.UUID]subscriber
}

// New creates a hub retaining up to capacity payloads. Capacities below
// one are raised to one.
func New(capacity int, logger logging.Logger, m *metrics.Metrics) *Hub {
	if capacity < 1 {
		capacity = 1
	}
	return &Hub{
		logger:  logger,
		metrics: m,
		buffer:  make([]string, capacity),
		subs:    make(map[uuid.UUID]subscriber),
	}
}

// AddSubscriber registers ch to receive every subsequent broadcast.
// Registering an id that is already present replaces the old entry. The
// hub never closes ch; the owner signals teardown by closing done.
func (h *Hub) AddSubscriber(id uuid.UUID, ch chan<- string, done <-chan struct{}) {
	h.subMu.Lock()
	h.subs[id] = subscriber{ch: ch, done: done}
	n := len(h.subs)
	h.subMu.Unlock()

	h.setSubscriberGauge(n)
	h.logger.WithFields(logging.Fields{
		"subscriber_id":    id.String(),
		"subscriber_count": n,
	}).Info("Subscriber registered")
}

// RemoveSubscriber drops the registration for id, if any.
func (h *Hub) RemoveSubscriber(id uuid.UUID) {
	h.subMu.Lock()
	_, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	n := len(h.subs)
	h.subMu.Unlock()

	if !ok {
		return
	}
	h.setSubscriberGauge(n)
	h.logger.WithFields(logging.Fields{
		"subscriber_id":    id.String(),
		"subscriber_count": n,
	}).Info("Subscriber removed")
}

// Snapshot returns the retained payloads, oldest first.
func (h *Hub) Snapshot() []string {
	h.bufMu.RLock()
	defer h.bufMu.RUnlock()

	out := make([]string, 0, h.count)
	start := h.writePos - h.count
	if start < 0 {
		start += len(h.buffer)
	}
	for i := 0; i < h.count; i++ {
		out = append(out, h.buffer[(start+i)%len(h.buffer)])
	}
	return out
}

// Broadcast appends payload to the ring, evicting the oldest entry when
// full, and offers it to every subscriber. Sends never block: a subscriber
// whose queue is full just misses this payload, and one whose done channel
// is closed is evicted afterwards.
func (h *Hub) Broadcast(payload string) {
	h.bufMu.Lock()
	h.buffer[h.writePos] = payload
	h.writePos = (h.writePos + 1) % len(h.buffer)
	if h.count < len(h.buffer) {
		h.count++
	}
	h.bufMu.Unlock()

	h.subMu.RLock()
	ids := make([]uuid.UUID, 0, len(h.subs))
	targets := make([]subscriber, 0, len(h.subs))
	for id, sub := range h.subs {
		ids = append(ids, id)
		targets = append(targets, sub)
	}
	h.subMu.RUnlock()

	var stale []uuid.UUID
	for i, sub := range targets {
		select {
		case <-sub.done:
			stale = append(stale, ids[i])
			continue
		default:
		}

		select {
		case sub.ch <- payload:
		default:
			h.countDropped("backpressure")
			h.logger.WithField("subscriber_id", ids[i].String()).Warn("Subscriber queue full, dropping payload")
		}
	}

	if len(stale) > 0 {
		h.evict(stale)
	}
}

// Stats reports the registered subscriber count plus ring occupancy and
// capacity, for health reporting.
func (h *Hub) Stats() (subscribers, buffered, capacity int) {
	h.subMu.RLock()
	subscribers = len(h.subs)
	h.subMu.RUnlock()

	h.bufMu.RLock()
	buffered = h.count
	capacity = len(h.buffer)
	h.bufMu.RUnlock()
	return subscribers, buffered, capacity
}

// evict removes subscribers observed closed during fan-out. Each id is
// re-checked under the write lock because it may have been re-registered
// with a live connection in the meantime.
func (h *Hub) evict(ids []uuid.UUID) {
	h.subMu.Lock()
	for _, id := range ids {
		sub, ok := h.subs[id]
		if !ok {
			continue
		}
		select {
		case <-sub.done:
			delete(h.subs, id)
			h.countDropped("closed")
		default:
		}
	}
	n := len(h.subs)
	h.subMu.Unlock()

	h.setSubscriberGauge(n)
	h.logger.WithFields(logging.Fields{
		"evicted":          len(ids),
		"subscriber_count": n,
	}).Info("Evicted closed subscribers")
}

func (h *Hub) countDropped(reason string) {
	if h.metrics != nil && h.metrics.HubDropped != nil {
		h.metrics.HubDropped.WithLabelValues(reason).Inc()
	}
}

func (h *Hub) setSubscriberGauge(n int) {
	if h.metrics != nil && h.metrics.HubSubscribers != nil {
		h.metrics.HubSubscribers.WithLabelValues("websocket").Set(float64(n))
	}
}
