package app

import (
	"sync"
	"sync/atomic"

	"github.com/dkeye/rtpfanout/internal/domain"
	"github.com/rs/zerolog/log"
)

// Hub fans lifecycle events out to watchers. A watcher that does not keep up
// loses events instead of slowing down the registry.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	watchers map[uint64]chan domain.Event
	buffer   int

	dropped atomic.Uint64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 32
	}
	return &Hub{
		watchers: make(map[uint64]chan domain.Event),
		buffer:   buffer,
	}
}

func (h *Hub) Publish(ev domain.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, ch := range h.watchers {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
			log.Debug().Str("module", "app.hub").Uint64("watcher", id).Str("event", string(ev.Type)).Msg("watcher backpressure, event dropped")
		}
	}
}

// Watch registers a watcher. The returned cancel func closes the channel and is idempotent.
func (h *Hub) Watch() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, h.buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.watchers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.watchers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) WatcherCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers)
}

func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
