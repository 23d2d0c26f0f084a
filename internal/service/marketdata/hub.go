package marketdata

import (
	"sync"

	"github.com/krobus00/trading-core/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const defaultSubscriberBuffer = 64

// Hub fans venue ticks out to subscribers and keeps the current best
// price per symbol. Reads never block on feed ingestion: the price table
// sits behind an RWMutex held only for map access, and subscriber
// delivery is non-blocking (a slow subscriber loses its oldest ticks
// instead of stalling the hub).
type Hub struct {
	mu         sync.RWMutex
	last       map[string]entity.Tick
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
}

type Subscription struct {
	hub     *Hub
	symbols []string
	ticks   chan entity.Tick
	once    sync.Once
}

// Ticks is the subscriber's bounded mailbox.
func (s *Subscription) Ticks() <-chan entity.Tick {
	return s.ticks
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.unsubscribe(s)
	})
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}

	return &Hub{
		last:       make(map[string]entity.Tick),
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Publish applies one tick. Ticks whose sequence is not newer than the
// last applied one for the symbol are dropped, which also absorbs
// duplicate and out-of-order feed delivery.
func (h *Hub) Publish(tick entity.Tick) {
	h.mu.Lock()

	if last, ok := h.last[tick.Symbol]; ok && tick.Sequence <= last.Sequence {
		h.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"symbol":   tick.Symbol,
			"sequence": tick.Sequence,
			"applied":  last.Sequence,
		}).Debug("stale tick dropped")
		return
	}

	h.last[tick.Symbol] = tick

	targets := make([]*Subscription, 0, len(h.subs[tick.Symbol]))
	for sub := range h.subs[tick.Symbol] {
		targets = append(targets, sub)
	}
	h.mu.Unlock()

	for _, sub := range targets {
		deliver(sub.ticks, tick)
	}
}

// deliver never blocks: when the mailbox is full the oldest tick is
// evicted so the subscriber always sees the most recent data.
func deliver(ch chan entity.Tick, tick entity.Tick) {
	for {
		select {
		case ch <- tick:
			return
		default:
		}

		select {
		case <-ch:
		default:
		}
	}
}

func (h *Hub) Subscribe(symbols ...string) *Subscription {
	sub := &Subscription{
		hub:     h,
		symbols: symbols,
		ticks:   make(chan entity.Tick, h.bufferSize),
	}

	h.mu.Lock()
	for _, symbol := range symbols {
		if h.subs[symbol] == nil {
			h.subs[symbol] = make(map[*Subscription]struct{})
		}
		h.subs[symbol][sub] = struct{}{}
	}
	h.mu.Unlock()

	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	for _, symbol := range sub.symbols {
		delete(h.subs[symbol], sub)
		if len(h.subs[symbol]) == 0 {
			delete(h.subs, symbol)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) LastTick(symbol string) (entity.Tick, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tick, ok := h.last[symbol]
	return tick, ok
}

func (h *Hub) LastPrice(symbol string) (decimal.Decimal, bool) {
	tick, ok := h.LastTick(symbol)
	if !ok {
		return decimal.Zero, false
	}
	return tick.Price, true
}
